/*
Copyright 2025 The TopOpt Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package optimizer

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/topopt-dev/topopt/internal/checkpoint"
	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/design"
	"github.com/topopt-dev/topopt/internal/mma"
)

// Default subproblem coefficients per constraint.
const (
	DefaultA = 0.0
	DefaultC = 1000.0
	DefaultD = 0.0

	// DefaultScale is the objective scale of a fresh run.
	DefaultScale = 1.0
)

// DefaultCoefficients returns the default coefficients for m constraints.
func DefaultCoefficients(m int) mma.Coefficients {
	c := mma.Coefficients{A: make([]float64, m), C: make([]float64, m), D: make([]float64, m)}
	for i := 0; i < m; i++ {
		c.A[i], c.C[i], c.D[i] = DefaultA, DefaultC, DefaultD
	}
	return c
}

// Inputs is everything a Builder may draw on.
type Inputs struct {
	State   *design.State
	History mma.History
	Sidecar checkpoint.Sidecar
	Coef    mma.Coefficients
}

// Start is the optimizer together with the loop counters it resumes at.
type Start struct {
	Optimizer *mma.MMA
	Iteration int
	Scale     float64
}

// Builder constructs the optimizer for one startup mode.
type Builder interface {
	// Build creates the optimizer. It is collective.
	Build(ctx context.Context, in Inputs) (Start, error)
}

// NewBuilder is a factory that returns the Builder for a resume mode.
func NewBuilder(mode checkpoint.Mode) (Builder, error) {
	switch mode {
	case checkpoint.ColdStart, checkpoint.DesignOnly:
		// Design-only differs from a cold start only in where x came from.
		return fromDesign{}, nil
	case checkpoint.Continue:
		return fromHistory{}, nil
	default:
		return nil, fmt.Errorf("unsupported resume mode: %v", mode)
	}
}

type fromDesign struct{}

func (fromDesign) Build(ctx context.Context, in Inputs) (Start, error) {
	s := in.State
	o, err := mma.New(ctx, s.Size(), s.Constraints(), s.X, in.Coef)
	if err != nil {
		return Start{}, err
	}
	return Start{Optimizer: o, Iteration: 0, Scale: DefaultScale}, nil
}

type fromHistory struct{}

func (fromHistory) Build(ctx context.Context, in Inputs) (Start, error) {
	s := in.State
	o, err := mma.NewFromHistory(ctx, s.Size(), s.Constraints(), in.Sidecar.Iteration, in.History, in.Coef)
	if err != nil {
		return Start{}, err
	}
	return Start{Optimizer: o, Iteration: in.Sidecar.Iteration, Scale: in.Sidecar.Scale}, nil
}

// Result is the outcome of Allocate.
type Result struct {
	Start
	Decision checkpoint.Decision
}

// Allocate decides how the run starts, loads the checkpoint when resuming
// and builds the optimizer. history receives the loaded optimizer history
// and must have the design vector's layout. It is collective.
func Allocate(ctx context.Context, mgr *checkpoint.Manager, s *design.State, history mma.History) (Result, error) {
	d, err := mgr.Decide(ctx)
	if err != nil {
		return Result{}, err
	}

	in := Inputs{
		State:   s,
		History: history,
		Coef:    DefaultCoefficients(s.Constraints()),
	}
	if d.Resume() {
		if in.Sidecar, err = mgr.Load(ctx, d, s, history); err != nil {
			return Result{}, fmt.Errorf("loading checkpoint: %w", err)
		}
	}

	b, err := NewBuilder(d.Mode)
	if err != nil {
		return Result{}, err
	}
	start, err := b.Build(ctx, in)
	if err != nil {
		return Result{}, fmt.Errorf("building optimizer: %w", err)
	}

	if comm.IsRoot(mgr.Comm()) {
		logr.FromContextOrDiscard(ctx).Info("Optimizer ready",
			"mode", d.Mode.String(),
			"designVariables", start.Optimizer.Size(),
			"constraints", start.Optimizer.Constraints(),
			"iteration", start.Iteration,
			"scale", start.Scale)
	}
	return Result{Start: start, Decision: d}, nil
}
