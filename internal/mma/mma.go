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

// Package mma holds the state of the method-of-moving-asymptotes optimizer
// between iterations: the two previous design iterates, the lower and upper
// asymptotes, the per-constraint coefficients and the iteration counter.
//
// The update step itself is computed elsewhere; this package owns only the
// state that must survive a restart.
package mma

import (
	"context"
	"errors"
	"fmt"

	"github.com/topopt-dev/topopt/internal/dmda"
)

// ErrInvalidArgs is returned for inconsistent constructor arguments.
var ErrInvalidArgs = errors.New("invalid optimizer arguments")

// Coefficients are the per-constraint terms of the MMA subproblem.
type Coefficients struct {
	A []float64
	C []float64
	D []float64
}

func (c Coefficients) clone() Coefficients {
	return Coefficients{
		A: append([]float64(nil), c.A...),
		C: append([]float64(nil), c.C...),
		D: append([]float64(nil), c.D...),
	}
}

// History is the optimizer state stored in a checkpoint.
type History struct {
	Xo1 *dmda.Vec
	Xo2 *dmda.Vec
	U   *dmda.Vec
	L   *dmda.Vec
}

// Vectors returns the history in checkpoint order.
func (h History) Vectors() []*dmda.Vec {
	return []*dmda.Vec{h.Xo1, h.Xo2, h.U, h.L}
}

// NewHistory allocates zeroed history vectors with like's layout. It is
// collective.
func NewHistory(ctx context.Context, like *dmda.Vec) (History, error) {
	vs, err := like.DuplicateVecs(ctx, 4)
	if err != nil {
		return History{}, err
	}
	return History{Xo1: vs[0], Xo2: vs[1], U: vs[2], L: vs[3]}, nil
}

// Destroy releases the history vectors.
func (h History) Destroy() {
	for _, v := range h.Vectors() {
		v.Destroy()
	}
}

// MMA is the optimizer state for n design variables and m constraints.
type MMA struct {
	n, m  int
	itr   int
	coef  Coefficients
	state History
}

// New starts an optimizer from the design x: both previous iterates are
// copies of x and the asymptotes are zero. It is collective.
func New(ctx context.Context, n, m int, x *dmda.Vec, coef Coefficients) (*MMA, error) {
	if err := checkArgs(n, m, x, coef); err != nil {
		return nil, err
	}
	h, err := NewHistory(ctx, x)
	if err != nil {
		return nil, fmt.Errorf("allocating optimizer state: %w", err)
	}
	for _, v := range []*dmda.Vec{h.Xo1, h.Xo2} {
		if err := x.Copy(v); err != nil {
			h.Destroy()
			return nil, err
		}
	}
	return &MMA{n: n, m: m, coef: coef.clone(), state: h}, nil
}

// NewFromHistory resumes an optimizer at iteration itr from previously
// saved state. The vectors are copied. It is collective.
func NewFromHistory(ctx context.Context, n, m, itr int, saved History, coef Coefficients) (*MMA, error) {
	if err := checkArgs(n, m, saved.Xo1, coef); err != nil {
		return nil, err
	}
	if itr < 0 {
		return nil, fmt.Errorf("%w: iteration %d", ErrInvalidArgs, itr)
	}
	h, err := NewHistory(ctx, saved.Xo1)
	if err != nil {
		return nil, fmt.Errorf("allocating optimizer state: %w", err)
	}
	dst := h.Vectors()
	for i, src := range saved.Vectors() {
		if src == nil {
			h.Destroy()
			return nil, fmt.Errorf("%w: history vector %d missing", ErrInvalidArgs, i)
		}
		if err := src.Copy(dst[i]); err != nil {
			h.Destroy()
			return nil, err
		}
	}
	return &MMA{n: n, m: m, itr: itr, coef: coef.clone(), state: h}, nil
}

func checkArgs(n, m int, x *dmda.Vec, coef Coefficients) error {
	if x == nil {
		return fmt.Errorf("%w: no design vector", ErrInvalidArgs)
	}
	if n != x.Size() {
		return fmt.Errorf("%w: n=%d but design vector has %d entries", ErrInvalidArgs, n, x.Size())
	}
	if m < 1 {
		return fmt.Errorf("%w: m=%d", ErrInvalidArgs, m)
	}
	if len(coef.A) != m || len(coef.C) != m || len(coef.D) != m {
		return fmt.Errorf("%w: coefficients sized %d/%d/%d for m=%d",
			ErrInvalidArgs, len(coef.A), len(coef.C), len(coef.D), m)
	}
	return nil
}

// Restart copies the internal history out into the given vectors.
func (o *MMA) Restart(xo1, xo2, U, L *dmda.Vec) error {
	dst := []*dmda.Vec{xo1, xo2, U, L}
	for i, src := range o.state.Vectors() {
		if err := src.Copy(dst[i]); err != nil {
			return fmt.Errorf("exporting optimizer history: %w", err)
		}
	}
	return nil
}

// History returns the internal state vectors. They alias the optimizer.
func (o *MMA) History() History { return o.state }

// Coefficients returns a copy of the subproblem coefficients.
func (o *MMA) Coefficients() Coefficients { return o.coef.clone() }

// Iteration returns the outer iteration counter.
func (o *MMA) Iteration() int { return o.itr }

// SetIteration sets the outer iteration counter.
func (o *MMA) SetIteration(itr int) { o.itr = itr }

// Size is the number of design variables.
func (o *MMA) Size() int { return o.n }

// Constraints is the number of constraints.
func (o *MMA) Constraints() int { return o.m }

// Destroy releases the optimizer state.
func (o *MMA) Destroy() {
	if o != nil {
		o.state.Destroy()
	}
}
