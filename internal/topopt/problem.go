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

// Package topopt assembles a topology-optimization problem: mesh, design
// state, checkpointing and optimizer state, built in the same order on
// every rank.
package topopt

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/topopt-dev/topopt/internal/checkpoint"
	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/config"
	"github.com/topopt-dev/topopt/internal/design"
	"github.com/topopt-dev/topopt/internal/mesh"
	"github.com/topopt-dev/topopt/internal/metrics"
	"github.com/topopt-dev/topopt/internal/mma"
	"github.com/topopt-dev/topopt/internal/optimizer"
)

// Problem is a fully set-up run on one rank.
type Problem struct {
	Options     config.Options
	Mesh        *mesh.Mesh
	State       *design.State
	History     mma.History
	Optimizer   *mma.MMA
	Checkpoints *checkpoint.Manager
	Decision    checkpoint.Decision

	// Iteration and Scale are the loop counters the run resumes at.
	Iteration int
	Scale     float64

	comm comm.Comm
}

// Setup builds a problem from opts. It is collective; every rank must
// pass the same options. rec may be nil.
func Setup(ctx context.Context, c comm.Comm, fsys afero.Fs, opts config.Options, rec *metrics.Recorder) (p *Problem, err error) {
	log := logr.FromContextOrDiscard(ctx)

	rendered, err := opts.YAML()
	if err != nil {
		return nil, fmt.Errorf("rendering options: %w", err)
	}
	if err := comm.AllAgree(ctx, c, "topopt.options", rendered); err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}

	p = &Problem{Options: opts, comm: c}
	defer func() {
		if err != nil {
			p.Close()
			p = nil
		}
	}()

	if comm.IsRoot(c) {
		log.Info("FEM settings",
			"variant", opts.Variant.String(),
			"nodes", opts.Nodes,
			"bounds", opts.Bounds,
			"nlvls", opts.Levels,
			"ranks", c.Size())
	}
	p.Mesh, err = mesh.MustBuild(ctx, c, mesh.Params{
		Nodes:  opts.Nodes,
		Bounds: opts.Bounds,
		Levels: opts.Levels,
		Dof:    opts.Variant.NodalDof(),
	})
	if err != nil {
		return nil, fmt.Errorf("building mesh: %w", err)
	}
	summary := p.Mesh.Describe()
	if comm.IsRoot(c) {
		log.Info("Mesh ready", summary.KeysAndValues()...)
		rec.MeshBuilt(summary.Nodes, summary.Elements, c.Size())
	}

	p.State, err = design.Allocate(ctx, p.Mesh, design.Options{
		Constraints:    opts.Constraints,
		VolumeFraction: opts.VolumeFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("allocating design state: %w", err)
	}
	if p.History, err = mma.NewHistory(ctx, p.State.X); err != nil {
		return nil, fmt.Errorf("allocating optimizer history: %w", err)
	}

	if comm.IsRoot(c) {
		log.Info("Optimization settings",
			"n", p.State.Size(),
			"m", p.State.Constraints(),
			"filter", opts.Filter.String(),
			"rmin", opts.Rmin,
			"projectionFilter", opts.Projection,
			"beta", opts.Beta,
			"betaFinal", opts.BetaFinal,
			"eta", opts.Eta,
			"volfrac", opts.VolumeFraction,
			"penal", opts.Penal,
			"Emin", opts.Emin,
			"Emax", opts.Emax,
			"nu", opts.Nu,
			"maxItr", opts.MaxIterations,
			"movlim", opts.MoveLimit,
			"Xmin", opts.Xmin,
			"Xmax", opts.Xmax)
	}

	p.Checkpoints, err = checkpoint.NewManager(ctx, c, fsys, opts.Restart, checkpoint.WithRecorder(rec))
	if err != nil {
		return nil, err
	}
	res, err := optimizer.Allocate(ctx, p.Checkpoints, p.State, p.History)
	if err != nil {
		return nil, err
	}
	p.Optimizer = res.Optimizer
	p.Decision = res.Decision
	p.Iteration = res.Iteration
	p.Scale = res.Scale
	return p, nil
}

// Checkpoint exports the optimizer history and writes a checkpoint for
// iteration itr. It is collective.
func (p *Problem) Checkpoint(ctx context.Context, itr int) (checkpoint.Record, error) {
	h := p.History
	if err := p.Optimizer.Restart(h.Xo1, h.Xo2, h.U, h.L); err != nil {
		return checkpoint.Record{}, err
	}
	return p.Checkpoints.Write(ctx, itr, p.Scale, p.State, h)
}

// Summary describes a set-up problem.
type Summary struct {
	Variant         string       `yaml:"variant"`
	Mesh            mesh.Summary `yaml:"mesh"`
	DesignVariables int          `yaml:"designVariables"`
	Constraints     int          `yaml:"constraints"`
	Mode            string       `yaml:"resume"`
	Iteration       int          `yaml:"iteration"`
	Scale           float64      `yaml:"scale"`
	Ranks           int          `yaml:"ranks"`
}

// Summary summarises the problem.
func (p *Problem) Summary() Summary {
	return Summary{
		Variant:         p.Options.Variant.String(),
		Mesh:            p.Mesh.Describe(),
		DesignVariables: p.State.Size(),
		Constraints:     p.State.Constraints(),
		Mode:            p.Decision.Mode.String(),
		Iteration:       p.Iteration,
		Scale:           p.Scale,
		Ranks:           p.comm.Size(),
	}
}

// Close releases the optimizer, the design state and the mesh.
func (p *Problem) Close() {
	if p == nil {
		return
	}
	p.Optimizer.Destroy()
	p.History.Destroy()
	p.State.Destroy()
	p.Mesh.Destroy()
}
