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

// Package design allocates and owns the distributed optimization state of
// a topology-optimization run: design variables, their filtered and
// physical counterparts, move-limit bounds, sensitivities, passive-region
// masks and node-resolution accumulators.
package design

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"

	"github.com/topopt-dev/topopt/internal/dmda"
	"github.com/topopt-dev/topopt/internal/logging"
	"github.com/topopt-dev/topopt/internal/mesh"
)

// PassiveMasks is the number of passive-region masks.
const PassiveMasks = 4

var (
	// ErrMeshNotReady is returned when allocating against a mesh that has not been built.
	ErrMeshNotReady = errors.New("mesh has not been built")
	// ErrInvalidOptions is returned for unusable allocation options.
	ErrInvalidOptions = errors.New("invalid design options")
	// ErrLayout is returned by Validate when a field breaks the layout invariants.
	ErrLayout = errors.New("design state layout violated")
)

// Options controls the initial state.
type Options struct {
	// Constraints is the number of constraints m.
	Constraints int
	// VolumeFraction seeds the design and its bounds.
	VolumeFraction float64
}

// State is the complete set of per-iteration optimization vectors.
// Element fields share the element grid's layout, node fields the node
// grid's.
type State struct {
	X      *dmda.Vec
	XTilde *dmda.Vec
	XPhys  *dmda.Vec
	XOld   *dmda.Vec
	XMin   *dmda.Vec
	XMax   *dmda.Vec
	DfDx   *dmda.Vec
	DgDx   []*dmda.Vec
	Gx     []float64

	XPassive [PassiveMasks]*dmda.Vec

	NodeDensity      *dmda.Vec
	NodeAddingCounts *dmda.Vec

	mesh *mesh.Mesh
}

// Allocate creates every state vector against m. It is collective. On
// failure all vectors created so far are released.
func Allocate(ctx context.Context, m *mesh.Mesh, opts Options) (*State, error) {
	if m == nil || m.Elems == nil || m.Nodes == nil {
		return nil, ErrMeshNotReady
	}
	if opts.Constraints < 1 {
		return nil, fmt.Errorf("%w: %d constraints", ErrInvalidOptions, opts.Constraints)
	}
	if opts.VolumeFraction <= 0 || opts.VolumeFraction > 1 {
		return nil, fmt.Errorf("%w: volume fraction %g", ErrInvalidOptions, opts.VolumeFraction)
	}

	s := &State{mesh: m, Gx: make([]float64, opts.Constraints)}
	ok := false
	defer func() {
		if !ok {
			s.Destroy()
		}
	}()

	var err error
	if s.XPhys, err = m.Elems.CreateGlobalVector(ctx); err != nil {
		return nil, fmt.Errorf("allocating xPhys: %w", err)
	}
	if s.NodeDensity, err = m.Nodes.CreateGlobalVector(ctx); err != nil {
		return nil, fmt.Errorf("allocating nodeDensity: %w", err)
	}

	elem := []struct {
		name string
		dst  **dmda.Vec
	}{
		{"x", &s.X},
		{"xTilde", &s.XTilde},
		{"xOld", &s.XOld},
		{"xMin", &s.XMin},
		{"xMax", &s.XMax},
		{"dfdx", &s.DfDx},
		{"xPassive0", &s.XPassive[0]},
		{"xPassive1", &s.XPassive[1]},
		{"xPassive2", &s.XPassive[2]},
		{"xPassive3", &s.XPassive[3]},
	}
	for _, f := range elem {
		if *f.dst, err = s.XPhys.Duplicate(ctx); err != nil {
			return nil, fmt.Errorf("allocating %s: %w", f.name, err)
		}
	}
	if s.DgDx, err = s.DfDx.DuplicateVecs(ctx, opts.Constraints); err != nil {
		return nil, fmt.Errorf("allocating dgdx: %w", err)
	}
	if s.NodeAddingCounts, err = s.NodeDensity.Duplicate(ctx); err != nil {
		return nil, fmt.Errorf("allocating nodeAddingCounts: %w", err)
	}

	for _, v := range []*dmda.Vec{s.X, s.XTilde, s.XPhys, s.XOld, s.XMin, s.XMax} {
		v.Set(opts.VolumeFraction)
	}
	// Sensitivities, masks and node fields start zeroed.

	ok = true
	logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Design state allocated",
		"designVariables", s.X.Size(),
		"constraints", opts.Constraints,
		"nodeValues", s.NodeDensity.Size())
	return s, nil
}

// Mesh returns the mesh the state was allocated against.
func (s *State) Mesh() *mesh.Mesh { return s.mesh }

// Size is the global number of design variables n.
func (s *State) Size() int { return s.X.Size() }

// Constraints is the number of constraints m.
func (s *State) Constraints() int { return len(s.Gx) }

// ElementFields returns every element-domain vector.
func (s *State) ElementFields() []*dmda.Vec {
	out := []*dmda.Vec{s.X, s.XTilde, s.XPhys, s.XOld, s.XMin, s.XMax, s.DfDx}
	out = append(out, s.DgDx...)
	return append(out, s.XPassive[:]...)
}

// NodeFields returns every node-domain vector.
func (s *State) NodeFields() []*dmda.Vec {
	return []*dmda.Vec{s.NodeDensity, s.NodeAddingCounts}
}

// Validate checks the layout invariants: element fields on the element
// grid, node fields on the node grid, m gradients and m constraint values.
func (s *State) Validate() error {
	var errs []error
	for i, v := range s.ElementFields() {
		if v == nil || !s.mesh.Elems.Compatible(v.Layout()) {
			errs = append(errs, fmt.Errorf("%w: element field %d not on the element grid", ErrLayout, i))
		}
	}
	for i, v := range s.NodeFields() {
		if v == nil || !s.mesh.Nodes.Compatible(v.Layout()) {
			errs = append(errs, fmt.Errorf("%w: node field %d not on the node grid", ErrLayout, i))
		}
	}
	if len(s.DgDx) != len(s.Gx) {
		errs = append(errs, fmt.Errorf("%w: %d constraint gradients for %d constraints", ErrLayout, len(s.DgDx), len(s.Gx)))
	}
	return errors.Join(errs...)
}

// Destroy releases every vector. It is safe on a partially allocated state.
func (s *State) Destroy() {
	if s == nil {
		return
	}
	all := []*dmda.Vec{s.X, s.XTilde, s.XPhys, s.XOld, s.XMin, s.XMax, s.DfDx, s.NodeDensity, s.NodeAddingCounts}
	all = append(all, s.DgDx...)
	all = append(all, s.XPassive[:]...)
	for _, v := range all {
		v.Destroy()
	}
}
