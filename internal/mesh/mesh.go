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

package mesh

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-logr/logr"

	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/dmda"
	"github.com/topopt-dev/topopt/internal/logging"
)

// ExitIncompatible is the process exit status used when the mesh cannot
// support the requested multigrid hierarchy.
const ExitIncompatible = 1

// ErrInvalidParams is returned for malformed mesh parameters.
var ErrInvalidParams = errors.New("invalid mesh parameters")

// exitFunc terminates the process; tests replace it.
var exitFunc = os.Exit

var axisNames = [...]string{"X", "Y", "Z"}

// Params describes the mesh to build.
type Params struct {
	// Nodes is the node count per axis (2 or 3 axes).
	Nodes []int
	// Bounds is the bounding box as min/max pairs per axis.
	Bounds []float64
	// Levels is the number of multigrid levels.
	Levels int
	// Dof is the number of degrees of freedom per node.
	Dof int
	// Procs optionally fixes the process grid; zero entries are decided.
	Procs []int
}

func (p Params) validate() error {
	dim := len(p.Nodes)
	if dim < 2 || dim > 3 {
		return fmt.Errorf("%w: %d axes", ErrInvalidParams, dim)
	}
	if len(p.Bounds) != 2*dim {
		return fmt.Errorf("%w: %d bounding-box values for %d axes", ErrInvalidParams, len(p.Bounds), dim)
	}
	for axis, n := range p.Nodes {
		if n < 2 {
			return fmt.Errorf("%w: %s axis has %d nodes, need at least 2", ErrInvalidParams, axisNames[axis], n)
		}
		if lo, hi := p.Bounds[2*axis], p.Bounds[2*axis+1]; hi <= lo {
			return fmt.Errorf("%w: %s axis bounds [%g, %g] are empty", ErrInvalidParams, axisNames[axis], lo, hi)
		}
	}
	if p.Dof < 1 {
		return fmt.Errorf("%w: %d dofs per node", ErrInvalidParams, p.Dof)
	}
	return nil
}

// IncompatibleError reports an axis whose node count cannot be coarsened
// Levels-1 times.
type IncompatibleError struct {
	Axis   string
	Nodes  int
	Levels int
}

func (e *IncompatibleError) Error() string {
	return fmt.Sprintf("mesh dimension not compatible with number of multigrid levels: %s - number of nodes %d cannot be halved %d times",
		e.Axis, e.Nodes, e.Levels-1)
}

// CheckLevels verifies that every axis supports levels multigrid levels,
// reporting the first offending axis.
func CheckLevels(nodes []int, levels int) error {
	if levels < 1 {
		return fmt.Errorf("%w: %d multigrid levels", ErrInvalidParams, levels)
	}
	if levels > 31 {
		return fmt.Errorf("%w: %d multigrid levels is out of range", ErrInvalidParams, levels)
	}
	divisor := 1 << (levels - 1)
	for axis, n := range nodes {
		if (n-1)%divisor != 0 {
			return &IncompatibleError{Axis: axisNames[axis], Nodes: n, Levels: levels}
		}
	}
	return nil
}

// ElementRanges derives the element ownership ranges from the node
// ownership ranges: the first process column of every axis owns one
// element fewer than it owns nodes.
func ElementRanges(nodeRanges [][]int) [][]int {
	out := make([][]int, len(nodeRanges))
	for axis, r := range nodeRanges {
		out[axis] = append([]int(nil), r...)
		if len(out[axis]) > 0 {
			out[axis][0]--
		}
	}
	return out
}

// Mesh is the pair of node and element grids.
type Mesh struct {
	Nodes  *dmda.DA
	Elems  *dmda.DA
	Levels int

	bounds  []float64
	spacing []float64
}

// Build creates the node and element grids. It is collective.
func Build(ctx context.Context, c comm.Comm, p Params) (*Mesh, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if err := CheckLevels(p.Nodes, p.Levels); err != nil {
		return nil, err
	}
	log := logr.FromContextOrDiscard(ctx)
	dim := len(p.Nodes)

	nodes, err := dmda.Create(ctx, c, dmda.GridOptions{
		Sizes:        p.Nodes,
		Dof:          p.Dof,
		StencilWidth: 1,
		Procs:        p.Procs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating node grid: %w", err)
	}

	lo := make([]float64, dim)
	hi := make([]float64, dim)
	for axis := 0; axis < dim; axis++ {
		lo[axis], hi[axis] = p.Bounds[2*axis], p.Bounds[2*axis+1]
	}
	if err := nodes.SetUniformCoordinates(lo, hi); err != nil {
		nodes.Destroy()
		return nil, fmt.Errorf("setting node coordinates: %w", err)
	}
	h := nodes.Spacing()

	elemSizes := make([]int, dim)
	for axis, n := range p.Nodes {
		elemSizes[axis] = n - 1
	}
	elems, err := dmda.Create(ctx, c, dmda.GridOptions{
		Sizes:        elemSizes,
		Dof:          1,
		StencilWidth: 0,
		Procs:        nodes.Procs(),
		Ranges:       ElementRanges(nodes.OwnershipRanges()),
	})
	if err != nil {
		nodes.Destroy()
		return nil, fmt.Errorf("creating element grid: %w", err)
	}

	elo := make([]float64, dim)
	ehi := make([]float64, dim)
	for axis := range elo {
		elo[axis] = lo[axis] + h[axis]/2
		ehi[axis] = hi[axis] - h[axis]/2
	}
	if err := elems.SetUniformCoordinates(elo, ehi); err != nil {
		elems.Destroy()
		nodes.Destroy()
		return nil, fmt.Errorf("setting element coordinates: %w", err)
	}

	m := &Mesh{
		Nodes:   nodes,
		Elems:   elems,
		Levels:  p.Levels,
		bounds:  append([]float64(nil), p.Bounds...),
		spacing: h,
	}
	start, width := elems.Corners()
	log.V(logging.DEBUG).Info("Mesh built",
		"rank", c.Rank(),
		"elementStart", start,
		"elementWidth", width,
		"stencil", nodes.StencilWidth(),
		"procs", nodes.Procs())
	return m, nil
}

// MustBuild is Build with the multigrid gate made fatal: when the node
// counts cannot support the requested levels, rank 0 logs the diagnostic
// and every rank terminates the process with ExitIncompatible before any
// grid is created. Other failures are returned.
func MustBuild(ctx context.Context, c comm.Comm, p Params) (*Mesh, error) {
	m, err := Build(ctx, c, p)
	var inc *IncompatibleError
	if !errors.As(err, &inc) {
		return m, err
	}
	if comm.IsRoot(c) {
		logr.FromContextOrDiscard(ctx).Error(inc, "Mesh dimension not compatible with number of multigrid levels",
			"axis", inc.Axis,
			"nodes", inc.Nodes,
			"halvings", inc.Levels-1)
	}
	// Let the root report before anyone exits.
	if berr := comm.Barrier(ctx, c, "mesh.incompatible"); berr != nil {
		return nil, errors.Join(err, berr)
	}
	exitFunc(ExitIncompatible)
	return nil, err
}

// Dim returns the number of axes.
func (m *Mesh) Dim() int { return m.Nodes.Dim() }

// Spacing returns the node spacing per axis.
func (m *Mesh) Spacing() []float64 { return append([]float64(nil), m.spacing...) }

// Bounds returns the bounding box as min/max pairs per axis.
func (m *Mesh) Bounds() []float64 { return append([]float64(nil), m.bounds...) }

// Summary is a printable description of a mesh.
type Summary struct {
	Nodes    []int     `yaml:"nodes"`
	Elements []int     `yaml:"elements"`
	Dofs     int       `yaml:"dofs"`
	Extent   []float64 `yaml:"extent"`
	Levels   int       `yaml:"levels"`
	Procs    []int     `yaml:"procs"`
}

// Describe summarises the mesh.
func (m *Mesh) Describe() Summary {
	bounds := m.Bounds()
	extent := make([]float64, m.Dim())
	for axis := range extent {
		extent[axis] = bounds[2*axis+1] - bounds[2*axis]
	}
	return Summary{
		Nodes:    m.Nodes.Sizes(),
		Elements: m.Elems.Sizes(),
		Dofs:     m.Nodes.GlobalLen(),
		Extent:   extent,
		Levels:   m.Levels,
		Procs:    m.Nodes.Procs(),
	}
}

// KeysAndValues renders the summary as logr key/value pairs.
func (s Summary) KeysAndValues() []any {
	return []any{
		"nodes", s.Nodes,
		"elements", s.Elements,
		"dofs", s.Dofs,
		"extent", s.Extent,
		"nlvls", s.Levels,
		"procs", s.Procs,
	}
}

// Destroy releases both grids.
func (m *Mesh) Destroy() {
	if m == nil {
		return
	}
	m.Elems.Destroy()
	m.Nodes.Destroy()
}
