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

package dmda

import (
	"context"
	"errors"
	"fmt"

	"github.com/topopt-dev/topopt/internal/comm"
)

var (
	// ErrInvalidGrid is returned by Create for an unusable grid.
	ErrInvalidGrid = errors.New("invalid grid options")
	// ErrLayoutMismatch is returned when two vectors do not share a partition layout.
	ErrLayoutMismatch = errors.New("vector layouts differ")
	// ErrDestroyed is returned when a destroyed grid or vector is used.
	ErrDestroyed = errors.New("object has been destroyed")
)

// GridOptions describes a grid to create.
type GridOptions struct {
	// Sizes is the global number of points per axis (2 or 3 axes).
	Sizes []int
	// Dof is the number of values stored per point.
	Dof int
	// StencilWidth is the ghost width a point couples to. Linear
	// finite elements use 1, cell-wise data uses 0.
	StencilWidth int
	// Procs optionally fixes the number of processes per axis.
	// A zero entry (or a nil slice) lets Create decide.
	Procs []int
	// Ranges optionally fixes the number of points owned by each
	// process column, per axis. When set, Procs is implied.
	Ranges [][]int
}

func (s GridOptions) fingerprint() string {
	return fmt.Sprintf("sizes=%v dof=%d s=%d procs=%v ranges=%v", s.Sizes, s.Dof, s.StencilWidth, s.Procs, s.Ranges)
}

// DA is a distributed structured grid. It is immutable after Create,
// apart from its coordinates.
type DA struct {
	comm    comm.Comm
	sizes   []int
	procs   []int
	ranges  [][]int
	dof     int
	stencil int

	// local box of the calling rank
	start []int
	width []int

	coordMin []float64
	coordMax []float64

	destroyed bool
}

// Create builds a grid over c. It is collective: every rank must pass
// identical GridOptions.
func Create(ctx context.Context, c comm.Comm, opts GridOptions) (*DA, error) {
	if err := comm.AllAgree(ctx, c, "dmda.create", opts.fingerprint()); err != nil {
		return nil, fmt.Errorf("creating grid: %w", err)
	}
	procs, ranges, err := layout(opts, c.Size())
	if err != nil {
		return nil, err
	}

	da := &DA{
		comm:    c,
		sizes:   append([]int(nil), opts.Sizes...),
		procs:   procs,
		ranges:  ranges,
		dof:     opts.Dof,
		stencil: opts.StencilWidth,
	}
	da.start, da.width = da.box(c.Rank())
	return da, nil
}

// layout validates opts and resolves the process grid and ownership ranges
// for a communicator of the given size. It is deterministic, so every rank
// reaches the same answer without communicating.
func layout(opts GridOptions, size int) ([]int, [][]int, error) {
	dim := len(opts.Sizes)
	if dim < 2 || dim > 3 {
		return nil, nil, fmt.Errorf("%w: %d axes, want 2 or 3", ErrInvalidGrid, dim)
	}
	for axis, n := range opts.Sizes {
		if n < 1 {
			return nil, nil, fmt.Errorf("%w: axis %d has %d points", ErrInvalidGrid, axis, n)
		}
	}
	if opts.Dof < 1 {
		return nil, nil, fmt.Errorf("%w: dof %d", ErrInvalidGrid, opts.Dof)
	}
	if opts.StencilWidth < 0 {
		return nil, nil, fmt.Errorf("%w: stencil width %d", ErrInvalidGrid, opts.StencilWidth)
	}
	if opts.Procs != nil && len(opts.Procs) != dim {
		return nil, nil, fmt.Errorf("%w: %d process counts for %d axes", ErrInvalidGrid, len(opts.Procs), dim)
	}

	var procs []int
	var ranges [][]int
	if opts.Ranges != nil {
		if len(opts.Ranges) != dim {
			return nil, nil, fmt.Errorf("%w: ranges for %d axes, want %d", ErrInvalidGrid, len(opts.Ranges), dim)
		}
		procs = make([]int, dim)
		ranges = make([][]int, dim)
		for axis, r := range opts.Ranges {
			procs[axis] = len(r)
			if opts.Procs != nil && opts.Procs[axis] > 0 && opts.Procs[axis] != len(r) {
				return nil, nil, fmt.Errorf("%w: axis %d has %d ranges but %d processes",
					ErrInvalidGrid, axis, len(r), opts.Procs[axis])
			}
			ranges[axis] = append([]int(nil), r...)
		}
	} else {
		var err error
		procs, err = decideProcs(opts.Sizes, size, opts.Procs)
		if err != nil {
			return nil, nil, err
		}
		ranges = make([][]int, dim)
		for axis := range opts.Sizes {
			ranges[axis] = splitAxis(opts.Sizes[axis], procs[axis])
		}
	}

	total := 1
	for _, p := range procs {
		total *= p
	}
	if total != size {
		return nil, nil, fmt.Errorf("%w: process grid %v has %d processes, communicator has %d",
			ErrInvalidGrid, procs, total, size)
	}

	minWidth := max(1, opts.StencilWidth)
	for axis, r := range ranges {
		sum := 0
		for i, w := range r {
			if w < minWidth {
				return nil, nil, fmt.Errorf("%w: axis %d process %d owns %d points, need at least %d",
					ErrInvalidGrid, axis, i, w, minWidth)
			}
			sum += w
		}
		if sum != opts.Sizes[axis] {
			return nil, nil, fmt.Errorf("%w: axis %d ranges sum to %d, grid has %d points",
				ErrInvalidGrid, axis, sum, opts.Sizes[axis])
		}
	}
	return procs, ranges, nil
}

// decideProcs factors size over the axes, minimising the ghost surface of
// one process block. Fixed entries are honoured. Ties keep the first
// candidate in enumeration order (fewer processes on the x axis first).
func decideProcs(sizes []int, size int, fixed []int) ([]int, error) {
	dim := len(sizes)
	var best []int
	bestCost := -1

	fits := func(axis, p int) bool {
		if p > sizes[axis] {
			return false
		}
		return fixed == nil || fixed[axis] == 0 || fixed[axis] == p
	}
	consider := func(p []int) {
		cost := 0
		for i := range p {
			face := 1
			for j := range p {
				if j != i {
					face *= ceilDiv(sizes[j], p[j])
				}
			}
			cost += face
		}
		if bestCost < 0 || cost < bestCost {
			bestCost = cost
			best = append([]int(nil), p...)
		}
	}

	for px := 1; px <= size; px++ {
		if size%px != 0 || !fits(0, px) {
			continue
		}
		rest := size / px
		if dim == 2 {
			if fits(1, rest) {
				consider([]int{px, rest})
			}
			continue
		}
		for py := 1; py <= rest; py++ {
			if rest%py != 0 || !fits(1, py) {
				continue
			}
			if pz := rest / py; fits(2, pz) {
				consider([]int{px, py, pz})
			}
		}
	}
	if best == nil {
		return nil, fmt.Errorf("%w: cannot distribute grid %v over %d processes (fixed %v)",
			ErrInvalidGrid, sizes, size, fixed)
	}
	return best, nil
}

// splitAxis distributes n points over p processes, the first n%p
// processes owning one extra point.
func splitAxis(n, p int) []int {
	out := make([]int, p)
	for i := range out {
		out[i] = n / p
		if n%p > i {
			out[i]++
		}
	}
	return out
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

// processCoords maps a rank onto the process grid, x fastest.
func processCoords(rank int, procs []int) []int {
	out := make([]int, len(procs))
	for axis, p := range procs {
		out[axis] = rank % p
		rank /= p
	}
	return out
}

// box returns the first owned point and the owned extent per axis of rank.
func (da *DA) box(rank int) (start, width []int) {
	coords := processCoords(rank, da.procs)
	start = make([]int, len(da.sizes))
	width = make([]int, len(da.sizes))
	for axis := range da.sizes {
		for i := 0; i < coords[axis]; i++ {
			start[axis] += da.ranges[axis][i]
		}
		width[axis] = da.ranges[axis][coords[axis]]
	}
	return start, width
}

// Comm returns the communicator the grid lives on.
func (da *DA) Comm() comm.Comm { return da.comm }

// Dim returns the number of axes.
func (da *DA) Dim() int { return len(da.sizes) }

// Dof returns the number of values per point.
func (da *DA) Dof() int { return da.dof }

// StencilWidth returns the ghost width.
func (da *DA) StencilWidth() int { return da.stencil }

// Sizes returns the global point count per axis.
func (da *DA) Sizes() []int { return append([]int(nil), da.sizes...) }

// Procs returns the number of processes per axis.
func (da *DA) Procs() []int { return append([]int(nil), da.procs...) }

// OwnershipRanges returns, per axis, the number of points owned by each
// process column.
func (da *DA) OwnershipRanges() [][]int {
	out := make([][]int, len(da.ranges))
	for axis, r := range da.ranges {
		out[axis] = append([]int(nil), r...)
	}
	return out
}

// Corners returns the first owned point and the owned extent per axis
// of the calling rank.
func (da *DA) Corners() (start, width []int) {
	return append([]int(nil), da.start...), append([]int(nil), da.width...)
}

// LocalLen is the number of values stored on the calling rank.
func (da *DA) LocalLen() int {
	n := da.dof
	for _, w := range da.width {
		n *= w
	}
	return n
}

// GlobalLen is the number of values in a global vector.
func (da *DA) GlobalLen() int {
	n := da.dof
	for _, s := range da.sizes {
		n *= s
	}
	return n
}

// Compatible reports whether vectors of da and other can be combined
// point-wise without redistribution.
func (da *DA) Compatible(other *DA) bool {
	if da == other {
		return true
	}
	if da == nil || other == nil {
		return false
	}
	if da.dof != other.dof || da.comm.Size() != other.comm.Size() || da.comm.Rank() != other.comm.Rank() {
		return false
	}
	if !equalInts(da.sizes, other.sizes) || !equalInts(da.procs, other.procs) {
		return false
	}
	for axis := range da.ranges {
		if !equalInts(da.ranges[axis], other.ranges[axis]) {
			return false
		}
	}
	return true
}

// SetUniformCoordinates assigns evenly spaced coordinates between min[i]
// and max[i] on every axis.
func (da *DA) SetUniformCoordinates(min, max []float64) error {
	if len(min) != da.Dim() || len(max) != da.Dim() {
		return fmt.Errorf("%w: coordinates for %d/%d axes, grid has %d",
			ErrInvalidGrid, len(min), len(max), da.Dim())
	}
	for axis := range min {
		if max[axis] < min[axis] {
			return fmt.Errorf("%w: axis %d coordinate range [%g, %g] is reversed",
				ErrInvalidGrid, axis, min[axis], max[axis])
		}
	}
	da.coordMin = append([]float64(nil), min...)
	da.coordMax = append([]float64(nil), max...)
	return nil
}

// Coordinates returns the coordinate range per axis, or nils when unset.
func (da *DA) Coordinates() (min, max []float64) {
	if da.coordMin == nil {
		return nil, nil
	}
	return append([]float64(nil), da.coordMin...), append([]float64(nil), da.coordMax...)
}

// Spacing returns the distance between neighbouring points per axis.
// Axes with a single point, and grids without coordinates, report 0.
func (da *DA) Spacing() []float64 {
	out := make([]float64, da.Dim())
	if da.coordMin == nil {
		return out
	}
	for axis, n := range da.sizes {
		if n > 1 {
			out[axis] = (da.coordMax[axis] - da.coordMin[axis]) / float64(n-1)
		}
	}
	return out
}

// Coordinate returns the position of point index i along axis.
func (da *DA) Coordinate(axis, i int) float64 {
	if da.coordMin == nil {
		return 0
	}
	return da.coordMin[axis] + float64(i)*da.Spacing()[axis]
}

// Destroy marks the grid as released. Vectors already created keep
// their storage until destroyed themselves.
func (da *DA) Destroy() {
	if da != nil {
		da.destroyed = true
	}
}

// forEachPoint visits every point of the box (start, width) in local
// lexicographic order, passing the local and natural offsets of its first
// value.
func (da *DA) forEachPoint(start, width []int, fn func(local, natural int)) {
	nx, ny := da.sizes[0], da.sizes[1]
	wz, z0 := 1, 0
	if len(da.sizes) == 3 {
		wz, z0 = width[2], start[2]
	}
	local := 0
	for k := 0; k < wz; k++ {
		for j := 0; j < width[1]; j++ {
			row := ((z0+k)*ny + start[1] + j) * nx
			for i := 0; i < width[0]; i++ {
				fn(local*da.dof, (row+start[0]+i)*da.dof)
				local++
			}
		}
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
