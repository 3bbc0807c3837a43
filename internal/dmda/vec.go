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
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/topopt-dev/topopt/internal/comm"
)

// Vec is a global vector distributed according to a DA. Each rank stores
// only the values of the points it owns.
type Vec struct {
	da        *DA
	data      []float64
	destroyed bool
}

// CreateGlobalVector allocates a zeroed vector with da's layout. It is
// collective.
func (da *DA) CreateGlobalVector(ctx context.Context) (*Vec, error) {
	if da == nil || da.destroyed {
		return nil, fmt.Errorf("creating vector: %w", ErrDestroyed)
	}
	if err := comm.Barrier(ctx, da.comm, "dmda.create_global_vector"); err != nil {
		return nil, fmt.Errorf("creating vector: %w", err)
	}
	return &Vec{da: da, data: make([]float64, da.LocalLen())}, nil
}

// Duplicate allocates a zeroed vector with v's layout. Values are not
// copied; use Copy for that.
func (v *Vec) Duplicate(ctx context.Context) (*Vec, error) {
	if v == nil || v.destroyed {
		return nil, fmt.Errorf("duplicating vector: %w", ErrDestroyed)
	}
	if err := comm.Barrier(ctx, v.da.comm, "dmda.vec_duplicate"); err != nil {
		return nil, fmt.Errorf("duplicating vector: %w", err)
	}
	return &Vec{da: v.da, data: make([]float64, len(v.data))}, nil
}

// DuplicateVecs allocates m zeroed vectors with v's layout.
func (v *Vec) DuplicateVecs(ctx context.Context, m int) ([]*Vec, error) {
	out := make([]*Vec, 0, m)
	for i := 0; i < m; i++ {
		w, err := v.Duplicate(ctx)
		if err != nil {
			for _, done := range out {
				done.Destroy()
			}
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}

// Layout returns the grid the vector is distributed over.
func (v *Vec) Layout() *DA { return v.da }

// Local returns the calling rank's values. The slice aliases the vector.
func (v *Vec) Local() []float64 { return v.data }

// LocalSize is the number of values stored on the calling rank.
func (v *Vec) LocalSize() int { return len(v.data) }

// Size is the global number of values.
func (v *Vec) Size() int { return v.da.GlobalLen() }

// Set assigns a to every locally owned value.
func (v *Vec) Set(a float64) {
	for i := range v.data {
		v.data[i] = a
	}
}

// Copy copies v's values into dst.
func (v *Vec) Copy(dst *Vec) error {
	if v.destroyed || dst.destroyed {
		return fmt.Errorf("copying vector: %w", ErrDestroyed)
	}
	if !SameLayout(v, dst) {
		return fmt.Errorf("copying vector: %w", ErrLayoutMismatch)
	}
	copy(dst.data, v.data)
	return nil
}

// SameLayout reports whether a and b share a partition layout.
func SameLayout(a, b *Vec) bool {
	if a == nil || b == nil {
		return false
	}
	return a.da.Compatible(b.da)
}

// Sum returns the global sum of the vector. It is collective.
func (v *Vec) Sum(ctx context.Context) (float64, error) {
	return comm.AllreduceSum(ctx, v.da.comm, "dmda.vec_sum", floats.Sum(v.data))
}

// Max returns the global maximum of the vector. It is collective.
func (v *Vec) Max(ctx context.Context) (float64, error) {
	local := math.Inf(-1)
	if len(v.data) > 0 {
		local = floats.Max(v.data)
	}
	return comm.AllreduceMax(ctx, v.da.comm, "dmda.vec_max", local)
}

// Min returns the global minimum of the vector. It is collective.
func (v *Vec) Min(ctx context.Context) (float64, error) {
	local := math.Inf(1)
	if len(v.data) > 0 {
		local = floats.Min(v.data)
	}
	return comm.AllreduceMin(ctx, v.da.comm, "dmda.vec_min", local)
}

// Equal reports whether v and w hold identical values on every rank. It
// is collective.
func (v *Vec) Equal(ctx context.Context, w *Vec) (bool, error) {
	same := 1.0
	if !SameLayout(v, w) || !floats.Equal(v.data, w.data) {
		same = 0
	}
	all, err := comm.AllreduceMin(ctx, v.da.comm, "dmda.vec_equal", same)
	if err != nil {
		return false, err
	}
	return all == 1, nil
}

// Destroy releases the vector's storage. Destroying twice is a no-op.
func (v *Vec) Destroy() {
	if v == nil {
		return
	}
	v.data = nil
	v.destroyed = true
}
