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

// Package comm provides the single-program-multiple-data communicator used
// by every collective operation in the solver core.
//
// Every participant (rank) runs the same control flow. Geometry, vector
// and checkpoint operations are collectives: all ranks must issue them in
// the same relative order. Each exchange carries an operation tag, and an
// exchange in which the ranks disagree on the tag fails on every rank with
// ErrCollectiveMismatch rather than silently pairing unrelated calls.
//
// Decisions that depend on local state (for example whether a restart file
// exists) are taken on one rank and broadcast, so that control flow never
// diverges between ranks.
//
// Example usage:
//
//	err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
//	    found, err := comm.Bcast(ctx, c, 0, "restart.exists", fileExists(path))
//	    if err != nil {
//	        return err
//	    }
//	    ...
//	})
package comm

import (
	"context"
	"errors"
	"fmt"
)

// Root is the rank that owns centralised work (file access, banners).
const Root = 0

var (
	// ErrCollectiveMismatch is returned when ranks meet in an exchange with different operation tags.
	ErrCollectiveMismatch = errors.New("collective operation mismatch between ranks")
	// ErrRankExited is returned when a collective cannot complete because a rank has already returned.
	ErrRankExited = errors.New("rank exited before collective completed")
	// ErrDivergent is returned by AllAgree when ranks hold different values.
	ErrDivergent = errors.New("ranks hold divergent values")
)

// Comm is a communicator over a fixed group of ranks.
type Comm interface {
	// Rank returns the caller's rank in [0, Size()).
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// Allgather contributes v and returns every rank's contribution indexed
	// by rank. op names the collective; all ranks must pass the same op.
	// Values are shared, not copied: callers must not mutate what they
	// receive from other ranks.
	Allgather(ctx context.Context, op string, v any) ([]any, error)
}

// IsRoot reports whether c's caller is the root rank.
func IsRoot(c Comm) bool {
	return c.Rank() == Root
}

// Barrier blocks until every rank has reached the barrier with the same op.
func Barrier(ctx context.Context, c Comm, op string) error {
	_, err := c.Allgather(ctx, op, nil)
	return err
}

// Bcast returns root's value on every rank.
func Bcast[T any](ctx context.Context, c Comm, root int, op string, v T) (T, error) {
	var zero T
	if root < 0 || root >= c.Size() {
		return zero, fmt.Errorf("broadcast %s: root %d out of range [0,%d)", op, root, c.Size())
	}
	all, err := c.Allgather(ctx, op, v)
	if err != nil {
		return zero, err
	}
	out, ok := all[root].(T)
	if !ok && all[root] != nil {
		return zero, fmt.Errorf("broadcast %s: unexpected payload %T", op, all[root])
	}
	return out, nil
}

// BcastError shares root's error with every rank. The returned error is
// the root's error value, so errors.Is and errors.As behave identically
// on all ranks.
func BcastError(ctx context.Context, c Comm, op string, err error) error {
	var payload any
	if c.Rank() == Root {
		payload = err
	}
	all, xerr := c.Allgather(ctx, op, payload)
	if xerr != nil {
		return xerr
	}
	if all[Root] == nil {
		return nil
	}
	rootErr, ok := all[Root].(error)
	if !ok {
		return fmt.Errorf("broadcast error %s: unexpected payload %T", op, all[Root])
	}
	return rootErr
}

// AllAgree verifies that every rank passed an equal value.
func AllAgree[T comparable](ctx context.Context, c Comm, op string, v T) error {
	all, err := c.Allgather(ctx, op, v)
	if err != nil {
		return err
	}
	for rank, other := range all {
		if o, ok := other.(T); !ok || o != v {
			return fmt.Errorf("%w: %s differs on rank %d", ErrDivergent, op, rank)
		}
	}
	return nil
}

// AllreduceSum returns the sum of v over all ranks, accumulated in rank
// order so every rank obtains a bit-identical result.
func AllreduceSum(ctx context.Context, c Comm, op string, v float64) (float64, error) {
	all, err := c.Allgather(ctx, op, v)
	if err != nil {
		return 0, err
	}
	var sum float64
	for _, x := range all {
		sum += x.(float64)
	}
	return sum, nil
}

// AllreduceMax returns the maximum of v over all ranks.
func AllreduceMax(ctx context.Context, c Comm, op string, v float64) (float64, error) {
	all, err := c.Allgather(ctx, op, v)
	if err != nil {
		return 0, err
	}
	out := all[0].(float64)
	for _, x := range all[1:] {
		if f := x.(float64); f > out {
			out = f
		}
	}
	return out, nil
}

// AllreduceMin returns the minimum of v over all ranks.
func AllreduceMin(ctx context.Context, c Comm, op string, v float64) (float64, error) {
	all, err := c.Allgather(ctx, op, v)
	if err != nil {
		return 0, err
	}
	out := all[0].(float64)
	for _, x := range all[1:] {
		if f := x.(float64); f < out {
			out = f
		}
	}
	return out, nil
}
