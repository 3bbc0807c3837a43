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

package comm

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// World is an in-process group of ranks. Each rank is driven by its own
// goroutine and meets the others at a rendezvous for every collective.
type World struct {
	size int

	mu   sync.Mutex
	cond *sync.Cond

	gen     uint64
	arrived int
	ops     []string
	slots   []any
	result  []any
	failure error

	exited  []bool
	aborted error
}

// NewWorld creates a world of size ranks.
func NewWorld(size int) (*World, error) {
	if size < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", size)
	}
	w := &World{
		size:   size,
		ops:    make([]string, size),
		slots:  make([]any, size),
		exited: make([]bool, size),
	}
	w.cond = sync.NewCond(&w.mu)
	return w, nil
}

// Size returns the number of ranks.
func (w *World) Size() int {
	return w.size
}

// Comm returns the communicator handle of rank.
func (w *World) Comm(rank int) Comm {
	return &worldComm{world: w, rank: rank}
}

// Run starts one goroutine per rank and waits for all of them. The first
// rank error cancels ctx for the others, fails their pending collectives
// with that same error, and is returned. A rank that returns without error
// makes every outstanding and later collective fail with ErrRankExited.
func Run(ctx context.Context, size int, fn func(ctx context.Context, c Comm) error) error {
	w, err := NewWorld(size)
	if err != nil {
		return err
	}
	return w.Run(ctx, fn)
}

// Run drives fn on every rank of w. A World supports a single Run.
func (w *World) Run(ctx context.Context, fn func(ctx context.Context, c Comm) error) error {
	g, gctx := errgroup.WithContext(ctx)
	stop := context.AfterFunc(gctx, func() {
		w.abort(context.Cause(gctx))
	})
	defer stop()

	for rank := 0; rank < w.size; rank++ {
		c := w.Comm(rank)
		g.Go(func() (err error) {
			// Deferred so a rank leaving through runtime.Goexit still
			// releases the others.
			defer func() {
				if err != nil {
					w.abort(err)
				}
				w.exit(rank)
			}()
			return fn(gctx, c)
		})
	}
	return g.Wait()
}

func (w *World) exit(rank int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.exited[rank] = true
	w.cond.Broadcast()
}

func (w *World) abort(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.aborted == nil {
		w.aborted = err
	}
	w.cond.Broadcast()
}

// exchange is the single rendezvous behind every collective.
func (w *World) exchange(ctx context.Context, rank int, op string, v any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.aborted != nil {
		return nil, w.aborted
	}
	if err := w.exitedErrLocked(op); err != nil {
		return nil, err
	}

	gen := w.gen
	w.ops[rank] = op
	w.slots[rank] = v
	w.arrived++

	if w.arrived == w.size {
		w.result = w.slots
		w.failure = nil
		for r, other := range w.ops {
			if other != op {
				w.failure = fmt.Errorf("%w: rank %d issued %q, rank %d issued %q",
					ErrCollectiveMismatch, rank, op, r, other)
				break
			}
		}
		w.slots = make([]any, w.size)
		w.arrived = 0
		w.gen++
		w.cond.Broadcast()
		if w.failure != nil {
			return nil, w.failure
		}
		return w.result, nil
	}

	for gen == w.gen {
		if w.aborted != nil {
			return nil, w.aborted
		}
		if err := w.exitedErrLocked(op); err != nil {
			return nil, err
		}
		w.cond.Wait()
	}
	if w.failure != nil {
		return nil, w.failure
	}
	return w.result, nil
}

func (w *World) exitedErrLocked(op string) error {
	for r, done := range w.exited {
		if done {
			return fmt.Errorf("%w: rank %d during %s", ErrRankExited, r, op)
		}
	}
	return nil
}

type worldComm struct {
	world *World
	rank  int
}

func (c *worldComm) Rank() int { return c.rank }
func (c *worldComm) Size() int { return c.world.size }

func (c *worldComm) Allgather(ctx context.Context, op string, v any) ([]any, error) {
	return c.world.exchange(ctx, c.rank, op, v)
}

type selfComm struct{}

// Self returns the single-rank communicator.
func Self() Comm {
	return selfComm{}
}

func (selfComm) Rank() int { return 0 }
func (selfComm) Size() int { return 1 }

func (selfComm) Allgather(ctx context.Context, _ string, v any) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return []any{v}, nil
}
