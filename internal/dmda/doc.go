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

// Package dmda is the distributed structured-grid allocator used by the
// mesh and design-state layers.
//
// A DA describes a logically rectangular grid of points, 2 or 3 axes, with
// a fixed number of degrees of freedom per point, partitioned into
// axis-aligned slabs over the ranks of a communicator. The partition is a
// process grid (Procs) plus, for each axis, the number of points owned by
// each process column (OwnershipRanges). Rank r sits at process
// coordinates (r mod px, (r / px) mod py, r / (px*py)).
//
// Key operations:
//
//   - Create: collective grid construction with decided or explicit ranges
//   - CreateGlobalVector / Duplicate: collective vector allocation
//   - BinaryViewer: collective vector I/O in natural ordering
//
// Every operation that takes a context is a collective: all ranks of the
// communicator must call it, in the same order.
//
// Example usage:
//
//	da, err := dmda.Create(ctx, c, dmda.GridOptions{Sizes: []int{65, 33, 33}, Dof: 3, StencilWidth: 1})
//	if err != nil {
//	    return err
//	}
//	u, err := da.CreateGlobalVector(ctx)
//	if err != nil {
//	    return err
//	}
//	defer u.Destroy()
//
// Vectors written through a BinaryViewer are stored in the global
// lexicographic order (x fastest, dof innermost), so a file written with
// one partition can be read back with any other.
package dmda
