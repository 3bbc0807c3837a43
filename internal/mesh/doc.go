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

// Package mesh builds the structured node and element grids of a
// topology-optimization problem.
//
// The node grid carries the finite-element degrees of freedom; the element
// grid has one fewer point per axis and is partitioned so that every
// element is owned by the rank owning its upper-corner node. Both grids are
// immutable once built.
//
// Before anything is allocated the node counts are checked against the
// number of multigrid levels: every axis must have (n-1) divisible by
// 2^(levels-1) so that each coarsening halves the element count exactly.
package mesh
