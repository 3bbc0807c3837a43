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

// Package checkpoint persists and restores the optimization state of a
// run.
//
// Checkpoints are double buffered: two slots, each a binary vector
// container plus a small text sidecar holding the iteration and objective
// scale, are written alternately so that the slot not being written always
// holds the previous complete checkpoint. Slot A is
// Restart00.dat/Restart00_itr_f0.dat and slot B is
// Restart01.dat/Restart01_itr_f0.dat, both under the working directory.
//
// The container stores, in order:
//
//	x, xPhys, xo1, xo2, U, L, xPassive0..3, nodeDensity, nodeAddingCounts
//
// Resuming reads only the leading six entries.
//
// Every Manager method is collective. File existence and sidecar contents
// are observed on rank 0 and broadcast, so all ranks take the same branch.
package checkpoint
