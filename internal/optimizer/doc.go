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

// Package optimizer constructs the optimizer state at startup.
//
// The factory binds the checkpoint subsystem to the optimizer state
// container without owning any of the optimizer's update logic.
//
// Architecture:
//
//	Resume decision → Checkpoint load → Builder → *mma.MMA
//	  (checkpoint)      (checkpoint)   (optimizer)
//
// Example usage:
//
//	res, err := optimizer.Allocate(ctx, manager, state, history)
//	if err != nil {
//	    return err
//	}
//	defer res.Optimizer.Destroy()
//
//	log.Info("optimizer ready",
//	    "mode", res.Decision.Mode.String(),
//	    "iteration", res.Iteration,
//	    "scale", res.Scale)
//
// Startup modes:
//
//  1. Cold start
//     - Optimizer built from the initial design
//     - Default coefficients a = 0, c = 1000, d = 0 per constraint
//     - Iteration 0, objective scale 1
//
//  2. Design-only resume
//     - Design vector loaded from the checkpoint
//     - Optimizer built from the loaded design vector, not xPhys
//     - Iteration 0, objective scale 1
//
//  3. Continue
//     - Design vector, xPhys and optimizer history loaded
//     - Optimizer seeded with the loaded history
//     - Iteration and objective scale restored from the sidecar
package optimizer
