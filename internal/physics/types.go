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

// Package physics describes the runtime-selected problem variants of the
// solver: spatial dimension {2D, 3D} crossed with the physics case
// {elasticity, compliant mechanism, heat conduction}. Every constant that
// depends on the variant (nodal degrees of freedom, default mesh, material
// and geometry inputs) is data attached to the variant in a preset table.
package physics

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errUnknownCase = errors.New("unknown physics case")
	errUnknownDim  = errors.New("unsupported spatial dimension")
	errNoPreset    = errors.New("no preset registered for variant")
)

// Case is the physics being optimised.
type Case string

const (
	// Elasticity is linear elastic compliance minimisation.
	Elasticity Case = "elasticity"
	// Compliant is compliant mechanism design.
	Compliant Case = "compliant"
	// Heat is linear steady-state heat conduction.
	Heat Case = "heat"
)

// Dim is the number of spatial dimensions.
type Dim int

const (
	Dim2 Dim = 2
	Dim3 Dim = 3
)

// Variant selects one of the six supported problem families.
type Variant struct {
	Dim  Dim  `yaml:"dim" json:"dim"`
	Case Case `yaml:"case" json:"case"`
}

// DefaultVariant is the variant used when none is configured.
var DefaultVariant = Variant{Dim: Dim3, Case: Elasticity}

// String renders the variant as e.g. "3d-elasticity".
func (v Variant) String() string {
	return fmt.Sprintf("%dd-%s", v.Dim, v.Case)
}

// NodalDof returns the degrees of freedom per node: one displacement
// component per axis for the mechanical cases, one temperature for heat.
func (v Variant) NodalDof() int {
	if v.Case == Heat {
		return 1
	}
	return int(v.Dim)
}

// Validate checks that the variant is one of the supported combinations.
func (v Variant) Validate() error {
	if v.Dim != Dim2 && v.Dim != Dim3 {
		return fmt.Errorf("%w: %d", errUnknownDim, v.Dim)
	}
	switch v.Case {
	case Elasticity, Compliant, Heat:
		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownCase, v.Case)
	}
}

// ParseVariant builds a Variant from a dimension and a case name.
// Case names are matched case-insensitively.
func ParseVariant(dim int, name string) (Variant, error) {
	v := Variant{Dim: Dim(dim), Case: Case(strings.ToLower(strings.TrimSpace(name)))}
	if err := v.Validate(); err != nil {
		return Variant{}, err
	}
	return v, nil
}

// AllVariants returns every supported variant in a stable order.
func AllVariants() []Variant {
	out := make([]Variant, 0, 6)
	for _, d := range []Dim{Dim2, Dim3} {
		for _, c := range []Case{Elasticity, Compliant, Heat} {
			out = append(out, Variant{Dim: d, Case: c})
		}
	}
	return out
}
