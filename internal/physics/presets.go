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

package physics

import "fmt"

// Preset holds the default problem definition of a variant.
type Preset struct {
	// Nodes is the default node count per axis.
	Nodes []int
	// Bounds is the bounding box as min/max pairs per axis.
	Bounds []float64
	// VolumeFraction is the target volume fraction.
	VolumeFraction float64
	// RminFactor scales the largest node spacing into the default filter radius.
	RminFactor float64
	// Emin is the void stiffness (or conductivity) floor.
	Emin float64

	// STL inputs, one entry per design domain, solid domain,
	// fixture and load condition. Empty strings mean "none".
	DesignSTL []string
	SolidSTL  []string
	FixSTL    []string
	LoadSTL   []string

	// LoadVector and LoadVectorFEA hold one Dim-sized vector per load
	// condition. Only the elasticity cases apply point loads.
	LoadVector    []float64
	LoadVectorFEA []float64
}

// LoadConditions returns the number of fixture/load conditions.
func (p Preset) LoadConditions() int {
	return len(p.FixSTL)
}

// Clone returns a deep copy so callers can modify slices freely.
func (p Preset) Clone() Preset {
	out := p
	out.Nodes = append([]int(nil), p.Nodes...)
	out.Bounds = append([]float64(nil), p.Bounds...)
	out.DesignSTL = append([]string(nil), p.DesignSTL...)
	out.SolidSTL = append([]string(nil), p.SolidSTL...)
	out.FixSTL = append([]string(nil), p.FixSTL...)
	out.LoadSTL = append([]string(nil), p.LoadSTL...)
	out.LoadVector = append([]float64(nil), p.LoadVector...)
	out.LoadVectorFEA = append([]float64(nil), p.LoadVectorFEA...)
	return out
}

// Lookup returns a copy of the preset registered for v.
func Lookup(v Variant) (Preset, error) {
	if err := v.Validate(); err != nil {
		return Preset{}, err
	}
	p, ok := presets[v]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", errNoPreset, v)
	}
	return p.Clone(), nil
}

var presets = map[Variant]Preset{
	{Dim: Dim2, Case: Elasticity}: {
		Nodes:          []int{241, 121},
		Bounds:         []float64{0, 2, 0, 1},
		VolumeFraction: 0.45,
		RminFactor:     6.0,
		Emin:           1.0e-9,
		DesignSTL:      []string{"./CAD_models/2D/2D_elasticity/2D_bracket_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/2D/2D_elasticity/2D_bracket_FIX.STL"},
		LoadSTL:        []string{"./CAD_models/2D/2D_elasticity/2D_bracket_LOD.STL"},
		LoadVector:     []float64{0, -1},
		LoadVectorFEA:  []float64{1, -1},
	},
	{Dim: Dim2, Case: Compliant}: {
		Nodes:          []int{241, 121},
		Bounds:         []float64{0, 80, 0, 40},
		VolumeFraction: 0.3,
		RminFactor:     3.0,
		Emin:           1.0e-9,
		DesignSTL:      []string{"./CAD_models/2D/2D_compliant/2D_compliant_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/2D/2D_compliant/2D_compliant_FIX.STL", ""},
		LoadSTL:        []string{"", ""},
	},
	{Dim: Dim2, Case: Heat}: {
		Nodes:          []int{201, 249},
		Bounds:         []float64{0, 50, 0, 62},
		VolumeFraction: 0.45,
		RminFactor:     3.0,
		Emin:           1.0e-3,
		DesignSTL:      []string{"./CAD_models/2D/2D_heat/2D_heatSink_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/2D/2D_heat/2D_heatSink_FIX.STL"},
		LoadSTL:        []string{""},
	},
	{Dim: Dim3, Case: Elasticity}: {
		Nodes:          []int{65, 33, 33},
		Bounds:         []float64{0, 2, 0, 1, 0, 1},
		VolumeFraction: 0.12,
		RminFactor:     3.0,
		Emin:           1.0e-9,
		DesignSTL:      []string{"./CAD_models/3D/3D_elasticity/3D_bracket_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/3D/3D_elasticity/3D_bracket_FIX.STL"},
		LoadSTL:        []string{"./CAD_models/3D/3D_elasticity/3D_bracket_LOD.STL"},
		LoadVector:     []float64{0, -1, 0},
		LoadVectorFEA:  []float64{1, -1, 0},
	},
	{Dim: Dim3, Case: Compliant}: {
		Nodes:          []int{81, 41, 9},
		Bounds:         []float64{0, 80, 0, 40, 0, 10},
		VolumeFraction: 0.3,
		RminFactor:     3.0,
		Emin:           1.0e-9,
		DesignSTL:      []string{"./CAD_models/3D/3D_compliant/3D_compliant_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/3D/3D_compliant/3D_compliant_FIX.STL", ""},
		LoadSTL:        []string{"", ""},
	},
	{Dim: Dim3, Case: Heat}: {
		Nodes:          []int{49, 65, 49},
		Bounds:         []float64{0, 50, 0, 62, 0, 50},
		VolumeFraction: 0.3,
		RminFactor:     3.0,
		Emin:           1.0e-3,
		DesignSTL:      []string{"./CAD_models/3D/3D_heat/3D_heatSink_oneQuarter_DES.STL"},
		SolidSTL:       []string{""},
		FixSTL:         []string{"./CAD_models/3D/3D_heat/3D_heatSink_oneQuarter_FIX.STL"},
		LoadSTL:        []string{""},
	},
}
