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

// Package config resolves the options of a run.
//
// Every option has a default, taken from the physics preset of the selected
// variant or from the global defaults below. Sources, highest priority
// first: command-line flags, TOPOPT_-prefixed environment variables, an
// optional YAML file, defaults.
package config

import (
	"errors"
	"fmt"
	"math"

	"gopkg.in/yaml.v3"

	"github.com/topopt-dev/topopt/internal/checkpoint"
	"github.com/topopt-dev/topopt/internal/physics"
)

// Global defaults shared by every variant.
const (
	DefaultPenal          = 3.0
	DefaultLevels         = 4
	DefaultFilter         = FilterDensity
	DefaultMoveLimit      = 0.2
	DefaultBeta           = 0.1
	DefaultBetaFinal      = 48.0
	DefaultEta            = 0.0
	DefaultEmax           = 1.0
	DefaultNu             = 0.3
	DefaultMaxIterations  = 400
	DefaultXmin           = 0.0
	DefaultXmax           = 1.0
	DefaultConstraints    = 1
	DefaultRestartEnabled = true

	// SensitivityXmin is the lower design bound forced by the sensitivity
	// filter, which divides by the design.
	SensitivityXmin = 0.001
)

// FilterMode selects the density filter.
type FilterMode int

const (
	FilterSensitivity FilterMode = 0
	FilterDensity     FilterMode = 1
	FilterPDE         FilterMode = 2
)

func (f FilterMode) String() string {
	switch f {
	case FilterSensitivity:
		return "sensitivity"
	case FilterDensity:
		return "density"
	case FilterPDE:
		return "pde"
	default:
		return fmt.Sprintf("FilterMode(%d)", int(f))
	}
}

// Options are the resolved options of a run.
type Options struct {
	Variant physics.Variant `yaml:"variant"`

	Nodes  []int     `yaml:"nodes"`
	Bounds []float64 `yaml:"bounds"`
	Levels int       `yaml:"nlvls"`

	Penal          float64    `yaml:"penal"`
	Filter         FilterMode `yaml:"filter"`
	VolumeFraction float64    `yaml:"volfrac"`
	MoveLimit      float64    `yaml:"movlim"`
	Rmin           float64    `yaml:"rmin"`

	Projection bool    `yaml:"projectionFilter"`
	Beta       float64 `yaml:"beta"`
	BetaFinal  float64 `yaml:"betaFinal"`
	Eta        float64 `yaml:"eta"`

	Emin float64 `yaml:"Emin"`
	Emax float64 `yaml:"Emax"`
	Nu   float64 `yaml:"nu"`

	MaxIterations int     `yaml:"maxItr"`
	Xmin          float64 `yaml:"Xmin"`
	Xmax          float64 `yaml:"Xmax"`
	Constraints   int     `yaml:"constraints"`

	Restart checkpoint.Config `yaml:",inline"`

	// RminFactor scales the largest node spacing into Rmin when Rmin is
	// not given.
	RminFactor float64 `yaml:"-"`
}

// Defaults returns the options of variant v with nothing overridden.
func Defaults(v physics.Variant) (Options, error) {
	p, err := physics.Lookup(v)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Variant:        v,
		Nodes:          p.Nodes,
		Bounds:         p.Bounds,
		Levels:         DefaultLevels,
		Penal:          DefaultPenal,
		Filter:         DefaultFilter,
		VolumeFraction: p.VolumeFraction,
		MoveLimit:      DefaultMoveLimit,
		Beta:           DefaultBeta,
		BetaFinal:      DefaultBetaFinal,
		Eta:            DefaultEta,
		Emin:           p.Emin,
		Emax:           DefaultEmax,
		Nu:             DefaultNu,
		MaxIterations:  DefaultMaxIterations,
		Xmin:           DefaultXmin,
		Xmax:           DefaultXmax,
		Constraints:    DefaultConstraints,
		Restart: checkpoint.Config{
			Enabled: DefaultRestartEnabled,
			Workdir: checkpoint.DefaultWorkdir,
		},
		RminFactor: p.RminFactor,
	}, nil
}

// Finalize applies the rules that depend on other options: the sensitivity
// filter forces Xmin, and an unset Rmin is derived from the node spacing.
func (o *Options) Finalize() {
	if o.Filter == FilterSensitivity {
		o.Xmin = SensitivityXmin
	}
	if o.Rmin == 0 {
		o.Rmin = o.RminFactor * o.MaxSpacing()
	}
}

// MaxSpacing returns the largest node spacing over all axes.
func (o *Options) MaxSpacing() float64 {
	h := 0.0
	for axis, n := range o.Nodes {
		if n > 1 && 2*axis+1 < len(o.Bounds) {
			h = math.Max(h, (o.Bounds[2*axis+1]-o.Bounds[2*axis])/float64(n-1))
		}
	}
	return h
}

// Validate checks for invalid option values.
func (o *Options) Validate() error {
	var errs []error
	if err := o.Variant.Validate(); err != nil {
		errs = append(errs, err)
	}
	dim := int(o.Variant.Dim)
	if len(o.Nodes) != dim {
		errs = append(errs, fmt.Errorf("nodes must have %d entries, got %d", dim, len(o.Nodes)))
	}
	for axis, n := range o.Nodes {
		if n < 2 {
			errs = append(errs, fmt.Errorf("axis %d must have at least 2 nodes, got %d", axis, n))
		}
	}
	if len(o.Bounds) != 2*dim {
		errs = append(errs, fmt.Errorf("bounds must have %d entries, got %d", 2*dim, len(o.Bounds)))
	} else {
		for axis := 0; axis < dim; axis++ {
			if o.Bounds[2*axis+1] <= o.Bounds[2*axis] {
				errs = append(errs, fmt.Errorf("axis %d bounds [%g, %g] are empty", axis, o.Bounds[2*axis], o.Bounds[2*axis+1]))
			}
		}
	}
	if o.Levels < 1 {
		errs = append(errs, fmt.Errorf("nlvls must be >= 1, got %d", o.Levels))
	}
	if o.Filter < FilterSensitivity || o.Filter > FilterPDE {
		errs = append(errs, fmt.Errorf("filter must be 0, 1 or 2, got %d", int(o.Filter)))
	}
	if o.VolumeFraction <= 0 || o.VolumeFraction > 1 {
		errs = append(errs, fmt.Errorf("volfrac must be in (0, 1], got %g", o.VolumeFraction))
	}
	if o.MoveLimit <= 0 || o.MoveLimit > 1 {
		errs = append(errs, fmt.Errorf("movlim must be in (0, 1], got %g", o.MoveLimit))
	}
	if o.Penal < 1 {
		errs = append(errs, fmt.Errorf("penal must be >= 1, got %g", o.Penal))
	}
	if o.Rmin < 0 {
		errs = append(errs, fmt.Errorf("rmin must be >= 0, got %g", o.Rmin))
	}
	if o.Emin <= 0 || o.Emax <= o.Emin {
		errs = append(errs, fmt.Errorf("need 0 < Emin < Emax, got Emin=%g Emax=%g", o.Emin, o.Emax))
	}
	if o.Nu <= -1 || o.Nu >= 0.5 {
		errs = append(errs, fmt.Errorf("nu must be in (-1, 0.5), got %g", o.Nu))
	}
	if o.MaxIterations < 0 {
		errs = append(errs, fmt.Errorf("maxItr must be >= 0, got %d", o.MaxIterations))
	}
	if o.Xmin < 0 || o.Xmax > 1 || o.Xmin >= o.Xmax {
		errs = append(errs, fmt.Errorf("need 0 <= Xmin < Xmax <= 1, got Xmin=%g Xmax=%g", o.Xmin, o.Xmax))
	}
	if o.Constraints < 1 {
		errs = append(errs, fmt.Errorf("constraints must be >= 1, got %d", o.Constraints))
	}
	if o.Projection && (o.Beta <= 0 || o.BetaFinal < o.Beta) {
		errs = append(errs, fmt.Errorf("projection needs 0 < beta <= betaFinal, got beta=%g betaFinal=%g", o.Beta, o.BetaFinal))
	}
	if o.Projection && (o.Eta < 0 || o.Eta > 1) {
		errs = append(errs, fmt.Errorf("eta must be in [0, 1], got %g", o.Eta))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid options: %w", err)
	}
	return nil
}

// YAML renders the options.
func (o Options) YAML() (string, error) {
	out, err := yaml.Marshal(o)
	if err != nil {
		return "", err
	}
	return string(out), nil
}
