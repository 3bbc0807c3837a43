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

package config

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/topopt-dev/topopt/internal/checkpoint"
	"github.com/topopt-dev/topopt/internal/physics"
)

// EnvPrefix prefixes every environment override, e.g. TOPOPT_NX.
const EnvPrefix = "TOPOPT"

// Option keys. Flag names match the keys.
const (
	KeyDim            = "dim"
	KeyPhysics        = "physics"
	KeyPenal          = "penal"
	KeyLevels         = "nlvls"
	KeyFilter         = "filter"
	KeyVolumeFraction = "volfrac"
	KeyMoveLimit      = "movlim"
	KeyProjection     = "projectionFilter"
	KeyBeta           = "beta"
	KeyBetaFinal      = "betaFinal"
	KeyEta            = "eta"
	KeyRmin           = "rmin"
	KeyEmin           = "Emin"
	KeyEmax           = "Emax"
	KeyNu             = "nu"
	KeyMaxIterations  = "maxItr"
	KeyXmin           = "Xmin"
	KeyXmax           = "Xmax"
	KeyConstraints    = "constraints"
	KeyRestart        = "restart"
	KeyWorkdir        = "workdir"
	KeyRestartFileVec = "restartFileVec"
	KeyRestartFileItr = "restartFileItr"
	KeyOnlyLoadDesign = "onlyLoadDesign"
)

var (
	nodeKeys  = []string{"nx", "ny", "nz"}
	boundKeys = []string{"xcmin", "xcmax", "ycmin", "ycmax", "zcmin", "zcmax"}
)

// BindFlags registers every option on fs. Preset-dependent options
// default to zero, meaning "take the preset value".
func BindFlags(fs *pflag.FlagSet) {
	fs.Int(KeyDim, int(physics.DefaultVariant.Dim), "spatial dimension (2 or 3)")
	fs.String(KeyPhysics, string(physics.DefaultVariant.Case), "physics case: elasticity, compliant or heat")
	for _, k := range nodeKeys {
		fs.Int(k, 0, fmt.Sprintf("number of nodes along %s (default from the physics preset)", k[1:]))
	}
	for _, k := range boundKeys {
		fs.Float64(k, 0, "bounding-box coordinate (default from the physics preset)")
	}
	fs.Float64(KeyPenal, DefaultPenal, "penalization exponent")
	fs.Int(KeyLevels, DefaultLevels, "number of multigrid levels")
	fs.Int(KeyFilter, int(DefaultFilter), "filter: 0 sensitivity, 1 density, 2 PDE")
	fs.Float64(KeyVolumeFraction, 0, "volume fraction (default from the physics preset)")
	fs.Float64(KeyMoveLimit, DefaultMoveLimit, "move limit")
	fs.Bool(KeyProjection, false, "enable the projection filter")
	fs.Float64(KeyBeta, DefaultBeta, "projection sharpness")
	fs.Float64(KeyBetaFinal, DefaultBetaFinal, "final projection sharpness")
	fs.Float64(KeyEta, DefaultEta, "projection threshold")
	fs.Float64(KeyRmin, 0, "filter radius (default: preset factor times the largest node spacing)")
	fs.Float64(KeyEmin, 0, "void stiffness (default from the physics preset)")
	fs.Float64(KeyEmax, DefaultEmax, "solid stiffness")
	fs.Float64(KeyNu, DefaultNu, "Poisson's ratio")
	fs.Int(KeyMaxIterations, DefaultMaxIterations, "maximum number of design iterations")
	fs.Float64(KeyXmin, DefaultXmin, "lower design bound (0.001 with the sensitivity filter)")
	fs.Float64(KeyXmax, DefaultXmax, "upper design bound")
	fs.Int(KeyConstraints, DefaultConstraints, "number of constraints")
	fs.Bool(KeyRestart, DefaultRestartEnabled, "write checkpoints and resume from restart files")
	fs.String(KeyWorkdir, checkpoint.DefaultWorkdir, "directory for new checkpoints")
	fs.String(KeyRestartFileVec, "", "checkpoint container to resume from")
	fs.String(KeyRestartFileItr, "", "iteration sidecar to resume from")
	fs.Bool(KeyOnlyLoadDesign, false, "resume the design only and restart the optimizer")
}

// NewViper layers flags, environment and an optional YAML file read from
// fsys. flags may be nil.
func NewViper(fsys afero.Fs, flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	v.SetFs(fsys)
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("binding flags: %w", err)
		}
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}
	return v, nil
}

// Load resolves, finalizes and validates the options held by v.
func Load(v *viper.Viper) (Options, error) {
	dim := int(physics.DefaultVariant.Dim)
	if v.IsSet(KeyDim) {
		dim = v.GetInt(KeyDim)
	}
	name := string(physics.DefaultVariant.Case)
	if v.IsSet(KeyPhysics) {
		name = v.GetString(KeyPhysics)
	}
	variant, err := physics.ParseVariant(dim, name)
	if err != nil {
		return Options{}, fmt.Errorf("invalid options: %w", err)
	}
	o, err := Defaults(variant)
	if err != nil {
		return Options{}, err
	}

	for axis, k := range nodeKeys[:dim] {
		setInt(v, k, &o.Nodes[axis])
	}
	for i, k := range boundKeys[:2*dim] {
		setFloat(v, k, &o.Bounds[i])
	}

	setFloat(v, KeyPenal, &o.Penal)
	setInt(v, KeyLevels, &o.Levels)
	filter := int(o.Filter)
	setInt(v, KeyFilter, &filter)
	o.Filter = FilterMode(filter)
	setFloat(v, KeyVolumeFraction, &o.VolumeFraction)
	setFloat(v, KeyMoveLimit, &o.MoveLimit)
	setBool(v, KeyProjection, &o.Projection)
	setFloat(v, KeyBeta, &o.Beta)
	setFloat(v, KeyBetaFinal, &o.BetaFinal)
	setFloat(v, KeyEta, &o.Eta)
	setFloat(v, KeyRmin, &o.Rmin)
	setFloat(v, KeyEmin, &o.Emin)
	setFloat(v, KeyEmax, &o.Emax)
	setFloat(v, KeyNu, &o.Nu)
	setInt(v, KeyMaxIterations, &o.MaxIterations)
	setFloat(v, KeyXmin, &o.Xmin)
	setFloat(v, KeyXmax, &o.Xmax)
	setInt(v, KeyConstraints, &o.Constraints)
	setBool(v, KeyRestart, &o.Restart.Enabled)
	setString(v, KeyWorkdir, &o.Restart.Workdir)
	setString(v, KeyRestartFileVec, &o.Restart.RestartFileVec)
	setString(v, KeyRestartFileItr, &o.Restart.RestartFileItr)
	setBool(v, KeyOnlyLoadDesign, &o.Restart.OnlyLoadDesign)

	o.Finalize()
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// The setters leave the default in place unless a flag, the environment
// or the config file supplied the key. Flag defaults do not count.

func setInt(v *viper.Viper, key string, dst *int) {
	if v.IsSet(key) {
		*dst = v.GetInt(key)
	}
}

func setFloat(v *viper.Viper, key string, dst *float64) {
	if v.IsSet(key) {
		*dst = v.GetFloat64(key)
	}
}

func setBool(v *viper.Viper, key string, dst *bool) {
	if v.IsSet(key) {
		*dst = v.GetBool(key)
	}
}

func setString(v *viper.Viper, key string, dst *string) {
	if v.IsSet(key) {
		*dst = v.GetString(key)
	}
}
