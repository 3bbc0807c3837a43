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

package checkpoint

import (
	"errors"
	"fmt"
	"path/filepath"
)

// DefaultWorkdir is where new checkpoints go when no directory is configured.
const DefaultWorkdir = "./"

var (
	// ErrRestartDisabled is returned by Write when the run was not configured for restarts.
	ErrRestartDisabled = errors.New("restart support is disabled")
	// ErrNothingToLoad is returned by Load for a cold-start decision.
	ErrNothingToLoad = errors.New("resume decision does not load a checkpoint")
	// ErrBadSidecar is returned for a malformed iteration sidecar.
	ErrBadSidecar = errors.New("malformed iteration sidecar")
)

// Config is the restart configuration. Every rank must hold the same value.
type Config struct {
	// Enabled turns checkpoint writes and resumes on.
	Enabled bool `yaml:"restart"`
	// Workdir receives new checkpoints.
	Workdir string `yaml:"workdir"`
	// RestartFileVec and RestartFileItr name the container and sidecar to
	// resume from.
	RestartFileVec string `yaml:"restartFileVec"`
	RestartFileItr string `yaml:"restartFileItr"`
	// OnlyLoadDesign resumes the design only, restarting optimizer history.
	OnlyLoadDesign bool `yaml:"onlyLoadDesign"`
}

// Slot is one of the two checkpoint buffers.
type Slot int

const (
	SlotA Slot = iota
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// Other returns the opposite slot.
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}
	return SlotA
}

// Files returns the container and sidecar paths of s under workdir.
func (s Slot) Files(workdir string) (vec, itr string) {
	base := fmt.Sprintf("Restart%02d", int(s))
	return filepath.Join(workdir, base+".dat"), filepath.Join(workdir, base+"_itr_f0.dat")
}

// Mode is the outcome of the startup resume decision.
type Mode int

const (
	// ColdStart starts from the initial design.
	ColdStart Mode = iota
	// DesignOnly loads the design and starts a fresh optimizer.
	DesignOnly
	// Continue loads the design and the optimizer history.
	Continue
)

func (m Mode) String() string {
	switch m {
	case ColdStart:
		return "cold"
	case DesignOnly:
		return "design-only"
	case Continue:
		return "continue"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Decision is the resume decision shared by every rank.
type Decision struct {
	Mode     Mode
	VecPath  string
	ItrPath  string
	VecFound bool
	ItrFound bool
}

// Resume reports whether the decision loads a checkpoint.
func (d Decision) Resume() bool { return d.Mode != ColdStart }

// Sidecar is the scalar state stored beside a container.
type Sidecar struct {
	Iteration int
	Scale     float64
}

// Record describes a completed checkpoint write.
type Record struct {
	Iteration int
	Scale     float64
	Slot      Slot
	VecPath   string
	ItrPath   string
	Vectors   []string
}

// ContainerOrder names the container entries in write order.
var ContainerOrder = []string{
	"x", "xPhys", "xo1", "xo2", "U", "L",
	"xPassive0", "xPassive1", "xPassive2", "xPassive3",
	"nodeDensity", "nodeAddingCounts",
}

// resumeEntries is the number of leading container entries read on resume.
const resumeEntries = 6
