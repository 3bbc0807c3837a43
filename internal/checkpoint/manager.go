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
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/design"
	"github.com/topopt-dev/topopt/internal/dmda"
	"github.com/topopt-dev/topopt/internal/logging"
	"github.com/topopt-dev/topopt/internal/metrics"
	"github.com/topopt-dev/topopt/internal/mma"
)

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder records checkpoint and resume metrics on rank 0.
func WithRecorder(r *metrics.Recorder) Option {
	return func(m *Manager) { m.recorder = r }
}

// WithClock sets the clock used to time writes.
func WithClock(c clock.PassiveClock) Option {
	return func(m *Manager) { m.clock = c }
}

// Manager writes and restores checkpoints for one run.
type Manager struct {
	comm     comm.Comm
	fs       afero.Fs
	cfg      Config
	recorder *metrics.Recorder
	clock    clock.PassiveClock

	// next is the slot the next write goes to.
	next Slot
}

// NewManager creates a manager. It is collective and fails when the ranks
// hold different configurations.
func NewManager(ctx context.Context, c comm.Comm, fs afero.Fs, cfg Config, opts ...Option) (*Manager, error) {
	if cfg.Workdir == "" {
		cfg.Workdir = DefaultWorkdir
	}
	if err := comm.AllAgree(ctx, c, "checkpoint.config", cfg); err != nil {
		return nil, fmt.Errorf("checkpoint configuration: %w", err)
	}
	m := &Manager{
		comm:  c,
		fs:    fs,
		cfg:   cfg,
		clock: clock.RealClock{},
		next:  SlotA,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Comm returns the communicator the manager runs on.
func (m *Manager) Comm() comm.Comm { return m.comm }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// NextSlot returns the slot the next write will use.
func (m *Manager) NextSlot() Slot { return m.next }

// Write persists the state into the slot not used by the previous
// successful write. It returns ErrRestartDisabled, without touching any
// file, when restarts are disabled.
func (m *Manager) Write(ctx context.Context, itr int, scale float64, s *design.State, h mma.History) (Record, error) {
	if !m.cfg.Enabled {
		return Record{}, ErrRestartDisabled
	}
	slot := m.next
	start := m.clock.Now()
	rec, err := m.writeSlot(ctx, slot, Sidecar{Iteration: itr, Scale: scale}, s, h)
	if comm.IsRoot(m.comm) {
		m.recorder.CheckpointWritten(slot.String(), itr, m.clock.Since(start), err)
	}
	if err != nil {
		return Record{}, fmt.Errorf("writing checkpoint slot %s: %w", slot, err)
	}
	m.next = slot.Other()

	if comm.IsRoot(m.comm) {
		logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Checkpoint written",
			"slot", slot.String(),
			"iteration", itr,
			"scale", scale,
			"file", rec.VecPath)
	}
	return rec, nil
}

// writeSlot stages the sidecar, publishes the container and only then
// publishes the sidecar, so a failed write never pairs a new sidecar with
// an older container.
func (m *Manager) writeSlot(ctx context.Context, slot Slot, sc Sidecar, s *design.State, h mma.History) (Record, error) {
	vecPath, itrPath := slot.Files(m.cfg.Workdir)
	root := comm.IsRoot(m.comm)

	var staged string
	var err error
	if root {
		staged, err = stageSidecar(m.fs, itrPath, sc)
	}
	if err = comm.BcastError(ctx, m.comm, "checkpoint.stage_sidecar", err); err != nil {
		return Record{}, err
	}

	if err := m.writeContainer(ctx, vecPath, containerVectors(s, h)); err != nil {
		if root {
			m.dropStaged(ctx, staged)
		}
		return Record{}, err
	}

	if root {
		if err = m.fs.Rename(staged, itrPath); err != nil {
			m.dropStaged(ctx, staged)
		}
	}
	if err = comm.BcastError(ctx, m.comm, "checkpoint.publish_sidecar", err); err != nil {
		return Record{}, fmt.Errorf("publishing %s: %w", itrPath, err)
	}
	return Record{
		Iteration: sc.Iteration,
		Scale:     sc.Scale,
		Slot:      slot,
		VecPath:   vecPath,
		ItrPath:   itrPath,
		Vectors:   append([]string(nil), ContainerOrder...),
	}, nil
}

func (m *Manager) dropStaged(ctx context.Context, path string) {
	if err := m.fs.Remove(path); err != nil {
		logr.FromContextOrDiscard(ctx).V(logging.DEBUG).Info("Could not remove staged sidecar",
			"file", path, "error", err.Error())
	}
}

func (m *Manager) writeContainer(ctx context.Context, path string, vecs []*dmda.Vec) (err error) {
	bv, err := dmda.OpenBinary(ctx, m.comm, m.fs, path, dmda.ModeWrite)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, bv.Close(ctx))
	}()
	for i, v := range vecs {
		if err := bv.WriteVec(ctx, v); err != nil {
			return fmt.Errorf("writing %s: %w", ContainerOrder[i], err)
		}
	}
	return nil
}

// Decide determines how the run starts. Rank 0 checks the configured
// restart files; the outcome is broadcast.
func (m *Manager) Decide(ctx context.Context) (Decision, error) {
	log := logr.FromContextOrDiscard(ctx)
	d := Decision{VecPath: m.cfg.RestartFileVec, ItrPath: m.cfg.RestartFileItr}

	if comm.IsRoot(m.comm) {
		var errs []error
		var err error
		if d.VecFound, err = fileExists(m.fs, d.VecPath); err != nil {
			errs = append(errs, err)
		}
		if d.ItrFound, err = fileExists(m.fs, d.ItrPath); err != nil {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			log.Error(err, "Checking restart files, treating them as missing")
		}
	}
	d, err := comm.Bcast(ctx, m.comm, comm.Root, "checkpoint.decide", d)
	if err != nil {
		return Decision{}, fmt.Errorf("deciding resume mode: %w", err)
	}

	switch {
	case !m.cfg.Enabled || !d.VecFound || !d.ItrFound:
		d.Mode = ColdStart
	case m.cfg.OnlyLoadDesign:
		d.Mode = DesignOnly
	default:
		d.Mode = Continue
	}

	if comm.IsRoot(m.comm) {
		vecNew, itrNew := SlotA.Files(m.cfg.Workdir)
		log.Info("Restart settings",
			"restart", m.cfg.Enabled,
			"restartFileVec", d.VecPath,
			"restartFileItr", d.ItrPath,
			"workdir", m.cfg.Workdir,
			"newFiles", []string{vecNew, itrNew})
		if !d.VecFound {
			log.Info("Restart file not found", "file", d.VecPath)
		}
		if !d.ItrFound {
			log.Info("Restart file not found", "file", d.ItrPath)
		}
		log.Info("Resume decision", "mode", d.Mode.String())
		m.recorder.ResumeDecided(d.Mode.String())
	}
	return d, nil
}

// Load reads the design and optimizer history named by d into s and h,
// along with the sidecar. Only the leading entries of the container are
// read: x, xPhys, xo1, xo2, U, L.
func (m *Manager) Load(ctx context.Context, d Decision, s *design.State, h mma.History) (Sidecar, error) {
	if !d.Resume() {
		return Sidecar{}, ErrNothingToLoad
	}
	vecs := containerVectors(s, h)[:resumeEntries]
	if err := m.readContainer(ctx, d.VecPath, vecs); err != nil {
		return Sidecar{}, err
	}
	sc, err := m.readSidecar(ctx, d.ItrPath)
	if err != nil {
		return Sidecar{}, err
	}
	if comm.IsRoot(m.comm) {
		log := logr.FromContextOrDiscard(ctx)
		if d.Mode == DesignOnly {
			log.Info("Loading design from file", "file", d.VecPath)
		} else {
			log.Info("Continue optimization from file", "file", d.VecPath)
		}
		log.Info("Successful restart", "files", []string{d.VecPath, d.ItrPath},
			"iteration", sc.Iteration, "scale", sc.Scale)
	}
	return sc, nil
}

// ReadSlot reads every container entry and the sidecar of a checkpoint.
func (m *Manager) ReadSlot(ctx context.Context, vecPath, itrPath string, s *design.State, h mma.History) (Sidecar, error) {
	if err := m.readContainer(ctx, vecPath, containerVectors(s, h)); err != nil {
		return Sidecar{}, err
	}
	return m.readSidecar(ctx, itrPath)
}

func (m *Manager) readContainer(ctx context.Context, path string, vecs []*dmda.Vec) (err error) {
	bv, err := dmda.OpenBinary(ctx, m.comm, m.fs, path, dmda.ModeRead)
	if err != nil {
		return err
	}
	defer func() {
		err = errors.Join(err, bv.Close(ctx))
	}()
	for i, v := range vecs {
		if err := bv.ReadVec(ctx, v); err != nil {
			return fmt.Errorf("reading %s: %w", ContainerOrder[i], err)
		}
	}
	return nil
}

type sidecarResult struct {
	Sidecar
	Err error
}

func (m *Manager) readSidecar(ctx context.Context, path string) (Sidecar, error) {
	var res sidecarResult
	if comm.IsRoot(m.comm) {
		res.Sidecar, res.Err = ReadSidecar(m.fs, path)
	}
	res, err := comm.Bcast(ctx, m.comm, comm.Root, "checkpoint.read_sidecar", res)
	if err != nil {
		return Sidecar{}, err
	}
	if res.Err != nil {
		return Sidecar{}, fmt.Errorf("reading sidecar: %w", res.Err)
	}
	return res.Sidecar, nil
}

// containerVectors lists the state in container order.
func containerVectors(s *design.State, h mma.History) []*dmda.Vec {
	return []*dmda.Vec{
		s.X, s.XPhys, h.Xo1, h.Xo2, h.U, h.L,
		s.XPassive[0], s.XPassive[1], s.XPassive[2], s.XPassive[3],
		s.NodeDensity, s.NodeAddingCounts,
	}
}
