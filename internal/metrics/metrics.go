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

// Package metrics exposes Prometheus collectors for mesh construction,
// checkpoint writes and resume decisions, and exports them as a node
// exporter textfile at the end of a run.
package metrics

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
)

// Label values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// Recorder groups the collectors of one run. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	registry *prometheus.Registry

	checkpointWrites   *prometheus.CounterVec
	checkpointDuration *prometheus.HistogramVec
	lastIteration      prometheus.Gauge
	resumeDecisions    *prometheus.CounterVec
	meshNodes          *prometheus.GaugeVec
	meshElements       prometheus.Gauge
	ranks              prometheus.Gauge
}

// NewRecorder registers the collectors on a fresh registry.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		checkpointWrites: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topopt_checkpoint_writes_total",
			Help: "Checkpoint writes by slot and result",
		}, []string{"slot", "result"}),
		checkpointDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "topopt_checkpoint_write_duration_seconds",
			Help:    "Time to write one checkpoint slot",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"slot"}),
		lastIteration: f.NewGauge(prometheus.GaugeOpts{
			Name: "topopt_checkpoint_last_iteration",
			Help: "Iteration of the most recent successful checkpoint",
		}),
		resumeDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "topopt_resume_decisions_total",
			Help: "Startup resume decisions by mode",
		}, []string{"mode"}),
		meshNodes: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "topopt_mesh_nodes",
			Help: "Node count per axis",
		}, []string{"axis"}),
		meshElements: f.NewGauge(prometheus.GaugeOpts{
			Name: "topopt_mesh_elements",
			Help: "Total number of elements",
		}),
		ranks: f.NewGauge(prometheus.GaugeOpts{
			Name: "topopt_ranks",
			Help: "Number of SPMD ranks",
		}),
	}
}

// Registry returns the registry holding the collectors.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// CheckpointWritten records one checkpoint write attempt.
func (r *Recorder) CheckpointWritten(slot string, itr int, elapsed time.Duration, err error) {
	if r == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultError
	}
	r.checkpointWrites.WithLabelValues(slot, result).Inc()
	r.checkpointDuration.WithLabelValues(slot).Observe(elapsed.Seconds())
	if err == nil {
		r.lastIteration.Set(float64(itr))
	}
}

// ResumeDecided records the startup resume mode.
func (r *Recorder) ResumeDecided(mode string) {
	if r == nil {
		return
	}
	r.resumeDecisions.WithLabelValues(mode).Inc()
}

// MeshBuilt records the mesh shape and the number of ranks.
func (r *Recorder) MeshBuilt(nodes, elements []int, ranks int) {
	if r == nil {
		return
	}
	axes := [...]string{"x", "y", "z"}
	total := 1
	for i, n := range nodes {
		r.meshNodes.WithLabelValues(axes[i]).Set(float64(n))
	}
	for _, e := range elements {
		total *= e
	}
	r.meshElements.Set(float64(total))
	r.ranks.Set(float64(ranks))
}

// WriteTextfile renders every collector in the Prometheus text format and
// writes it to path, replacing the file atomically.
func (r *Recorder) WriteTextfile(fs afero.Fs, path string) error {
	if r == nil {
		return nil
	}
	families, err := r.registry.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}
	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("publishing %s: %w", path, err)
	}
	return nil
}
