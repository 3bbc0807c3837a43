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

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gonum.org/v1/gonum/floats"
	"gopkg.in/yaml.v3"

	"github.com/topopt-dev/topopt/internal/checkpoint"
	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/config"
	"github.com/topopt-dev/topopt/internal/dmda"
	"github.com/topopt-dev/topopt/internal/logging"
	"github.com/topopt-dev/topopt/internal/metrics"
	"github.com/topopt-dev/topopt/internal/topopt"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootFlags struct {
	configFile  string
	ranks       int
	logLevel    string
	logDev      bool
	metricsFile string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(afero.NewOsFs(), os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCommand(fsys afero.Fs, out io.Writer) *cobra.Command {
	var rf rootFlags
	root := &cobra.Command{
		Use:          "topopt",
		Short:        "Parallel topology optimization setup and checkpoint tooling",
		SilenceUsage: true,
	}
	root.SetOut(out)

	pf := root.PersistentFlags()
	pf.StringVar(&rf.configFile, "config", "", "YAML options file")
	pf.IntVar(&rf.ranks, "ranks", 1, "number of ranks")
	pf.StringVar(&rf.logLevel, "log-level", "info", "log level: info, debug, trace, warn or error")
	pf.BoolVar(&rf.logDev, "log-dev", false, "human-readable development logging")
	pf.StringVar(&rf.metricsFile, "metrics-file", "", "write Prometheus metrics to this textfile on exit")
	config.BindFlags(pf)

	root.AddCommand(
		newSetupCommand(fsys, &rf),
		newInspectCommand(fsys),
		newVersionCommand(),
	)
	return root
}

func newSetupCommand(fsys afero.Fs, rf *rootFlags) *cobra.Command {
	var checkpointAt int
	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Build the mesh, allocate the design and resolve the restart mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if rf.ranks < 1 {
				return fmt.Errorf("--ranks must be >= 1, got %d", rf.ranks)
			}
			log, err := logging.NewLogger(rf.logLevel, rf.logDev)
			if err != nil {
				return err
			}
			log = log.WithValues("run", uuid.NewString())
			ctx := logr.NewContext(cmd.Context(), log)

			v, err := config.NewViper(fsys, cmd.Flags(), rf.configFile)
			if err != nil {
				return err
			}
			opts, err := config.Load(v)
			if err != nil {
				return err
			}

			rec := metrics.NewRecorder()
			var summary topopt.Summary
			err = comm.Run(ctx, rf.ranks, func(ctx context.Context, c comm.Comm) error {
				ctx = logr.NewContext(ctx, log.WithValues("rank", c.Rank()))
				p, err := topopt.Setup(ctx, c, fsys, opts, rec)
				if err != nil {
					return err
				}
				defer p.Close()
				if checkpointAt >= 0 {
					if _, err := p.Checkpoint(ctx, checkpointAt); err != nil {
						return err
					}
				}
				if comm.IsRoot(c) {
					summary = p.Summary()
				}
				return nil
			})
			if rf.metricsFile != "" {
				if merr := rec.WriteTextfile(fsys, rf.metricsFile); merr != nil {
					log.Error(merr, "Writing metrics textfile", "file", rf.metricsFile)
				}
			}
			if err != nil {
				return err
			}
			return printYAML(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().IntVar(&checkpointAt, "checkpoint-at", -1, "write a checkpoint tagged with this iteration after setup")
	return cmd
}

// vecStats describes one container entry.
type vecStats struct {
	Name string  `yaml:"name"`
	Len  int     `yaml:"len"`
	Min  float64 `yaml:"min"`
	Max  float64 `yaml:"max"`
	Sum  float64 `yaml:"sum"`
}

type inspectReport struct {
	Container string              `yaml:"container"`
	Entries   []vecStats          `yaml:"entries"`
	Sidecar   *checkpoint.Sidecar `yaml:"sidecar,omitempty"`
}

func newInspectCommand(fsys afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect CONTAINER [SIDECAR]",
		Short: "Summarise a checkpoint container and its iteration sidecar",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vecs, err := dmda.ScanContainer(fsys, args[0])
			if err != nil {
				return err
			}
			report := inspectReport{Container: args[0]}
			for i, v := range vecs {
				name := fmt.Sprintf("entry%d", i)
				if i < len(checkpoint.ContainerOrder) {
					name = checkpoint.ContainerOrder[i]
				}
				s := vecStats{Name: name, Len: len(v)}
				if len(v) > 0 {
					s.Min, s.Max, s.Sum = floats.Min(v), floats.Max(v), floats.Sum(v)
				}
				report.Entries = append(report.Entries, s)
			}
			if len(args) == 2 {
				sc, err := checkpoint.ReadSidecar(fsys, args[1])
				if err != nil {
					return err
				}
				report.Sidecar = &sc
			}
			return printYAML(cmd.OutOrStdout(), report)
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func printYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
