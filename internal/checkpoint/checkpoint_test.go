package checkpoint

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/afero"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/dmda"
	"github.com/topopt-dev/topopt/internal/metrics"
)

const workdir = "/run"

var errDiskFull = errors.New("disk full")

// renameFailFs fails renames onto target.
type renameFailFs struct {
	afero.Fs
	target string
}

func (f *renameFailFs) Rename(oldname, newname string) error {
	if f.target != "" && newname == f.target {
		return errDiskFull
	}
	return f.Fs.Rename(oldname, newname)
}

// snapshot returns the contents of every file on fs.
func snapshot(fs afero.Fs) map[string][]byte {
	GinkgoHelper()
	files := map[string][]byte{}
	Expect(afero.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		data, err := afero.ReadFile(fs, path)
		files[path] = data
		return err
	})).To(Succeed())
	return files
}

func runRanks(n int, fn func(ctx context.Context, c comm.Comm) error) {
	GinkgoHelper()
	err := comm.Run(context.Background(), n, func(ctx context.Context, c comm.Comm) error {
		defer GinkgoRecover()
		return fn(ctx, c)
	})
	Expect(err).NotTo(HaveOccurred())
}

var _ = Describe("Sidecar", func() {
	It("round-trips the iteration and scale exactly", func() {
		for _, sc := range []Sidecar{
			{Iteration: 0, Scale: 1},
			{Iteration: 137, Scale: 0.1 + 0.2},
			{Iteration: 9999, Scale: 1.2345678901234567e-300},
		} {
			got, err := ParseSidecar(FormatSidecar(sc))
			Expect(err).NotTo(HaveOccurred())
			Expect(got).To(Equal(sc))
		}
	})

	It("is newline terminated", func() {
		Expect(FormatSidecar(Sidecar{Iteration: 3, Scale: 2})).To(Equal("3 2e+00\n"))
	})

	It("accepts the historical two-space layout", func() {
		got, err := ParseSidecar("42  1.500000e-02\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(got).To(Equal(Sidecar{Iteration: 42, Scale: 0.015}))
	})

	DescribeTable("rejects malformed input",
		func(text string) {
			_, err := ParseSidecar(text)
			Expect(err).To(MatchError(ErrBadSidecar))
		},
		Entry("empty", ""),
		Entry("one field", "12\n"),
		Entry("float iteration", "1.5 2.0\n"),
		Entry("text scale", "3 abc\n"),
	)
})

var _ = Describe("Slot", func() {
	It("names the slot files", func() {
		vec, itr := SlotA.Files("work")
		Expect(vec).To(Equal(filepath.Join("work", "Restart00.dat")))
		Expect(itr).To(Equal(filepath.Join("work", "Restart00_itr_f0.dat")))
		vec, itr = SlotB.Files("./")
		Expect(vec).To(Equal("Restart01.dat"))
		Expect(itr).To(Equal("Restart01_itr_f0.dat"))
		Expect(SlotA.Other()).To(Equal(SlotB))
		Expect(SlotB.Other()).To(Equal(SlotA))
	})
})

var _ = Describe("Manager", func() {
	var fs afero.Fs

	BeforeEach(func() {
		fs = afero.NewMemMapFs()
	})

	It("refuses to write when restart is disabled", func() {
		runRanks(2, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()

			m, err := NewManager(ctx, c, fs, Config{Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Write(ctx, 1, 1, f.state, f.hist)
			Expect(err).To(MatchError(ErrRestartDisabled))
			Expect(m.NextSlot()).To(Equal(SlotA))
			return nil
		})
		entries, err := afero.ReadDir(fs, "/")
		Expect(err).NotTo(HaveOccurred())
		Expect(entries).To(BeEmpty())
	})

	It("leaves existing checkpoints byte-identical when restart is disabled", func() {
		var before map[string][]byte
		runRanks(2, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()
			f.fill()

			enabled, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			for itr := 1; itr <= 2; itr++ {
				if _, err := enabled.Write(ctx, itr, 0.5, f.state, f.hist); err != nil {
					return err
				}
			}
			if comm.IsRoot(c) {
				before = snapshot(fs)
			}

			f.state.X.Set(42)
			disabled, err := NewManager(ctx, c, fs, Config{Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			_, err = disabled.Write(ctx, 3, 0.25, f.state, f.hist)
			Expect(err).To(MatchError(ErrRestartDisabled))
			return nil
		})
		Expect(before).To(HaveLen(4))
		Expect(snapshot(fs)).To(Equal(before))
	})

	It("keeps a slot consistent when publishing its container fails", func() {
		vecA, itrA := SlotA.Files(workdir)
		failing := &renameFailFs{Fs: fs}

		runRanks(2, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()

			m, err := NewManager(ctx, c, failing, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			for itr := 1; itr <= 2; itr++ {
				f.state.X.Set(float64(itr))
				if _, err := m.Write(ctx, itr, 1, f.state, f.hist); err != nil {
					return err
				}
			}

			// Only rank 0 touches the file system.
			if comm.IsRoot(c) {
				failing.target = vecA
			}
			f.state.X.Set(3)
			_, err = m.Write(ctx, 3, 0.25, f.state, f.hist)
			Expect(err).To(MatchError(errDiskFull))
			Expect(m.NextSlot()).To(Equal(SlotA))

			if comm.IsRoot(c) {
				sc, err := ReadSidecar(fs, itrA)
				Expect(err).NotTo(HaveOccurred())
				Expect(sc).To(Equal(Sidecar{Iteration: 1, Scale: 1}))
				records, err := dmda.ScanContainer(fs, vecA)
				Expect(err).NotTo(HaveOccurred())
				Expect(records[0][0]).To(Equal(1.0))
				Expect(afero.Exists(fs, itrA+".tmp")).To(BeFalse())
				Expect(afero.Exists(fs, vecA+".tmp")).To(BeFalse())
				failing.target = ""
			}

			f.state.X.Set(4)
			rec, err := m.Write(ctx, 4, 0.125, f.state, f.hist)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Slot).To(Equal(SlotA))
			return nil
		})

		sc, err := ReadSidecar(fs, itrA)
		Expect(err).NotTo(HaveOccurred())
		Expect(sc).To(Equal(Sidecar{Iteration: 4, Scale: 0.125}))
		records, err := dmda.ScanContainer(fs, vecA)
		Expect(err).NotTo(HaveOccurred())
		Expect(records[0][0]).To(Equal(4.0))
	})

	It("rejects configurations that differ between ranks", func() {
		err := comm.Run(context.Background(), 2, func(ctx context.Context, c comm.Comm) error {
			_, err := NewManager(ctx, c, fs, Config{Enabled: c.Rank() == 0})
			return err
		})
		Expect(err).To(MatchError(comm.ErrDivergent))
	})

	It("alternates slots starting with A", func() {
		reg := metrics.NewRecorder()
		clk := clocktesting.NewFakePassiveClock(time.Unix(0, 0))
		var records []Record

		runRanks(3, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()

			m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir},
				WithRecorder(reg), WithClock(clk))
			Expect(err).NotTo(HaveOccurred())

			for itr := 1; itr <= 3; itr++ {
				rec, err := m.Write(ctx, itr, 0.5, f.state, f.hist)
				Expect(err).NotTo(HaveOccurred())
				if comm.IsRoot(c) {
					records = append(records, rec)
				}
			}
			return nil
		})

		Expect(records).To(HaveLen(3))
		Expect([]Slot{records[0].Slot, records[1].Slot, records[2].Slot}).To(Equal([]Slot{SlotA, SlotB, SlotA}))
		Expect(records[0].Vectors).To(Equal(ContainerOrder))
		Expect(records[2].VecPath).To(Equal(filepath.Join(workdir, "Restart00.dat")))

		a, err := ReadSidecar(fs, filepath.Join(workdir, "Restart00_itr_f0.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(a.Iteration).To(Equal(3))
		b, err := ReadSidecar(fs, filepath.Join(workdir, "Restart01_itr_f0.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(b.Iteration).To(Equal(2))

		// Recorded once per write, by rank 0 only.
		expected := `
# HELP topopt_checkpoint_writes_total Checkpoint writes by slot and result
# TYPE topopt_checkpoint_writes_total counter
topopt_checkpoint_writes_total{result="success",slot="A"} 2
topopt_checkpoint_writes_total{result="success",slot="B"} 1
`
		Expect(testutil.GatherAndCompare(reg.Registry(), strings.NewReader(expected),
			"topopt_checkpoint_writes_total")).To(Succeed())
	})

	It("writes the twelve entries in container order", func() {
		runRanks(2, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()
			f.fill()

			m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Write(ctx, 5, 2.5, f.state, f.hist)
			return err
		})

		records, err := dmda.ScanContainer(fs, filepath.Join(workdir, "Restart00.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(records).To(HaveLen(len(ContainerOrder)))
		elems, nodes := 8*4*4, 9*5*5*3
		for i, rec := range records {
			want := elems
			if i >= 10 {
				want = nodes
			}
			Expect(rec).To(HaveLen(want), ContainerOrder[i])
			Expect(rec[0]).To(Equal(float64(1000*(i+1))), ContainerOrder[i])
		}
	})

	It("leaves the previous slot untouched", func() {
		var before []byte
		runRanks(2, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()

			m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			if _, err := m.Write(ctx, 1, 1, f.state, f.hist); err != nil {
				return err
			}
			if err := comm.Barrier(ctx, c, "test.snapshot"); err != nil {
				return err
			}
			if comm.IsRoot(c) {
				before, err = afero.ReadFile(fs, filepath.Join(workdir, "Restart00.dat"))
				Expect(err).NotTo(HaveOccurred())
			}
			if err := comm.Barrier(ctx, c, "test.snapshot.done"); err != nil {
				return err
			}
			f.fill()
			_, err = m.Write(ctx, 2, 1, f.state, f.hist)
			return err
		})

		after, err := afero.ReadFile(fs, filepath.Join(workdir, "Restart00.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before))
		b, err := afero.ReadFile(fs, filepath.Join(workdir, "Restart01.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(b).NotTo(Equal(before))
	})

	It("reads back a slot written with a different rank count", func() {
		scale := 1.2345678901234567e-3
		runRanks(4, func(ctx context.Context, c comm.Comm) error {
			f, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer f.destroy()
			f.fill()
			m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			_, err = m.Write(ctx, 77, scale, f.state, f.hist)
			return err
		})

		runRanks(3, func(ctx context.Context, c comm.Comm) error {
			got, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer got.destroy()
			want, err := newFixture(ctx, c)
			Expect(err).NotTo(HaveOccurred())
			defer want.destroy()
			want.fill()

			m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
			Expect(err).NotTo(HaveOccurred())
			vec, itr := SlotA.Files(workdir)
			sc, err := m.ReadSlot(ctx, vec, itr, got.state, got.hist)
			Expect(err).NotTo(HaveOccurred())
			Expect(sc).To(Equal(Sidecar{Iteration: 77, Scale: scale}))

			for i, v := range got.vectors() {
				same, err := v.Equal(ctx, want.vectors()[i])
				Expect(err).NotTo(HaveOccurred())
				Expect(same).To(BeTrue(), ContainerOrder[i])
			}
			return nil
		})
	})

	Context("deciding how to start", func() {
		var vec, itr string

		BeforeEach(func() {
			vec, itr = SlotB.Files("/prev")
			Expect(fs.MkdirAll("/prev", 0o755)).To(Succeed())
			Expect(afero.WriteFile(fs, vec, []byte{}, 0o644)).To(Succeed())
			Expect(WriteSidecar(fs, itr, Sidecar{Iteration: 12, Scale: 3})).To(Succeed())
		})

		DescribeTable("modes",
			func(mutate func(*Config), want Mode) {
				cfg := Config{Enabled: true, RestartFileVec: vec, RestartFileItr: itr}
				mutate(&cfg)
				reg := metrics.NewRecorder()
				runRanks(3, func(ctx context.Context, c comm.Comm) error {
					m, err := NewManager(ctx, c, fs, cfg, WithRecorder(reg))
					Expect(err).NotTo(HaveOccurred())
					d, err := m.Decide(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(d.Mode).To(Equal(want))
					Expect(d.Resume()).To(Equal(want != ColdStart))
					return nil
				})
				expected := fmt.Sprintf(`
# HELP topopt_resume_decisions_total Startup resume decisions by mode
# TYPE topopt_resume_decisions_total counter
topopt_resume_decisions_total{mode=%q} 1
`, want.String())
				Expect(testutil.GatherAndCompare(reg.Registry(), strings.NewReader(expected),
					"topopt_resume_decisions_total")).To(Succeed())
			},
			Entry("continue", func(*Config) {}, Continue),
			Entry("design only", func(c *Config) { c.OnlyLoadDesign = true }, DesignOnly),
			Entry("restart disabled", func(c *Config) { c.Enabled = false }, ColdStart),
			Entry("container missing", func(c *Config) { c.RestartFileVec = "/prev/none.dat" }, ColdStart),
			Entry("sidecar missing", func(c *Config) { c.RestartFileItr = "" }, ColdStart),
			Entry("container is a directory", func(c *Config) { c.RestartFileVec = "/prev" }, ColdStart),
		)

		It("reports the files found on every rank", func() {
			runRanks(2, func(ctx context.Context, c comm.Comm) error {
				m, err := NewManager(ctx, c, fs, Config{Enabled: true, RestartFileVec: vec, RestartFileItr: itr})
				Expect(err).NotTo(HaveOccurred())
				d, err := m.Decide(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.VecFound).To(BeTrue())
				Expect(d.ItrFound).To(BeTrue())
				return nil
			})
		})
	})

	Context("loading", func() {
		BeforeEach(func() {
			runRanks(2, func(ctx context.Context, c comm.Comm) error {
				f, err := newFixture(ctx, c)
				Expect(err).NotTo(HaveOccurred())
				defer f.destroy()
				f.fill()
				m, err := NewManager(ctx, c, fs, Config{Enabled: true, Workdir: workdir})
				Expect(err).NotTo(HaveOccurred())
				_, err = m.Write(ctx, 40, 0.25, f.state, f.hist)
				return err
			})
		})

		It("reads only the leading six entries", func() {
			vec, itr := SlotA.Files(workdir)
			runRanks(2, func(ctx context.Context, c comm.Comm) error {
				got, err := newFixture(ctx, c)
				Expect(err).NotTo(HaveOccurred())
				defer got.destroy()
				want, err := newFixture(ctx, c)
				Expect(err).NotTo(HaveOccurred())
				defer want.destroy()
				want.fill()

				m, err := NewManager(ctx, c, fs, Config{Enabled: true, RestartFileVec: vec, RestartFileItr: itr})
				Expect(err).NotTo(HaveOccurred())
				d, err := m.Decide(ctx)
				Expect(err).NotTo(HaveOccurred())
				Expect(d.Mode).To(Equal(Continue))

				sc, err := m.Load(ctx, d, got.state, got.hist)
				Expect(err).NotTo(HaveOccurred())
				Expect(sc).To(Equal(Sidecar{Iteration: 40, Scale: 0.25}))

				for i, v := range got.vectors() {
					if i < resumeEntries {
						same, err := v.Equal(ctx, want.vectors()[i])
						Expect(err).NotTo(HaveOccurred())
						Expect(same).To(BeTrue(), ContainerOrder[i])
						continue
					}
					hi, err := v.Max(ctx)
					Expect(err).NotTo(HaveOccurred())
					Expect(hi).To(BeZero(), ContainerOrder[i])
				}
				return nil
			})
		})

		It("refuses a cold-start decision", func() {
			runRanks(1, func(ctx context.Context, c comm.Comm) error {
				f, err := newFixture(ctx, c)
				Expect(err).NotTo(HaveOccurred())
				defer f.destroy()
				m, err := NewManager(ctx, c, fs, Config{Enabled: true})
				Expect(err).NotTo(HaveOccurred())
				_, err = m.Load(ctx, Decision{Mode: ColdStart}, f.state, f.hist)
				Expect(err).To(MatchError(ErrNothingToLoad))
				return nil
			})
		})

		It("reports a container written for a different mesh on every rank", func() {
			vec, itr := SlotA.Files(workdir)
			runRanks(2, func(ctx context.Context, c comm.Comm) error {
				f, err := newFixture(ctx, c)
				Expect(err).NotTo(HaveOccurred())
				defer f.destroy()

				// A container holding a single short vector.
				if comm.IsRoot(c) {
					Expect(afero.WriteFile(fs, "/short.dat", encodeOne(3), 0o644)).To(Succeed())
				}
				Expect(comm.Barrier(ctx, c, "test.short")).To(Succeed())

				m, err := NewManager(ctx, c, fs, Config{Enabled: true})
				Expect(err).NotTo(HaveOccurred())
				_, err = m.Load(ctx, Decision{Mode: Continue, VecPath: "/short.dat", ItrPath: itr}, f.state, f.hist)
				Expect(err).To(MatchError(dmda.ErrSizeMismatch))

				_, err = m.Load(ctx, Decision{Mode: Continue, VecPath: vec, ItrPath: "/missing"}, f.state, f.hist)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, dmda.ErrSizeMismatch)).To(BeFalse())
				return nil
			})
		})
	})
})

func encodeOne(n int) []byte {
	var buf bytes.Buffer
	Expect(dmda.EncodeVec(&buf, make([]float64, n))).To(Succeed())
	return buf.Bytes()
}
