package e2e

import (
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"
)

type setupSummary struct {
	Variant string `yaml:"variant"`
	Mesh    struct {
		Nodes    []int `yaml:"nodes"`
		Elements []int `yaml:"elements"`
		Procs    []int `yaml:"procs"`
	} `yaml:"mesh"`
	Mode      string  `yaml:"resume"`
	Iteration int     `yaml:"iteration"`
	Scale     float64 `yaml:"scale"`
	Ranks     int     `yaml:"ranks"`
}

type inspectSummary struct {
	Entries []struct {
		Name string  `yaml:"name"`
		Len  int     `yaml:"len"`
		Sum  float64 `yaml:"sum"`
	} `yaml:"entries"`
	Sidecar struct {
		Iteration int     `yaml:"iteration"`
		Scale     float64 `yaml:"scale"`
	} `yaml:"sidecar"`
}

var meshArgs = []string{
	"--log-level", "error",
	"--dim", "3", "--physics", "heat",
	"--nx", "17", "--ny", "9", "--nz", "9", "--nlvls", "3",
}

func setup(workdir string, extra ...string) setupSummary {
	args := append([]string{"setup", "--workdir", workdir}, meshArgs...)
	stdout, _, code := run(nil, append(args, extra...)...)
	ExpectWithOffset(1, code).To(Equal(0))
	var s setupSummary
	ExpectWithOffset(1, yaml.Unmarshal([]byte(stdout), &s)).To(Succeed())
	return s
}

var _ = Describe("Checkpoint restart", Ordered, func() {
	var workdir string

	BeforeAll(func() {
		workdir = GinkgoT().TempDir()
	})

	It("starts cold and writes slot A", func() {
		s := setup(workdir, "--ranks", "4", "--checkpoint-at", "10")
		Expect(s.Mode).To(Equal("cold"))
		Expect(s.Ranks).To(Equal(4))
		Expect(s.Mesh.Elements).To(Equal([]int{16, 8, 8}))

		Expect(filepath.Join(workdir, "Restart00.dat")).To(BeARegularFile())
		Expect(filepath.Join(workdir, "Restart00_itr_f0.dat")).To(BeARegularFile())
		Expect(filepath.Join(workdir, "Restart01.dat")).NotTo(BeAnExistingFile())

		itr, err := os.ReadFile(filepath.Join(workdir, "Restart00_itr_f0.dat"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(itr)).To(Equal("10 1e+00\n"))
	})

	It("describes the checkpoint", func() {
		stdout, _, code := run(nil, "inspect",
			filepath.Join(workdir, "Restart00.dat"),
			filepath.Join(workdir, "Restart00_itr_f0.dat"))
		Expect(code).To(Equal(0))

		var r inspectSummary
		Expect(yaml.Unmarshal([]byte(stdout), &r)).To(Succeed())
		Expect(r.Entries).To(HaveLen(12))
		Expect(r.Entries[0].Name).To(Equal("x"))
		Expect(r.Entries[0].Len).To(Equal(16 * 8 * 8))
		Expect(r.Entries[10].Name).To(Equal("nodeDensity"))
		Expect(r.Entries[10].Len).To(Equal(17 * 9 * 9))
		Expect(r.Sidecar.Iteration).To(Equal(10))
	})

	It("continues on a different number of ranks", func() {
		resumeDir := GinkgoT().TempDir()
		s := setup(resumeDir, "--ranks", "3",
			"--restartFileVec", filepath.Join(workdir, "Restart00.dat"),
			"--restartFileItr", filepath.Join(workdir, "Restart00_itr_f0.dat"))
		Expect(s.Mode).To(Equal("continue"))
		Expect(s.Iteration).To(Equal(10))
		Expect(s.Scale).To(Equal(1.0))
	})

	It("loads only the design when asked to", func() {
		stdout, _, code := run([]string{"TOPOPT_ONLYLOADDESIGN=true"},
			append([]string{"setup", "--workdir", GinkgoT().TempDir(), "--ranks", "2",
				"--restartFileVec", filepath.Join(workdir, "Restart00.dat"),
				"--restartFileItr", filepath.Join(workdir, "Restart00_itr_f0.dat")}, meshArgs...)...)
		Expect(code).To(Equal(0))
		var s setupSummary
		Expect(yaml.Unmarshal([]byte(stdout), &s)).To(Succeed())
		Expect(s.Mode).To(Equal("design-only"))
		Expect(s.Iteration).To(Equal(0))
	})

	It("starts cold when the restart files are missing", func() {
		s := setup(GinkgoT().TempDir(), "--ranks", "2",
			"--restartFileVec", filepath.Join(workdir, "missing.dat"),
			"--restartFileItr", filepath.Join(workdir, "missing_itr_f0.dat"))
		Expect(s.Mode).To(Equal("cold"))
	})
})

var _ = Describe("Multigrid compatibility", func() {
	It("exits with status 1 when a node count cannot be halved", func() {
		_, stderr, code := run(nil, "setup", "--workdir", GinkgoT().TempDir(),
			"--dim", "3", "--physics", "heat",
			"--nx", "18", "--ny", "9", "--nz", "9", "--nlvls", "3")
		Expect(code).To(Equal(1))
		Expect(stderr).To(ContainSubstring("cannot be halved"))
	})
})
