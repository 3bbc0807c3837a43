package mesh

import (
	"context"
	"errors"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/topopt-dev/topopt/internal/comm"
	"github.com/topopt-dev/topopt/internal/dmda"
)

var _ = Describe("CheckLevels", func() {
	DescribeTable("compatible meshes",
		func(nodes []int, levels int) {
			Expect(CheckLevels(nodes, levels)).To(Succeed())
		},
		Entry("3D elasticity preset", []int{65, 33, 33}, 4),
		Entry("2D elasticity preset", []int{241, 121}, 4),
		Entry("single level accepts any count", []int{10, 7, 4}, 1),
		Entry("deep hierarchy", []int{65, 33, 33}, 6),
	)

	DescribeTable("incompatible meshes name the first failing axis",
		func(nodes []int, levels int, axis string) {
			err := CheckLevels(nodes, levels)
			var inc *IncompatibleError
			Expect(errors.As(err, &inc)).To(BeTrue())
			Expect(inc.Axis).To(Equal(axis))
			Expect(inc.Levels).To(Equal(levels))
			Expect(err.Error()).To(ContainSubstring("cannot be halved %d times", levels-1))
		},
		Entry("X", []int{66, 33, 33}, 2, "X"),
		Entry("2D elasticity preset with one extra node", []int{242, 121}, 4, "X"),
		Entry("Y", []int{65, 34, 33}, 4, "Y"),
		Entry("Z", []int{65, 33, 30}, 4, "Z"),
		Entry("too many levels", []int{65, 33, 33}, 7, "Y"),
	)

	It("rejects a non-positive level count", func() {
		Expect(CheckLevels([]int{9, 9}, 0)).To(MatchError(ErrInvalidParams))
	})
})

var _ = Describe("ElementRanges", func() {
	It("subtracts one from the first slab of every axis", func() {
		got := ElementRanges([][]int{{17, 16, 16, 16}, {33}, {9, 8}})
		Expect(got).To(Equal([][]int{{16, 16, 16, 16}, {32}, {8, 8}}))
	})

	It("does not modify its input", func() {
		in := [][]int{{5, 5}, {4}}
		ElementRanges(in)
		Expect(in).To(Equal([][]int{{5, 5}, {4}}))
	})
})

var _ = Describe("Build", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("builds aligned node and element grids on several ranks", func() {
		params := Params{
			Nodes:  []int{17, 9, 9},
			Bounds: []float64{0, 2, 0, 1, 0, 1},
			Levels: 4,
			Dof:    3,
		}
		var mu sync.Mutex
		elemOwned := 0

		err := comm.Run(ctx, 4, func(ctx context.Context, c comm.Comm) error {
			defer GinkgoRecover()
			m, err := Build(ctx, c, params)
			if err != nil {
				return err
			}
			defer m.Destroy()

			nodeRanges := m.Nodes.OwnershipRanges()
			Expect(m.Elems.OwnershipRanges()).To(Equal(ElementRanges(nodeRanges)))
			Expect(m.Elems.Procs()).To(Equal(m.Nodes.Procs()))
			Expect(m.Elems.Sizes()).To(Equal([]int{16, 8, 8}))
			Expect(m.Nodes.StencilWidth()).To(Equal(1))
			Expect(m.Elems.StencilWidth()).To(Equal(0))

			nstart, nwidth := m.Nodes.Corners()
			estart, ewidth := m.Elems.Corners()
			for axis := range nstart {
				// Elements end where the owned nodes end.
				Expect(estart[axis] + ewidth[axis]).To(Equal(nstart[axis] + nwidth[axis] - 1))
			}

			mu.Lock()
			elemOwned += m.Elems.LocalLen()
			mu.Unlock()
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(elemOwned).To(Equal(16 * 8 * 8))
	})

	It("sets node spacing and cell-centred element coordinates", func() {
		m, err := Build(ctx, comm.Self(), Params{
			Nodes:  []int{5, 3},
			Bounds: []float64{0, 2, -1, 1},
			Levels: 2,
			Dof:    1,
		})
		Expect(err).NotTo(HaveOccurred())
		defer m.Destroy()

		Expect(m.Spacing()).To(Equal([]float64{0.5, 1}))
		lo, hi := m.Elems.Coordinates()
		Expect(lo).To(Equal([]float64{0.25, -0.5}))
		Expect(hi).To(Equal([]float64{1.75, 0.5}))
		Expect(m.Elems.Spacing()).To(Equal([]float64{0.5, 1}))
	})

	It("describes the mesh", func() {
		m, err := Build(ctx, comm.Self(), Params{
			Nodes:  []int{9, 5, 5},
			Bounds: []float64{0, 2, 0, 1, 0, 1},
			Levels: 3,
			Dof:    3,
		})
		Expect(err).NotTo(HaveOccurred())
		defer m.Destroy()

		s := m.Describe()
		Expect(s.Nodes).To(Equal([]int{9, 5, 5}))
		Expect(s.Elements).To(Equal([]int{8, 4, 4}))
		Expect(s.Dofs).To(Equal(3 * 9 * 5 * 5))
		Expect(s.Extent).To(Equal([]float64{2, 1, 1}))
		Expect(m.Bounds()).To(Equal([]float64{0, 2, 0, 1, 0, 1}))
		Expect(s.KeysAndValues()).To(HaveLen(12))
	})

	It("propagates grid-layer failures", func() {
		err := comm.Run(ctx, 3, func(ctx context.Context, c comm.Comm) error {
			_, err := Build(ctx, c, Params{
				Nodes:  []int{3, 5},
				Bounds: []float64{0, 1, 0, 1},
				Levels: 1,
				Dof:    1,
				Procs:  []int{3, 1},
			})
			return err
		})
		Expect(err).To(MatchError(dmda.ErrInvalidGrid))
		Expect(err.Error()).To(ContainSubstring("element grid"))
	})

	DescribeTable("rejects malformed parameters",
		func(p Params) {
			_, err := Build(ctx, comm.Self(), p)
			Expect(err).To(MatchError(ErrInvalidParams))
		},
		Entry("one axis", Params{Nodes: []int{9}, Bounds: []float64{0, 1}, Levels: 1, Dof: 1}),
		Entry("short bounds", Params{Nodes: []int{9, 9}, Bounds: []float64{0, 1}, Levels: 1, Dof: 1}),
		Entry("single node", Params{Nodes: []int{1, 9}, Bounds: []float64{0, 1, 0, 1}, Levels: 1, Dof: 1}),
		Entry("empty box", Params{Nodes: []int{9, 9}, Bounds: []float64{1, 1, 0, 1}, Levels: 1, Dof: 1}),
		Entry("no dofs", Params{Nodes: []int{9, 9}, Bounds: []float64{0, 1, 0, 1}, Levels: 1}),
	)
})

var _ = Describe("MustBuild", func() {
	var exitCodes []int
	var mu sync.Mutex

	BeforeEach(func() {
		exitCodes = nil
		saved := exitFunc
		exitFunc = func(code int) {
			mu.Lock()
			defer mu.Unlock()
			exitCodes = append(exitCodes, code)
		}
		DeferCleanup(func() {
			exitFunc = saved
		})
	})

	It("terminates every rank when the levels do not fit", func() {
		err := comm.Run(context.Background(), 3, func(ctx context.Context, c comm.Comm) error {
			defer GinkgoRecover()
			m, err := MustBuild(ctx, c, Params{
				Nodes:  []int{65, 34, 33},
				Bounds: []float64{0, 2, 0, 1, 0, 1},
				Levels: 4,
				Dof:    3,
			})
			Expect(m).To(BeNil())
			var inc *IncompatibleError
			Expect(errors.As(err, &inc)).To(BeTrue())
			Expect(inc.Axis).To(Equal("Y"))
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(exitCodes).To(Equal([]int{ExitIncompatible, ExitIncompatible, ExitIncompatible}))
	})

	It("returns the mesh when the levels fit", func() {
		m, err := MustBuild(context.Background(), comm.Self(), Params{
			Nodes:  []int{9, 9},
			Bounds: []float64{0, 1, 0, 1},
			Levels: 4,
			Dof:    2,
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(m).NotTo(BeNil())
		Expect(exitCodes).To(BeEmpty())
		m.Destroy()
	})
})
