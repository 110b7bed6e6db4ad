package layout

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/npucc"
)

var _ = Describe("Planner", func() {
	var (
		hw npucc.Hardware
		p  *Planner
		g  *npucc.Graph
	)

	BeforeEach(func() {
		hw = npucc.DefaultHardware()
		hw.TileHeight = 2
		hw.TileWidth = 2
		p = NewPlanner(hw)
		g = npucc.NewGraph()
	})

	buildMatmul := func(weightData []byte) *npucc.Tensor {
		in := g.AddTensor("in", []int{4, 4}, 1, npucc.ClassActivation)
		w := g.AddTensor("w", []int{4, 4}, 1, npucc.ClassWeight)
		w.Data = weightData
		out := g.AddTensor("out", []int{4, 4}, 1, npucc.ClassActivation)

		_, err := g.AddOp("matmul", "mm0",
			[]int{in.Index, w.Index}, []int{out.Index}, 100)
		Expect(err).ToNot(HaveOccurred())

		return w
	}

	It("should permute weights into tile blocks", func() {
		data := make([]byte, 16)
		for i := range data {
			data[i] = byte(i)
		}
		w := buildMatmul(data)

		Expect(p.Run(g)).To(Succeed())

		Expect(w.Layout).To(Equal(npucc.LayoutTiled))
		Expect(w.Data).To(Equal([]byte{
			0, 1, 4, 5,
			2, 3, 6, 7,
			8, 9, 12, 13,
			10, 11, 14, 15,
		}))
	})

	It("should be idempotent", func() {
		data := make([]byte, 16)
		for i := range data {
			data[i] = byte(i)
		}
		w := buildMatmul(data)

		Expect(p.Run(g)).To(Succeed())
		once := append([]byte(nil), w.Data...)

		Expect(p.Run(g)).To(Succeed())

		Expect(w.Data).To(Equal(once))
	})

	It("should tag dataless weights without touching payloads", func() {
		w := buildMatmul(nil)

		Expect(p.Run(g)).To(Succeed())

		Expect(w.Layout).To(Equal(npucc.LayoutTiled))
		Expect(w.Data).To(BeNil())
	})

	It("should leave activations and untiled kinds alone", func() {
		in := g.AddTensor("in", []int{4, 4}, 1, npucc.ClassActivation)
		w := g.AddTensor("w", []int{4, 4}, 1, npucc.ClassWeight)
		w.Data = make([]byte, 16)
		out := g.AddTensor("out", []int{4, 4}, 1, npucc.ClassActivation)
		_, err := g.AddOp("add", "add0",
			[]int{in.Index, w.Index}, []int{out.Index}, 10)
		Expect(err).ToNot(HaveOccurred())

		Expect(p.Run(g)).To(Succeed())

		Expect(w.Layout).To(Equal(npucc.LayoutRowMajor))
	})
})
