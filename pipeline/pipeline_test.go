package pipeline

import (
	"io"
	"sort"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/codegen"
	"github.com/sirupsen/logrus"
)

// chainModel builds a two-op model: matmul with a weight, then relu.
func chainModel() *npucc.Graph {
	g := npucc.NewGraph()

	in := g.AddTensor("in", []int{4, 4}, 4, npucc.ClassActivation)
	w := g.AddTensor("w", []int{4, 4}, 4, npucc.ClassWeight)
	mid := g.AddTensor("mid", []int{4, 4}, 4, npucc.ClassActivation)
	out := g.AddTensor("out", []int{4, 4}, 4, npucc.ClassActivation)

	w.Data = make([]byte, w.Bytes())
	for i := range w.Data {
		w.Data[i] = byte(i)
	}

	_, err := g.AddOp("matmul", "mm0",
		[]int{in.Index, w.Index}, []int{mid.Index}, 100)
	Expect(err).ToNot(HaveOccurred())
	_, err = g.AddOp("relu", "r0",
		[]int{mid.Index}, []int{out.Index}, 50)
	Expect(err).ToNot(HaveOccurred())

	g.Inputs = []int{in.Index}
	g.Outputs = []int{out.Index}

	return g
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.Log = logrus.New()
	cfg.Log.SetOutput(io.Discard)
	return cfg
}

var _ = Describe("Compiler", func() {
	It("should compile a small model end to end", func() {
		g := chainModel()

		compiled, err := NewCompiler(quietConfig()).Compile(g)

		Expect(err).ToNot(HaveOccurred())
		Expect(compiled.Subnets).To(HaveLen(1))
		Expect(compiled.Artifact.Programs).To(HaveLen(1))
		Expect(compiled.Artifact.Programs[0].SubnetID).To(Equal(0))
		Expect(compiled.Artifact.Programs[0].Instructions).ToNot(BeEmpty())
		Expect(string(compiled.Artifact.Bytes()[:4])).To(Equal("NPCC"))
	})

	It("should annotate every operation in place", func() {
		g := chainModel()

		_, err := NewCompiler(quietConfig()).Compile(g)
		Expect(err).ToNot(HaveOccurred())

		for _, op := range g.Ops {
			Expect(op.Position).To(BeNumerically(">=", 0))
			Expect(op.SubnetID).To(Equal(0))
			Expect(op.GroupID).To(BeNumerically(">=", 0))
		}
	})

	It("should list the resolved ranges sorted by name", func() {
		g := chainModel()

		compiled, err := NewCompiler(quietConfig()).Compile(g)
		Expect(err).ToNot(HaveOccurred())

		var names []string
		for _, entry := range compiled.Artifact.AddressMap {
			names = append(names, entry.Name)
		}
		Expect(names).To(ContainElements("in", "w", "out"))
		Expect(sort.StringsAreSorted(names)).To(BeTrue())
	})

	It("should place the weight payload at its ledger offset", func() {
		g := chainModel()
		cfg := quietConfig()
		cfg.CompressWeight = false

		compiled, err := NewCompiler(cfg).Compile(g)
		Expect(err).ToNot(HaveOccurred())

		var found bool
		for _, entry := range compiled.WeightMap {
			if entry.Name != "w" {
				continue
			}
			found = true
			blob := compiled.Artifact.WeightBlob
			payload := blob[entry.Offset : entry.Offset+entry.Length]
			Expect(payload[0]).To(Equal(byte(0)))
			Expect(payload[len(payload)-1]).To(
				Equal(byte(len(payload) - 1)))
		}
		Expect(found).To(BeTrue())
	})

	It("should produce identical bytes for identical inputs", func() {
		first, err := NewCompiler(quietConfig()).Compile(chainModel())
		Expect(err).ToNot(HaveOccurred())

		second, err := NewCompiler(quietConfig()).Compile(chainModel())
		Expect(err).ToNot(HaveOccurred())

		Expect(first.Artifact.Bytes()).To(Equal(second.Artifact.Bytes()))
	})

	It("should name the subnet that cannot fit", func() {
		g := npucc.NewGraph()
		in := g.AddTensor("in", []int{4, 4}, 4, npucc.ClassActivation)
		out := g.AddTensor("out", []int{4, 4}, 4, npucc.ClassActivation)
		_, err := g.AddOp("relu", "r0",
			[]int{in.Index}, []int{out.Index}, 50)
		Expect(err).ToNot(HaveOccurred())
		g.Inputs = []int{in.Index}
		g.Outputs = []int{out.Index}

		cfg := quietConfig()
		cfg.Hardware.LocalMemBytes = 100

		_, err = NewCompiler(cfg).Compile(g)

		Expect(err).To(HaveOccurred())
		Expect(npucc.IsCapacity(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("subnet 0"))
	})

	It("should compile a split whose source feeds only slices", func() {
		// Splitting the conv leaves mid read by slice operations alone.
		// mid never crosses a group boundary, so the slices must read it
		// from its local range rather than a global one it never gets.
		g := npucc.NewGraph()
		x := g.AddTensor("x", []int{8, 64}, 4, npucc.ClassActivation)
		mid := g.AddTensor("mid", []int{8, 64}, 4, npucc.ClassActivation)
		out := g.AddTensor("out", []int{8, 128}, 4, npucc.ClassActivation)
		_, err := g.AddOp("relu", "r0",
			[]int{x.Index}, []int{mid.Index}, 50)
		Expect(err).ToNot(HaveOccurred())
		_, err = g.AddOp("conv", "c0",
			[]int{mid.Index}, []int{out.Index}, 200)
		Expect(err).ToNot(HaveOccurred())
		g.Inputs = []int{x.Index}
		g.Outputs = []int{out.Index}

		cfg := quietConfig()
		cfg.Hardware.MaxOperandBytes = 2048

		compiled, err := NewCompiler(cfg).Compile(g)

		Expect(err).ToNot(HaveOccurred())
		Expect(compiled.Artifact.Programs).To(HaveLen(1))

		prog := compiled.Artifact.Programs[0]
		sliceKind := -1
		for i, kind := range prog.KindTable {
			if kind == "slice" {
				sliceKind = i
			}
		}
		Expect(sliceKind).ToNot(Equal(-1))

		slices := 0
		for _, instr := range prog.Instructions {
			if instr.Opcode != codegen.OpcodeCompute ||
				instr.Kind != uint16(sliceKind) {
				continue
			}
			slices++
			Expect(instr.Srcs[0].Space).To(Equal(npucc.SpaceLocal))
		}
		Expect(slices).To(Equal(2))
	})

	It("should refuse an oversized operation no split can refine", func() {
		g := npucc.NewGraph()
		x := g.AddTensor("x", []int{8, 128}, 4, npucc.ClassActivation)
		y := g.AddTensor("y", []int{8, 128}, 4, npucc.ClassActivation)
		z := g.AddTensor("z", []int{8, 128}, 4, npucc.ClassActivation)
		_, err := g.AddOp("softmax", "sm0",
			[]int{x.Index}, []int{y.Index}, 100)
		Expect(err).ToNot(HaveOccurred())
		_, err = g.AddOp("relu", "r0",
			[]int{y.Index}, []int{z.Index}, 50)
		Expect(err).ToNot(HaveOccurred())
		g.Inputs = []int{x.Index}
		g.Outputs = []int{z.Index}

		cfg := quietConfig()
		cfg.Hardware.MaxOperandBytes = 2048

		_, err = NewCompiler(cfg).Compile(g)

		Expect(err).To(HaveOccurred())
		Expect(npucc.IsCapacity(err)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("sm0"))
	})

	It("should refuse a malformed graph up front", func() {
		g := npucc.NewGraph()
		g.AddTensor("orphan", []int{4}, 4, npucc.ClassActivation)
		g.Inputs = []int{5}

		_, err := NewCompiler(quietConfig()).Compile(g)

		Expect(err).To(HaveOccurred())
		Expect(npucc.IsStructural(err)).To(BeTrue())
	})
})
