package estimate

import (
	gomock "github.com/golang/mock/gomock"
	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/codegen"
	"github.com/sarchlab/npucc/costmodel"
)

// estimatorHardware keeps the timing arithmetic round: 100 bytes per second
// on the DMA channel, 0.1 seconds of setup latency, 1000 cycles per second.
func estimatorHardware() npucc.Hardware {
	hw := npucc.DefaultHardware()
	hw.DMABytesPerSecond = 100
	hw.DMALatencySec = 0.1
	hw.CyclesPerSecond = 1000
	return hw
}

func computeGraph(cycles uint64) *npucc.Graph {
	g := npucc.NewGraph()
	in := g.AddTensor("in", []int{40}, 1, npucc.ClassActivation)
	out := g.AddTensor("out", []int{20}, 1, npucc.ClassActivation)
	_, err := g.AddOp("matmul", "mm0",
		[]int{in.Index}, []int{out.Index}, cycles)
	Expect(err).ToNot(HaveOccurred())
	return g
}

func fetchComputeSpill() *codegen.Program {
	return &codegen.Program{
		SubnetID:  0,
		KindTable: []string{"matmul"},
		Instructions: []codegen.Instruction{
			{
				Opcode: codegen.OpcodeFetch,
				OpID:   0,
				Srcs: []codegen.Operand{
					{Space: npucc.SpaceGlobal, Addr: 0, Length: 40},
				},
				Dsts: []codegen.Operand{
					{Space: npucc.SpaceLocal, Addr: 0, Length: 40},
				},
			},
			{
				Opcode: codegen.OpcodeCompute,
				OpID:   0,
				Srcs: []codegen.Operand{
					{Space: npucc.SpaceLocal, Addr: 0, Length: 40},
				},
				Dsts: []codegen.Operand{
					{Space: npucc.SpaceLocal, Addr: 64, Length: 20},
				},
			},
			{
				Opcode: codegen.OpcodeSpill,
				OpID:   1,
				Srcs: []codegen.Operand{
					{Space: npucc.SpaceLocal, Addr: 64, Length: 20},
				},
				Dsts: []codegen.Operand{
					{Space: npucc.SpaceGlobal, Addr: 128, Length: 20},
				},
			},
		},
	}
}

var _ = ginkgo.Describe("Run", func() {
	ginkgo.It("should add up transfer and compute time of one program", func() {
		g := computeGraph(100)
		prog := fetchComputeSpill()

		report, err := Run(g, []*codegen.Program{prog},
			estimatorHardware(), &costmodel.RecordedCycleEstimator{})

		Expect(err).ToNot(HaveOccurred())

		// Fetch: 0.1 latency + 40/100 transfer = 0.5.
		// Compute: 100 cycles at 1000 cycles/s = 0.1, done at 0.6.
		// Spill: 0.1 + 20/100 = 0.3, done at 0.9.
		Expect(report.TotalTimeInSec).To(BeNumerically("~", 0.9, 1e-9))
		Expect(report.SubnetTimeInSec[0]).To(
			BeNumerically("~", 0.9, 1e-9))
	})

	ginkgo.It("should charge one cycle per compute under the unit model", func() {
		g := computeGraph(100)
		prog := fetchComputeSpill()

		report, err := Run(g, []*codegen.Program{prog},
			estimatorHardware(), &costmodel.AlwaysOneCycleEstimator{})

		Expect(err).ToNot(HaveOccurred())

		// The compute shrinks from 0.1 to 0.001 seconds.
		Expect(report.TotalTimeInSec).To(BeNumerically("~", 0.801, 1e-9))
	})

	ginkgo.It("should serialize concurrent subnets on the DMA channel", func() {
		g := computeGraph(100)

		fetchOnly := func(subnetID int) *codegen.Program {
			return &codegen.Program{
				SubnetID:  subnetID,
				KindTable: []string{"matmul"},
				Instructions: []codegen.Instruction{{
					Opcode: codegen.OpcodeFetch,
					OpID:   0,
					Srcs: []codegen.Operand{
						{Space: npucc.SpaceGlobal, Addr: 0, Length: 40},
					},
					Dsts: []codegen.Operand{
						{Space: npucc.SpaceLocal, Addr: 0, Length: 40},
					},
				}},
			}
		}

		report, err := Run(g,
			[]*codegen.Program{fetchOnly(0), fetchOnly(1)},
			estimatorHardware(), &costmodel.RecordedCycleEstimator{})

		Expect(err).ToNot(HaveOccurred())

		// One fetch rides the channel at a time: 0.5, then another 0.5.
		Expect(report.TotalTimeInSec).To(BeNumerically("~", 1.0, 1e-9))

		times := []float64{
			report.SubnetTimeInSec[0],
			report.SubnetTimeInSec[1],
		}
		Expect(times).To(ConsistOf(
			BeNumerically("~", 0.5, 1e-9),
			BeNumerically("~", 1.0, 1e-9),
		))
	})

	ginkgo.It("should hand the estimator the operation kind and traffic", func() {
		ctrl := gomock.NewController(ginkgo.GinkgoT())
		defer ctrl.Finish()

		estimator := NewMockCycleEstimator(ctrl)
		estimator.EXPECT().
			Estimate(costmodel.CycleEstimatorInput{
				Kind:           "matmul",
				InputBytes:     40,
				OutputBytes:    20,
				RecordedCycles: 100,
			}).
			Return(costmodel.CycleEstimatorOutput{Cycles: 50}, nil)

		report, err := Run(computeGraph(100),
			[]*codegen.Program{fetchComputeSpill()},
			estimatorHardware(), estimator)

		Expect(err).ToNot(HaveOccurred())
		Expect(report.TotalTimeInSec).To(BeNumerically("~", 0.85, 1e-9))
	})

	ginkgo.It("should replay an empty program instantly", func() {
		g := computeGraph(100)
		prog := &codegen.Program{SubnetID: 0}

		report, err := Run(g, []*codegen.Program{prog},
			estimatorHardware(), &costmodel.RecordedCycleEstimator{})

		Expect(err).ToNot(HaveOccurred())
		Expect(report.TotalTimeInSec).To(BeNumerically("~", 0.0, 1e-9))
	})
})
