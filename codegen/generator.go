// Package codegen lowers the scheduled, grouped, allocated program into the
// final instruction stream. It walks groups in order, surrounds each with
// explicit fetch and spill transfers for its boundary tensors, and resolves
// every operand to a concrete address. It performs no reordering of its own.
package codegen

import (
	"sort"

	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/alloc"
	"github.com/sarchlab/npucc/group"
	"github.com/sarchlab/npucc/subnet"
)

// An Opcode identifies one target instruction.
type Opcode uint8

// Opcode constants
const (
	OpcodeFetch Opcode = iota + 1
	OpcodeDecompress
	OpcodeCompute
	OpcodeSpill
)

func (o Opcode) String() string {
	switch o {
	case OpcodeFetch:
		return "fetch"
	case OpcodeDecompress:
		return "decompress"
	case OpcodeCompute:
		return "compute"
	case OpcodeSpill:
		return "spill"
	}
	return "invalid"
}

// An Operand is a fully resolved address range.
type Operand struct {
	Space  npucc.AddressSpaceID
	Addr   uint64
	Length uint64
}

// An Instruction is one emitted target instruction. OpID names the source
// operation for compute instructions and the transferred tensor for fetch,
// spill, and decompress.
type Instruction struct {
	Opcode  Opcode
	Kind    uint16
	OpID    uint32
	GroupID uint32
	Srcs    []Operand
	Dsts    []Operand
}

// A Program is the instruction stream of one subnet.
type Program struct {
	SubnetID int
	Dynamic  bool

	// KindTable maps Instruction.Kind codes back to operator kinds. It is
	// sorted, so codes are stable across runs.
	KindTable []string

	Instructions []Instruction

	// EstCycles is the summed cost estimate of the compute instructions.
	EstCycles uint64
}

// A Generator emits programs.
type Generator struct {
	hw npucc.Hardware
}

// NewGenerator creates a Generator.
func NewGenerator(hw npucc.Hardware) *Generator {
	return &Generator{hw: hw}
}

// Run emits the program of one subnet. Bases maps every allocation region to
// its final base address. Any operand without a resolved allocation record
// or local offset is an internal-consistency error: earlier stages must have
// guaranteed completeness.
func (gen *Generator) Run(
	g *npucc.Graph,
	sn *subnet.Subnet,
	grouping *group.Result,
	allocation *alloc.Result,
	bases map[int]uint64,
) (*Program, error) {
	prog := &Program{
		SubnetID:  sn.ID,
		Dynamic:   sn.Dynamic,
		KindTable: kindTable(g, sn),
	}

	kindCode := make(map[string]uint16, len(prog.KindTable))
	for i, kind := range prog.KindTable {
		kindCode[kind] = uint16(i)
	}

	for _, grp := range grouping.Groups {
		err := gen.emitGroup(g, grp, allocation, bases, kindCode, prog)
		if err != nil {
			return nil, err
		}
	}

	return prog, nil
}

func (gen *Generator) emitGroup(
	g *npucc.Graph,
	grp *group.Group,
	allocation *alloc.Result,
	bases map[int]uint64,
	kindCode map[string]uint16,
	prog *Program,
) error {
	local := allocation.LocalOffsets[grp.ID]
	if local == nil {
		return npucc.InternalErrf("group %d has no local offsets", grp.ID)
	}

	for _, tIdx := range grp.Inputs {
		err := gen.emitFetch(g, grp, tIdx, local, bases, prog)
		if err != nil {
			return err
		}
	}

	for _, opIdx := range grp.Ops {
		err := gen.emitCompute(g, grp, g.Op(opIdx), local, bases, kindCode, prog)
		if err != nil {
			return err
		}
	}

	for _, tIdx := range grp.Outputs {
		err := gen.emitSpill(g, grp, tIdx, local, bases, prog)
		if err != nil {
			return err
		}
	}

	return nil
}

func (gen *Generator) emitFetch(
	g *npucc.Graph,
	grp *group.Group,
	tIdx int,
	local map[int]uint64,
	bases map[int]uint64,
	prog *Program,
) error {
	t := g.Tensor(tIdx)
	src, err := globalOperand(t, bases)
	if err != nil {
		return err
	}

	dst, err := localOperand(t, grp, local)
	if err != nil {
		return err
	}

	prog.Instructions = append(prog.Instructions, Instruction{
		Opcode:  OpcodeFetch,
		OpID:    uint32(tIdx),
		GroupID: uint32(grp.ID),
		Srcs:    []Operand{src},
		Dsts:    []Operand{{Space: npucc.SpaceLocal, Addr: dst.Addr, Length: src.Length}},
	})

	if t.Alloc.Compressed {
		prog.Instructions = append(prog.Instructions, Instruction{
			Opcode:  OpcodeDecompress,
			OpID:    uint32(tIdx),
			GroupID: uint32(grp.ID),
			Srcs: []Operand{{
				Space:  npucc.SpaceLocal,
				Addr:   dst.Addr,
				Length: src.Length,
			}},
			Dsts: []Operand{dst},
		})
	}

	return nil
}

func (gen *Generator) emitCompute(
	g *npucc.Graph,
	grp *group.Group,
	op *npucc.Op,
	local map[int]uint64,
	bases map[int]uint64,
	kindCode map[string]uint16,
	prog *Program,
) error {
	if op.Kind == "concat" {
		if _, resident := local[op.Outputs[0]]; !resident {
			return gen.emitStreamedConcat(g, grp, op, local, bases, prog)
		}
	}

	instr := Instruction{
		Opcode:  OpcodeCompute,
		Kind:    kindCode[op.Kind],
		OpID:    uint32(op.Index),
		GroupID: uint32(grp.ID),
	}

	if op.Kind == "slice" {
		operand, err := sliceSourceOperand(g, grp, op, local, bases)
		if err != nil {
			return err
		}
		instr.Srcs = append(instr.Srcs, operand)
	} else {
		for _, in := range op.Inputs {
			operand, err := localOperand(g.Tensor(in), grp, local)
			if err != nil {
				return err
			}
			instr.Srcs = append(instr.Srcs, operand)
		}
	}
	for _, out := range op.Outputs {
		operand, err := localOperand(g.Tensor(out), grp, local)
		if err != nil {
			return err
		}
		instr.Dsts = append(instr.Dsts, operand)
	}

	prog.Instructions = append(prog.Instructions, instr)
	prog.EstCycles += op.Cycles
	return nil
}

// emitStreamedConcat writes the pieces of a joined tensor straight into its
// global range. The joined tensor has no local range; each piece lands at
// the running byte offset of the pieces before it.
func (gen *Generator) emitStreamedConcat(
	g *npucc.Graph,
	grp *group.Group,
	op *npucc.Op,
	local map[int]uint64,
	bases map[int]uint64,
	prog *Program,
) error {
	out := g.Tensor(op.Outputs[0])
	dst, err := globalOperand(out, bases)
	if err != nil {
		return err
	}

	var off uint64
	for _, in := range op.Inputs {
		piece := g.Tensor(in)
		src, err := localOperand(piece, grp, local)
		if err != nil {
			return err
		}
		prog.Instructions = append(prog.Instructions, Instruction{
			Opcode:  OpcodeSpill,
			OpID:    uint32(in),
			GroupID: uint32(grp.ID),
			Srcs:    []Operand{src},
			Dsts: []Operand{{
				Space:  npucc.SpaceGlobal,
				Addr:   dst.Addr + off,
				Length: src.Length,
			}},
		})
		off += src.Length
	}

	return nil
}

func (gen *Generator) emitSpill(
	g *npucc.Graph,
	grp *group.Group,
	tIdx int,
	local map[int]uint64,
	bases map[int]uint64,
	prog *Program,
) error {
	t := g.Tensor(tIdx)

	// Joined tensors streamed by an in-group concat already reached
	// global memory piece by piece.
	if _, resident := local[tIdx]; !resident && t.Producer != -1 &&
		g.Op(t.Producer).Kind == "concat" && g.Op(t.Producer).GroupID == grp.ID {
		return nil
	}

	src, err := localOperand(t, grp, local)
	if err != nil {
		return err
	}

	dst, err := globalOperand(t, bases)
	if err != nil {
		return err
	}

	prog.Instructions = append(prog.Instructions, Instruction{
		Opcode:  OpcodeSpill,
		OpID:    uint32(tIdx),
		GroupID: uint32(grp.ID),
		Srcs:    []Operand{src},
		Dsts:    []Operand{dst},
	})

	return nil
}

// sliceSourceOperand resolves the sub-range a slice operation reads: the
// source tensor's range advanced by the starting row. A source produced and
// resident in the same group is read in place from local memory; everything
// else is read from its global range.
func sliceSourceOperand(
	g *npucc.Graph,
	grp *group.Group,
	op *npucc.Op,
	local map[int]uint64,
	bases map[int]uint64,
) (Operand, error) {
	src := g.Tensor(op.Inputs[0])
	rowBytes := src.Bytes() / uint64(src.Dims[0])
	begin := uint64(op.SliceBegin) * rowBytes
	length := g.Tensor(op.Outputs[0]).Bytes()

	offset, resident := local[src.Index]
	if resident && src.Producer != -1 && g.Op(src.Producer).GroupID == grp.ID {
		return Operand{
			Space:  npucc.SpaceLocal,
			Addr:   offset + begin,
			Length: length,
		}, nil
	}

	whole, err := globalOperand(src, bases)
	if err != nil {
		return Operand{}, err
	}
	return Operand{
		Space:  npucc.SpaceGlobal,
		Addr:   whole.Addr + begin,
		Length: length,
	}, nil
}

func globalOperand(t *npucc.Tensor, bases map[int]uint64) (Operand, error) {
	if !t.Alloc.Valid {
		return Operand{}, npucc.InternalErrf(
			"tensor %s reached codegen without an allocation record", t.Name)
	}
	base, ok := bases[t.Alloc.Region]
	if !ok {
		return Operand{}, npucc.InternalErrf(
			"tensor %s references unlinked region %d", t.Name, t.Alloc.Region)
	}
	return Operand{
		Space:  npucc.SpaceGlobal,
		Addr:   base + t.Alloc.Offset,
		Length: t.Alloc.Length,
	}, nil
}

func localOperand(
	t *npucc.Tensor,
	grp *group.Group,
	local map[int]uint64,
) (Operand, error) {
	offset, ok := local[t.Index]
	if !ok {
		return Operand{}, npucc.InternalErrf(
			"tensor %s has no local offset in group %d", t.Name, grp.ID)
	}
	return Operand{
		Space:  npucc.SpaceLocal,
		Addr:   offset,
		Length: t.Bytes(),
	}, nil
}

func kindTable(g *npucc.Graph, sn *subnet.Subnet) []string {
	seen := make(map[string]bool)
	var kinds []string
	for _, opIdx := range sn.Ops {
		kind := g.Op(opIdx).Kind
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	sort.Strings(kinds)
	return kinds
}
