// Package split refines operations whose operands exceed the per-operation
// hardware limit into equivalent sequences of smaller operations. The
// rewrite is a pure refinement of the dependency graph: output values are
// preserved exactly, only wired through explicit slice and concat steps.
package split

import (
	"fmt"

	"github.com/sarchlab/npucc"
)

// kinds that tolerate slicing along the leading output dimension.
var sliceableKinds = map[string]bool{
	"conv":   true,
	"matmul": true,
	"fc":     true,
	"add":    true,
	"mul":    true,
	"relu":   true,
	"pool":   true,
}

// A Pass splits oversized operations.
type Pass struct {
	hw npucc.Hardware
}

// NewPass creates a Pass.
func NewPass(hw npucc.Hardware) *Pass {
	return &Pass{hw: hw}
}

// Run splits every oversized sliceable operation and reports whether the
// graph changed. Running it again on its own output is a no-op.
func (p *Pass) Run(g *npucc.Graph) (bool, error) {
	changed := false

	// New operations are appended while iterating; they are born within
	// the limit, so bounding the scan to the original length is safe.
	n := len(g.Ops)
	for i := 0; i < n; i++ {
		op := g.Op(i)
		if !p.oversized(g, op) {
			continue
		}
		if !p.canSlice(g, op) {
			continue
		}
		err := p.slice(g, op)
		if err != nil {
			return changed, err
		}
		changed = true
	}

	return changed, nil
}

// Verify confirms no oversized operation survives to allocation. Slice and
// concat operations move their oversized end through global memory a row
// range at a time, so only compute operands are checked. An oversized
// operation no rewrite can refine is refused as a capacity violation; one
// the pass could have split means an earlier stage regressed the graph.
func (p *Pass) Verify(g *npucc.Graph) error {
	for _, op := range g.Ops {
		if op.Kind == "slice" || op.Kind == "concat" {
			continue
		}
		if !p.oversized(g, op) {
			continue
		}
		if p.canSlice(g, op) {
			return npucc.InternalErrf(
				"%s is still oversized at allocation time", npucc.OpIdent(op))
		}
		return npucc.CapacityErrf(
			p.largestOperand(g, op), p.hw.MaxOperandBytes,
			"%s has an operand no split can refine", npucc.OpIdent(op))
	}
	return nil
}

func (p *Pass) largestOperand(g *npucc.Graph, op *npucc.Op) uint64 {
	var largest uint64
	for _, idx := range op.Inputs {
		if b := g.Tensor(idx).Bytes(); b > largest {
			largest = b
		}
	}
	for _, idx := range op.Outputs {
		if b := g.Tensor(idx).Bytes(); b > largest {
			largest = b
		}
	}
	return largest
}

func (p *Pass) oversized(g *npucc.Graph, op *npucc.Op) bool {
	for _, idx := range op.Inputs {
		if g.Tensor(idx).Bytes() > p.hw.MaxOperandBytes {
			return true
		}
	}
	for _, idx := range op.Outputs {
		if g.Tensor(idx).Bytes() > p.hw.MaxOperandBytes {
			return true
		}
	}
	return false
}

// canSlice checks that slicing the leading output dimension brings every
// operand within the limit. Operands that do not share the leading
// dimension (weights, biases) are passed whole and must fit as they are.
func (p *Pass) canSlice(g *npucc.Graph, op *npucc.Op) bool {
	if !sliceableKinds[op.Kind] || len(op.Outputs) != 1 {
		return false
	}

	out := g.Tensor(op.Outputs[0])
	if len(out.Dims) == 0 || out.Dims[0] <= 1 {
		return false
	}

	if rowBytes(out) > p.hw.MaxOperandBytes {
		return false
	}
	for _, idx := range op.Inputs {
		in := g.Tensor(idx)
		if sharesLeading(in, out) {
			if rowBytes(in) > p.hw.MaxOperandBytes {
				return false
			}
		} else if in.Bytes() > p.hw.MaxOperandBytes {
			return false
		}
	}

	return true
}

// slice rewrites op into per-piece slices, per-piece compute, and a concat.
// The original op's arena slot becomes the concat so the output tensor keeps
// its producer index and downstream consumers stay untouched.
func (p *Pass) slice(g *npucc.Graph, op *npucc.Op) error {
	out := g.Tensor(op.Outputs[0])
	rows := out.Dims[0]

	// The piece height is set by the widest row among the output and the
	// sliced inputs, so every per-piece operand lands within the limit.
	maxRow := rowBytes(out)
	for _, idx := range op.Inputs {
		in := g.Tensor(idx)
		if sharesLeading(in, out) && rowBytes(in) > maxRow {
			maxRow = rowBytes(in)
		}
	}

	perPiece := int(p.hw.MaxOperandBytes / maxRow)
	if perPiece < 1 {
		perPiece = 1
	}
	pieces := (rows + perPiece - 1) / perPiece

	var pieceOuts []int
	for k := 0; k < pieces; k++ {
		pieceRows := perPiece
		if k == pieces-1 {
			pieceRows = rows - perPiece*(pieces-1)
		}

		pieceIns, err := p.sliceInputs(g, op, out, k, pieceRows, k*perPiece)
		if err != nil {
			return err
		}

		pieceOut := g.AddTensor(
			fmt.Sprintf("%s.piece%d", out.Name, k),
			replaceLeading(out.Dims, pieceRows),
			out.ElemBytes,
			out.Class,
		)

		_, err = g.AddOp(op.Kind,
			fmt.Sprintf("%s.slice%d", op.Name, k),
			pieceIns,
			[]int{pieceOut.Index},
			op.Cycles/uint64(pieces),
		)
		if err != nil {
			return err
		}
		pieceOuts = append(pieceOuts, pieceOut.Index)
	}

	// Detach the original operands, then repurpose the slot as the
	// concat joining the pieces back into the original output tensor.
	for _, in := range op.Inputs {
		removeConsumer(g.Tensor(in), op.Index)
	}
	op.Kind = "concat"
	op.Inputs = pieceOuts
	op.Cycles = 0
	for _, idx := range pieceOuts {
		g.Tensor(idx).Consumers = append(g.Tensor(idx).Consumers, op.Index)
	}

	return nil
}

// sliceInputs materializes the k-th slice of every leading-dimension-sharing
// input through an explicit slice operation; other inputs pass whole.
func (p *Pass) sliceInputs(
	g *npucc.Graph,
	op *npucc.Op,
	out *npucc.Tensor,
	k int,
	pieceRows int,
	rowBegin int,
) ([]int, error) {
	pieceIns := make([]int, 0, len(op.Inputs))
	for _, idx := range op.Inputs {
		in := g.Tensor(idx)
		if !sharesLeading(in, out) {
			pieceIns = append(pieceIns, idx)
			continue
		}

		sliced := g.AddTensor(
			fmt.Sprintf("%s.slice%d.of.%s", in.Name, k, op.Name),
			replaceLeading(in.Dims, pieceRows),
			in.ElemBytes,
			in.Class,
		)
		sliceOp, err := g.AddOp("slice",
			fmt.Sprintf("%s.in%d.slice%d", op.Name, idx, k),
			[]int{idx},
			[]int{sliced.Index},
			0,
		)
		if err != nil {
			return nil, err
		}
		sliceOp.SliceBegin = rowBegin
		pieceIns = append(pieceIns, sliced.Index)
	}
	return pieceIns, nil
}

func rowBytes(t *npucc.Tensor) uint64 {
	return t.Bytes() / uint64(t.Dims[0])
}

func sharesLeading(in, out *npucc.Tensor) bool {
	return len(in.Dims) > 0 && in.Dims[0] == out.Dims[0] &&
		in.Class == npucc.ClassActivation
}

func replaceLeading(dims []int, leading int) []int {
	out := make([]int, len(dims))
	copy(out, dims)
	out[0] = leading
	return out
}

func removeConsumer(t *npucc.Tensor, opIdx int) {
	for i, c := range t.Consumers {
		if c == opIdx {
			t.Consumers = append(t.Consumers[:i], t.Consumers[i+1:]...)
			return
		}
	}
}
