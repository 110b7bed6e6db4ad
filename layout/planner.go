// Package layout relays weight tensors into the element ordering the compute
// units read natively, so the code generator never reorders data at run time.
package layout

import (
	"github.com/sarchlab/npucc"
)

// kinds whose weight operands are read through the tiled datapath.
var tiledKinds = map[string]bool{
	"conv":   true,
	"matmul": true,
	"fc":     true,
}

// A Planner rewrites weight tensors into the hardware tiling.
type Planner struct {
	hw npucc.Hardware
}

// NewPlanner creates a Planner for the given hardware tiling parameters.
func NewPlanner(hw npucc.Hardware) *Planner {
	return &Planner{hw: hw}
}

// Run relays every weight tensor consumed by a tiled operation. The layout
// tag makes the pass idempotent: an already tiled tensor is left untouched.
func (p *Planner) Run(g *npucc.Graph) error {
	for _, op := range g.Ops {
		if !tiledKinds[op.Kind] {
			continue
		}
		for _, in := range op.Inputs {
			t := g.Tensor(in)
			if t.Class != npucc.ClassWeight {
				continue
			}
			if t.Layout == npucc.LayoutTiled {
				continue
			}
			p.tile(t)
			t.Layout = npucc.LayoutTiled
		}
	}
	return nil
}

// tile permutes the trailing matrix of the tensor into TileHeight x TileWidth
// blocks, blocks in row-major order, elements row-major within a block.
// Tensors without a payload only receive the tag.
func (p *Planner) tile(t *npucc.Tensor) {
	if t.Data == nil || len(t.Dims) < 2 {
		return
	}

	height := t.Dims[len(t.Dims)-2]
	width := t.Dims[len(t.Dims)-1]
	outer := 1
	for _, d := range t.Dims[:len(t.Dims)-2] {
		outer *= d
	}

	elem := t.ElemBytes
	matBytes := height * width * elem
	if len(t.Data) < outer*matBytes {
		return
	}

	th := p.hw.TileHeight
	tw := p.hw.TileWidth
	permuted := make([]byte, len(t.Data))

	for o := 0; o < outer; o++ {
		src := t.Data[o*matBytes : (o+1)*matBytes]
		dst := permuted[o*matBytes : (o+1)*matBytes]
		pos := 0
		for tr := 0; tr < height; tr += th {
			for tc := 0; tc < width; tc += tw {
				for r := tr; r < tr+th && r < height; r++ {
					for c := tc; c < tc+tw && c < width; c++ {
						start := (r*width + c) * elem
						copy(dst[pos:pos+elem], src[start:start+elem])
						pos += elem
					}
				}
			}
		}
	}

	t.Data = permuted
}
