// Package npucc provides the back-end compilation core for a fixed-capacity
// neural-network accelerator. It takes a type- and shape-resolved operation
// graph, partitions it into independently compilable subnets, clusters
// operations into layer groups that keep intermediate tensors resident in
// local memory, assigns addresses to every tensor, and emits the final
// instruction stream.
package npucc

import (
	"fmt"
)

// A StorageClass tells how a tensor is materialized.
type StorageClass int

// StorageClass constants
const (
	ClassActivation StorageClass = iota
	ClassWeight
	ClassConstant
)

func (c StorageClass) String() string {
	switch c {
	case ClassActivation:
		return "activation"
	case ClassWeight:
		return "weight"
	case ClassConstant:
		return "constant"
	}
	return "unknown"
}

// A LayoutTag records the physical element ordering of a weight tensor so
// later stages do not re-derive it.
type LayoutTag int

// LayoutTag constants
const (
	LayoutRowMajor LayoutTag = iota
	LayoutTiled
)

// An AddressSpaceID names one of the accelerator address spaces.
type AddressSpaceID int

// AddressSpaceID constants
const (
	SpaceGlobal AddressSpaceID = iota
	SpaceLocal
)

// RegionInterface is the AllocRecord region holding weights, constants, and
// external graph inputs, allocated before per-subnet compilation starts.
const RegionInterface = -1

// An AllocRecord maps a tensor to a byte range inside an address space.
// Offsets are relative to the owning region: the interface region or one
// subnet's private extent. The pipeline assigns each region a base address
// once every subnet's requirement is known.
type AllocRecord struct {
	Space      AddressSpaceID
	Region     int
	Offset     uint64
	Length     uint64
	Compressed bool
	// RawLength is the uncompressed length when Compressed is set.
	RawLength uint64
	Valid     bool
}

// A Tensor represents one value in the operation graph. Activations carry no
// payload; weights and constants may carry their bytes so the layout planner
// and the compressor can transform them.
type Tensor struct {
	Index     int
	Name      string
	Dims      []int
	ElemBytes int
	Class     StorageClass
	Data      []byte
	Layout    LayoutTag

	// Producer is the index of the producing operation, or -1 for an
	// external input.
	Producer  int
	Consumers []int

	Alloc AllocRecord
}

// Elems returns the number of elements of the tensor.
func (t *Tensor) Elems() int {
	n := 1
	for _, d := range t.Dims {
		n *= d
	}
	return n
}

// Bytes returns the number of bytes of the tensor.
func (t *Tensor) Bytes() uint64 {
	return uint64(t.Elems()) * uint64(t.ElemBytes)
}

// An Op represents one operation in the graph. Position, SubnetID, and
// GroupID are annotations attached by the scheduler, the subnet partitioner,
// and the layer grouping engine; -1 means not yet assigned.
type Op struct {
	Index   int
	Kind    string
	Name    string
	Inputs  []int
	Outputs []int

	// Cycles is the hardware cost estimate for executing the operation.
	Cycles uint64

	// Dynamic marks operations whose shapes are resolved at run time.
	Dynamic bool

	// SliceBegin is the leading-dimension row where a slice operation
	// starts reading. Only meaningful for ops of kind "slice".
	SliceBegin int

	Position int
	SubnetID int
	GroupID  int
}

// A Graph is an arena of operations and tensors addressed by stable integer
// indices. The dependency structure is a DAG with multi-consumer fan-out, so
// producer and consumer links are explicit index fields rather than
// language-level references.
type Graph struct {
	Ops     []*Op
	Tensors []*Tensor

	// Inputs and Outputs are the external boundary tensors of the graph.
	Inputs  []int
	Outputs []int
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{}
}

// AddTensor appends a tensor to the arena and returns it.
func (g *Graph) AddTensor(
	name string,
	dims []int,
	elemBytes int,
	class StorageClass,
) *Tensor {
	t := &Tensor{
		Index:     len(g.Tensors),
		Name:      name,
		Dims:      dims,
		ElemBytes: elemBytes,
		Class:     class,
		Producer:  -1,
	}
	g.Tensors = append(g.Tensors, t)
	return t
}

// AddOp appends an operation to the arena and wires the producer and
// consumer links of its tensors. Every output must be written exactly once.
func (g *Graph) AddOp(
	kind string,
	name string,
	inputs []int,
	outputs []int,
	cycles uint64,
) (*Op, error) {
	op := &Op{
		Index:    len(g.Ops),
		Kind:     kind,
		Name:     name,
		Inputs:   inputs,
		Outputs:  outputs,
		Cycles:   cycles,
		Position: -1,
		SubnetID: -1,
		GroupID:  -1,
	}

	for _, idx := range inputs {
		if idx < 0 || idx >= len(g.Tensors) {
			return nil, StructuralErrf(
				"op %s reads dangling tensor index %d", name, idx)
		}
		g.Tensors[idx].Consumers = append(g.Tensors[idx].Consumers, op.Index)
	}

	for _, idx := range outputs {
		if idx < 0 || idx >= len(g.Tensors) {
			return nil, StructuralErrf(
				"op %s writes dangling tensor index %d", name, idx)
		}
		if g.Tensors[idx].Producer != -1 {
			return nil, StructuralErrf(
				"tensor %s written twice, by op %d and op %s",
				g.Tensors[idx].Name, g.Tensors[idx].Producer, name)
		}
		g.Tensors[idx].Producer = op.Index
	}

	g.Ops = append(g.Ops, op)
	return op, nil
}

// Op returns the operation at the given index.
func (g *Graph) Op(idx int) *Op {
	return g.Ops[idx]
}

// Tensor returns the tensor at the given index.
func (g *Graph) Tensor(idx int) *Tensor {
	return g.Tensors[idx]
}

// Validate checks the structural invariants that do not require a traversal:
// no dangling references, single static assignment, and every non-input
// tensor having a producer.
func (g *Graph) Validate() error {
	inputSet := make(map[int]bool, len(g.Inputs))
	for _, idx := range g.Inputs {
		if idx < 0 || idx >= len(g.Tensors) {
			return StructuralErrf("dangling graph input index %d", idx)
		}
		inputSet[idx] = true
	}

	for _, idx := range g.Outputs {
		if idx < 0 || idx >= len(g.Tensors) {
			return StructuralErrf("dangling graph output index %d", idx)
		}
	}

	for _, t := range g.Tensors {
		if t.Producer == -1 && !inputSet[t.Index] &&
			t.Class == ClassActivation && len(t.Consumers) > 0 {
			return StructuralErrf(
				"activation %s has consumers but no producer and is not a graph input",
				t.Name)
		}
		if t.ElemBytes <= 0 {
			return StructuralErrf("tensor %s has element size %d",
				t.Name, t.ElemBytes)
		}
	}

	return nil
}

// OpIdent returns a human-readable identity for error reporting.
func OpIdent(op *Op) string {
	return fmt.Sprintf("op %d (%s %q)", op.Index, op.Kind, op.Name)
}
