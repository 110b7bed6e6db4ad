// Package subnet splits the whole program into disjoint partitions that the
// later stages schedule, group, allocate, and emit independently. All
// cross-subnet dependencies flow through explicit boundary tensors.
package subnet

import (
	"sort"

	"github.com/sarchlab/npucc"
)

// A Config holds the partitioner options.
type Config struct {
	// Dynamic makes the partitioner cut the graph at static/dynamic shape
	// boundaries, so shape-dependent regions become runtime-dispatchable
	// subnets. Control-equivalent dynamic operations stay together.
	Dynamic bool
}

// A Subnet is one partition of the program. Ops are listed in schedule order.
type Subnet struct {
	ID      int
	Dynamic bool
	Ops     []int

	// Inputs are tensors the subnet reads but does not produce, including
	// weights and constants. Outputs are tensors the subnet produces that
	// are read elsewhere or are external results.
	Inputs  []int
	Outputs []int
}

// A Partitioner divides a scheduled graph into subnets.
type Partitioner struct {
	cfg Config
}

// NewPartitioner creates a Partitioner.
func NewPartitioner(cfg Config) *Partitioner {
	return &Partitioner{cfg: cfg}
}

// Run partitions the graph and annotates every operation with its subnet id.
// Partition assignment depends only on the static structure of the graph:
// connected dependency components, cut at dynamic boundaries when enabled.
func (p *Partitioner) Run(g *npucc.Graph) ([]*Subnet, error) {
	for _, op := range g.Ops {
		if op.Position == -1 {
			return nil, npucc.InternalErrf(
				"%s reached the partitioner unscheduled", npucc.OpIdent(op))
		}
	}

	parent := make([]int, len(g.Ops))
	for i := range parent {
		parent[i] = i
	}

	for _, t := range g.Tensors {
		if t.Producer == -1 {
			continue
		}
		producer := g.Op(t.Producer)
		for _, c := range t.Consumers {
			consumer := g.Op(c)
			if p.cfg.Dynamic && producer.Dynamic != consumer.Dynamic {
				continue
			}
			union(parent, t.Producer, c)
		}
	}

	return p.buildSubnets(g, parent), nil
}

func (p *Partitioner) buildSubnets(g *npucc.Graph, parent []int) []*Subnet {
	members := make(map[int][]int)
	for _, op := range g.Ops {
		root := find(parent, op.Index)
		members[root] = append(members[root], op.Index)
	}

	// Order subnets by the earliest schedule position of their members so
	// ids do not depend on map traversal order.
	roots := make([]int, 0, len(members))
	for root := range members {
		roots = append(roots, root)
	}
	sort.Slice(roots, func(i, j int) bool {
		return earliest(g, members[roots[i]]) < earliest(g, members[roots[j]])
	})

	subnets := make([]*Subnet, 0, len(roots))
	for id, root := range roots {
		sn := &Subnet{ID: id, Ops: members[root]}
		sort.Slice(sn.Ops, func(i, j int) bool {
			return g.Op(sn.Ops[i]).Position < g.Op(sn.Ops[j]).Position
		})

		for _, opIdx := range sn.Ops {
			op := g.Op(opIdx)
			op.SubnetID = id
			if op.Dynamic {
				sn.Dynamic = true
			}
		}
		subnets = append(subnets, sn)
	}

	for _, sn := range subnets {
		p.collectBoundary(g, sn)
	}

	return subnets
}

// collectBoundary computes the explicit boundary tensor lists of a subnet.
func (p *Partitioner) collectBoundary(g *npucc.Graph, sn *Subnet) {
	inSubnet := make(map[int]bool, len(sn.Ops))
	for _, opIdx := range sn.Ops {
		inSubnet[opIdx] = true
	}

	externalOut := make(map[int]bool, len(g.Outputs))
	for _, t := range g.Outputs {
		externalOut[t] = true
	}

	seenIn := make(map[int]bool)
	for _, opIdx := range sn.Ops {
		op := g.Op(opIdx)
		for _, in := range op.Inputs {
			t := g.Tensor(in)
			if t.Producer != -1 && inSubnet[t.Producer] {
				continue
			}
			if !seenIn[in] {
				seenIn[in] = true
				sn.Inputs = append(sn.Inputs, in)
			}
		}
		for _, out := range op.Outputs {
			t := g.Tensor(out)
			if externalOut[out] || crossesOut(t, inSubnet) {
				sn.Outputs = append(sn.Outputs, out)
			}
		}
	}
}

func crossesOut(t *npucc.Tensor, inSubnet map[int]bool) bool {
	for _, c := range t.Consumers {
		if !inSubnet[c] {
			return true
		}
	}
	return false
}

func earliest(g *npucc.Graph, ops []int) int {
	min := g.Op(ops[0]).Position
	for _, opIdx := range ops[1:] {
		if g.Op(opIdx).Position < min {
			min = g.Op(opIdx).Position
		}
	}
	return min
}

func find(parent []int, x int) int {
	for parent[x] != x {
		parent[x] = parent[parent[x]]
		x = parent[x]
	}
	return x
}

func union(parent []int, a, b int) {
	ra, rb := find(parent, a), find(parent, b)
	if ra == rb {
		return
	}
	if ra < rb {
		parent[rb] = ra
	} else {
		parent[ra] = rb
	}
}
