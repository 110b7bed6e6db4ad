// Package schedule produces the total execution order of the operations of a
// graph. The order is a topological sort of the dependency DAG chosen to keep
// producers next to their consumers, so the layer grouping engine sees short
// tensor lifetimes.
package schedule

import (
	"github.com/sarchlab/npucc"
)

// A Scheduler orders the operations of one graph.
type Scheduler struct{}

// NewScheduler creates a Scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{}
}

// Run computes the schedule and annotates every operation with its position
// index. It fails with a structural error if the dependency graph contains a
// cycle, naming one operation on the cycle.
func (s *Scheduler) Run(g *npucc.Graph) ([]int, error) {
	n := len(g.Ops)

	remaining := make([]int, n)
	for _, op := range g.Ops {
		producers := make(map[int]bool)
		for _, in := range op.Inputs {
			p := g.Tensor(in).Producer
			if p != -1 {
				producers[p] = true
			}
		}
		remaining[op.Index] = len(producers)
	}

	// producedAt[t] is the schedule position of tensor t's producer, used
	// to favor operations whose operands were produced most recently.
	producedAt := make([]int, len(g.Tensors))
	for i := range producedAt {
		producedAt[i] = -1
	}

	var ready []int
	for _, op := range g.Ops {
		if remaining[op.Index] == 0 {
			ready = append(ready, op.Index)
		}
	}

	order := make([]int, 0, n)
	for len(ready) > 0 {
		pick := s.pickNext(g, ready, producedAt)
		opIdx := ready[pick]
		ready = append(ready[:pick], ready[pick+1:]...)

		op := g.Op(opIdx)
		op.Position = len(order)
		order = append(order, opIdx)

		for _, out := range op.Outputs {
			producedAt[out] = op.Position
		}

		for _, out := range op.Outputs {
			for _, consumer := range g.Tensor(out).Consumers {
				remaining[consumer]--
				if remaining[consumer] == 0 {
					ready = append(ready, consumer)
				}
			}
		}
	}

	if len(order) != n {
		for _, op := range g.Ops {
			if op.Position == -1 {
				return nil, npucc.StructuralErrf(
					"dependency cycle through %s", npucc.OpIdent(op))
			}
		}
	}

	return order, nil
}

// pickNext selects the next ready operation. Preference order: the operation
// whose most recently produced input is freshest (producer-consumer
// adjacency), then the operation with the smallest output fan-out (operations
// feeding many consumers are held back), then the smallest index so the same
// graph always yields the same order.
func (s *Scheduler) pickNext(
	g *npucc.Graph,
	ready []int,
	producedAt []int,
) int {
	best := 0
	bestFresh, bestFanOut := s.rank(g, ready[0], producedAt)

	for i := 1; i < len(ready); i++ {
		fresh, fanOut := s.rank(g, ready[i], producedAt)
		if fresh > bestFresh ||
			(fresh == bestFresh && fanOut < bestFanOut) ||
			(fresh == bestFresh && fanOut == bestFanOut &&
				ready[i] < ready[best]) {
			best = i
			bestFresh = fresh
			bestFanOut = fanOut
		}
	}

	return best
}

func (s *Scheduler) rank(
	g *npucc.Graph,
	opIdx int,
	producedAt []int,
) (fresh int, fanOut int) {
	op := g.Op(opIdx)

	fresh = -1
	for _, in := range op.Inputs {
		if producedAt[in] > fresh {
			fresh = producedAt[in]
		}
	}

	for _, out := range op.Outputs {
		fanOut += len(g.Tensor(out).Consumers)
	}

	return fresh, fanOut
}
