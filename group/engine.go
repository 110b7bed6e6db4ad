// Package group clusters the scheduled operations of one subnet into layer
// groups. Tensors that live and die inside one group never touch global
// memory, so the engine minimizes the bytes crossing group boundaries while
// every group's peak local-memory footprint stays within the hardware limit.
package group

import (
	"math"

	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/subnet"
)

// A Policy selects how group boundaries are chosen.
type Policy int

// Policy constants. PolicyGreedy grows each group until the capacity
// constraint would break. PolicyOptimal solves the boundary placement with
// dynamic programming and never produces more boundary traffic than greedy.
const (
	PolicyGreedy  Policy = 1
	PolicyOptimal Policy = 2
)

// A CostModel weights the traffic objective. The relative weighting between
// read traffic, write traffic, and per-group overhead is hardware dependent,
// so it is exposed here instead of being hard-coded.
type CostModel struct {
	ReadWeight   float64
	WriteWeight  float64
	GroupPenalty float64
}

// DefaultCostModel returns a cost model that weights reads and writes
// equally and charges each group the DMA setup latency expressed in bytes.
func DefaultCostModel(hw npucc.Hardware) CostModel {
	return CostModel{
		ReadWeight:   1,
		WriteWeight:  1,
		GroupPenalty: hw.DMABytesPerSecond * hw.DMALatencySec,
	}
}

// A Config holds the grouping options.
type Config struct {
	Policy Policy
	Cost   CostModel
}

// A Group is a contiguous run of operations executed without intermediate
// global-memory traffic. Inputs are fetched from global memory before the
// run and Outputs are spilled after it.
type Group struct {
	ID        int
	Ops       []int
	Inputs    []int
	Outputs   []int
	PeakBytes uint64
}

// A Result is the grouping of one subnet.
type Result struct {
	Groups []*Group

	// TrafficCost is the weighted total of all bytes crossing group
	// boundaries.
	TrafficCost float64
}

// An Engine partitions subnets into layer groups.
type Engine struct {
	hw  npucc.Hardware
	cfg Config
}

// NewEngine creates an Engine.
func NewEngine(hw npucc.Hardware, cfg Config) *Engine {
	if cfg.Cost == (CostModel{}) {
		cfg.Cost = DefaultCostModel(hw)
	}
	return &Engine{hw: hw, cfg: cfg}
}

// Run groups one subnet and annotates every operation with its group id.
// It fails with a capacity-infeasible error when a single operation's
// unavoidable live set exceeds local memory, naming that operation.
func (e *Engine) Run(g *npucc.Graph, sn *subnet.Subnet) (*Result, error) {
	if len(sn.Ops) == 0 {
		return &Result{}, nil
	}

	info := newSpanInfo(g, sn)

	var boundaries []int
	var err error
	switch e.cfg.Policy {
	case PolicyOptimal:
		boundaries, err = e.solveOptimal(info)
	default:
		boundaries, err = e.solveGreedy(info)
	}
	if err != nil {
		return nil, err
	}

	return e.buildResult(g, info, boundaries), nil
}

// solveGreedy scans the schedule once, growing the current group while its
// peak footprint fits, and starts a new group the moment it would not. A
// spanTracker carries the running footprint across extensions, so the scan
// never re-evaluates a span from scratch. boundaries[k] is the first local
// position of group k.
func (e *Engine) solveGreedy(info *spanInfo) ([]int, error) {
	n := len(info.ops)
	boundaries := []int{0}
	tr := newSpanTracker(info, 0)

	for pos := 0; pos < n; pos++ {
		tr.extend()
		if tr.peak <= e.hw.LocalMemBytes {
			continue
		}

		if pos == tr.start {
			return nil, e.singleOpInfeasible(info, pos, tr.peak)
		}

		// The lone-op check must use the op's own span: the peak of
		// [start, pos] can exceed capacity even when [pos, pos] fits.
		tr = newSpanTracker(info, pos)
		tr.extend()
		if tr.peak > e.hw.LocalMemBytes {
			return nil, e.singleOpInfeasible(info, pos, tr.peak)
		}

		boundaries = append(boundaries, pos)
	}

	return boundaries, nil
}

// solveOptimal places boundaries by dynamic programming over schedule
// positions: best[i] is the cheapest total traffic for the prefix ending at
// position i-1, best[i] = min over feasible spans [j, i-1] of
// best[j] + spanCost(j, i-1). Extending a span backwards never lowers its
// peak footprint, so the inner scan stops at the first infeasible start.
func (e *Engine) solveOptimal(info *spanInfo) ([]int, error) {
	n := len(info.ops)

	best := make([]float64, n+1)
	prev := make([]int, n+1)
	for i := 1; i <= n; i++ {
		best[i] = math.Inf(1)
		prev[i] = -1
	}

	for i := 1; i <= n; i++ {
		for j := i - 1; j >= 0; j-- {
			eval := info.evalSpan(j, i-1, e.hw)
			if eval.peak > e.hw.LocalMemBytes {
				if j == i-1 {
					return nil, e.singleOpInfeasible(info, j, eval.peak)
				}
				break
			}
			cost := best[j] + e.spanCost(eval)
			if cost < best[i] {
				best[i] = cost
				prev[i] = j
			}
		}
		if math.IsInf(best[i], 1) {
			return nil, e.singleOpInfeasible(info, i-1, 0)
		}
	}

	var boundaries []int
	for i := n; i > 0; i = prev[i] {
		boundaries = append(boundaries, prev[i])
	}
	for l, r := 0, len(boundaries)-1; l < r; l, r = l+1, r-1 {
		boundaries[l], boundaries[r] = boundaries[r], boundaries[l]
	}

	return boundaries, nil
}

func (e *Engine) spanCost(eval spanEval) float64 {
	return float64(eval.inBytes)*e.cfg.Cost.ReadWeight +
		float64(eval.outByte)*e.cfg.Cost.WriteWeight +
		e.cfg.Cost.GroupPenalty
}

func (e *Engine) singleOpInfeasible(
	info *spanInfo,
	pos int,
	peak uint64,
) error {
	op := info.g.Op(info.ops[pos])
	if peak == 0 {
		peak = info.evalSpan(pos, pos, e.hw).peak
	}
	return npucc.CapacityErrf(peak, e.hw.LocalMemBytes,
		"%s cannot fit local memory alone", npucc.OpIdent(op))
}

func (e *Engine) buildResult(
	g *npucc.Graph,
	info *spanInfo,
	boundaries []int,
) *Result {
	n := len(info.ops)
	res := &Result{}

	for k, start := range boundaries {
		end := n - 1
		if k+1 < len(boundaries) {
			end = boundaries[k+1] - 1
		}

		eval := info.evalSpan(start, end, e.hw)
		grp := &Group{
			ID:        k,
			Inputs:    eval.inputs,
			Outputs:   eval.outputs,
			PeakBytes: eval.peak,
		}
		for pos := start; pos <= end; pos++ {
			opIdx := info.ops[pos]
			g.Op(opIdx).GroupID = k
			grp.Ops = append(grp.Ops, opIdx)
		}

		res.Groups = append(res.Groups, grp)
		res.TrafficCost += e.spanCost(eval)
	}

	return res
}
