package group

import (
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/subnet"
)

// spanInfo caches, per subnet, everything the span evaluator needs: local
// schedule positions, tensor birth positions, last-use positions, and
// whether a tensor must leave the subnet through global memory.
type spanInfo struct {
	g   *npucc.Graph
	ops []int

	// localPos maps an op index to its position inside the subnet.
	localPos map[int]int

	// birth[t] is the local position of t's producer, or -1 when the
	// tensor enters the subnet from outside.
	birth map[int]int

	// uses[t] lists the local positions of t's consumers inside the
	// subnet, ascending.
	uses map[int][]int

	// escapes[t] is true when t must be spilled no matter how the subnet
	// is grouped: it is consumed outside the subnet, is an external
	// output, or has no consumers at all.
	escapes map[int]bool
}

func newSpanInfo(g *npucc.Graph, sn *subnet.Subnet) *spanInfo {
	info := &spanInfo{
		g:        g,
		ops:      sn.Ops,
		localPos: make(map[int]int, len(sn.Ops)),
		birth:    make(map[int]int),
		uses:     make(map[int][]int),
		escapes:  make(map[int]bool),
	}

	for pos, opIdx := range sn.Ops {
		info.localPos[opIdx] = pos
	}

	externalOut := make(map[int]bool, len(g.Outputs))
	for _, t := range g.Outputs {
		externalOut[t] = true
	}

	touch := func(tIdx int) {
		if _, seen := info.birth[tIdx]; seen {
			return
		}
		t := g.Tensor(tIdx)

		info.birth[tIdx] = -1
		if t.Producer != -1 {
			if pos, in := info.localPos[t.Producer]; in {
				info.birth[tIdx] = pos
			}
		}

		for _, c := range t.Consumers {
			if pos, in := info.localPos[c]; in {
				info.uses[tIdx] = append(info.uses[tIdx], pos)
			} else {
				info.escapes[tIdx] = true
			}
		}
		if externalOut[tIdx] || len(t.Consumers) == 0 {
			info.escapes[tIdx] = true
		}
	}

	for _, opIdx := range sn.Ops {
		op := g.Op(opIdx)
		for _, in := range op.Inputs {
			touch(in)
		}
		for _, out := range op.Outputs {
			touch(out)
		}
	}

	return info
}

// lastUseIn returns the last consumer position of t inside [s, e], or -1.
func (info *spanInfo) lastUseIn(tIdx, s, e int) int {
	last := -1
	for _, pos := range info.uses[tIdx] {
		if pos >= s && pos <= e && pos > last {
			last = pos
		}
	}
	return last
}

// lastResidentUseIn is lastUseIn restricted to consumers other than slice
// operations. Slices read fetched inputs and streamed concat outputs from
// global memory, so they never hold such a tensor resident on their own.
func (info *spanInfo) lastResidentUseIn(tIdx, s, e int) int {
	last := -1
	for _, pos := range info.uses[tIdx] {
		if pos < s || pos > e || pos <= last {
			continue
		}
		if info.g.Op(info.ops[pos]).Kind == "slice" {
			continue
		}
		last = pos
	}
	return last
}

// usedAfter reports whether t has a consumer inside the subnet after e.
func (info *spanInfo) usedAfter(tIdx, e int) bool {
	for _, pos := range info.uses[tIdx] {
		if pos > e {
			return true
		}
	}
	return false
}

// leaving reports whether t must still be resident when a span ends at e:
// it escapes the subnet or has a consumer after e.
func (info *spanInfo) leaving(tIdx, e int) bool {
	return info.escapes[tIdx] || info.usedAfter(tIdx, e)
}

// sliceReadsLocal reports whether a slice consuming src inside [s, e] reads
// it from local memory: the source is produced inside the span and resident
// there. Streamed concat outputs are never resident, and sources entering
// the span keep only their fetched window, so both are read from global
// memory.
func (info *spanInfo) sliceReadsLocal(src, s, e int) bool {
	if info.birth[src] < s {
		return false
	}
	t := info.g.Tensor(src)
	if t.Producer != -1 && info.g.Op(t.Producer).Kind == "concat" {
		return info.lastResidentUseIn(src, s, e) != -1
	}
	return true
}

// spanEval is the result of evaluating one candidate group span.
type spanEval struct {
	peak    uint64
	inputs  []int
	outputs []int
	inBytes uint64
	outByte uint64
}

// evalSpan computes the peak local footprint and the boundary tensor lists
// of the candidate group covering local positions [s, e].
//
// Residency model: a tensor produced inside the span is resident from its
// production position; it stays until its last in-span use, or until the end
// of the span when it leaves the group boundary (spills happen at group
// retirement). Slices read such a tensor in place. A tensor entering the
// span is fetched at group entry and released after its last resident use;
// slices read it from its global range instead.
func (info *spanInfo) evalSpan(s, e int, hw npucc.Hardware) spanEval {
	width := e - s + 1
	diff := make([]int64, width+1)
	eval := spanEval{}

	seenIn := make(map[int]bool)
	for p := s; p <= e; p++ {
		op := info.g.Op(info.ops[p])
		if op.Kind == "slice" {
			if info.sliceReadsLocal(op.Inputs[0], s, e) {
				continue
			}
			// Rows stream straight from global memory: the whole source
			// is never fetched, and the read traffic is the rows
			// actually touched.
			eval.inBytes += info.g.Tensor(op.Outputs[0]).Bytes()
			continue
		}
		for _, in := range op.Inputs {
			if info.birth[in] >= s || seenIn[in] {
				continue
			}
			seenIn[in] = true
			bytes := info.g.Tensor(in).Bytes()
			last := info.lastResidentUseIn(in, s, e)
			diff[0] += int64(bytes)
			diff[last-s+1] -= int64(bytes)
			eval.inputs = append(eval.inputs, in)
			eval.inBytes += bytes
		}
	}

	for p := s; p <= e; p++ {
		op := info.g.Op(info.ops[p])
		for _, out := range op.Outputs {
			bytes := info.g.Tensor(out).Bytes()
			end := info.lastUseIn(out, s, e)
			leaves := info.leaving(out, e)

			// A concat with no resident in-span consumer writes its
			// pieces straight to global memory; its joined output is
			// never resident locally but always needs a global range,
			// even when every reader is an in-span slice. With a
			// resident consumer it stays local like any other output,
			// and trailing slices read it there.
			if op.Kind == "concat" && info.lastResidentUseIn(out, s, e) == -1 {
				eval.outputs = append(eval.outputs, out)
				eval.outByte += bytes
				continue
			}

			if leaves {
				end = e
			}
			if end < p {
				end = p
			}
			diff[p-s] += int64(bytes)
			diff[end-s+1] -= int64(bytes)
			if leaves {
				eval.outputs = append(eval.outputs, out)
				eval.outByte += bytes
			}
		}
	}

	var running int64
	for p := 0; p < width; p++ {
		running += diff[p]
		if uint64(running) > eval.peak {
			eval.peak = uint64(running)
		}
	}

	return eval
}

// A spanTracker maintains the footprint of a growing candidate span, so the
// greedy policy pays only for the tensors each extension touches instead of
// re-walking the whole span. Its peak matches evalSpan on the same span
// exactly.
type spanTracker struct {
	info *spanInfo

	start int
	loads []uint64
	peak  uint64

	// appliedEnd[t] is the local index through which t's bytes are
	// already accounted in loads. A later use back-fills the gap.
	appliedEnd map[int]int

	// extending holds tensors resident through the current span end; they
	// grow with every extension until their last use passes.
	extending map[int]bool

	// streamed marks concat outputs currently written piece-wise to
	// global memory. A resident consumer revives them retroactively.
	streamed map[int]bool
}

func newSpanTracker(info *spanInfo, start int) *spanTracker {
	return &spanTracker{
		info:       info,
		start:      start,
		appliedEnd: make(map[int]int),
		extending:  make(map[int]bool),
		streamed:   make(map[int]bool),
	}
}

// extend grows the span by the next scheduled operation and updates the
// running peak.
func (tr *spanTracker) extend() {
	w := len(tr.loads)
	pos := tr.start + w
	tr.loads = append(tr.loads, 0)

	for t := range tr.extending {
		tr.addRange(t, w, w)
		if !tr.info.leaving(t, pos) {
			delete(tr.extending, t)
		}
	}

	op := tr.info.g.Op(tr.info.ops[pos])

	// Slice operations read a resident source in place or stream from
	// global memory; neither adds load here.
	if op.Kind != "slice" {
		for _, in := range op.Inputs {
			if tr.info.birth[in] >= tr.start {
				if tr.streamed[in] {
					tr.revive(in, w, pos)
				}
				continue
			}
			if end, seen := tr.appliedEnd[in]; seen {
				tr.addRange(in, end+1, w)
				continue
			}
			tr.addRange(in, 0, w)
		}
	}

	for _, out := range op.Outputs {
		if op.Kind == "concat" {
			tr.streamed[out] = true
			continue
		}
		tr.addRange(out, w, w)
		if tr.info.leaving(out, pos) {
			tr.extending[out] = true
		}
	}
}

// revive retroactively materializes a streamed concat output once a
// resident consumer shows up: the joined tensor has been resident since its
// production.
func (tr *spanTracker) revive(tIdx, w, pos int) {
	delete(tr.streamed, tIdx)
	tr.addRange(tIdx, tr.info.birth[tIdx]-tr.start, w)
	if tr.info.leaving(tIdx, pos) {
		tr.extending[tIdx] = true
	}
}

func (tr *spanTracker) addRange(tIdx, from, to int) {
	bytes := tr.info.g.Tensor(tIdx).Bytes()
	for i := from; i <= to; i++ {
		tr.loads[i] += bytes
		if tr.loads[i] > tr.peak {
			tr.peak = tr.loads[i]
		}
	}
	tr.appliedEnd[tIdx] = to
}
