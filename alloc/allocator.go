// Package alloc assigns byte ranges to every tensor that outlives a layer
// group. Weights, constants, and external inputs live in a shared interface
// region allocated up front; each subnet then allocates its own extent for
// boundary activations, so subnet workers never share allocator state.
// Within a group, tensors additionally receive transient local-memory
// offsets.
package alloc

import (
	"math"
	"sort"

	"github.com/klauspost/compress/zstd"
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/group"
	"github.com/sarchlab/npucc/subnet"
)

// A Config holds the three independent allocation policy toggles.
type Config struct {
	// ReuseAddr lets tensors with disjoint live ranges share global
	// ranges.
	ReuseAddr bool

	// MergeWeight lays weights feeding the same operation out
	// contiguously so they transfer as one batch.
	MergeWeight bool

	// CompressWeight persists weights at their compressed length; the
	// code generator emits the matching decompression directive.
	CompressWeight bool
}

// A WeightEntry is one line of the weight-map ledger.
type WeightEntry struct {
	Name      string
	Offset    uint64
	Length    uint64
	RawLength uint64
}

// An InterfaceResult describes the shared interface region.
type InterfaceResult struct {
	Extent    uint64
	WeightMap []WeightEntry

	// Blobs holds the bytes to persist per weight tensor index,
	// compressed when the policy chose to.
	Blobs map[int][]byte
}

// A Result describes one subnet's allocations.
type Result struct {
	// Extent is the subnet's private global-memory requirement.
	Extent uint64

	// LocalOffsets maps group id to tensor index to the tensor's
	// transient local-memory offset inside that group.
	LocalOffsets map[int]map[int]uint64

	// LocalPeaks maps group id to the local extent the group commits.
	LocalPeaks map[int]uint64
}

// An Allocator assigns addresses.
type Allocator struct {
	hw  npucc.Hardware
	cfg Config
	enc *zstd.Encoder
}

// NewAllocator creates an Allocator.
func NewAllocator(hw npucc.Hardware, cfg Config) (*Allocator, error) {
	a := &Allocator{hw: hw, cfg: cfg}

	if cfg.CompressWeight {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		a.enc = enc
	}

	return a, nil
}

// RunInterface allocates the shared region: every weight and constant, then
// every external graph input. It runs once, before subnet workers start, so
// cross-subnet tensors of this kind carry complete records that the workers
// only read.
func (a *Allocator) RunInterface(
	g *npucc.Graph,
) (*InterfaceResult, error) {
	res := &InterfaceResult{Blobs: make(map[int][]byte)}
	ra := newRangeAllocator(false)

	// Weights are placed in schedule order of their consuming operations
	// so merged neighbors are the ones transferred together.
	ops := make([]*npucc.Op, len(g.Ops))
	copy(ops, g.Ops)
	sort.Slice(ops, func(i, j int) bool {
		return ops[i].Position < ops[j].Position
	})

	for _, op := range ops {
		var pending []*npucc.Tensor
		for _, in := range op.Inputs {
			t := g.Tensor(in)
			if t.Class == npucc.ClassActivation || t.Alloc.Valid {
				continue
			}
			pending = append(pending, t)
		}
		if len(pending) == 0 {
			continue
		}

		if a.cfg.MergeWeight && len(pending) > 1 {
			a.placeMerged(pending, ra, res)
		} else {
			for _, t := range pending {
				a.placeWeight(t, ra, res)
			}
		}
	}

	for _, in := range g.Inputs {
		t := g.Tensor(in)
		if t.Alloc.Valid {
			continue
		}
		length := t.Bytes()
		t.Alloc = npucc.AllocRecord{
			Space:  npucc.SpaceGlobal,
			Region: npucc.RegionInterface,
			Offset: ra.alloc(a.hw.Align(length)),
			Length: length,
			Valid:  true,
		}
	}

	res.Extent = ra.highWater()
	if res.Extent > a.hw.GlobalMemBytes {
		return nil, npucc.CapacityErrf(res.Extent, a.hw.GlobalMemBytes,
			"weights and external inputs alone exceed global memory")
	}

	return res, nil
}

// placeMerged lays a batch of weights out back to back under one aligned
// block. Only weights with identical layout tags merge; stragglers fall back
// to individual placement.
func (a *Allocator) placeMerged(
	pending []*npucc.Tensor,
	ra *rangeAllocator,
	res *InterfaceResult,
) {
	var mergeable []*npucc.Tensor
	for _, t := range pending {
		if t.Layout == pending[0].Layout {
			mergeable = append(mergeable, t)
		} else {
			a.placeWeight(t, ra, res)
		}
	}

	var total uint64
	lengths := make([]uint64, len(mergeable))
	for i, t := range mergeable {
		lengths[i] = a.persistedLength(t, res)
		total += lengths[i]
	}

	base := ra.alloc(a.hw.Align(total))
	var off uint64
	for i, t := range mergeable {
		a.record(t, base+off, lengths[i], res)
		off += lengths[i]
	}
}

func (a *Allocator) placeWeight(
	t *npucc.Tensor,
	ra *rangeAllocator,
	res *InterfaceResult,
) {
	length := a.persistedLength(t, res)
	a.record(t, ra.alloc(a.hw.Align(length)), length, res)
}

// persistedLength compresses the payload when the policy is on and the
// result is actually smaller. Tensors without a payload persist raw.
func (a *Allocator) persistedLength(
	t *npucc.Tensor,
	res *InterfaceResult,
) uint64 {
	raw := t.Bytes()
	if !a.cfg.CompressWeight || t.Data == nil {
		res.Blobs[t.Index] = t.Data
		return raw
	}

	compressed := a.enc.EncodeAll(t.Data, nil)
	if uint64(len(compressed)) >= raw {
		res.Blobs[t.Index] = t.Data
		return raw
	}

	res.Blobs[t.Index] = compressed
	return uint64(len(compressed))
}

func (a *Allocator) record(
	t *npucc.Tensor,
	offset uint64,
	length uint64,
	res *InterfaceResult,
) {
	raw := t.Bytes()
	t.Alloc = npucc.AllocRecord{
		Space:      npucc.SpaceGlobal,
		Region:     npucc.RegionInterface,
		Offset:     offset,
		Length:     length,
		Compressed: length < raw,
		RawLength:  raw,
		Valid:      true,
	}
	res.WeightMap = append(res.WeightMap, WeightEntry{
		Name:      t.Name,
		Offset:    offset,
		Length:    length,
		RawLength: raw,
	})
}

// Run allocates one subnet: global ranges for activations that cross group
// boundaries, and transient local offsets for everything resident inside
// each group. Tensors are processed in the topological order the scheduler
// fixed, so the result is deterministic.
func (a *Allocator) Run(
	g *npucc.Graph,
	sn *subnet.Subnet,
	grouping *group.Result,
) (*Result, error) {
	res := &Result{
		LocalOffsets: make(map[int]map[int]uint64),
		LocalPeaks:   make(map[int]uint64),
	}

	err := a.allocGlobal(g, sn, grouping, res)
	if err != nil {
		return nil, err
	}

	for _, grp := range grouping.Groups {
		err := a.allocLocal(g, sn, grp, res)
		if err != nil {
			return nil, err
		}
	}

	return res, nil
}

// allocGlobal walks the groups in order, reclaiming ranges whose tensors saw
// their last consumer in an earlier group, then placing the current group's
// escaping outputs.
func (a *Allocator) allocGlobal(
	g *npucc.Graph,
	sn *subnet.Subnet,
	grouping *group.Result,
	res *Result,
) error {
	birth, death := a.groupLiveness(g, sn, grouping)

	ra := newRangeAllocator(a.cfg.ReuseAddr)
	type allocated struct {
		tensor *npucc.Tensor
		padded uint64
	}
	live := make(map[int]allocated)

	place := make(map[int][]int)
	for t, b := range birth {
		if g.Tensor(t).Alloc.Valid {
			continue
		}
		place[b] = append(place[b], t)
	}
	for _, ts := range place {
		sort.Ints(ts)
	}

	for k := 0; k < len(grouping.Groups); k++ {
		for tIdx, rec := range live {
			if death[tIdx] < k {
				ra.release(rec.tensor.Alloc.Offset, rec.padded)
				delete(live, tIdx)
			}
		}

		for _, tIdx := range place[k] {
			t := g.Tensor(tIdx)
			length := t.Bytes()
			padded := a.hw.Align(length)
			t.Alloc = npucc.AllocRecord{
				Space:  npucc.SpaceGlobal,
				Region: sn.ID,
				Offset: ra.alloc(padded),
				Length: length,
				Valid:  true,
			}
			live[tIdx] = allocated{tensor: t, padded: padded}
		}
	}

	res.Extent = ra.highWater()
	if res.Extent > a.hw.GlobalMemBytes {
		return npucc.CapacityErrf(res.Extent, a.hw.GlobalMemBytes,
			"subnet %d activation extent exceeds global memory", sn.ID)
	}

	return nil
}

// groupLiveness computes, in group units, when each boundary activation of
// the subnet is born and last read. Tensors consumed outside the subnet
// never die here.
func (a *Allocator) groupLiveness(
	g *npucc.Graph,
	sn *subnet.Subnet,
	grouping *group.Result,
) (birth, death map[int]int) {
	birth = make(map[int]int)
	death = make(map[int]int)

	inSubnet := make(map[int]bool, len(sn.Ops))
	for _, opIdx := range sn.Ops {
		inSubnet[opIdx] = true
	}

	for _, grp := range grouping.Groups {
		for _, tIdx := range grp.Outputs {
			t := g.Tensor(tIdx)
			birth[tIdx] = grp.ID

			last := grp.ID
			for _, c := range t.Consumers {
				if !inSubnet[c] {
					last = math.MaxInt
					break
				}
				if g.Op(c).GroupID > last {
					last = g.Op(c).GroupID
				}
			}
			if len(t.Consumers) == 0 {
				last = math.MaxInt
			}
			death[tIdx] = last
		}
	}

	return birth, death
}

// allocLocal assigns local-memory offsets inside one group. The group engine
// bounded the liveness peak; fragmentation or alignment padding can still
// push the committed extent past capacity, which is refused, not truncated.
func (a *Allocator) allocLocal(
	g *npucc.Graph,
	sn *subnet.Subnet,
	grp *group.Group,
	res *Result,
) error {
	start, end := groupSpan(g, sn, grp)

	type interval struct {
		tensor int
		from   int
		to     int
	}
	var intervals []interval

	for _, tIdx := range grp.Inputs {
		intervals = append(intervals, interval{
			tensor: tIdx,
			from:   start,
			to:     lastResidentUseIn(g, sn, tIdx, start, end),
		})
	}

	escaping := make(map[int]bool, len(grp.Outputs))
	for _, tIdx := range grp.Outputs {
		escaping[tIdx] = true
	}
	for _, opIdx := range grp.Ops {
		op := g.Op(opIdx)
		pos := localPos(g, sn, opIdx)
		for _, out := range op.Outputs {
			to := lastUseIn(g, sn, out, start, end)

			// A concat whose joined output is only read through slice
			// operations streams it to global memory; it occupies no
			// local range.
			if op.Kind == "concat" &&
				lastResidentUseIn(g, sn, out, start, end) == -1 {
				continue
			}

			if escaping[out] || to < pos {
				to = end
			}
			intervals = append(intervals, interval{
				tensor: out,
				from:   pos,
				to:     to,
			})
		}
	}

	sort.Slice(intervals, func(i, j int) bool {
		if intervals[i].from != intervals[j].from {
			return intervals[i].from < intervals[j].from
		}
		return intervals[i].tensor < intervals[j].tensor
	})

	ra := newRangeAllocator(true)
	offsets := make(map[int]uint64, len(intervals))
	type held struct {
		offset uint64
		padded uint64
		to     int
	}
	var holds []held

	for _, iv := range intervals {
		kept := holds[:0]
		for _, h := range holds {
			if h.to < iv.from {
				ra.release(h.offset, h.padded)
			} else {
				kept = append(kept, h)
			}
		}
		holds = kept

		padded := a.hw.Align(g.Tensor(iv.tensor).Bytes())
		offset := ra.alloc(padded)
		offsets[iv.tensor] = offset
		holds = append(holds, held{offset: offset, padded: padded, to: iv.to})
	}

	peak := ra.highWater()
	if peak > a.hw.LocalMemBytes {
		op := g.Op(grp.Ops[0])
		return npucc.CapacityErrf(peak, a.hw.LocalMemBytes,
			"group %d (starting at %s) overflows local memory after alignment",
			grp.ID, npucc.OpIdent(op))
	}

	res.LocalOffsets[grp.ID] = offsets
	res.LocalPeaks[grp.ID] = peak
	return nil
}

func groupSpan(g *npucc.Graph, sn *subnet.Subnet, grp *group.Group) (int, int) {
	start := localPos(g, sn, grp.Ops[0])
	end := localPos(g, sn, grp.Ops[len(grp.Ops)-1])
	return start, end
}

func localPos(g *npucc.Graph, sn *subnet.Subnet, opIdx int) int {
	for pos, idx := range sn.Ops {
		if idx == opIdx {
			return pos
		}
	}
	return -1
}

func lastUseIn(g *npucc.Graph, sn *subnet.Subnet, tIdx, start, end int) int {
	last := -1
	for _, c := range g.Tensor(tIdx).Consumers {
		pos := localPos(g, sn, c)
		if pos >= start && pos <= end && pos > last {
			last = pos
		}
	}
	return last
}

// lastResidentUseIn is lastUseIn restricted to consumers other than slice
// operations. Slices read fetched inputs and streamed concat outputs from
// global memory, so they never hold such a window open.
func lastResidentUseIn(g *npucc.Graph, sn *subnet.Subnet, tIdx, start, end int) int {
	last := -1
	for _, c := range g.Tensor(tIdx).Consumers {
		if g.Op(c).Kind == "slice" {
			continue
		}
		pos := localPos(g, sn, c)
		if pos >= start && pos <= end && pos > last {
			last = pos
		}
	}
	return last
}
