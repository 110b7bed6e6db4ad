// Package pipeline wires the compilation stages together: operation
// scheduling, weight layout, oversized-operation splitting, subnet
// partitioning, layer grouping, address assignment, and code generation.
// Subnets compile concurrently after the shared interface region is fixed.
package pipeline

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/sarchlab/npucc"
	"github.com/sarchlab/npucc/alloc"
	"github.com/sarchlab/npucc/codegen"
	"github.com/sarchlab/npucc/group"
	"github.com/sarchlab/npucc/layout"
	"github.com/sarchlab/npucc/schedule"
	"github.com/sarchlab/npucc/split"
	"github.com/sarchlab/npucc/subnet"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// A Config holds the compilation options.
type Config struct {
	Hardware npucc.Hardware

	// Dynamic compiles dynamic-shaped operations into their own subnets
	// instead of refusing them.
	Dynamic bool

	// Policy selects the layer grouping policy.
	Policy group.Policy

	// Cost overrides the grouping cost model. The zero value selects the
	// hardware default.
	Cost group.CostModel

	ReuseAddr      bool
	MergeWeight    bool
	CompressWeight bool

	// QuantInput and QuantOutput record whether boundary quantization was
	// stripped before this pipeline ran. The stripping itself happens
	// upstream; the flags only travel with the compilation record.
	QuantInput  bool
	QuantOutput bool

	Log *logrus.Logger
}

// DefaultConfig returns the default compilation options.
func DefaultConfig() Config {
	return Config{
		Hardware:       npucc.DefaultHardware(),
		Policy:         group.PolicyOptimal,
		ReuseAddr:      true,
		MergeWeight:    false,
		CompressWeight: true,
		Log:            logrus.StandardLogger(),
	}
}

// A Compiled bundles everything the compilation produced.
type Compiled struct {
	Artifact *codegen.Artifact

	// WeightMap is the persisted-weight ledger of the interface region.
	WeightMap []alloc.WeightEntry

	Subnets   []*subnet.Subnet
	Groupings []*group.Result
}

// A Compiler runs the full pipeline on one graph.
type Compiler struct {
	cfg Config
}

// NewCompiler creates a Compiler.
func NewCompiler(cfg Config) *Compiler {
	if cfg.Log == nil {
		cfg.Log = logrus.StandardLogger()
	}
	return &Compiler{cfg: cfg}
}

// Compile runs every stage on the graph and returns the final artifact. The
// graph is annotated in place. Subnets that fail compile independently; the
// error of the lowest-numbered failing subnet is returned after every subnet
// has been tried.
func (c *Compiler) Compile(g *npucc.Graph) (*Compiled, error) {
	hw := c.cfg.Hardware

	err := g.Validate()
	if err != nil {
		return nil, err
	}

	changed, err := split.NewPass(hw).Run(g)
	if err != nil {
		return nil, err
	}
	if changed {
		c.cfg.Log.WithField("ops", len(g.Ops)).
			Debug("oversized operations split")
	}

	order, err := schedule.NewScheduler().Run(g)
	if err != nil {
		return nil, err
	}
	c.cfg.Log.WithField("ops", len(order)).Debug("schedule fixed")

	err = layout.NewPlanner(hw).Run(g)
	if err != nil {
		return nil, err
	}

	err = split.NewPass(hw).Verify(g)
	if err != nil {
		return nil, err
	}

	subnets, err := subnet.NewPartitioner(subnet.Config{
		Dynamic: c.cfg.Dynamic,
	}).Run(g)
	if err != nil {
		return nil, err
	}
	c.cfg.Log.WithField("subnets", len(subnets)).Debug("graph partitioned")

	allocator, err := alloc.NewAllocator(hw, alloc.Config{
		ReuseAddr:      c.cfg.ReuseAddr,
		MergeWeight:    c.cfg.MergeWeight,
		CompressWeight: c.cfg.CompressWeight,
	})
	if err != nil {
		return nil, err
	}

	iface, err := allocator.RunInterface(g)
	if err != nil {
		return nil, err
	}
	c.cfg.Log.WithFields(logrus.Fields{
		"weights": len(iface.WeightMap),
		"bytes":   iface.Extent,
	}).Debug("interface region allocated")

	groupings, allocations, err := c.compileSubnets(g, subnets, allocator)
	if err != nil {
		return nil, err
	}

	bases, globalBytes, err := c.linkRegions(iface, subnets, allocations)
	if err != nil {
		return nil, err
	}

	programs, err := c.generate(g, subnets, groupings, allocations, bases)
	if err != nil {
		return nil, err
	}

	compiled := &Compiled{
		Artifact: &codegen.Artifact{
			Programs:    programs,
			WeightBlob:  codegen.WeightBlob(g, iface),
			AddressMap:  addressMap(g, bases),
			GlobalBytes: globalBytes,
		},
		WeightMap: iface.WeightMap,
		Subnets:   subnets,
		Groupings: groupings,
	}

	c.cfg.Log.WithFields(logrus.Fields{
		"programs":     len(programs),
		"global_bytes": globalBytes,
	}).Info("compilation finished")

	return compiled, nil
}

// compileSubnets runs grouping and address assignment on every subnet
// concurrently. Workers only touch their own subnet's operations and the
// tensors those produce, so no two workers write the same annotation.
func (c *Compiler) compileSubnets(
	g *npucc.Graph,
	subnets []*subnet.Subnet,
	allocator *alloc.Allocator,
) ([]*group.Result, []*alloc.Result, error) {
	engine := group.NewEngine(c.cfg.Hardware, group.Config{
		Policy: c.cfg.Policy,
		Cost:   c.cfg.Cost,
	})

	groupings := make([]*group.Result, len(subnets))
	allocations := make([]*alloc.Result, len(subnets))
	failures := make([]error, len(subnets))

	var eg errgroup.Group
	for i, sn := range subnets {
		i, sn := i, sn
		eg.Go(func() error {
			grouping, err := engine.Run(g, sn)
			if err != nil {
				failures[i] = err
				return nil
			}

			allocation, err := allocator.Run(g, sn, grouping)
			if err != nil {
				failures[i] = err
				return nil
			}

			groupings[i] = grouping
			allocations[i] = allocation
			return nil
		})
	}
	// Workers report through the failures slice, never through the group
	// error, so every subnet gets its chance to compile.
	_ = eg.Wait()

	err := c.reportFailures(subnets, failures)
	if err != nil {
		return nil, nil, err
	}

	return groupings, allocations, nil
}

func (c *Compiler) reportFailures(
	subnets []*subnet.Subnet,
	failures []error,
) error {
	var first error
	for i, failure := range failures {
		if failure == nil {
			continue
		}
		c.cfg.Log.WithFields(logrus.Fields{
			"subnet": subnets[i].ID,
			"error":  failure,
		}).Error("subnet failed to compile")
		if first == nil {
			first = errors.Wrapf(failure, "subnet %d", subnets[i].ID)
		}
	}
	return first
}

// linkRegions assigns every allocation region its base address: the
// interface region at zero, then each subnet's private extent in subnet id
// order.
func (c *Compiler) linkRegions(
	iface *alloc.InterfaceResult,
	subnets []*subnet.Subnet,
	allocations []*alloc.Result,
) (map[int]uint64, uint64, error) {
	hw := c.cfg.Hardware

	bases := map[int]uint64{npucc.RegionInterface: 0}
	cursor := hw.Align(iface.Extent)

	for i, sn := range subnets {
		bases[sn.ID] = cursor
		cursor += hw.Align(allocations[i].Extent)
	}

	if cursor > hw.GlobalMemBytes {
		return nil, 0, npucc.CapacityErrf(cursor, hw.GlobalMemBytes,
			"linked regions exceed global memory")
	}

	return bases, cursor, nil
}

func (c *Compiler) generate(
	g *npucc.Graph,
	subnets []*subnet.Subnet,
	groupings []*group.Result,
	allocations []*alloc.Result,
	bases map[int]uint64,
) ([]*codegen.Program, error) {
	gen := codegen.NewGenerator(c.cfg.Hardware)

	programs := make([]*codegen.Program, len(subnets))
	failures := make([]error, len(subnets))

	var eg errgroup.Group
	for i, sn := range subnets {
		i, sn := i, sn
		eg.Go(func() error {
			prog, err := gen.Run(g, sn, groupings[i], allocations[i], bases)
			if err != nil {
				failures[i] = err
				return nil
			}
			programs[i] = prog
			return nil
		})
	}
	_ = eg.Wait()

	err := c.reportFailures(subnets, failures)
	if err != nil {
		return nil, err
	}

	return programs, nil
}

// addressMap lists the final resolved range of every tensor that received a
// global allocation, sorted by name for a stable ledger.
func addressMap(g *npucc.Graph, bases map[int]uint64) []codegen.AddressEntry {
	var entries []codegen.AddressEntry
	for _, t := range g.Tensors {
		if !t.Alloc.Valid {
			continue
		}
		entries = append(entries, codegen.AddressEntry{
			Name:   t.Name,
			Space:  t.Alloc.Space,
			Addr:   bases[t.Alloc.Region] + t.Alloc.Offset,
			Length: t.Alloc.Length,
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})

	return entries
}
