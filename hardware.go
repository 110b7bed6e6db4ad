package npucc

// A Hardware describes the accelerator the compiler targets. All byte
// capacities are hard limits; the pipeline refuses to emit an artifact that
// would overflow any of them at run time.
type Hardware struct {
	// LocalMemBytes is the on-chip memory shared by the operations of one
	// layer group.
	LocalMemBytes uint64

	// GlobalMemBytes is the off-chip memory holding weights and tensors
	// that cross group boundaries.
	GlobalMemBytes uint64

	// AlignBytes is the allocation granularity of both address spaces.
	AlignBytes uint64

	// MaxOperandBytes is the per-operation operand limit enforced by the
	// structural split pass.
	MaxOperandBytes uint64

	// TileHeight and TileWidth describe the native tiling of the compute
	// units, used by the weight layout planner.
	TileHeight int
	TileWidth  int

	// DMABytesPerSecond and DMALatencySec describe the link between global
	// and local memory, used for traffic cost weighting and by the
	// execution estimator.
	DMABytesPerSecond float64
	DMALatencySec     float64

	// CyclesPerSecond converts operation cycle estimates to time.
	CyclesPerSecond float64
}

// DefaultHardware returns the reference configuration the compiler is tuned
// against.
func DefaultHardware() Hardware {
	return Hardware{
		LocalMemBytes:     1 << 22,
		GlobalMemBytes:    1 << 32,
		AlignBytes:        64,
		MaxOperandBytes:   1 << 21,
		TileHeight:        32,
		TileWidth:         32,
		DMABytesPerSecond: 64e9,
		DMALatencySec:     1e-7,
		CyclesPerSecond:   1e9,
	}
}

// Align rounds n up to the hardware allocation granularity.
func (h Hardware) Align(n uint64) uint64 {
	if h.AlignBytes <= 1 {
		return n
	}
	rem := n % h.AlignBytes
	if rem == 0 {
		return n
	}
	return n + h.AlignBytes - rem
}
