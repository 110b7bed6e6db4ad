package npucc

import (
	"github.com/pkg/errors"
)

// The three error kinds of the pipeline. Structural errors mean the input
// graph is malformed. Capacity errors mean the graph cannot fit the hardware
// and are user-facing. Internal errors mean a later stage found a missing
// annotation from an earlier stage, which is a defect in the pipeline itself.
var (
	ErrStructural = errors.New("malformed graph")
	ErrCapacity   = errors.New("hardware capacity exceeded")
	ErrInternal   = errors.New("pipeline internal inconsistency")
)

// StructuralErrf wraps ErrStructural with the offending entity.
func StructuralErrf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrStructural, format, args...)
}

// CapacityErrf wraps ErrCapacity with the required-vs-available byte counts.
func CapacityErrf(
	required uint64,
	available uint64,
	format string,
	args ...interface{},
) error {
	err := errors.Wrapf(ErrCapacity, format, args...)
	return errors.Wrapf(err, "need %d bytes, have %d bytes", required, available)
}

// InternalErrf wraps ErrInternal. These are never user-recoverable.
func InternalErrf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInternal, format, args...)
}

// IsStructural reports whether err is a structural error.
func IsStructural(err error) bool {
	return errors.Is(err, ErrStructural)
}

// IsCapacity reports whether err is a capacity-infeasible error.
func IsCapacity(err error) bool {
	return errors.Is(err, ErrCapacity)
}

// IsInternal reports whether err is an internal-consistency error.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}
