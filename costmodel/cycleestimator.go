// Package costmodel provides a performance model for the cycle cost of
// executing operations on the accelerator.
package costmodel

import (
	"github.com/sarchlab/npucc"
)

// A CycleEstimatorInput represents the input of a cycle estimator.
type CycleEstimatorInput struct {
	Kind           string
	InputBytes     uint64
	OutputBytes    uint64
	RecordedCycles uint64
}

// A CycleEstimatorOutput represents the output of a cycle estimator.
type CycleEstimatorOutput struct {
	// The estimated execution cost in cycles.
	Cycles uint64
}

// CycleEstimator estimates the execution cost of an operation.
type CycleEstimator interface {
	// Estimate estimates the execution cost of an operation.
	Estimate(input CycleEstimatorInput) (CycleEstimatorOutput, error)
}

// An AlwaysOneCycleEstimator always returns 1 as the estimated cost.
type AlwaysOneCycleEstimator struct{}

// Estimate always returns 1 as the estimated cost.
func (e *AlwaysOneCycleEstimator) Estimate(
	input CycleEstimatorInput,
) (CycleEstimatorOutput, error) {
	return CycleEstimatorOutput{
		Cycles: 1,
	}, nil
}

// A RecordedCycleEstimator estimates the execution cost of an operation
// based on the cost the front end recorded on it.
type RecordedCycleEstimator struct{}

// Estimate estimates the execution cost of an operation based on the
// recorded cost.
func (e *RecordedCycleEstimator) Estimate(
	input CycleEstimatorInput,
) (CycleEstimatorOutput, error) {
	return CycleEstimatorOutput{
		Cycles: input.RecordedCycles,
	}, nil
}

// A ThroughputCycleEstimator derives the cost from the bytes an operation
// touches, assuming one byte moves through the datapath per cycle. It covers
// graphs whose front end recorded no costs.
type ThroughputCycleEstimator struct {
	Hardware npucc.Hardware
}

// Estimate returns the touched byte count as the cycle cost, with a floor of
// one cycle.
func (e *ThroughputCycleEstimator) Estimate(
	input CycleEstimatorInput,
) (CycleEstimatorOutput, error) {
	cycles := input.InputBytes + input.OutputBytes
	if cycles == 0 {
		cycles = 1
	}
	return CycleEstimatorOutput{
		Cycles: cycles,
	}, nil
}
