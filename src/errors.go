package paint

import (
	"fmt"
	"math"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrShapeMismatch reports a tensor whose shape does not match what a
	// layer, network, loss or checkpoint expects.
	ErrShapeMismatch = errors.New("paint: shape mismatch")

	// ErrNoUpdates is returned when an AverageTracker is read before any update.
	ErrNoUpdates = errors.New("paint: tracker read before any update")

	// ErrEmptyLoader is returned when an epoch is started on a loader with no batches.
	ErrEmptyLoader = errors.New("paint: loader produced no batches")

	// ErrNonFiniteLoss is returned when a loss becomes NaN or Inf.
	ErrNonFiniteLoss = errors.New("paint: non-finite loss")

	// ErrNotEnoughSamples is returned when validation asks for more distinct
	// items than the dataset holds.
	ErrNotEnoughSamples = errors.New("paint: not enough samples")

	// ErrCheckpointSchema is returned when a checkpoint does not describe the
	// live network's parameters.
	ErrCheckpointSchema = errors.New("paint: checkpoint does not match network")

	// ErrNotBuilt is returned when a network or layer is used before Build.
	ErrNotBuilt = errors.New("paint: layer not built")

	// ErrNoActivations is returned by Backward when the matching forward pass
	// ran without gradient tracking.
	ErrNoActivations = errors.New("paint: backward called without a recorded forward pass")

	// ErrNoExtractorWeights is returned when the default perceptual extractor
	// would start from random weights without Config.RandomExtractor.
	ErrNoExtractorWeights = errors.New("paint: perceptual extractor needs pretrained weights")

	// ErrNotImplemented is returned by Trainer.Test.
	ErrNotImplemented = errors.New("paint: not implemented")
)

// TensorInfo captures tensor state for error reporting
type TensorInfo struct {
	Shape      []int
	Size       int
	NaNCount   int
	InfCount   int
	MinValue   float64
	MaxValue   float64
	BadIndices []int // first 10 corrupted indices
}

// Format returns a compact string representation
func (t *TensorInfo) Format() string {
	s := fmt.Sprintf("%v size=%d", t.Shape, t.Size)
	if t.NaNCount > 0 || t.InfCount > 0 {
		s += fmt.Sprintf(" (corrupt: %d NaN, %d Inf)", t.NaNCount, t.InfCount)
	} else {
		s += fmt.Sprintf(" range=[%.4f, %.4f]", t.MinValue, t.MaxValue)
	}
	return s
}

// Finite reports whether the scanned tensor held no NaN or Inf.
func (t *TensorInfo) Finite() bool {
	return t.NaNCount == 0 && t.InfCount == 0
}

// NetError is the structured error raised by the training loop when a tensor
// it produced is unusable.
type NetError struct {
	Component  string // "generator", "discriminator", ...
	ErrorType  string // "NaN detected", "shape mismatch"
	Phase      string // "forward", "backward", "update"
	Iteration  int
	OutputInfo *TensorInfo
	Detail     string
	Err        error
}

func (e *NetError) Error() string {
	var b strings.Builder

	fmt.Fprintf(&b, "paint: %s %s during %s at iteration %d", e.Component, e.ErrorType, e.Phase, e.Iteration)
	if e.OutputInfo != nil {
		fmt.Fprintf(&b, "\n  output:   %s", e.OutputInfo.Format())
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, "\n  cause:    %s", e.Detail)
	}
	return b.String()
}

// Cause lets errors.Cause reach the sentinel.
func (e *NetError) Cause() error { return e.Err }

func (e *NetError) Unwrap() error { return e.Err }

// ScanTensor checks for NaN/Inf and collects stats
func ScanTensor(t *Tensor) *TensorInfo {
	if t == nil {
		return nil
	}

	info := &TensorInfo{
		Shape:      t.Shape(),
		Size:       len(t.data),
		MinValue:   math.Inf(1),
		MaxValue:   math.Inf(-1),
		BadIndices: make([]int, 0, 10),
	}

	for i, v := range t.data {
		if math.IsNaN(v) {
			info.NaNCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else if math.IsInf(v, 0) {
			info.InfCount++
			if len(info.BadIndices) < 10 {
				info.BadIndices = append(info.BadIndices, i)
			}
		} else {
			if v < info.MinValue {
				info.MinValue = v
			}
			if v > info.MaxValue {
				info.MaxValue = v
			}
		}
	}

	// Handle empty or all-corrupt tensors
	if math.IsInf(info.MinValue, 1) {
		info.MinValue = 0
	}
	if math.IsInf(info.MaxValue, -1) {
		info.MaxValue = 0
	}

	return info
}

func finite(values ...float64) bool {
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// errorf creates a formatted error
func errorf(format string, args ...interface{}) error {
	return errors.Errorf("paint: "+format, args...)
}
