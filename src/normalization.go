package paint

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// BatchNormLayer - batch normalization over the last (channel) dimension.
// Statistics are taken over every other axis, so for NHWC images each
// channel is normalized across batch, height and width.
type BatchNormLayer struct {
	epsilon     float64
	momentum    float64 // decay of the running statistics
	gamma       *Tensor
	beta        *Tensor
	runningMean *Tensor
	runningVar  *Tensor
	gradGamma   *Tensor
	gradBeta    *Tensor
	input       *Tensor
	normalized  *Tensor
	mean        []float64
	std         []float64
	training    bool
	features    int
	inputShape  []int
	built       bool
}

type BatchNormBuilder struct {
	layer *BatchNormLayer
}

func BatchNorm(epsilon, momentum float64) *BatchNormBuilder {
	return &BatchNormBuilder{
		layer: &BatchNormLayer{
			epsilon:  epsilon,
			momentum: momentum,
		},
	}
}

func (b *BatchNormBuilder) Build() Layer {
	return b.layer
}

func (bn *BatchNormLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) == 0 {
		return errors.New("paint: BatchNorm requires non-empty input shape")
	}
	bn.inputShape = inputShape
	bn.features = inputShape[len(inputShape)-1]

	bn.gamma = NewTensor(bn.features)
	bn.gamma.Fill(1.0)
	bn.beta = NewTensor(bn.features)

	bn.runningMean = NewTensor(bn.features)
	bn.runningVar = NewTensor(bn.features)
	bn.runningVar.Fill(1.0)

	bn.built = true
	return nil
}

func (bn *BatchNormLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !bn.built {
		return nil, ErrNotBuilt
	}
	features := bn.features
	if input.shape[len(input.shape)-1] != features {
		return nil, errors.Wrapf(ErrShapeMismatch, "batch norm input %v, want %d channels", input.shape, features)
	}
	rows := len(input.data) / features
	n := float64(rows)

	mean := make([]float64, features)
	variance := make([]float64, features)

	if mode.Training {
		for r := 0; r < rows; r++ {
			for j, v := range input.data[r*features : (r+1)*features] {
				mean[j] += v
			}
		}
		for j := range mean {
			mean[j] /= n
		}
		for r := 0; r < rows; r++ {
			for j, v := range input.data[r*features : (r+1)*features] {
				diff := v - mean[j]
				variance[j] += diff * diff
			}
		}
		for j := range variance {
			variance[j] /= n
		}

		// Update running stats
		for j := 0; j < features; j++ {
			bn.runningMean.data[j] = bn.momentum*bn.runningMean.data[j] + (1-bn.momentum)*mean[j]
			bn.runningVar.data[j] = bn.momentum*bn.runningVar.data[j] + (1-bn.momentum)*variance[j]
		}
	} else {
		copy(mean, bn.runningMean.data)
		copy(variance, bn.runningVar.data)
	}

	std := make([]float64, features)
	for j := range std {
		std[j] = math.Sqrt(variance[j] + bn.epsilon)
	}

	// Normalize and scale
	normalized := NewTensor(input.shape...)
	output := NewTensor(input.shape...)
	for r := 0; r < rows; r++ {
		for j := 0; j < features; j++ {
			idx := r*features + j
			xNorm := (input.data[idx] - mean[j]) / std[j]
			normalized.data[idx] = xNorm
			output.data[idx] = bn.gamma.data[j]*xNorm + bn.beta.data[j]
		}
	}

	if mode.Grad {
		bn.input, bn.normalized = input, normalized
		bn.mean, bn.std = mean, std
		bn.training = mode.Training
	} else {
		bn.input, bn.normalized = nil, nil
	}
	return output, nil
}

func (bn *BatchNormLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if bn.input == nil {
		return nil, ErrNoActivations
	}
	features := bn.features
	rows := len(bn.input.data) / features
	n := float64(rows)

	// Per-channel sums of dL/dy and dL/dy * xhat
	sumG := make([]float64, features)
	sumGX := make([]float64, features)
	for r := 0; r < rows; r++ {
		for j := 0; j < features; j++ {
			idx := r*features + j
			sumG[j] += gradOutput.data[idx]
			sumGX[j] += gradOutput.data[idx] * bn.normalized.data[idx]
		}
	}

	if paramGrads {
		gradGamma, gradBeta := gradFor(&bn.gradGamma, bn.gamma), gradFor(&bn.gradBeta, bn.beta)
		for j := 0; j < features; j++ {
			gradGamma.data[j] += sumGX[j]
			gradBeta.data[j] += sumG[j]
		}
	}

	gradInput := NewTensor(bn.input.shape...)
	for r := 0; r < rows; r++ {
		for j := 0; j < features; j++ {
			idx := r*features + j
			scale := bn.gamma.data[j] / bn.std[j]
			if !bn.training {
				// running statistics are constants
				gradInput.data[idx] = gradOutput.data[idx] * scale
				continue
			}
			gradInput.data[idx] = scale * (gradOutput.data[idx] - sumG[j]/n - bn.normalized.data[idx]*sumGX[j]/n)
		}
	}

	return gradInput, nil
}

func (bn *BatchNormLayer) parameters() []*Tensor {
	return []*Tensor{bn.gamma, bn.beta}
}

func (bn *BatchNormLayer) gradients() []*Tensor {
	return []*Tensor{gradFor(&bn.gradGamma, bn.gamma), gradFor(&bn.gradBeta, bn.beta)}
}

// buffers returns the running statistics, which checkpoints persist next to
// the trainable parameters.
func (bn *BatchNormLayer) buffers() []*Tensor {
	return []*Tensor{bn.runningMean, bn.runningVar}
}

func (bn *BatchNormLayer) outputShape() []int { return bn.inputShape }
func (bn *BatchNormLayer) name() string       { return "batch_norm" }
