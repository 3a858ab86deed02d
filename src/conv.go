package paint

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"
)

// Conv2DLayer - 2D Convolution layer over NHWC input
type Conv2DLayer struct {
	filters     int
	kernelSize  [2]int
	stride      [2]int
	padding     string // "valid" or "same"
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	weights     *Tensor // [kernelH, kernelW, inChannels, outChannels]
	bias        *Tensor
	input       *Tensor
	preAct      *Tensor
	gradW       *Tensor
	gradB       *Tensor
	inputShape  []int // [H, W, C]
	built       bool
}

type Conv2DBuilder struct {
	layer *Conv2DLayer
}

func Conv2D(filters int, kernelSize [2]int) *Conv2DBuilder {
	return &Conv2DBuilder{
		layer: &Conv2DLayer{
			filters:    filters,
			kernelSize: kernelSize,
			stride:     [2]int{1, 1},
			padding:    "valid",
		},
	}
}

func (b *Conv2DBuilder) WithStride(strideH, strideW int) *Conv2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *Conv2DBuilder) WithPadding(padding string) *Conv2DBuilder {
	b.layer.padding = padding
	return b
}

func (b *Conv2DBuilder) WithActivation(act Activation) *Conv2DBuilder {
	b.layer.activation = act
	return b
}

func (b *Conv2DBuilder) WithInitializer(init Initializer) *Conv2DBuilder {
	b.layer.initializer = init
	return b
}

func (b *Conv2DBuilder) WithBiasInitializer(init Initializer) *Conv2DBuilder {
	b.layer.biasInit = init
	return b
}

func (b *Conv2DBuilder) WithBias(useBias bool) *Conv2DBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *Conv2DBuilder) Build() Layer {
	return b.layer
}

func (c *Conv2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("paint: Conv2D requires input shape [H, W, C]")
	}
	if c.initializer == nil {
		return errors.New("paint: Conv2D requires initializer")
	}
	if c.activation == nil {
		return errors.New("paint: Conv2D requires activation")
	}
	if c.useBias && c.biasInit == nil {
		return errors.New("paint: Conv2D with bias requires bias initializer")
	}
	if c.padding != "same" && c.padding != "valid" {
		return errorf("Conv2D padding %q, want \"same\" or \"valid\"", c.padding)
	}

	c.inputShape = inputShape
	inChannels := inputShape[2]

	c.weights = NewTensor(c.kernelSize[0], c.kernelSize[1], inChannels, c.filters)
	fanIn := c.kernelSize[0] * c.kernelSize[1] * inChannels
	fanOut := c.kernelSize[0] * c.kernelSize[1] * c.filters
	c.initializer.initialize(c.weights, fanIn, fanOut, rng)

	if c.useBias {
		c.bias = NewTensor(c.filters)
		c.biasInit.initialize(c.bias, fanIn, fanOut, rng)
	}

	c.built = true
	return nil
}

func (c *Conv2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	var outH, outW int
	if c.padding == "same" {
		outH = (inputH + c.stride[0] - 1) / c.stride[0]
		outW = (inputW + c.stride[1] - 1) / c.stride[1]
	} else { // valid
		outH = (inputH-c.kernelSize[0])/c.stride[0] + 1
		outW = (inputW-c.kernelSize[1])/c.stride[1] + 1
	}
	return outH, outW
}

// padOrigin returns the top and left padding for "same" convolutions.
// Odd padding puts the extra row and column at the bottom and right.
func (c *Conv2DLayer) padOrigin(inputH, inputW, outH, outW int) (int, int) {
	if c.padding != "same" {
		return 0, 0
	}
	padH := maxInt((outH-1)*c.stride[0]+c.kernelSize[0]-inputH, 0)
	padW := maxInt((outW-1)*c.stride[1]+c.kernelSize[1]-inputW, 0)
	return padH / 2, padW / 2
}

func (c *Conv2DLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !c.built {
		return nil, ErrNotBuilt
	}
	if len(input.shape) != 4 || !sameShape(input.shape[1:], c.inputShape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d input %v, want [batch %v]", input.shape, c.inputShape)
	}

	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	inChannels := input.shape[3]

	outH, outW := c.computeOutputSize(inputH, inputW)
	padTop, padLeft := c.padOrigin(inputH, inputW, outH, outW)
	kH, kW := c.kernelSize[0], c.kernelSize[1]

	preAct := NewTensor(batchSize, outH, outW, c.filters)

	// one task per output row; rows never share output cells
	parallelFor(batchSize*outH, func(task int) {
		b, oh := task/outH, task%outH
		for ow := 0; ow < outW; ow++ {
			outBase := ((b*outH+oh)*outW + ow) * c.filters
			out := preAct.data[outBase : outBase+c.filters]
			if c.useBias {
				copy(out, c.bias.data)
			}
			for kh := 0; kh < kH; kh++ {
				ih := oh*c.stride[0] + kh - padTop
				if ih < 0 || ih >= inputH {
					continue
				}
				for kw := 0; kw < kW; kw++ {
					iw := ow*c.stride[1] + kw - padLeft
					if iw < 0 || iw >= inputW {
						continue
					}
					inBase := ((b*inputH+ih)*inputW + iw) * inChannels
					for ic := 0; ic < inChannels; ic++ {
						x := input.data[inBase+ic]
						if x == 0 {
							continue
						}
						wBase := ((kh*kW+kw)*inChannels + ic) * c.filters
						w := c.weights.data[wBase : wBase+c.filters]
						for f, wv := range w {
							out[f] += x * wv
						}
					}
				}
			}
		}
	})

	output := NewTensor(preAct.shape...)
	c.activation.forward(preAct, output)

	if mode.Grad {
		c.input, c.preAct = input, preAct
	} else {
		c.input, c.preAct = nil, nil
	}
	return output, nil
}

func (c *Conv2DLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if c.input == nil {
		return nil, ErrNoActivations
	}
	if !sameShape(gradOutput.shape, c.preAct.shape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "conv2d gradient %v, want %v", gradOutput.shape, c.preAct.shape)
	}

	batchSize := c.input.shape[0]
	inputH := c.input.shape[1]
	inputW := c.input.shape[2]
	inChannels := c.input.shape[3]
	outH := gradOutput.shape[1]
	outW := gradOutput.shape[2]
	padTop, padLeft := c.padOrigin(inputH, inputW, outH, outW)
	kH, kW := c.kernelSize[0], c.kernelSize[1]

	// Gradient through activation
	gradPreAct := NewTensor(gradOutput.shape...)
	c.activation.backward(c.preAct, gradOutput, gradPreAct)

	if paramGrads {
		gradW := gradFor(&c.gradW, c.weights)
		var gradB *Tensor
		if c.useBias {
			gradB = gradFor(&c.gradB, c.bias)
		}
		// one task per filter: gradW[..., f] and gradB[f] are owned by f
		parallelFor(c.filters, func(f int) {
			for b := 0; b < batchSize; b++ {
				for oh := 0; oh < outH; oh++ {
					for ow := 0; ow < outW; ow++ {
						dout := gradPreAct.data[((b*outH+oh)*outW+ow)*c.filters+f]
						if dout == 0 {
							continue
						}
						if c.useBias {
							gradB.data[f] += dout
						}
						for kh := 0; kh < kH; kh++ {
							ih := oh*c.stride[0] + kh - padTop
							if ih < 0 || ih >= inputH {
								continue
							}
							for kw := 0; kw < kW; kw++ {
								iw := ow*c.stride[1] + kw - padLeft
								if iw < 0 || iw >= inputW {
									continue
								}
								inBase := ((b*inputH+ih)*inputW + iw) * inChannels
								wBase := (kh*kW + kw) * inChannels * c.filters
								for ic := 0; ic < inChannels; ic++ {
									gradW.data[wBase+ic*c.filters+f] += c.input.data[inBase+ic] * dout
								}
							}
						}
					}
				}
			}
		})
	}

	gradInput := NewTensor(c.input.shape...)

	// one task per sample
	parallelFor(batchSize, func(b int) {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				outBase := ((b*outH+oh)*outW + ow) * c.filters
				dout := gradPreAct.data[outBase : outBase+c.filters]
				for kh := 0; kh < kH; kh++ {
					ih := oh*c.stride[0] + kh - padTop
					if ih < 0 || ih >= inputH {
						continue
					}
					for kw := 0; kw < kW; kw++ {
						iw := ow*c.stride[1] + kw - padLeft
						if iw < 0 || iw >= inputW {
							continue
						}
						inBase := ((b*inputH+ih)*inputW + iw) * inChannels
						for ic := 0; ic < inChannels; ic++ {
							wBase := ((kh*kW+kw)*inChannels + ic) * c.filters
							w := c.weights.data[wBase : wBase+c.filters]
							sum := 0.0
							for f, g := range dout {
								sum += w[f] * g
							}
							gradInput.data[inBase+ic] += sum
						}
					}
				}
			}
		}
	})

	return gradInput, nil
}

func (c *Conv2DLayer) parameters() []*Tensor {
	if c.useBias {
		return []*Tensor{c.weights, c.bias}
	}
	return []*Tensor{c.weights}
}

func (c *Conv2DLayer) gradients() []*Tensor {
	if c.useBias {
		return []*Tensor{gradFor(&c.gradW, c.weights), gradFor(&c.gradB, c.bias)}
	}
	return []*Tensor{gradFor(&c.gradW, c.weights)}
}

func (c *Conv2DLayer) outputShape() []int {
	outH, outW := c.computeOutputSize(c.inputShape[0], c.inputShape[1])
	return []int{outH, outW, c.filters}
}

func (c *Conv2DLayer) name() string { return "conv2d" }

// MaxPool2DLayer - Max pooling layer
type MaxPool2DLayer struct {
	poolSize   [2]int
	stride     [2]int
	inputShape []int
	maxIndices []int // flat input index of each output's maximum
	built      bool
}

type MaxPool2DBuilder struct {
	layer *MaxPool2DLayer
}

func MaxPool2D(poolSize [2]int) *MaxPool2DBuilder {
	return &MaxPool2DBuilder{
		layer: &MaxPool2DLayer{
			poolSize: poolSize,
			stride:   poolSize, // Default stride = pool size
		},
	}
}

func (b *MaxPool2DBuilder) WithStride(strideH, strideW int) *MaxPool2DBuilder {
	b.layer.stride = [2]int{strideH, strideW}
	return b
}

func (b *MaxPool2DBuilder) Build() Layer {
	return b.layer
}

func (m *MaxPool2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("paint: MaxPool2D requires input shape [H, W, C]")
	}
	m.inputShape = inputShape
	m.built = true
	return nil
}

func (m *MaxPool2DLayer) computeOutputSize(inputH, inputW int) (int, int) {
	outH := (inputH-m.poolSize[0])/m.stride[0] + 1
	outW := (inputW-m.poolSize[1])/m.stride[1] + 1
	return outH, outW
}

func (m *MaxPool2DLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !m.built {
		return nil, ErrNotBuilt
	}
	batchSize := input.shape[0]
	inputH := input.shape[1]
	inputW := input.shape[2]
	channels := input.shape[3]

	outH, outW := m.computeOutputSize(inputH, inputW)
	output := NewTensor(batchSize, outH, outW, channels)
	maxIndices := make([]int, output.Len())

	parallelFor(batchSize, func(b int) {
		for oh := 0; oh < outH; oh++ {
			for ow := 0; ow < outW; ow++ {
				for c := 0; c < channels; c++ {
					maxVal := math.Inf(-1)
					maxIdx := 0

					for ph := 0; ph < m.poolSize[0]; ph++ {
						for pw := 0; pw < m.poolSize[1]; pw++ {
							ih := oh*m.stride[0] + ph
							iw := ow*m.stride[1] + pw
							if ih < inputH && iw < inputW {
								idx := ((b*inputH+ih)*inputW+iw)*channels + c
								if input.data[idx] > maxVal {
									maxVal = input.data[idx]
									maxIdx = idx
								}
							}
						}
					}

					outIdx := ((b*outH+oh)*outW+ow)*channels + c
					output.data[outIdx] = maxVal
					maxIndices[outIdx] = maxIdx
				}
			}
		}
	})

	if mode.Grad {
		m.maxIndices = maxIndices
	} else {
		m.maxIndices = nil
	}
	return output, nil
}

func (m *MaxPool2DLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if m.maxIndices == nil {
		return nil, ErrNoActivations
	}
	batchSize := gradOutput.shape[0]
	gradInput := NewTensor(batchSize, m.inputShape[0], m.inputShape[1], m.inputShape[2])

	for outIdx, g := range gradOutput.data {
		gradInput.data[m.maxIndices[outIdx]] += g
	}
	return gradInput, nil
}

func (m *MaxPool2DLayer) parameters() []*Tensor { return nil }
func (m *MaxPool2DLayer) gradients() []*Tensor  { return nil }

func (m *MaxPool2DLayer) outputShape() []int {
	outH, outW := m.computeOutputSize(m.inputShape[0], m.inputShape[1])
	return []int{outH, outW, m.inputShape[2]}
}

func (m *MaxPool2DLayer) name() string { return "max_pool2d" }

// Upsample2DLayer repeats every pixel factor times along height and width
// (nearest neighbour).
type Upsample2DLayer struct {
	factor     int
	inputShape []int
	built      bool
}

type Upsample2DBuilder struct {
	layer *Upsample2DLayer
}

func Upsample2D(factor int) *Upsample2DBuilder {
	return &Upsample2DBuilder{layer: &Upsample2DLayer{factor: factor}}
}

func (b *Upsample2DBuilder) Build() Layer {
	return b.layer
}

func (u *Upsample2DLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("paint: Upsample2D requires input shape [H, W, C]")
	}
	if u.factor < 1 {
		return errorf("Upsample2D factor %d must be positive", u.factor)
	}
	u.inputShape = inputShape
	u.built = true
	return nil
}

func (u *Upsample2DLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !u.built {
		return nil, ErrNotBuilt
	}
	batchSize, h, w, ch := input.shape[0], input.shape[1], input.shape[2], input.shape[3]
	oh, ow := h*u.factor, w*u.factor
	output := NewTensor(batchSize, oh, ow, ch)

	for b := 0; b < batchSize; b++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				src := ((b*h+y/u.factor)*w + x/u.factor) * ch
				dst := ((b*oh+y)*ow + x) * ch
				copy(output.data[dst:dst+ch], input.data[src:src+ch])
			}
		}
	}
	return output, nil
}

func (u *Upsample2DLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	batchSize, oh, ow, ch := gradOutput.shape[0], gradOutput.shape[1], gradOutput.shape[2], gradOutput.shape[3]
	h, w := oh/u.factor, ow/u.factor
	gradInput := NewTensor(batchSize, h, w, ch)

	for b := 0; b < batchSize; b++ {
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				src := ((b*oh+y)*ow + x) * ch
				dst := ((b*h+y/u.factor)*w + x/u.factor) * ch
				for c := 0; c < ch; c++ {
					gradInput.data[dst+c] += gradOutput.data[src+c]
				}
			}
		}
	}
	return gradInput, nil
}

func (u *Upsample2DLayer) parameters() []*Tensor { return nil }
func (u *Upsample2DLayer) gradients() []*Tensor  { return nil }

func (u *Upsample2DLayer) outputShape() []int {
	return []int{u.inputShape[0] * u.factor, u.inputShape[1] * u.factor, u.inputShape[2]}
}

func (u *Upsample2DLayer) name() string { return "upsample2d" }
