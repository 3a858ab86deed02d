package paint

import (
	"math/rand"

	"github.com/pkg/errors"
)

// GateLayer - spatial attention gate for NHWC feature maps.
//
//	a   = sigmoid(conv1x1(x))
//	out = x * a
//
// The gate has one weight per (input channel, output channel) pair, so every
// channel gets its own mask computed from all channels at that pixel.
type GateLayer struct {
	initializer Initializer
	conv        *Conv2DLayer
	input       *Tensor
	attention   *Tensor
	inputShape  []int
	built       bool
}

type GateBuilder struct {
	layer *GateLayer
}

func Gate() *GateBuilder {
	return &GateBuilder{layer: &GateLayer{}}
}

func (b *GateBuilder) WithInitializer(init Initializer) *GateBuilder {
	b.layer.initializer = init
	return b
}

func (b *GateBuilder) Build() Layer {
	return b.layer
}

func (g *GateLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 3 {
		return errors.New("paint: Gate requires input shape [H, W, C]")
	}
	if g.initializer == nil {
		return errors.New("paint: Gate requires initializer")
	}
	g.inputShape = inputShape
	g.conv = Conv2D(inputShape[2], [2]int{1, 1}).
		WithPadding("same").
		WithActivation(Sigmoid()).
		WithInitializer(g.initializer).
		WithBias(true).
		WithBiasInitializer(Zeros()).
		Build().(*Conv2DLayer)
	if err := g.conv.build(inputShape, rng); err != nil {
		return errors.Wrap(err, "gate projection")
	}
	g.built = true
	return nil
}

func (g *GateLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !g.built {
		return nil, ErrNotBuilt
	}
	attention, err := g.conv.forward(input, mode)
	if err != nil {
		return nil, err
	}

	output := NewTensor(input.shape...)
	elemMul(input, attention, output)

	if mode.Grad {
		g.input, g.attention = input, attention
	} else {
		g.input, g.attention = nil, nil
	}
	return output, nil
}

func (g *GateLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if g.input == nil {
		return nil, ErrNoActivations
	}

	// direct path: d(x*a)/dx = a
	gradInput := NewTensor(gradOutput.shape...)
	elemMul(gradOutput, g.attention, gradInput)

	// gate path: d(x*a)/da = x
	gradAttention := NewTensor(gradOutput.shape...)
	elemMul(gradOutput, g.input, gradAttention)
	gradThroughConv, err := g.conv.backward(gradAttention, paramGrads)
	if err != nil {
		return nil, err
	}
	for i, v := range gradThroughConv.data {
		gradInput.data[i] += v
	}

	return gradInput, nil
}

func (g *GateLayer) parameters() []*Tensor { return g.conv.parameters() }
func (g *GateLayer) gradients() []*Tensor  { return g.conv.gradients() }
func (g *GateLayer) outputShape() []int    { return g.inputShape }
func (g *GateLayer) name() string          { return "attention_gate" }
