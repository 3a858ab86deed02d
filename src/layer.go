package paint

import (
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects how a forward pass behaves.
type Mode struct {
	// Training selects batch statistics in normalization layers.
	Training bool
	// Grad keeps the activations Backward needs. A forward pass with Grad
	// unset is a no-grad pass: nothing is retained and a following Backward
	// fails with ErrNoActivations.
	Grad bool
}

// Layer is the base interface for all layers. Backward accumulates into the
// layer's gradient tensors when paramGrads is set; the input gradient is
// always returned.
type Layer interface {
	forward(input *Tensor, mode Mode) (*Tensor, error)
	backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error)
	parameters() []*Tensor
	gradients() []*Tensor
	build(inputShape []int, rng *rand.Rand) error
	outputShape() []int
	name() string
}

// DenseLayer - fully connected layer over [batch, features] input
type DenseLayer struct {
	units       int
	activation  Activation
	initializer Initializer
	biasInit    Initializer
	useBias     bool
	fanIn       int
	weights     *Tensor // [fanIn, units]
	bias        *Tensor
	gradW       *Tensor
	gradB       *Tensor
	input       *Tensor
	preAct      *Tensor
	built       bool
}

// DenseBuilder for fluent API
type DenseBuilder struct {
	layer *DenseLayer
}

func Dense(units int) *DenseBuilder {
	return &DenseBuilder{
		layer: &DenseLayer{
			units: units,
		},
	}
}

func (b *DenseBuilder) WithActivation(act Activation) *DenseBuilder {
	b.layer.activation = act
	return b
}

func (b *DenseBuilder) WithInitializer(init Initializer) *DenseBuilder {
	b.layer.initializer = init
	return b
}

func (b *DenseBuilder) WithBiasInitializer(init Initializer) *DenseBuilder {
	b.layer.biasInit = init
	return b
}

func (b *DenseBuilder) WithBias(useBias bool) *DenseBuilder {
	b.layer.useBias = useBias
	return b
}

func (b *DenseBuilder) Build() Layer {
	return b.layer
}

func (d *DenseLayer) build(inputShape []int, rng *rand.Rand) error {
	if len(inputShape) != 1 {
		return errorf("Dense requires a flat input shape, got %v", inputShape)
	}
	if d.initializer == nil {
		return errors.New("paint: Dense requires initializer - use WithInitializer()")
	}
	if d.activation == nil {
		return errors.New("paint: Dense requires activation - use WithActivation()")
	}
	if d.useBias && d.biasInit == nil {
		return errors.New("paint: Dense with bias requires bias initializer - use WithBiasInitializer()")
	}

	d.fanIn = inputShape[0]
	d.weights = NewTensor(d.fanIn, d.units)
	d.initializer.initialize(d.weights, d.fanIn, d.units, rng)

	if d.useBias {
		d.bias = NewTensor(d.units)
		d.biasInit.initialize(d.bias, d.fanIn, d.units, rng)
	}

	d.built = true
	return nil
}

func (d *DenseLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	if !d.built {
		return nil, ErrNotBuilt
	}
	if len(input.shape) != 2 || input.shape[1] != d.fanIn {
		return nil, errors.Wrapf(ErrShapeMismatch, "dense input %v, want [batch %d]", input.shape, d.fanIn)
	}
	batch := input.shape[0]

	preAct := NewTensor(batch, d.units)
	x := mat.NewDense(batch, d.fanIn, input.data)
	w := mat.NewDense(d.fanIn, d.units, d.weights.data)
	y := mat.NewDense(batch, d.units, preAct.data)
	y.Mul(x, w)

	if d.useBias {
		for r := 0; r < batch; r++ {
			floats.Add(preAct.data[r*d.units:(r+1)*d.units], d.bias.data)
		}
	}

	output := NewTensor(batch, d.units)
	d.activation.forward(preAct, output)

	if mode.Grad {
		d.input, d.preAct = input, preAct
	} else {
		d.input, d.preAct = nil, nil
	}
	return output, nil
}

func (d *DenseLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if d.input == nil {
		return nil, ErrNoActivations
	}
	batch := d.input.shape[0]

	gradPreAct := NewTensor(gradOutput.shape...)
	d.activation.backward(d.preAct, gradOutput, gradPreAct)
	g := mat.NewDense(batch, d.units, gradPreAct.data)

	if paramGrads {
		// dL/dW += X^T @ dL/dY
		x := mat.NewDense(batch, d.fanIn, d.input.data)
		var gw mat.Dense
		gw.Mul(x.T(), g)
		floats.Add(gradFor(&d.gradW, d.weights).data, gw.RawMatrix().Data)

		if d.useBias {
			gradB := gradFor(&d.gradB, d.bias)
			for r := 0; r < batch; r++ {
				floats.Add(gradB.data, gradPreAct.data[r*d.units:(r+1)*d.units])
			}
		}
	}

	// dL/dX = dL/dY @ W^T
	gradInput := NewTensor(batch, d.fanIn)
	w := mat.NewDense(d.fanIn, d.units, d.weights.data)
	gi := mat.NewDense(batch, d.fanIn, gradInput.data)
	gi.Mul(g, w.T())

	return gradInput, nil
}

func (d *DenseLayer) parameters() []*Tensor {
	if d.useBias {
		return []*Tensor{d.weights, d.bias}
	}
	return []*Tensor{d.weights}
}

func (d *DenseLayer) gradients() []*Tensor {
	if d.useBias {
		return []*Tensor{gradFor(&d.gradW, d.weights), gradFor(&d.gradB, d.bias)}
	}
	return []*Tensor{gradFor(&d.gradW, d.weights)}
}

func (d *DenseLayer) outputShape() []int { return []int{d.units} }
func (d *DenseLayer) name() string       { return "dense" }

// FlattenLayer - flattens input to 1D (per sample)
type FlattenLayer struct {
	inputShape []int
}

type FlattenBuilder struct {
	layer *FlattenLayer
}

func Flatten() *FlattenBuilder {
	return &FlattenBuilder{
		layer: &FlattenLayer{},
	}
}

func (b *FlattenBuilder) Build() Layer {
	return b.layer
}

func (f *FlattenLayer) build(inputShape []int, rng *rand.Rand) error {
	f.inputShape = inputShape
	return nil
}

func (f *FlattenLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	batchSize := input.shape[0]
	return input.Clone().Reshape(batchSize, f.flatSize())
}

func (f *FlattenLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	shape := append([]int{gradOutput.shape[0]}, f.inputShape...)
	return gradOutput.Clone().Reshape(shape...)
}

func (f *FlattenLayer) flatSize() int {
	n := 1
	for _, s := range f.inputShape {
		n *= s
	}
	return n
}

func (f *FlattenLayer) parameters() []*Tensor { return nil }
func (f *FlattenLayer) gradients() []*Tensor  { return nil }
func (f *FlattenLayer) outputShape() []int    { return []int{f.flatSize()} }
func (f *FlattenLayer) name() string          { return "flatten" }

// ActivationLayer applies an activation on its own, for stacks where a
// normalization layer sits between a convolution and its nonlinearity.
type ActivationLayer struct {
	activation Activation
	inputShape []int
	input      *Tensor
}

type ActivationBuilder struct {
	layer *ActivationLayer
}

func Nonlinearity(act Activation) *ActivationBuilder {
	return &ActivationBuilder{layer: &ActivationLayer{activation: act}}
}

func (b *ActivationBuilder) Build() Layer {
	return b.layer
}

func (a *ActivationLayer) build(inputShape []int, rng *rand.Rand) error {
	if a.activation == nil {
		return errors.New("paint: activation layer requires an activation")
	}
	a.inputShape = inputShape
	return nil
}

func (a *ActivationLayer) forward(input *Tensor, mode Mode) (*Tensor, error) {
	out := NewTensor(input.shape...)
	a.activation.forward(input, out)
	if mode.Grad {
		a.input = input
	} else {
		a.input = nil
	}
	return out, nil
}

func (a *ActivationLayer) backward(gradOutput *Tensor, paramGrads bool) (*Tensor, error) {
	if a.input == nil {
		return nil, ErrNoActivations
	}
	gradInput := NewTensor(gradOutput.shape...)
	a.activation.backward(a.input, gradOutput, gradInput)
	return gradInput, nil
}

func (a *ActivationLayer) parameters() []*Tensor { return nil }
func (a *ActivationLayer) gradients() []*Tensor  { return nil }
func (a *ActivationLayer) outputShape() []int    { return a.inputShape }
func (a *ActivationLayer) name() string          { return a.activation.name() }
