package paint

import (
	"fmt"
	"math/rand"

	"github.com/pkg/errors"
)

// Module is anything with trainable state: a network, or a composite model
// built from several networks.
type Module interface {
	// Parameters lists trainable tensors in a stable order.
	Parameters() []*Tensor
	// Gradients lists the gradient tensor for each parameter, same order.
	Gradients() []*Tensor
	// Buffers lists non-trainable state that still belongs in a checkpoint
	// (running statistics).
	Buffers() []*Tensor
	ZeroGrad()
	SetTraining(training bool)
	// SetRequiresGrad toggles parameter gradient accumulation. Input
	// gradients still flow through a module that does not require grad.
	SetRequiresGrad(requiresGrad bool)
}

// bufferedLayer is implemented by layers with non-trainable state.
type bufferedLayer interface {
	buffers() []*Tensor
}

// Network is a sequential stack of layers
type Network struct {
	layers       []Layer
	frozenState  *frozenState
	training     bool
	requiresGrad bool
	built        bool
	rng          *rand.Rand
	inputShape   []int
}

// NetworkBuilder for fluent API
type NetworkBuilder struct {
	network *Network
	err     error
}

// NewNetwork creates a new network builder
func NewNetwork(config NetworkConfig) *NetworkBuilder {
	return &NetworkBuilder{
		network: &Network{
			layers:       make([]Layer, 0),
			rng:          rand.New(rand.NewSource(config.Seed)),
			training:     true,
			requiresGrad: true,
		},
	}
}

// AddLayer adds a layer to the network
func (n *NetworkBuilder) AddLayer(layer Layer) *NetworkBuilder {
	if n.err != nil {
		return n
	}
	if layer == nil {
		n.err = errors.New("paint: nil layer")
		return n
	}
	n.network.layers = append(n.network.layers, layer)
	return n
}

// Build finalizes the network structure. inputShape excludes the batch
// dimension.
func (n *NetworkBuilder) Build(inputShape []int) (*Network, error) {
	if n.err != nil {
		return nil, n.err
	}
	if len(n.network.layers) == 0 {
		return nil, errors.New("paint: network must have at least one layer")
	}
	if len(inputShape) == 0 {
		return nil, errors.New("paint: inputShape must be specified")
	}

	n.network.inputShape = append([]int(nil), inputShape...)

	currentShape := inputShape
	for i, layer := range n.network.layers {
		if err := layer.build(currentShape, n.network.rng); err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s)", i, layer.name())
		}
		if outShape := layer.outputShape(); outShape != nil {
			currentShape = outShape
		}
	}

	n.network.built = true
	return n.network, nil
}

func (n *Network) run(input *Tensor, mode Mode) (*Tensor, error) {
	if !n.built {
		return nil, ErrNotBuilt
	}
	if len(input.shape) != len(n.inputShape)+1 || !sameShape(input.shape[1:], n.inputShape) {
		return nil, errors.Wrapf(ErrShapeMismatch, "network input %v, want [batch %v]", input.shape, n.inputShape)
	}
	output := input
	var err error
	for i, layer := range n.layers {
		output, err = layer.forward(output, mode)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s) forward", i, layer.name())
		}
	}
	return output, nil
}

// Forward runs the network and records activations for Backward.
func (n *Network) Forward(input *Tensor) (*Tensor, error) {
	return n.run(input, Mode{Training: n.training, Grad: true})
}

// Infer runs the network without recording anything. A Backward after Infer
// fails with ErrNoActivations.
func (n *Network) Infer(input *Tensor) (*Tensor, error) {
	return n.run(input, Mode{Training: n.training})
}

// Backward propagates gradOutput through the recorded forward pass,
// accumulating parameter gradients of unfrozen layers when the network
// requires grad, and returns the gradient with respect to the input.
func (n *Network) Backward(gradOutput *Tensor) (*Tensor, error) {
	if !n.built {
		return nil, ErrNotBuilt
	}
	grad := gradOutput
	var err error
	for i := len(n.layers) - 1; i >= 0; i-- {
		paramGrads := n.requiresGrad && !n.IsFrozen(i)
		grad, err = n.layers[i].backward(grad, paramGrads)
		if err != nil {
			return nil, errors.Wrapf(err, "layer %d (%s) backward", i, n.layers[i].name())
		}
	}
	return grad, nil
}

// Parameters returns every trainable tensor, frozen layers included.
func (n *Network) Parameters() []*Tensor {
	var params []*Tensor
	for _, layer := range n.layers {
		params = append(params, layer.parameters()...)
	}
	return params
}

func (n *Network) Gradients() []*Tensor {
	var grads []*Tensor
	for _, layer := range n.layers {
		grads = append(grads, layer.gradients()...)
	}
	return grads
}

func (n *Network) Buffers() []*Tensor {
	var bufs []*Tensor
	for _, layer := range n.layers {
		if b, ok := layer.(bufferedLayer); ok {
			bufs = append(bufs, b.buffers()...)
		}
	}
	return bufs
}

func (n *Network) ZeroGrad() {
	for _, g := range n.Gradients() {
		g.zero()
	}
}

// SetTraining switches normalization layers between batch and running
// statistics.
func (n *Network) SetTraining(training bool) {
	n.training = training
}

func (n *Network) Training() bool {
	return n.training
}

func (n *Network) SetRequiresGrad(requiresGrad bool) {
	n.requiresGrad = requiresGrad
}

// InputShape excludes the batch dimension.
func (n *Network) InputShape() []int {
	return append([]int(nil), n.inputShape...)
}

// OutputShape excludes the batch dimension.
func (n *Network) OutputShape() []int {
	shape := n.inputShape
	for _, layer := range n.layers {
		if s := layer.outputShape(); s != nil {
			shape = s
		}
	}
	return append([]int(nil), shape...)
}

// Summary prints network architecture
func (n *Network) Summary() string {
	result := "Network Summary\n"
	result += "===============\n"

	totalParams := 0
	for i, layer := range n.layers {
		layerParams := 0
		for _, p := range layer.parameters() {
			layerParams += p.Len()
		}
		totalParams += layerParams
		result += fmt.Sprintf("Layer %d: %-15s %v - %d params\n", i+1, layer.name(), layer.outputShape(), layerParams)
	}
	result += "===============\n"
	result += fmt.Sprintf("Total parameters: %d\n", totalParams)

	return result
}
