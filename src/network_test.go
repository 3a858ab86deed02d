package paint

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

// smallConvNet is conv -> BN -> LeakyReLU -> flatten -> dense over [4, 4, 1].
func smallConvNet(t *testing.T, seed int64) *Network {
	t.Helper()
	net, err := NewNetwork(NetworkConfig{Seed: seed}).
		AddLayer(Conv2D(2, [2]int{3, 3}).
			WithPadding("same").
			WithActivation(Linear()).
			WithInitializer(HeNormal(1)).
			WithBias(true).
			WithBiasInitializer(Zeros()).
			Build()).
		AddLayer(BatchNorm(bnEpsilon, bnMomentum).Build()).
		AddLayer(Nonlinearity(LeakyReLU(0.2)).Build()).
		AddLayer(Flatten().Build()).
		AddLayer(Dense(1).
			WithActivation(Linear()).
			WithInitializer(XavierUniform(1)).
			WithBias(true).
			WithBiasInitializer(Zeros()).
			Build()).
		Build([]int{4, 4, 1})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return net
}

func randomInput(seed int64, shape ...int) *Tensor {
	x := NewTensor(shape...)
	x.fillRandNorm(0, 1, rand.New(rand.NewSource(seed)))
	return x
}

func TestNetworkShapes(t *testing.T) {
	net := smallConvNet(t, 1)

	if got := net.OutputShape(); !sameShape(got, []int{1}) {
		t.Errorf("OutputShape() = %v, expected [1]", got)
	}
	if got := net.InputShape(); !sameShape(got, []int{4, 4, 1}) {
		t.Errorf("InputShape() = %v, expected [4 4 1]", got)
	}
	out, err := net.Forward(randomInput(2, 3, 4, 4, 1))
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if !sameShape(out.Shape(), []int{3, 1}) {
		t.Errorf("output shape %v, expected [3 1]", out.Shape())
	}

	if _, err := net.Forward(NewTensor(3, 4, 4, 2)); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if n := len(net.Buffers()); n != 2 {
		t.Errorf("Buffers() has %d tensors, expected the 2 batch-norm statistics", n)
	}
	if !strings.Contains(net.Summary(), "batch_norm") {
		t.Errorf("Summary missing layers:\n%s", net.Summary())
	}
}

func TestEmptyNetwork(t *testing.T) {
	if _, err := NewNetwork(NetworkConfig{}).Build([]int{2}); err == nil {
		t.Error("a network without layers should fail to build")
	}
	if _, err := NewNetwork(NetworkConfig{}).AddLayer(nil).Build([]int{2}); err == nil {
		t.Error("a nil layer should fail to build")
	}
}

func TestInferDoesNotRecord(t *testing.T) {
	net := smallConvNet(t, 1)
	out, err := net.Infer(randomInput(2, 2, 4, 4, 1))
	if err != nil {
		t.Fatalf("Infer failed: %v", err)
	}
	if _, err := net.Backward(out); errors.Cause(err) != ErrNoActivations {
		t.Errorf("expected ErrNoActivations, got %v", err)
	}
}

func TestRequiresGradFalseStillPropagates(t *testing.T) {
	net := smallConvNet(t, 1)
	net.SetRequiresGrad(false)

	out, err := net.Forward(randomInput(2, 2, 4, 4, 1))
	if err != nil {
		t.Fatal(err)
	}
	grad := NewTensor(out.shape...)
	grad.Fill(1)
	gi, err := net.Backward(grad)
	if err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
	if allZero([]*Tensor{gi}) {
		t.Error("input gradient should flow through a network that does not require grad")
	}
	if !allZero(net.Gradients()) {
		t.Error("parameter gradients must not accumulate")
	}
}

func TestFrozenLayerUnchangedByStep(t *testing.T) {
	net := smallConvNet(t, 1)
	if err := net.Freeze(0); err != nil {
		t.Fatal(err)
	}
	if err := net.Freeze(99); err == nil {
		t.Error("freezing an unknown layer should fail")
	}
	if !net.IsFrozen(0) || net.IsFrozen(4) {
		t.Error("only layer 0 should be frozen")
	}
	info := net.LayerInfo()
	if !info[0].Frozen || info[0].Parameters == 0 {
		t.Errorf("unexpected freeze info %+v", info[0])
	}
	if want := info[4].Parameters + info[1].Parameters; net.TrainableParameters() != want {
		t.Errorf("TrainableParameters() = %d, expected %d", net.TrainableParameters(), want)
	}

	opt, err := NewAdam(net, AdamConfig{LR: 0.01, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8})
	if err != nil {
		t.Fatal(err)
	}
	frozen := snapshot(net.layers[0].parameters())
	dense := snapshot(net.layers[4].parameters())

	opt.ZeroGrad()
	out, err := net.Forward(randomInput(2, 2, 4, 4, 1))
	if err != nil {
		t.Fatal(err)
	}
	grad := NewTensor(out.shape...)
	grad.Fill(1)
	if _, err := net.Backward(grad); err != nil {
		t.Fatal(err)
	}
	opt.Step()

	if !equalTensors(frozen, net.layers[0].parameters()) {
		t.Error("frozen layer changed")
	}
	if equalTensors(dense, net.layers[4].parameters()) {
		t.Error("trainable layer did not change")
	}
}
