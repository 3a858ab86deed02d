package paint

import (
	"math"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// checkLayerGradients builds layer, runs one recorded forward pass and
// compares Backward against central differences of L = sum(out * w) for
// random w, both for the input and for every parameter.
func checkLayerGradients(t *testing.T, layer Layer, inputShape []int, batch int) {
	t.Helper()
	rng := rand.New(rand.NewSource(7))
	if err := layer.build(inputShape, rng); err != nil {
		t.Fatalf("build failed: %v", err)
	}
	input := NewTensor(append([]int{batch}, inputShape...)...)
	input.fillRandNorm(0, 1, rng)

	out, err := layer.forward(input, Mode{Training: true, Grad: true})
	if err != nil {
		t.Fatalf("forward failed: %v", err)
	}
	if !sameShape(out.shape[1:], layer.outputShape()) {
		t.Fatalf("forward shape %v disagrees with outputShape %v", out.shape, layer.outputShape())
	}
	weights := NewTensor(out.shape...)
	weights.fillRandNorm(0, 1, rng)

	gradInput, err := layer.backward(weights, true)
	if err != nil {
		t.Fatalf("backward failed: %v", err)
	}

	loss := func() float64 {
		o, err := layer.forward(input, Mode{Training: true})
		if err != nil {
			t.Fatalf("forward failed: %v", err)
		}
		return floats.Dot(o.data, weights.data)
	}

	for i := range input.data {
		want := numericGrad(input.data, i, loss)
		if !closeTo(gradInput.data[i], want) {
			t.Errorf("%s: input grad[%d] = %g, numeric %g", layer.name(), i, gradInput.data[i], want)
		}
	}
	grads := layer.gradients()
	for p, param := range layer.parameters() {
		for i := range param.data {
			want := numericGrad(param.data, i, loss)
			if !closeTo(grads[p].data[i], want) {
				t.Errorf("%s: param %d grad[%d] = %g, numeric %g", layer.name(), p, i, grads[p].data[i], want)
			}
		}
	}
}

func TestLayerGradients(t *testing.T) {
	tests := []struct {
		name  string
		layer Layer
		shape []int
		batch int
	}{
		{"dense", Dense(3).WithActivation(Tanh()).WithInitializer(XavierUniform(1)).
			WithBias(true).WithBiasInitializer(RandomNormal(0, 0.1)).Build(), []int{4}, 2},
		{"conv3_stride2_same", Conv2D(3, [2]int{3, 3}).WithStride(2, 2).WithPadding("same").
			WithActivation(LeakyReLU(0.2)).WithInitializer(HeNormal(1)).
			WithBias(true).WithBiasInitializer(RandomNormal(0, 0.1)).Build(), []int{5, 5, 2}, 2},
		{"conv4_stride2_same", Conv2D(2, [2]int{4, 4}).WithStride(2, 2).WithPadding("same").
			WithActivation(Linear()).WithInitializer(RandomNormal(0, 0.3)).Build(), []int{4, 4, 2}, 1},
		{"conv_valid", Conv2D(2, [2]int{2, 2}).WithActivation(Sigmoid()).
			WithInitializer(HeNormal(1)).Build(), []int{3, 3, 1}, 2},
		{"batch_norm", BatchNorm(bnEpsilon, bnMomentum).Build(), []int{2, 2, 3}, 2},
		{"gate", Gate().WithInitializer(RandomNormal(0, 0.5)).Build(), []int{3, 3, 2}, 2},
		{"upsample", Upsample2D(2).Build(), []int{2, 3, 2}, 2},
		{"max_pool", MaxPool2D([2]int{2, 2}).Build(), []int{4, 4, 2}, 2},
		{"flatten", Flatten().Build(), []int{2, 2, 2}, 2},
		{"leaky_relu", Nonlinearity(LeakyReLU(0.2)).Build(), []int{3, 2}, 2},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			checkLayerGradients(t, test.layer, test.shape, test.batch)
		})
	}
}

func TestBatchNormGradientsUseEvalStatistics(t *testing.T) {
	bn := BatchNorm(bnEpsilon, bnMomentum).Build().(*BatchNormLayer)
	rng := rand.New(rand.NewSource(3))
	if err := bn.build([]int{2}, rng); err != nil {
		t.Fatal(err)
	}
	bn.runningMean.data[0], bn.runningVar.data[0] = 0.5, 4

	input, _ := TensorFrom([]float64{1, 2, 3, 4}, 2, 2)
	if _, err := bn.forward(input, Mode{Grad: true}); err != nil {
		t.Fatal(err)
	}
	grad, _ := TensorFrom([]float64{1, 1, 1, 1}, 2, 2)
	gi, err := bn.backward(grad, false)
	if err != nil {
		t.Fatal(err)
	}
	// with fixed statistics dy/dx = gamma / sqrt(var + eps)
	want := 1 / math.Sqrt(4+bnEpsilon)
	if !closeTo(gi.data[0], want) {
		t.Errorf("eval grad = %g, expected %g", gi.data[0], want)
	}
	if !allZero(bn.gradients()) {
		t.Error("paramGrads=false must not touch parameter gradients")
	}
}

func TestBackwardWithoutRecordedForward(t *testing.T) {
	layers := []struct {
		layer Layer
		shape []int
	}{
		{Dense(2).WithActivation(ReLU()).WithInitializer(HeNormal(1)).Build(), []int{3}},
		{Conv2D(2, [2]int{3, 3}).WithPadding("same").WithActivation(ReLU()).WithInitializer(HeNormal(1)).Build(), []int{4, 4, 1}},
		{BatchNorm(bnEpsilon, bnMomentum).Build(), []int{4, 4, 1}},
		{Gate().WithInitializer(HeNormal(1)).Build(), []int{4, 4, 1}},
		{MaxPool2D([2]int{2, 2}).Build(), []int{4, 4, 1}},
		{Nonlinearity(Tanh()).Build(), []int{3}},
	}
	rng := rand.New(rand.NewSource(1))
	for _, l := range layers {
		if err := l.layer.build(l.shape, rng); err != nil {
			t.Fatalf("%s build: %v", l.layer.name(), err)
		}
		input := NewTensor(append([]int{2}, l.shape...)...)
		out, err := l.layer.forward(input, Mode{Training: true})
		if err != nil {
			t.Fatalf("%s forward: %v", l.layer.name(), err)
		}
		if _, err := l.layer.backward(out, true); errors.Cause(err) != ErrNoActivations {
			t.Errorf("%s: expected ErrNoActivations, got %v", l.layer.name(), err)
		}
	}
}

func TestBuildValidation(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	if err := Dense(2).WithActivation(ReLU()).Build().build([]int{3}, rng); err == nil {
		t.Error("Dense without initializer should fail to build")
	}
	if err := Conv2D(2, [2]int{3, 3}).WithPadding("full").WithActivation(ReLU()).
		WithInitializer(HeNormal(1)).Build().build([]int{4, 4, 1}, rng); err == nil {
		t.Error("Conv2D with unknown padding should fail to build")
	}
	if err := Upsample2D(0).Build().build([]int{2, 2, 1}, rng); err == nil {
		t.Error("Upsample2D with factor 0 should fail to build")
	}

	conv := Conv2D(2, [2]int{3, 3}).WithPadding("same").WithActivation(ReLU()).WithInitializer(HeNormal(1)).Build()
	if err := conv.build([]int{4, 4, 1}, rng); err != nil {
		t.Fatal(err)
	}
	if _, err := conv.forward(NewTensor(1, 4, 4, 2), Mode{}); errors.Cause(err) != ErrShapeMismatch {
		t.Errorf("expected ErrShapeMismatch for wrong channel count, got %v", err)
	}
}
