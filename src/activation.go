package paint

import "math"

// Activation represents an element-wise activation function
type Activation interface {
	forward(x *Tensor, out *Tensor)
	backward(x *Tensor, gradOut *Tensor, gradIn *Tensor)
	name() string
}

// ReLUActivation - Rectified Linear Unit
type ReLUActivation struct{}

func ReLU() Activation { return &ReLUActivation{} }

func (r *ReLUActivation) forward(x *Tensor, out *Tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = 0
		}
	}
}

func (r *ReLUActivation) backward(x *Tensor, gradOut *Tensor, gradIn *Tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = 0
		}
	}
}

func (r *ReLUActivation) name() string { return "relu" }

// LeakyReLUActivation - Leaky ReLU with configurable negative slope
type LeakyReLUActivation struct {
	NegativeSlope float64
}

func LeakyReLU(negativeSlope float64) Activation {
	return &LeakyReLUActivation{NegativeSlope: negativeSlope}
}

func (l *LeakyReLUActivation) forward(x *Tensor, out *Tensor) {
	for i, v := range x.data {
		if v > 0 {
			out.data[i] = v
		} else {
			out.data[i] = v * l.NegativeSlope
		}
	}
}

func (l *LeakyReLUActivation) backward(x *Tensor, gradOut *Tensor, gradIn *Tensor) {
	for i, v := range x.data {
		if v > 0 {
			gradIn.data[i] = gradOut.data[i]
		} else {
			gradIn.data[i] = gradOut.data[i] * l.NegativeSlope
		}
	}
}

func (l *LeakyReLUActivation) name() string { return "leaky_relu" }

// SigmoidActivation
type SigmoidActivation struct{}

func Sigmoid() Activation { return &SigmoidActivation{} }

func sigmoid(v float64) float64 {
	if v >= 0 {
		return 1.0 / (1.0 + math.Exp(-v))
	}
	// numerically stable form for negative values
	e := math.Exp(v)
	return e / (1.0 + e)
}

func (s *SigmoidActivation) forward(x *Tensor, out *Tensor) {
	for i, v := range x.data {
		out.data[i] = sigmoid(v)
	}
}

func (s *SigmoidActivation) backward(x *Tensor, gradOut *Tensor, gradIn *Tensor) {
	for i, v := range x.data {
		sig := sigmoid(v)
		gradIn.data[i] = gradOut.data[i] * sig * (1 - sig)
	}
}

func (s *SigmoidActivation) name() string { return "sigmoid" }

// TanhActivation
type TanhActivation struct{}

func Tanh() Activation { return &TanhActivation{} }

func (t *TanhActivation) forward(x *Tensor, out *Tensor) {
	for i, v := range x.data {
		out.data[i] = math.Tanh(v)
	}
}

func (t *TanhActivation) backward(x *Tensor, gradOut *Tensor, gradIn *Tensor) {
	for i, v := range x.data {
		th := math.Tanh(v)
		gradIn.data[i] = gradOut.data[i] * (1 - th*th)
	}
}

func (t *TanhActivation) name() string { return "tanh" }

// LinearActivation - identity
type LinearActivation struct{}

func Linear() Activation { return &LinearActivation{} }

func (l *LinearActivation) forward(x *Tensor, out *Tensor) {
	copy(out.data, x.data)
}

func (l *LinearActivation) backward(x *Tensor, gradOut *Tensor, gradIn *Tensor) {
	copy(gradIn.data, gradOut.data)
}

func (l *LinearActivation) name() string { return "linear" }
