package paint

import (
	"math"

	"github.com/pkg/errors"
)

// AdamConfig holds Adam hyperparameters - ALL fields required
type AdamConfig struct {
	LR      float64
	Beta1   float64
	Beta2   float64
	Epsilon float64
}

// Adam - Adaptive Moment Estimation bound to one module's parameters.
// Moments are allocated at construction so they can be restored from a
// checkpoint before the first step.
type Adam struct {
	config AdamConfig
	module Module
	params []*Tensor
	grads  []*Tensor
	m      []*Tensor
	v      []*Tensor
	t      int
}

// AdamState is the optimizer state persisted with a checkpoint.
type AdamState struct {
	Step int
	M    []*Tensor
	V    []*Tensor
}

func NewAdam(module Module, config AdamConfig) (*Adam, error) {
	if config.LR <= 0 {
		return nil, errorf("Adam learning rate must be > 0, got %g", config.LR)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errorf("Adam beta1 must be in [0, 1), got %g", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errorf("Adam beta2 must be in [0, 1), got %g", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errorf("Adam epsilon must be > 0, got %g", config.Epsilon)
	}

	params, grads := module.Parameters(), module.Gradients()
	if len(params) != len(grads) {
		return nil, errorf("module has %d parameters but %d gradients", len(params), len(grads))
	}

	a := &Adam{
		config: config,
		module: module,
		params: params,
		grads:  grads,
		m:      make([]*Tensor, len(params)),
		v:      make([]*Tensor, len(params)),
	}
	for i, p := range params {
		a.m[i] = NewTensor(p.shape...)
		a.v[i] = NewTensor(p.shape...)
	}
	return a, nil
}

// ZeroGrad clears the bound module's gradients.
func (a *Adam) ZeroGrad() {
	a.module.ZeroGrad()
}

// Step applies one update from the accumulated gradients.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(a.config.Beta1, float64(a.t))
	bc2 := 1 - math.Pow(a.config.Beta2, float64(a.t))
	lr, b1, b2, eps := a.config.LR, a.config.Beta1, a.config.Beta2, a.config.Epsilon

	parallelFor(len(a.params), func(i int) {
		p, g, m, v := a.params[i], a.grads[i], a.m[i], a.v[i]
		for j := range p.data {
			grad := g.data[j]
			m.data[j] = b1*m.data[j] + (1-b1)*grad
			v.data[j] = b2*v.data[j] + (1-b2)*grad*grad

			mHat := m.data[j] / bc1
			vHat := v.data[j] / bc2

			p.data[j] -= lr * mHat / (math.Sqrt(vHat) + eps)
		}
	})
}

// StepCount is the number of updates applied so far.
func (a *Adam) StepCount() int {
	return a.t
}

func (a *Adam) Config() AdamConfig {
	return a.config
}

// State returns the live moments. Callers must not mutate them.
func (a *Adam) State() AdamState {
	return AdamState{Step: a.t, M: a.m, V: a.v}
}

// Restore copies moments and step counter from a saved state.
// Hyperparameters keep their configured values.
func (a *Adam) Restore(state AdamState) error {
	if len(state.M) != len(a.m) || len(state.V) != len(a.v) {
		return errors.Wrapf(ErrCheckpointSchema, "optimizer state has %d/%d moments, want %d",
			len(state.M), len(state.V), len(a.m))
	}
	for i := range a.m {
		if !sameShape(state.M[i].shape, a.m[i].shape) || !sameShape(state.V[i].shape, a.v[i].shape) {
			return errors.Wrapf(ErrCheckpointSchema, "optimizer moment %d has shape %v, want %v",
				i, state.M[i].shape, a.m[i].shape)
		}
	}
	if state.Step < 0 {
		return errors.Wrapf(ErrCheckpointSchema, "optimizer step %d", state.Step)
	}
	for i := range a.m {
		copy(a.m[i].data, state.M[i].data)
		copy(a.v[i].data, state.V[i].data)
	}
	a.t = state.Step
	return nil
}
