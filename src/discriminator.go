package paint

import (
	"github.com/pkg/errors"
)

// Discriminator scores (source, image) pairs concatenated on the channel
// axis. Outputs are logits.
type Discriminator interface {
	Module
	Forward(pair *Tensor) (*Tensor, error)
	Infer(pair *Tensor) (*Tensor, error)
	// Backward returns the gradient with respect to the last Forward input.
	Backward(gradOutput *Tensor) (*Tensor, error)
}

// PatchGAN classifies overlapping patches of a [B, R, R, 6] pair and
// returns one logit per patch.
//
//	conv4x4/2 (6 -> f) LeakyReLU(0.2)
//	conv4x4/2 BN LeakyReLU(0.2)      x Layers, channels doubling up to 8f
//	conv4x4/1 (-> 1)
type PatchGAN struct {
	*Network
}

func NewPatchGAN(cfg PatchGANConfig, resolution int, seed int64) (*PatchGAN, error) {
	if err := validatePatchGAN(cfg, resolution); err != nil {
		return nil, err
	}
	b := NewNetwork(NetworkConfig{Seed: seed}).
		AddLayer(Conv2D(cfg.Filters, [2]int{4, 4}).
			WithStride(2, 2).
			WithPadding("same").
			WithActivation(LeakyReLU(0.2)).
			WithInitializer(RandomNormal(0, 0.02)).
			WithBias(true).
			WithBiasInitializer(Zeros()).
			Build())

	for l := 1; l <= cfg.Layers; l++ {
		b.AddLayer(Conv2D(cfg.Filters*minInt(1<<l, 8), [2]int{4, 4}).
			WithStride(2, 2).
			WithPadding("same").
			WithActivation(Linear()).
			WithInitializer(RandomNormal(0, 0.02)).
			WithBias(false).
			Build()).
			AddLayer(BatchNorm(bnEpsilon, bnMomentum).Build()).
			AddLayer(Nonlinearity(LeakyReLU(0.2)).Build())
	}

	b.AddLayer(Conv2D(1, [2]int{4, 4}).
		WithPadding("same").
		WithActivation(Linear()).
		WithInitializer(RandomNormal(0, 0.02)).
		WithBias(true).
		WithBiasInitializer(Zeros()).
		Build())

	net, err := b.Build([]int{resolution, resolution, 6})
	if err != nil {
		return nil, errors.Wrap(err, "patchgan")
	}
	return &PatchGAN{Network: net}, nil
}
