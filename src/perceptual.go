package paint

import (
	"github.com/pkg/errors"
)

// FeatureExtractor turns reference images into a fixed-width embedding that
// is never part of any gradient path.
type FeatureExtractor interface {
	Extract(images *Tensor) (Detached, error)
	EmbeddingSize() int
}

// VGGExtractor runs the convolutional stack of a VGG network followed by its
// first fully-connected layer and returns the pre-activation output of that
// layer. The network is frozen and always runs in evaluation mode.
type VGGExtractor struct {
	net *Network
	cfg VGGConfig
}

// NewVGGExtractor builds the extractor and, when weights is not empty, loads
// them from a checkpoint written by CheckpointStore. A canary call checks
// the assembled network before it is returned.
func NewVGGExtractor(cfg VGGConfig, weights string, seed int64) (*VGGExtractor, error) {
	if err := validateVGG(cfg); err != nil {
		return nil, err
	}

	b := NewNetwork(NetworkConfig{Seed: seed})
	for i, width := range cfg.Blocks {
		for c := 0; c < cfg.Convs[i]; c++ {
			b.AddLayer(Conv2D(width, [2]int{3, 3}).
				WithPadding("same").
				WithActivation(Linear()).
				WithInitializer(HeNormal(1)).
				WithBias(true).
				WithBiasInitializer(Zeros()).
				Build()).
				AddLayer(BatchNorm(bnEpsilon, bnMomentum).Build()).
				AddLayer(Nonlinearity(ReLU()).Build())
		}
		b.AddLayer(MaxPool2D([2]int{2, 2}).Build())
	}
	b.AddLayer(Flatten().Build()).
		AddLayer(Dense(cfg.Hidden).
			WithActivation(Linear()).
			WithInitializer(XavierUniform(1)).
			WithBias(true).
			WithBiasInitializer(Zeros()).
			Build())

	net, err := b.Build([]int{cfg.InputSize, cfg.InputSize, 3})
	if err != nil {
		return nil, errors.Wrap(err, "perceptual extractor")
	}

	if weights != "" {
		if _, err := NewCheckpointStore("").Load(weights, net, nil); err != nil {
			return nil, errors.Wrap(err, "load perceptual extractor weights")
		}
	}

	net.SetTraining(false)
	net.SetRequiresGrad(false)
	if err := net.FreezeAll(); err != nil {
		return nil, err
	}

	v := &VGGExtractor{net: net, cfg: cfg}
	probe, err := v.Extract(NewTensor(1, cfg.InputSize, cfg.InputSize, 3))
	if err != nil {
		return nil, errors.Wrap(err, "perceptual extractor canary")
	}
	if !sameShape(probe.Shape(), []int{1, cfg.Hidden}) {
		return nil, errors.Wrapf(ErrShapeMismatch, "perceptual extractor canary returned %v", probe.Shape())
	}
	return v, nil
}

// Extract maps [B, S, S, 3] images to [B, Hidden] embeddings.
func (v *VGGExtractor) Extract(images *Tensor) (Detached, error) {
	s := v.cfg.InputSize
	if len(images.shape) != 4 || !sameShape(images.shape[1:], []int{s, s, 3}) {
		return Detached{}, errors.Wrapf(ErrShapeMismatch, "reference images %v, want [batch %d %d 3]", images.shape, s, s)
	}
	out, err := v.net.Infer(images)
	if err != nil {
		return Detached{}, err
	}
	// Infer returns a fresh tensor nothing else references.
	return Detached{t: out}, nil
}

func (v *VGGExtractor) EmbeddingSize() int {
	return v.cfg.Hidden
}

// Network exposes the underlying network, e.g. to save converted weights.
func (v *VGGExtractor) Network() *Network {
	return v.net
}
