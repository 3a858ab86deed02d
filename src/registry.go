package paint

import (
	"github.com/pkg/errors"
)

// Adam constants shared by both networks.
const (
	adamBeta2   = 0.999
	adamEpsilon = 1e-8
)

// Losses is the set of loss functions the trainer uses.
type Losses struct {
	GAN     *GANLoss
	L1      Loss
	Content Loss // not used by the default objective
}

// NewLosses selects least-squares or cross-entropy adversarial loss from
// cfg.NoMSE.
func NewLosses(cfg Config) Losses {
	return Losses{
		GAN:     NewGANLoss(!cfg.NoMSE),
		L1:      L1(),
		Content: MSE(),
	}
}

// Optimizers holds one Adam per network.
type Optimizers struct {
	G *Adam
	D *Adam
}

func NewOptimizers(cfg Config, g Generator, d Discriminator) (Optimizers, error) {
	adam := AdamConfig{
		LR:      cfg.LearningRate,
		Beta1:   cfg.Beta1,
		Beta2:   adamBeta2,
		Epsilon: adamEpsilon,
	}
	optG, err := NewAdam(g, adam)
	if err != nil {
		return Optimizers{}, errors.Wrap(err, "generator optimizer")
	}
	optD, err := NewAdam(d, adam)
	if err != nil {
		return Optimizers{}, errors.Wrap(err, "discriminator optimizer")
	}
	return Optimizers{G: optG, D: optD}, nil
}
