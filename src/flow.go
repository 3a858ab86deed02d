// Package paint trains a line-art colorization GAN.
//
// The package carries its own small tensor engine (explicit forward and
// backward passes per layer, NHWC images) and, on top of it, the adversarial
// training loop: a generator conditioned on a color palette and on the
// perceptual embedding of a reference image, a PatchGAN discriminator, an
// image history pool, loss and optimizer registries, a validation sampler
// and a checkpoint store.
//
// Basic usage:
//
//	cfg := paint.DefaultConfig()
//	cfg.Resolution = 256
//	cfg.Mode = paint.ModeB2A
//
//	ds, err := paint.NewFolderDataset("./data/train", paint.DatasetConfig{
//		Resolution:    cfg.Resolution,
//		ReferenceSize: cfg.Extractor.InputSize,
//		Workers:       4,
//	})
//	loader := paint.NewBatchLoader(ds, 4, true, cfg.Seed)
//
//	trainer, err := paint.NewTrainer(cfg, loader, paint.Components{})
//	last := 0
//	for epoch := 1; epoch <= 100; epoch++ {
//		loader.Shuffle()
//		last, err = trainer.Train(ctx, last)
//		_, err = trainer.Validate(ctx, valSet, epoch, 3)
//		err = trainer.SaveModel("attentionpaint", epoch)
//	}
package paint

import "runtime"

// Version of the paint trainer
const Version = "1.0.0"

var workers = runtime.GOMAXPROCS(0)

// SetWorkers bounds the number of goroutines a single kernel may use.
// Values below one select serial execution.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	workers = n
}
