package paint

import (
	"context"
	"fmt"
	"log"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Components lets callers supply their own collaborators. Nil fields are
// built from the Config.
type Components struct {
	Generator     Generator
	Discriminator Discriminator
	Extractor     FeatureExtractor
	Writer        ImageWriter
}

// Trainer runs adversarial training of a generator against a discriminator.
// It is driven from a single goroutine.
type Trainer struct {
	cfg           Config
	loader        Loader
	generator     Generator
	discriminator Discriminator
	extractor     FeatureExtractor
	writer        ImageWriter
	losses        Losses
	optimizers    Optimizers
	pool          *ImagePool
	store         *CheckpointStore
	trackers      trackerSet
	callbacks     []Callback
	logger        *log.Logger
	rng           *rand.Rand
}

// NewTrainer validates cfg, builds any missing components, and loads the
// pretrained generator and discriminator when configured.
func NewTrainer(cfg Config, loader Loader, parts Components) (*Trainer, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	if loader == nil {
		return nil, errors.New("paint: trainer requires a loader")
	}

	t := &Trainer{
		cfg:      cfg,
		loader:   loader,
		logger:   cfg.logger(),
		losses:   NewLosses(cfg),
		pool:     NewImagePool(cfg.PoolSize, rand.New(rand.NewSource(cfg.Seed))),
		store:    NewCheckpointStore(cfg.CheckpointDir),
		trackers: newTrackerSet(MetricDReal, MetricDFake, MetricGGAN, MetricGL1),
		rng:      rand.New(rand.NewSource(cfg.Seed + 1)),
		writer:   parts.Writer,
	}
	if t.writer == nil {
		t.writer = PNGWriter{}
	}

	var err error
	t.extractor = parts.Extractor
	if t.extractor == nil {
		if cfg.PretrainedVGG == "" {
			if !cfg.RandomExtractor {
				return nil, errors.Wrap(ErrNoExtractorWeights, "set PretrainedVGG or supply Components.Extractor")
			}
			if cfg.Verbose {
				t.logger.Println("warning: perceptual extractor is randomly initialized")
			}
		}
		if t.extractor, err = NewVGGExtractor(cfg.Extractor, cfg.PretrainedVGG, cfg.Seed+2); err != nil {
			return nil, err
		}
	}
	t.generator = parts.Generator
	if t.generator == nil {
		if t.generator, err = NewPaintGenerator(cfg.Generator, cfg.Resolution, t.extractor.EmbeddingSize(), cfg.Seed+3); err != nil {
			return nil, err
		}
	}
	t.discriminator = parts.Discriminator
	if t.discriminator == nil {
		if t.discriminator, err = NewPatchGAN(cfg.Discriminator, cfg.Resolution, cfg.Seed+4); err != nil {
			return nil, err
		}
	}

	if t.optimizers, err = NewOptimizers(cfg, t.generator, t.discriminator); err != nil {
		return nil, err
	}

	if cfg.PretrainedG != "" {
		if cfg.Verbose {
			t.logger.Println("load pretrained generator...")
		}
		if _, err := t.store.Load(cfg.PretrainedG, t.generator, t.optimizers.G); err != nil {
			return nil, errors.Wrap(err, "pretrained generator")
		}
	}
	if cfg.PretrainedD != "" {
		if cfg.Verbose {
			t.logger.Println("load pretrained discriminator...")
		}
		if _, err := t.store.Load(cfg.PretrainedD, t.discriminator, t.optimizers.D); err != nil {
			return nil, errors.Wrap(err, "pretrained discriminator")
		}
	}

	if cfg.Verbose && cfg.PrintEvery > 0 {
		t.callbacks = append(t.callbacks, PrintProgress(PrintProgressConfig{
			PrintEvery: cfg.PrintEvery,
			Logger:     t.logger,
		}))
	}
	return t, nil
}

// AddCallback registers cb for every following epoch.
func (t *Trainer) AddCallback(cb Callback) {
	t.callbacks = append(t.callbacks, cb)
}

func (t *Trainer) Generator() Generator         { return t.generator }
func (t *Trainer) Discriminator() Discriminator { return t.discriminator }
func (t *Trainer) Optimizers() Optimizers       { return t.optimizers }
func (t *Trainer) Losses() Losses               { return t.losses }
func (t *Trainer) Pool() *ImagePool             { return t.pool }

// Metrics returns the running averages of the current epoch.
func (t *Trainer) Metrics() map[string]float64 {
	return t.trackers.values()
}

// Train runs one epoch. Batch k gets the global iteration index
// lastIteration+k; the index of the last processed batch is returned.
// Cancellation of ctx is honoured between batches.
func (t *Trainer) Train(ctx context.Context, lastIteration int) (int, error) {
	n := t.loader.Len()
	if n == 0 {
		return lastIteration, ErrEmptyLoader
	}

	t.generator.SetTraining(true)
	t.discriminator.SetTraining(true)
	t.trackers.initialize()
	for _, cb := range t.callbacks {
		cb.onEpochBegin(lastIteration)
	}

	last := lastIteration
	for k := 0; k < n; k++ {
		if err := ctx.Err(); err != nil {
			return last, err
		}
		i := lastIteration + k
		batch, err := t.loader.Batch(k)
		if err != nil {
			return last, errors.Wrapf(err, "load batch %d", k)
		}
		if err := t.step(i, batch); err != nil {
			return last, errors.Wrapf(err, "iteration %d", i)
		}
		last = i
		for _, cb := range t.callbacks {
			cb.onBatchEnd(i, t.trackers)
		}
	}

	for _, cb := range t.callbacks {
		cb.onEpochEnd(last, t.trackers)
	}
	return last, nil
}

// step runs one discriminator update followed by one generator update.
func (t *Trainer) step(iteration int, batch *Batch) error {
	source, target := batch.Source, batch.Target
	if t.cfg.Reversed() {
		source, target = target, source
	}

	embedding, err := t.extractor.Extract(batch.Reference)
	if err != nil {
		return errors.Wrap(err, "extract reference features")
	}
	fake, err := t.generator.Forward(source, batch.Palette, embedding)
	if err != nil {
		return errors.Wrap(err, "generator forward")
	}

	if err := t.updateDiscriminator(iteration, source, target, fake); err != nil {
		return err
	}
	return t.updateGenerator(iteration, source, target, fake)
}

// updateDiscriminator minimizes 0.5 * (GAN(D(src, target), real) +
// GAN(D(pool(src, fake)), fake)). The fake pair is detached, so nothing
// reaches the generator.
func (t *Trainer) updateDiscriminator(iteration int, source, target, fake *Tensor) error {
	d, gan := t.discriminator, t.losses.GAN
	batchSize := float64(source.shape[0])

	d.SetRequiresGrad(true)
	t.optimizers.D.ZeroGrad()

	realAB, err := ConcatChannels(source, target)
	if err != nil {
		return err
	}
	logitReal, err := d.Forward(realAB)
	if err != nil {
		return errors.Wrap(err, "discriminator forward (real)")
	}
	lossReal := gan.Compute(logitReal, true)

	gradReal := NewTensor(logitReal.shape...)
	gan.Gradient(logitReal, true, gradReal)
	mulScalar(gradReal, 0.5)
	if _, err := d.Backward(gradReal); err != nil {
		return errors.Wrap(err, "discriminator backward (real)")
	}

	fakeAB, err := ConcatChannels(source, fake)
	if err != nil {
		return err
	}
	pooled := t.pool.Query(Detach(fakeAB))
	logitFake, err := d.Forward(pooled.Tensor())
	if err != nil {
		return errors.Wrap(err, "discriminator forward (fake)")
	}
	lossFake := gan.Compute(logitFake, false)

	if t.cfg.HaltOnNonFinite && !finite(lossReal, lossFake) {
		logits := logitFake
		if !finite(lossReal) {
			logits = logitReal
		}
		return &NetError{
			Component:  "discriminator",
			ErrorType:  "non-finite loss",
			Phase:      "update",
			Iteration:  iteration,
			OutputInfo: ScanTensor(logits),
			Detail:     fmt.Sprintf("%s = %f, %s = %f", MetricDReal, lossReal, MetricDFake, lossFake),
			Err:        ErrNonFiniteLoss,
		}
	}

	gradFake := NewTensor(logitFake.shape...)
	gan.Gradient(logitFake, false, gradFake)
	mulScalar(gradFake, 0.5)
	if _, err := d.Backward(gradFake); err != nil {
		return errors.Wrap(err, "discriminator backward (fake)")
	}

	t.optimizers.D.Step()

	t.trackers.get(MetricDReal).Update(lossReal, batchSize)
	t.trackers.get(MetricDFake).Update(lossFake, batchSize)
	return nil
}

// updateGenerator minimizes GAN(D(src, fake), real) + lambda * L1(fake,
// target). The discriminator passes the gradient through without
// accumulating its own.
func (t *Trainer) updateGenerator(iteration int, source, target, fake *Tensor) error {
	d, gan := t.discriminator, t.losses.GAN
	batchSize := float64(source.shape[0])

	t.optimizers.G.ZeroGrad()
	d.SetRequiresGrad(false)
	defer d.SetRequiresGrad(true)

	fakeAB, err := ConcatChannels(source, fake)
	if err != nil {
		return err
	}
	logit, err := d.Forward(fakeAB)
	if err != nil {
		return errors.Wrap(err, "discriminator forward (generator update)")
	}
	lossGAN := gan.Compute(logit, true)
	l1, err := t.losses.L1.Compute(fake, target)
	if err != nil {
		return errors.Wrap(err, "l1 loss")
	}
	lossL1 := l1 * t.cfg.Lambda

	if t.cfg.HaltOnNonFinite && !finite(lossGAN, lossL1) {
		return &NetError{
			Component:  "generator",
			ErrorType:  "non-finite loss",
			Phase:      "update",
			Iteration:  iteration,
			OutputInfo: ScanTensor(fake),
			Detail:     fmt.Sprintf("%s = %f, %s = %f", MetricGGAN, lossGAN, MetricGL1, lossL1),
			Err:        ErrNonFiniteLoss,
		}
	}

	gradLogit := NewTensor(logit.shape...)
	gan.Gradient(logit, true, gradLogit)
	gradAB, err := d.Backward(gradLogit)
	if err != nil {
		return errors.Wrap(err, "discriminator backward (generator update)")
	}
	_, gradFake := splitChannels(gradAB, source.shape[3])

	gradL1 := NewTensor(fake.shape...)
	if err := t.losses.L1.Gradient(fake, target, gradL1); err != nil {
		return errors.Wrap(err, "l1 gradient")
	}
	floats.AddScaled(gradFake.data, t.cfg.Lambda, gradL1.data)

	if err := t.generator.Backward(gradFake); err != nil {
		return errors.Wrap(err, "generator backward")
	}
	t.optimizers.G.Step()

	t.trackers.get(MetricGGAN).Update(lossGAN, batchSize)
	t.trackers.get(MetricGL1).Update(lossL1, batchSize)
	return nil
}

// SaveModel writes <name>G and <name>D checkpoints with their optimizers.
func (t *Trainer) SaveModel(name string, epoch int) error {
	pathG, err := t.store.Save(t.generator, name+"G", epoch, t.optimizers.G)
	if err != nil {
		return errors.Wrap(err, "save generator")
	}
	pathD, err := t.store.Save(t.discriminator, name+"D", epoch, t.optimizers.D)
	if err != nil {
		return errors.Wrap(err, "save discriminator")
	}
	if t.cfg.Verbose {
		t.logger.Printf("saved %s and %s", pathG, pathD)
	}
	return nil
}

// Test is reserved for a held-out evaluation pass.
func (t *Trainer) Test() error {
	return ErrNotImplemented
}
