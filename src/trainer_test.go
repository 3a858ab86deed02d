package paint

import (
	"bytes"
	"context"
	"log"
	"math"
	"math/rand"
	"os"
	"strings"
	"testing"

	"github.com/pkg/errors"
)

func newTinyTrainer(t *testing.T, cfg Config, samples []*Sample, batchSize int, parts Components) (*Trainer, *BatchLoader) {
	t.Helper()
	loader := NewBatchLoader(NewMemoryDataset(samples), batchSize, false, 1)
	if parts.Writer == nil {
		parts.Writer = newMemoryWriter()
	}
	tr, err := NewTrainer(cfg, loader, parts)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	return tr, loader
}

func TestNewTrainerDefaults(t *testing.T) {
	cfg := tinyConfig(t)
	tr, _ := newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 2, Components{})

	if _, ok := tr.Generator().(*PaintGenerator); !ok {
		t.Errorf("default generator is %T", tr.Generator())
	}
	if _, ok := tr.Discriminator().(*PatchGAN); !ok {
		t.Errorf("default discriminator is %T", tr.Discriminator())
	}
	if tr.Optimizers().G == nil || tr.Optimizers().D == nil {
		t.Fatal("optimizers not created")
	}
	if got := tr.Optimizers().G.Config(); got.LR != cfg.LearningRate || got.Beta1 != cfg.Beta1 || got.Beta2 != 0.999 {
		t.Errorf("unexpected Adam config %+v", got)
	}
	if !tr.Losses().GAN.LSGAN {
		t.Error("least-squares adversarial loss is the default")
	}
	if tr.Pool().Capacity() != cfg.PoolSize {
		t.Errorf("pool capacity %d, expected %d", tr.Pool().Capacity(), cfg.PoolSize)
	}

	cfg.NoMSE = true
	tr, _ = newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 2, Components{})
	if tr.Losses().GAN.LSGAN {
		t.Error("NoMSE should select cross-entropy")
	}

	if err := tr.Test(); err != ErrNotImplemented {
		t.Errorf("Test() = %v, expected ErrNotImplemented", err)
	}
}

func TestNewTrainerRejectsInvalidConfig(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.Lambda = -1
	loader := NewBatchLoader(NewMemoryDataset(syntheticSamples(2, cfg, 1)), 1, false, 1)
	if _, err := NewTrainer(cfg, loader, Components{}); err == nil {
		t.Error("an invalid config should be rejected")
	}
	if _, err := NewTrainer(tinyConfig(t), nil, Components{}); err == nil {
		t.Error("a nil loader should be rejected")
	}
}

func TestNewTrainerRequiresExtractorWeights(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.RandomExtractor = false
	samples := syntheticSamples(2, cfg, 1)
	loader := NewBatchLoader(NewMemoryDataset(samples), 2, false, 1)

	if _, err := NewTrainer(cfg, loader, Components{}); errors.Cause(err) != ErrNoExtractorWeights {
		t.Errorf("a default extractor without weights should be rejected, got %v", err)
	}
	if _, err := NewTrainer(cfg, loader, Components{Extractor: fixedExtractor{size: 3}}); err != nil {
		t.Errorf("a supplied extractor needs no weights, got %v", err)
	}

	var buf bytes.Buffer
	cfg.RandomExtractor = true
	cfg.Verbose = true
	cfg.Logger = log.New(&buf, "", 0)
	if _, err := NewTrainer(cfg, loader, Components{}); err != nil {
		t.Fatalf("an explicitly random extractor should be accepted, got %v", err)
	}
	if !strings.Contains(buf.String(), "randomly initialized") {
		t.Errorf("expected a warning about the untrained extractor, log was %q", buf.String())
	}
}

// forwardFirstBatch produces the inputs and the generated batch the updates
// operate on.
func forwardFirstBatch(t *testing.T, tr *Trainer, loader *BatchLoader) (*Tensor, *Tensor, *Tensor) {
	t.Helper()
	batch, err := loader.Batch(0)
	if err != nil {
		t.Fatal(err)
	}
	emb, err := tr.extractor.Extract(batch.Reference)
	if err != nil {
		t.Fatal(err)
	}
	fake, err := tr.generator.Forward(batch.Source, batch.Palette, emb)
	if err != nil {
		t.Fatal(err)
	}
	return batch.Source, batch.Target, fake
}

func TestDiscriminatorUpdateLeavesGeneratorUnchanged(t *testing.T) {
	cfg := tinyConfig(t)
	tr, loader := newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 2, Components{})
	source, target, fake := forwardFirstBatch(t, tr, loader)

	tr.optimizers.G.ZeroGrad()
	gBefore := snapshot(tr.generator.Parameters())
	dBefore := snapshot(tr.discriminator.Parameters())

	if err := tr.updateDiscriminator(0, source, target, fake); err != nil {
		t.Fatalf("updateDiscriminator failed: %v", err)
	}

	if !equalTensors(gBefore, tr.generator.Parameters()) {
		t.Error("discriminator update changed generator parameters")
	}
	if !allZero(tr.generator.Gradients()) {
		t.Error("discriminator update reached generator gradients")
	}
	if equalTensors(dBefore, tr.discriminator.Parameters()) {
		t.Error("discriminator parameters did not change")
	}
	if tr.optimizers.D.StepCount() != 1 || tr.optimizers.G.StepCount() != 0 {
		t.Errorf("step counts D=%d G=%d, expected 1 and 0", tr.optimizers.D.StepCount(), tr.optimizers.G.StepCount())
	}
	m := tr.Metrics()
	if _, ok := m[MetricDReal]; !ok {
		t.Error("loss_D_real not recorded")
	}
	if _, ok := m[MetricGGAN]; ok {
		t.Error("loss_G_gan recorded by a discriminator update")
	}
}

func TestGeneratorUpdateLeavesDiscriminatorUnchanged(t *testing.T) {
	cfg := tinyConfig(t)
	tr, loader := newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 2, Components{})
	source, target, fake := forwardFirstBatch(t, tr, loader)

	tr.optimizers.D.ZeroGrad()
	gBefore := snapshot(tr.generator.Parameters())
	dBefore := snapshot(tr.discriminator.Parameters())

	if err := tr.updateGenerator(0, source, target, fake); err != nil {
		t.Fatalf("updateGenerator failed: %v", err)
	}

	if !equalTensors(dBefore, tr.discriminator.Parameters()) {
		t.Error("generator update changed discriminator parameters")
	}
	if !allZero(tr.discriminator.Gradients()) {
		t.Error("generator update accumulated discriminator gradients")
	}
	if equalTensors(gBefore, tr.generator.Parameters()) {
		t.Error("generator parameters did not change")
	}
	if !tr.discriminator.(*PatchGAN).requiresGrad {
		t.Error("discriminator must require grad again after the generator update")
	}
	if tr.optimizers.G.StepCount() != 1 || tr.optimizers.D.StepCount() != 0 {
		t.Errorf("step counts G=%d D=%d, expected 1 and 0", tr.optimizers.G.StepCount(), tr.optimizers.D.StepCount())
	}

	// loss_G_l1 is reported scaled by lambda
	l1, _ := tr.losses.L1.Compute(fake, target)
	if got := tr.Metrics()[MetricGL1]; math.Abs(got-cfg.Lambda*l1) > 1e-9 {
		t.Errorf("loss_G_l1 = %f, expected lambda * L1 = %f", got, cfg.Lambda*l1)
	}
}

func TestTrainEpoch(t *testing.T) {
	cfg := tinyConfig(t)
	var buf bytes.Buffer
	cfg.Logger = log.New(&buf, "", 0)
	cfg.Verbose = true
	cfg.PrintEvery = 1

	tr, _ := newTinyTrainer(t, cfg, syntheticSamples(4, cfg, 1), 2, Components{})
	history := History()
	tr.AddCallback(history)

	last, err := tr.Train(context.Background(), 10)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if last != 11 {
		t.Errorf("Train returned %d, expected 11", last)
	}

	metrics := tr.Metrics()
	for _, name := range []string{MetricDReal, MetricDFake, MetricGGAN, MetricGL1} {
		v, ok := metrics[name]
		if !ok || !finite(v) {
			t.Errorf("%s = %v (recorded %v)", name, v, ok)
		}
		if len(history.History[name]) != 1 {
			t.Errorf("history for %s has %d entries, expected 1", name, len(history.History[name]))
		}
	}

	out := buf.String()
	for _, want := range []string{"[10]: loss_D_real = ", "[11]: loss_D_real = "} {
		if !strings.Contains(out, want) {
			t.Errorf("progress log missing %q:\n%s", want, out)
		}
	}

	last, err = tr.Train(context.Background(), last)
	if err != nil || last != 12 {
		t.Errorf("second epoch returned %d, %v", last, err)
	}
	if tr.optimizers.G.StepCount() != 4 {
		t.Errorf("generator took %d steps, expected 4", tr.optimizers.G.StepCount())
	}
}

func TestTrainEmptyLoader(t *testing.T) {
	cfg := tinyConfig(t)
	tr, _ := newTinyTrainer(t, cfg, nil, 2, Components{})
	last, err := tr.Train(context.Background(), 5)
	if err != ErrEmptyLoader || last != 5 {
		t.Errorf("Train on an empty loader = %d, %v", last, err)
	}
}

func TestTrainCancelled(t *testing.T) {
	cfg := tinyConfig(t)
	tr, _ := newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 1, Components{})
	before := snapshot(tr.generator.Parameters())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	last, err := tr.Train(ctx, 3)
	if err != context.Canceled || last != 3 {
		t.Errorf("cancelled Train = %d, %v", last, err)
	}
	if !equalTensors(before, tr.generator.Parameters()) {
		t.Error("a cancelled epoch must not train")
	}
}

// nanGenerator produces NaN images.
type nanGenerator struct {
	*PaintGenerator
}

func (n nanGenerator) Forward(source, palette *Tensor, embedding Detached) (*Tensor, error) {
	out, err := n.PaintGenerator.Forward(source, palette, embedding)
	if err != nil {
		return nil, err
	}
	out.Fill(math.NaN())
	return out, nil
}

func TestTrainHaltsOnNonFiniteLoss(t *testing.T) {
	cfg := tinyConfig(t)
	cfg.PoolSize = 0
	g, err := NewPaintGenerator(cfg.Generator, cfg.Resolution, cfg.Extractor.Hidden, 1)
	if err != nil {
		t.Fatal(err)
	}
	tr, _ := newTinyTrainer(t, cfg, syntheticSamples(2, cfg, 1), 2, Components{Generator: nanGenerator{g}})
	dBefore := snapshot(tr.discriminator.Parameters())
	gBefore := snapshot(g.Parameters())

	_, err = tr.Train(context.Background(), 0)
	if errors.Cause(err) != ErrNonFiniteLoss {
		t.Fatalf("expected ErrNonFiniteLoss, got %v", err)
	}
	var netErr *NetError
	if !errors.As(err, &netErr) {
		t.Fatalf("expected a *NetError in the chain, got %T", err)
	}
	if netErr.Component != "discriminator" || netErr.OutputInfo == nil || netErr.OutputInfo.Finite() {
		t.Errorf("unexpected NetError %+v", netErr)
	}
	if !strings.Contains(err.Error(), "non-finite loss") {
		t.Errorf("error text %q", err.Error())
	}
	if !equalTensors(dBefore, tr.discriminator.Parameters()) || !equalTensors(gBefore, g.Parameters()) {
		t.Error("no optimizer may step on a non-finite loss")
	}
}

// swapPairs exchanges source and target, keeping palette and reference.
func swapPairs(samples []*Sample) []*Sample {
	out := make([]*Sample, len(samples))
	for i, s := range samples {
		out[i] = &Sample{Source: s.Target, Target: s.Source, Palette: s.Palette, Reference: s.Reference}
	}
	return out
}

func TestDirectionsAreSymmetric(t *testing.T) {
	cfg := tinyConfig(t)
	samples := syntheticSamples(4, cfg, 1)

	a2b, _ := newTinyTrainer(t, cfg, samples, 2, Components{})
	cfg.Mode = ModeB2A
	b2a, _ := newTinyTrainer(t, cfg, swapPairs(samples), 2, Components{})

	if _, err := a2b.Train(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if _, err := b2a.Train(context.Background(), 0); err != nil {
		t.Fatal(err)
	}

	if !equalTensors(a2b.generator.Parameters(), b2a.generator.Parameters()) {
		t.Error("B2A on swapped pairs should train the same generator as A2B")
	}
	if !equalTensors(a2b.discriminator.Parameters(), b2a.discriminator.Parameters()) {
		t.Error("B2A on swapped pairs should train the same discriminator as A2B")
	}
}

func TestSaveModelAndResume(t *testing.T) {
	cfg := tinyConfig(t)
	samples := syntheticSamples(4, cfg, 1)
	tr, _ := newTinyTrainer(t, cfg, samples, 2, Components{})
	if _, err := tr.Train(context.Background(), 0); err != nil {
		t.Fatal(err)
	}
	if err := tr.SaveModel("paint", 3); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	store := NewCheckpointStore(cfg.CheckpointDir)
	for _, name := range []string{"paintG", "paintD"} {
		if _, err := os.Stat(store.Path(name, 3)); err != nil {
			t.Errorf("checkpoint %s missing: %v", name, err)
		}
	}

	resumed := cfg
	resumed.Seed = 99
	resumed.PretrainedG = store.Path("paintG", 3)
	resumed.PretrainedD = store.Path("paintD", 3)
	resumed.Verbose = true
	var buf bytes.Buffer
	resumed.Logger = log.New(&buf, "", 0)

	tr2, _ := newTinyTrainer(t, resumed, samples, 2, Components{})
	if !equalTensors(tr.generator.Parameters(), tr2.generator.Parameters()) {
		t.Error("resumed generator differs")
	}
	if !equalTensors(tr.discriminator.Buffers(), tr2.discriminator.Buffers()) {
		t.Error("resumed discriminator statistics differ")
	}
	if tr2.optimizers.G.StepCount() != 2 || tr2.optimizers.D.StepCount() != 2 {
		t.Errorf("resumed step counts G=%d D=%d, expected 2", tr2.optimizers.G.StepCount(), tr2.optimizers.D.StepCount())
	}
	for _, want := range []string{"load pretrained generator...", "load pretrained discriminator..."} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q", want)
		}
	}

	bad := cfg
	bad.PretrainedG = store.Path("paintD", 3)
	loader := NewBatchLoader(NewMemoryDataset(samples), 2, false, 1)
	if _, err := NewTrainer(bad, loader, Components{}); errors.Cause(err) != ErrCheckpointSchema {
		t.Errorf("loading discriminator weights into the generator should fail, got %v", err)
	}
}

func TestTrainerAcceptsCustomExtractor(t *testing.T) {
	cfg := tinyConfig(t)
	ext := fixedExtractor{size: 2}
	samples := syntheticSamples(2, cfg, 1)
	tr, _ := newTinyTrainer(t, cfg, samples, 2, Components{Extractor: ext})
	if _, err := tr.Train(context.Background(), 0); err != nil {
		t.Fatalf("Train with a custom extractor failed: %v", err)
	}
}

// fixedExtractor returns random but reproducible embeddings.
type fixedExtractor struct {
	size int
}

func (f fixedExtractor) Extract(images *Tensor) (Detached, error) {
	out := NewTensor(images.shape[0], f.size)
	out.fillRandNorm(0, 1, rand.New(rand.NewSource(int64(images.shape[0]))))
	return Detached{t: out}, nil
}

func (f fixedExtractor) EmbeddingSize() int { return f.size }
