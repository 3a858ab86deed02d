package paint

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"github.com/pkg/errors"
)

// ValidationResult holds the averaged validation losses and the composed
// comparison image.
type ValidationResult struct {
	DReal float64
	DFake float64
	GL1   float64 // unscaled by lambda
	GGAN  float64
	Image *image.RGBA
	Name  string // file name without extension
}

// Validate draws 2*samples distinct dataset items; the first half are
// colorized using the palette and reference of the second half. It writes one
// row per sample: source, style target, generated, ground truth, palette.
// Both networks run in eval mode and are returned to training mode after.
func (t *Trainer) Validate(ctx context.Context, dataset Dataset, epoch, samples int) (*ValidationResult, error) {
	if samples <= 0 {
		return nil, errorf("validation samples must be > 0, got %d", samples)
	}
	n := dataset.Len()
	if n < 2*samples {
		return nil, errors.Wrapf(ErrNotEnoughSamples, "need %d, dataset has %d", 2*samples, n)
	}

	t.generator.SetTraining(false)
	t.discriminator.SetTraining(false)
	defer func() {
		t.generator.SetTraining(true)
		t.discriminator.SetTraining(true)
	}()

	idx := sampleDistinct(n, 2*samples, t.rng)
	targets, styles := idx[:samples], idx[samples:]

	r := t.cfg.Resolution
	canvas := image.NewRGBA(image.Rect(0, 0, 5*r, samples*r))
	trackers := newTrackerSet(MetricDReal, MetricDFake, MetricGL1, MetricGGAN)

	for k := 0; k < samples; k++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, err := t.validateOne(targets[k], styles[k], dataset, trackers)
		if err != nil {
			return nil, errors.Wrapf(err, "validation sample %d", k)
		}
		draw.Draw(canvas, image.Rect(0, k*r, 5*r, (k+1)*r), row, image.Point{}, draw.Src)
	}

	res := &ValidationResult{
		Image: canvas,
		Name:  fmt.Sprintf("attentionpaint_val_%03d", epoch),
	}
	vals := trackers.values()
	res.DReal, res.DFake = vals[MetricDReal], vals[MetricDFake]
	res.GL1, res.GGAN = vals[MetricGL1], vals[MetricGGAN]

	if err := t.writer.Save(canvas, res.Name, t.cfg.ResultDir); err != nil {
		return nil, errors.Wrap(err, "write validation image")
	}
	t.logger.Printf("Validate D_loss_real = %f, D_loss_fake = %f, G_loss_l1 = %f, G_loss_gan = %f",
		res.DReal, res.DFake, res.GL1, res.GGAN)
	return res, nil
}

// validateOne colorizes item target with the style of item style and returns
// the comparison row.
func (t *Trainer) validateOne(target, style int, dataset Dataset, trackers trackerSet) (*image.RGBA, error) {
	ts, err := dataset.Sample(target)
	if err != nil {
		return nil, err
	}
	ss, err := dataset.Sample(style)
	if err != nil {
		return nil, err
	}
	imageA, imageB, styleB := ts.Source, ts.Target, ss.Target
	if t.cfg.Reversed() {
		imageA, imageB, styleB = ts.Target, ts.Source, ss.Source
	}

	a, b := imageA.Unsqueeze(), imageB.Unsqueeze()
	palette := ss.Palette.Unsqueeze()
	embedding, err := t.extractor.Extract(ss.Reference.Unsqueeze())
	if err != nil {
		return nil, err
	}
	fake, err := t.generator.Infer(a, palette, embedding)
	if err != nil {
		return nil, err
	}

	realAB, err := ConcatChannels(a, b)
	if err != nil {
		return nil, err
	}
	fakeAB, err := ConcatChannels(a, fake)
	if err != nil {
		return nil, err
	}
	logitReal, err := t.discriminator.Infer(realAB)
	if err != nil {
		return nil, err
	}
	logitFake, err := t.discriminator.Infer(fakeAB)
	if err != nil {
		return nil, err
	}
	l1, err := t.losses.L1.Compute(fake, b)
	if err != nil {
		return nil, err
	}

	gan := t.losses.GAN
	trackers.get(MetricDReal).Update(gan.Compute(logitReal, true), 1)
	trackers.get(MetricDFake).Update(gan.Compute(logitFake, false), 1)
	trackers.get(MetricGGAN).Update(gan.Compute(logitFake, true), 1)
	trackers.get(MetricGL1).Update(l1, 1)

	return composeStrip(t.cfg.Resolution, []*Tensor{imageA, styleB, fake, imageB}, ss.Palette)
}

// composeStrip lays out R x R tiles left to right and appends a palette
// swatch tile of four horizontal bands.
func composeStrip(r int, tiles []*Tensor, palette *Tensor) (*image.RGBA, error) {
	strip := image.NewRGBA(image.Rect(0, 0, (len(tiles)+1)*r, r))
	for i, tile := range tiles {
		img, err := TensorToImage(tile)
		if err != nil {
			return nil, err
		}
		if img.Bounds().Dx() != r || img.Bounds().Dy() != r {
			return nil, errors.Wrapf(ErrShapeMismatch, "tile %d is %v, want %dx%d", i, img.Bounds().Size(), r, r)
		}
		draw.Draw(strip, image.Rect(i*r, 0, (i+1)*r, r), img, image.Point{}, draw.Src)
	}

	if palette.Len() != PaletteSize {
		return nil, errors.Wrapf(ErrShapeMismatch, "palette has %d values, want %d", palette.Len(), PaletteSize)
	}
	x0 := len(tiles) * r
	colors := PaletteSize / 3
	for k := 0; k < colors; k++ {
		c := color.RGBA{
			R: rescale(palette.data[3*k]),
			G: rescale(palette.data[3*k+1]),
			B: rescale(palette.data[3*k+2]),
			A: 255,
		}
		band := image.Rect(x0, k*r/colors, x0+r, (k+1)*r/colors)
		draw.Draw(strip, band, &image.Uniform{C: c}, image.Point{}, draw.Src)
	}
	return strip, nil
}
