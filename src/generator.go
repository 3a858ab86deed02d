package paint

import (
	"github.com/pkg/errors"
)

// Generator maps a line-art batch, a palette batch and a perceptual
// embedding to a colorized batch in [-1, 1].
type Generator interface {
	Module
	// Forward records activations for a following Backward.
	Forward(source, palette *Tensor, embedding Detached) (*Tensor, error)
	// Infer is the no-grad variant of Forward.
	Infer(source, palette *Tensor, embedding Detached) (*Tensor, error)
	// Backward accumulates parameter gradients from the gradient of the
	// loss with respect to the last Forward output.
	Backward(gradOutput *Tensor) error
}

const (
	bnEpsilon  = 1e-5
	bnMomentum = 0.9
)

// netGroup implements Module over several networks.
type netGroup []*Network

func (g netGroup) Parameters() []*Tensor {
	var out []*Tensor
	for _, n := range g {
		out = append(out, n.Parameters()...)
	}
	return out
}

func (g netGroup) Gradients() []*Tensor {
	var out []*Tensor
	for _, n := range g {
		out = append(out, n.Gradients()...)
	}
	return out
}

func (g netGroup) Buffers() []*Tensor {
	var out []*Tensor
	for _, n := range g {
		out = append(out, n.Buffers()...)
	}
	return out
}

func (g netGroup) ZeroGrad() {
	for _, n := range g {
		n.ZeroGrad()
	}
}

func (g netGroup) SetTraining(training bool) {
	for _, n := range g {
		n.SetTraining(training)
	}
}

func (g netGroup) SetRequiresGrad(requiresGrad bool) {
	for _, n := range g {
		n.SetRequiresGrad(requiresGrad)
	}
}

// PaintGenerator is an encoder-decoder with skip connections. The palette
// and the embedding are projected to the bottleneck width and added at every
// bottleneck position; each decoder level starts with an attention gate.
//
//	enc[0]   conv4x4/2 LeakyReLU(0.2)
//	enc[l]   conv4x4/2 BN LeakyReLU(0.2)
//	cond     dense(12+E -> C) ReLU, broadcast over the bottleneck
//	dec[l]   gate, upsample x2, conv3x3 BN ReLU        (input: previous level ++ enc[l])
//	dec[0]   gate, upsample x2, conv3x3 -> 3 Tanh
type PaintGenerator struct {
	netGroup
	enc        []*Network
	dec        []*Network
	cond       *Network
	resolution int
	embedding  int

	// recorded by Forward for Backward
	skipChannels []int
	batch        int
	recorded     bool
}

// NewPaintGenerator builds the default generator for square images of side
// resolution conditioned on embeddings of width embeddingSize.
func NewPaintGenerator(cfg GeneratorConfig, resolution, embeddingSize int, seed int64) (*PaintGenerator, error) {
	if err := validateGenerator(cfg, resolution); err != nil {
		return nil, err
	}
	if embeddingSize <= 0 {
		return nil, errorf("embedding size must be > 0, got %d", embeddingSize)
	}
	levels := cfg.Levels
	channels := make([]int, levels)
	for l := range channels {
		channels[l] = minInt(cfg.Filters<<l, cfg.MaxFilters)
	}

	g := &PaintGenerator{
		resolution:   resolution,
		embedding:    embeddingSize,
		skipChannels: channels,
	}
	seq := seed

	next := func() NetworkConfig {
		seq++
		return NetworkConfig{Seed: seq}
	}

	// Encoder
	side := resolution
	inC := 3
	for l := 0; l < levels; l++ {
		b := NewNetwork(next()).
			AddLayer(Conv2D(channels[l], [2]int{4, 4}).
				WithStride(2, 2).
				WithPadding("same").
				WithActivation(activationFor(l == 0, LeakyReLU(0.2))).
				WithInitializer(RandomNormal(0, 0.02)).
				WithBias(l == 0).
				WithBiasInitializer(Zeros()).
				Build())
		if l > 0 {
			b.AddLayer(BatchNorm(bnEpsilon, bnMomentum).Build()).
				AddLayer(Nonlinearity(LeakyReLU(0.2)).Build())
		}
		net, err := b.Build([]int{side, side, inC})
		if err != nil {
			return nil, errors.Wrapf(err, "generator encoder level %d", l)
		}
		g.enc = append(g.enc, net)
		side /= 2
		inC = channels[l]
	}

	// Conditioning projection onto the bottleneck channels
	bottleneck := channels[levels-1]
	cond, err := NewNetwork(next()).
		AddLayer(Dense(bottleneck).
			WithActivation(ReLU()).
			WithInitializer(XavierUniform(1)).
			WithBias(true).
			WithBiasInitializer(Zeros()).
			Build()).
		Build([]int{PaletteSize + embeddingSize})
	if err != nil {
		return nil, errors.Wrap(err, "generator conditioning")
	}
	g.cond = cond

	// Decoder, built deepest level first but stored by level index
	g.dec = make([]*Network, levels)
	prevC := bottleneck
	for l := levels - 1; l >= 0; l-- {
		inC := prevC
		if l != levels-1 {
			inC += channels[l]
		}
		b := NewNetwork(next()).
			AddLayer(Gate().WithInitializer(RandomNormal(0, 0.02)).Build()).
			AddLayer(Upsample2D(2).Build())
		if l > 0 {
			b.AddLayer(Conv2D(channels[l-1], [2]int{3, 3}).
				WithPadding("same").
				WithActivation(Linear()).
				WithInitializer(RandomNormal(0, 0.02)).
				WithBias(false).
				Build()).
				AddLayer(BatchNorm(bnEpsilon, bnMomentum).Build()).
				AddLayer(Nonlinearity(ReLU()).Build())
			prevC = channels[l-1]
		} else {
			b.AddLayer(Conv2D(3, [2]int{3, 3}).
				WithPadding("same").
				WithActivation(Tanh()).
				WithInitializer(RandomNormal(0, 0.02)).
				WithBias(true).
				WithBiasInitializer(Zeros()).
				Build())
		}
		net, err := b.Build([]int{side, side, inC})
		if err != nil {
			return nil, errors.Wrapf(err, "generator decoder level %d", l)
		}
		g.dec[l] = net
		side *= 2
	}

	g.netGroup = append(netGroup{}, g.enc...)
	g.netGroup = append(g.netGroup, g.cond)
	g.netGroup = append(g.netGroup, g.dec...)
	return g, nil
}

func activationFor(first bool, act Activation) Activation {
	if first {
		return act
	}
	return Linear()
}

func (g *PaintGenerator) checkInputs(source, palette *Tensor, embedding Detached) error {
	r := g.resolution
	if len(source.shape) != 4 || !sameShape(source.shape[1:], []int{r, r, 3}) {
		return errors.Wrapf(ErrShapeMismatch, "generator source %v, want [batch %d %d 3]", source.shape, r, r)
	}
	b := source.shape[0]
	if !sameShape(palette.shape, []int{b, PaletteSize}) {
		return errors.Wrapf(ErrShapeMismatch, "generator palette %v, want [%d %d]", palette.shape, b, PaletteSize)
	}
	if embedding.t == nil || !sameShape(embedding.t.shape, []int{b, g.embedding}) {
		return errors.Wrapf(ErrShapeMismatch, "generator embedding %v, want [%d %d]", embedding.Shape(), b, g.embedding)
	}
	return nil
}

type netCall func(n *Network, x *Tensor) (*Tensor, error)

func (g *PaintGenerator) run(source, palette *Tensor, embedding Detached, call netCall) (*Tensor, error) {
	if err := g.checkInputs(source, palette, embedding); err != nil {
		return nil, err
	}

	skips := make([]*Tensor, len(g.enc))
	h := source
	var err error
	for l, net := range g.enc {
		if h, err = call(net, h); err != nil {
			return nil, errors.Wrapf(err, "encoder level %d", l)
		}
		skips[l] = h
	}

	condIn, err := ConcatChannels(palette, embedding.Tensor())
	if err != nil {
		return nil, err
	}
	cond, err := call(g.cond, condIn)
	if err != nil {
		return nil, errors.Wrap(err, "conditioning")
	}
	z := broadcastAdd(h, cond)

	levels := len(g.dec)
	x := z
	for l := levels - 1; l >= 0; l-- {
		if l != levels-1 {
			if x, err = ConcatChannels(x, skips[l]); err != nil {
				return nil, err
			}
		}
		if x, err = call(g.dec[l], x); err != nil {
			return nil, errors.Wrapf(err, "decoder level %d", l)
		}
	}
	return x, nil
}

func (g *PaintGenerator) Forward(source, palette *Tensor, embedding Detached) (*Tensor, error) {
	out, err := g.run(source, palette, embedding, (*Network).Forward)
	if err != nil {
		g.recorded = false
		return nil, err
	}
	g.batch = source.shape[0]
	g.recorded = true
	return out, nil
}

func (g *PaintGenerator) Infer(source, palette *Tensor, embedding Detached) (*Tensor, error) {
	g.recorded = false
	return g.run(source, palette, embedding, (*Network).Infer)
}

func (g *PaintGenerator) Backward(gradOutput *Tensor) error {
	if !g.recorded {
		return ErrNoActivations
	}
	levels := len(g.dec)
	skipGrads := make([]*Tensor, levels)

	grad := gradOutput
	var err error
	for l := 0; l < levels; l++ {
		if grad, err = g.dec[l].Backward(grad); err != nil {
			return errors.Wrapf(err, "decoder level %d", l)
		}
		if l != levels-1 {
			prevC := grad.shape[3] - g.skipChannels[l]
			grad, skipGrads[l] = splitChannels(grad, prevC)
		}
	}

	// grad is now dL/dz with z = h + broadcast(cond)
	if _, err := g.cond.Backward(spatialSum(grad)); err != nil {
		return errors.Wrap(err, "conditioning")
	}

	for l := levels - 1; l >= 0; l-- {
		if skipGrads[l] != nil {
			for i, v := range skipGrads[l].data {
				grad.data[i] += v
			}
		}
		if grad, err = g.enc[l].Backward(grad); err != nil {
			return errors.Wrapf(err, "encoder level %d", l)
		}
	}
	return nil
}

// broadcastAdd returns h + v where h is [B, H, W, C] and v is [B, C].
func broadcastAdd(h, v *Tensor) *Tensor {
	out := h.Clone()
	b, c := h.shape[0], h.shape[3]
	pixels := h.shape[1] * h.shape[2]
	for i := 0; i < b; i++ {
		vec := v.data[i*c : (i+1)*c]
		for p := 0; p < pixels; p++ {
			row := out.data[(i*pixels+p)*c : (i*pixels+p+1)*c]
			for j := range row {
				row[j] += vec[j]
			}
		}
	}
	return out
}

// spatialSum reduces [B, H, W, C] to [B, C]; the adjoint of broadcastAdd.
func spatialSum(t *Tensor) *Tensor {
	b, c := t.shape[0], t.shape[3]
	pixels := t.shape[1] * t.shape[2]
	out := NewTensor(b, c)
	for i := 0; i < b; i++ {
		acc := out.data[i*c : (i+1)*c]
		for p := 0; p < pixels; p++ {
			row := t.data[(i*pixels+p)*c : (i*pixels+p+1)*c]
			for j := range acc {
				acc[j] += row[j]
			}
		}
	}
	return out
}
