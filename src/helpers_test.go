package paint

import (
	"image"
	"io"
	"log"
	"math"
	"math/rand"
	"path/filepath"
	"testing"
)

// tinyConfig is a full trainer configuration small enough for unit tests.
func tinyConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Resolution = 8
	cfg.Generator = GeneratorConfig{Filters: 2, MaxFilters: 4, Levels: 2}
	cfg.Discriminator = PatchGANConfig{Filters: 2, Layers: 1}
	cfg.Extractor = VGGConfig{InputSize: 4, Blocks: []int{2}, Convs: []int{1}, Hidden: 3}
	cfg.PoolSize = 2
	cfg.RandomExtractor = true
	cfg.PrintEvery = 1
	cfg.Verbose = false
	cfg.ResultDir = filepath.Join(t.TempDir(), "result")
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "checkpoint")
	cfg.Logger = log.New(io.Discard, "", 0)
	return cfg
}

// syntheticSamples returns n random samples sized for cfg.
func syntheticSamples(n int, cfg Config, seed int64) []*Sample {
	rng := rand.New(rand.NewSource(seed))
	r, s := cfg.Resolution, cfg.Extractor.InputSize
	samples := make([]*Sample, n)
	for i := range samples {
		smp := &Sample{
			Source:    NewTensor(r, r, 3),
			Target:    NewTensor(r, r, 3),
			Palette:   NewTensor(PaletteSize),
			Reference: NewTensor(s, s, 3),
		}
		for _, x := range []*Tensor{smp.Source, smp.Target, smp.Palette, smp.Reference} {
			x.fillRandUniform(-1, 1, rng)
		}
		samples[i] = smp
	}
	return samples
}

// snapshot deep-copies a module's parameters.
func snapshot(tensors []*Tensor) []*Tensor {
	out := make([]*Tensor, len(tensors))
	for i, t := range tensors {
		out[i] = t.Clone()
	}
	return out
}

func equalTensors(a, b []*Tensor) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !sameShape(a[i].shape, b[i].shape) {
			return false
		}
		for j := range a[i].data {
			if a[i].data[j] != b[i].data[j] {
				return false
			}
		}
	}
	return true
}

func allZero(tensors []*Tensor) bool {
	for _, t := range tensors {
		for _, v := range t.data {
			if v != 0 {
				return false
			}
		}
	}
	return true
}

// memoryWriter keeps saved images instead of writing files.
type memoryWriter struct {
	saved map[string]image.Image
	dirs  map[string]string
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{saved: make(map[string]image.Image), dirs: make(map[string]string)}
}

func (m *memoryWriter) Save(img image.Image, name, dir string) error {
	m.saved[name] = img
	m.dirs[name] = dir
	return nil
}

// numericGrad estimates dL/dv[i] with a central difference.
func numericGrad(v []float64, i int, loss func() float64) float64 {
	const h = 1e-5
	old := v[i]
	v[i] = old + h
	plus := loss()
	v[i] = old - h
	minus := loss()
	v[i] = old
	return (plus - minus) / (2 * h)
}

func closeTo(got, want float64) bool {
	return math.Abs(got-want) <= 1e-6+1e-4*math.Abs(want)
}
