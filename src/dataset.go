package paint

import (
	"context"
	"image"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Sample is one unbatched training item.
type Sample struct {
	Source    *Tensor // [R, R, 3] line art
	Target    *Tensor // [R, R, 3] colored image
	Palette   *Tensor // [12] top-4 colors of Target
	Reference *Tensor // [S, S, 3] Target resized for the extractor
}

// Batch stacks samples along a leading batch dimension.
type Batch struct {
	Source    *Tensor // [B, R, R, 3]
	Target    *Tensor // [B, R, R, 3]
	Palette   *Tensor // [B, 12]
	Reference *Tensor // [B, S, S, 3]
}

// Size is the number of items in the batch.
func (b *Batch) Size() int {
	return b.Source.shape[0]
}

// Batch returns s as a batch of one. The tensors share data with s.
func (s *Sample) Batch() *Batch {
	return &Batch{
		Source:    s.Source.Unsqueeze(),
		Target:    s.Target.Unsqueeze(),
		Palette:   s.Palette.Unsqueeze(),
		Reference: s.Reference.Unsqueeze(),
	}
}

func NewBatch(samples []*Sample) (*Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("paint: batch of zero samples")
	}
	fields := make([][]*Tensor, 4)
	for _, s := range samples {
		fields[0] = append(fields[0], s.Source)
		fields[1] = append(fields[1], s.Target)
		fields[2] = append(fields[2], s.Palette)
		fields[3] = append(fields[3], s.Reference)
	}
	stacked := make([]*Tensor, 4)
	for i, f := range fields {
		t, err := Stack(f)
		if err != nil {
			return nil, err
		}
		stacked[i] = t
	}
	return &Batch{Source: stacked[0], Target: stacked[1], Palette: stacked[2], Reference: stacked[3]}, nil
}

// Dataset gives random access to samples.
type Dataset interface {
	Len() int
	Sample(i int) (*Sample, error)
}

// Loader yields the batches of one epoch in order.
type Loader interface {
	Len() int
	Batch(i int) (*Batch, error)
}

// MemoryDataset serves samples held in memory.
type MemoryDataset struct {
	samples []*Sample
}

func NewMemoryDataset(samples []*Sample) *MemoryDataset {
	return &MemoryDataset{samples: samples}
}

func (m *MemoryDataset) Len() int { return len(m.samples) }

func (m *MemoryDataset) Sample(i int) (*Sample, error) {
	if i < 0 || i >= len(m.samples) {
		return nil, errorf("sample %d out of range [0, %d)", i, len(m.samples))
	}
	return m.samples[i], nil
}

// DatasetConfig configures FolderDataset decoding.
type DatasetConfig struct {
	Resolution    int // R
	ReferenceSize int // S, the extractor input size
	Workers       int // parallel decoders for Preload
}

// FolderDataset reads side-by-side pair images [A | B] from a directory.
// A is the line art, B the colored image.
type FolderDataset struct {
	paths []string
	cfg   DatasetConfig

	mu    sync.RWMutex
	cache map[int]*Sample
}

var imageExtensions = []string{".png", ".jpg", ".jpeg"}

func NewFolderDataset(root string, cfg DatasetConfig) (*FolderDataset, error) {
	if cfg.Resolution <= 0 || cfg.ReferenceSize <= 0 {
		return nil, errorf("dataset sizes must be > 0, got resolution %d and reference %d", cfg.Resolution, cfg.ReferenceSize)
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, errors.Wrap(err, "list dataset")
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range imageExtensions {
			if ext == want {
				paths = append(paths, filepath.Join(root, e.Name()))
				break
			}
		}
	}
	if len(paths) == 0 {
		return nil, errorf("no images found in %s", root)
	}
	sort.Strings(paths)
	return &FolderDataset{paths: paths, cfg: cfg, cache: make(map[int]*Sample)}, nil
}

func (f *FolderDataset) Len() int { return len(f.paths) }

// Sample decodes item i, or returns it from the Preload cache.
func (f *FolderDataset) Sample(i int) (*Sample, error) {
	if i < 0 || i >= len(f.paths) {
		return nil, errorf("sample %d out of range [0, %d)", i, len(f.paths))
	}
	f.mu.RLock()
	s, ok := f.cache[i]
	f.mu.RUnlock()
	if ok {
		return s, nil
	}
	img, err := decodeImageFile(f.paths[i])
	if err != nil {
		return nil, err
	}
	return pairSample(img, f.cfg)
}

// Preload decodes every image with cfg.Workers goroutines and keeps the
// results in memory. The first failure cancels the remaining work.
func (f *FolderDataset) Preload(ctx context.Context) error {
	samples := make([]*Sample, len(f.paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInt(f.cfg.Workers, 1))
	for i, path := range f.paths {
		i, path := i, path
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			img, err := decodeImageFile(path)
			if err != nil {
				return err
			}
			s, err := pairSample(img, f.cfg)
			if err != nil {
				return errors.Wrap(err, path)
			}
			samples[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	f.mu.Lock()
	for i, s := range samples {
		f.cache[i] = s
	}
	f.mu.Unlock()
	return nil
}

// pairSample splits a side-by-side image into a training sample.
func pairSample(img image.Image, cfg DatasetConfig) (*Sample, error) {
	b := img.Bounds()
	if b.Dx() < 2 || b.Dy() < 1 {
		return nil, errorf("pair image %v too small", b)
	}
	half := b.Dx() / 2
	left := image.Rect(b.Min.X, b.Min.Y, b.Min.X+half, b.Max.Y)
	right := image.Rect(b.Min.X+half, b.Min.Y, b.Min.X+2*half, b.Max.Y)

	r := cfg.Resolution
	a := resizeNearest(img, left, r, r)
	target := resizeNearest(img, right, r, r)
	reference := resizeNearest(img, right, cfg.ReferenceSize, cfg.ReferenceSize)

	return &Sample{
		Source:    imageToTensor(a),
		Target:    imageToTensor(target),
		Palette:   ExtractPalette(target),
		Reference: imageToTensor(reference),
	}, nil
}

// ExtractPalette returns the four most frequent colors of img as a [12]
// tensor in [-1, 1]. Colors are counted in 4-bit-per-channel bins and each
// bin reports the mean color of its pixels; ties go to the lower bin. Images
// with fewer than four distinct bins repeat the last color found.
func ExtractPalette(img *image.RGBA) *Tensor {
	type bin struct {
		key     int
		count   int
		r, g, b int
	}
	bins := make(map[int]*bin)
	bounds := img.Bounds()
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.RGBAAt(x, y)
			key := int(c.R>>4)<<8 | int(c.G>>4)<<4 | int(c.B>>4)
			bn, ok := bins[key]
			if !ok {
				bn = &bin{key: key}
				bins[key] = bn
			}
			bn.count++
			bn.r += int(c.R)
			bn.g += int(c.G)
			bn.b += int(c.B)
		}
	}

	ranked := make([]*bin, 0, len(bins))
	for _, bn := range bins {
		ranked = append(ranked, bn)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].key < ranked[j].key
	})

	palette := NewTensor(PaletteSize)
	if len(ranked) == 0 {
		return palette
	}
	for k := 0; k < PaletteSize/3; k++ {
		bn := ranked[minInt(k, len(ranked)-1)]
		palette.data[3*k] = scale(uint8(bn.r / bn.count))
		palette.data[3*k+1] = scale(uint8(bn.g / bn.count))
		palette.data[3*k+2] = scale(uint8(bn.b / bn.count))
	}
	return palette
}

// BatchLoader groups a dataset into fixed-size batches. The last batch may
// be smaller.
type BatchLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	order     []int
	rng       *rand.Rand
}

func NewBatchLoader(ds Dataset, batchSize int, shuffle bool, seed int64) *BatchLoader {
	if batchSize < 1 {
		batchSize = 1
	}
	order := make([]int, ds.Len())
	for i := range order {
		order[i] = i
	}
	l := &BatchLoader{
		dataset:   ds,
		batchSize: batchSize,
		shuffle:   shuffle,
		order:     order,
		rng:       rand.New(rand.NewSource(seed)),
	}
	l.Shuffle()
	return l
}

// Shuffle reorders the dataset for the next epoch when shuffling is enabled.
func (l *BatchLoader) Shuffle() {
	if l.shuffle {
		shuffleInts(l.order, l.rng)
	}
}

func (l *BatchLoader) Len() int {
	return (len(l.order) + l.batchSize - 1) / l.batchSize
}

func (l *BatchLoader) Batch(i int) (*Batch, error) {
	if i < 0 || i >= l.Len() {
		return nil, errorf("batch %d out of range [0, %d)", i, l.Len())
	}
	start := i * l.batchSize
	end := minInt(start+l.batchSize, len(l.order))
	samples := make([]*Sample, 0, end-start)
	for _, idx := range l.order[start:end] {
		s, err := l.dataset.Sample(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "sample %d", idx)
		}
		samples = append(samples, s)
	}
	return NewBatch(samples)
}
