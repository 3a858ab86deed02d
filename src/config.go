package paint

import (
	"log"
	"os"
)

// Direction selects which half of a pair is the input.
type Direction string

const (
	// ModeA2B maps the left image of a pair onto the right one.
	ModeA2B Direction = "A2B"
	// ModeB2A swaps the pair before training and validation.
	ModeB2A Direction = "B2A"
)

// PaletteSize is the length of a palette vector: four RGB colors.
const PaletteSize = 12

// Config holds all trainer configuration. DefaultConfig returns the usual
// values; nothing is filled in behind the caller's back except Logger.
type Config struct {
	Resolution   int       // square image side R
	Mode         Direction // "A2B" or "B2A"
	LearningRate float64
	Beta1        float64
	Lambda       float64 // weight of the L1 term in the generator loss
	NoMSE        bool    // cross-entropy instead of least-squares adversarial loss

	PretrainedG   string // generator checkpoint to resume from, "" for none
	PretrainedD   string // discriminator checkpoint to resume from, "" for none
	PretrainedVGG string // extractor weights, required by the default extractor

	// RandomExtractor lets the default extractor run without PretrainedVGG.
	// Its embeddings are then features of an untrained network, which is
	// only useful for smoke tests.
	RandomExtractor bool

	PrintEvery int
	Verbose    bool

	PoolSize int
	Seed     int64

	ResultDir     string // validation strips
	CheckpointDir string

	// HaltOnNonFinite stops an epoch with ErrNonFiniteLoss before a NaN or
	// Inf loss reaches the optimizer.
	HaltOnNonFinite bool

	Generator     GeneratorConfig
	Discriminator PatchGANConfig
	Extractor     VGGConfig

	Logger *log.Logger
}

// GeneratorConfig shapes the default PaintGenerator.
type GeneratorConfig struct {
	Filters    int // channels after the first encoder level
	MaxFilters int // channel cap for deeper levels
	Levels     int // number of stride-2 encoder levels; Resolution must divide by 2^Levels
}

// PatchGANConfig shapes the default PatchGAN discriminator.
type PatchGANConfig struct {
	Filters int // channels of the first layer
	Layers  int // stride-2 layers after the first
}

// VGGConfig shapes the perceptual feature extractor.
type VGGConfig struct {
	InputSize int   // reference images are InputSize x InputSize
	Blocks    []int // output channels per block, each block ends in 2x2 max pooling
	Convs     []int // 3x3 convolutions per block
	Hidden    int   // width of the first fully-connected layer (the embedding size)
}

// NetworkConfig for network construction
type NetworkConfig struct {
	Seed int64
}

// DefaultConfig returns the trainer defaults.
func DefaultConfig() Config {
	return Config{
		Resolution:      256,
		Mode:            ModeA2B,
		LearningRate:    2e-4,
		Beta1:           0.5,
		Lambda:          100,
		NoMSE:           false,
		PrintEvery:      100,
		Verbose:         true,
		PoolSize:        50,
		Seed:            1,
		ResultDir:       "./data/pair_niko/result",
		CheckpointDir:   "./data/checkpoint",
		HaltOnNonFinite: true,
		Generator: GeneratorConfig{
			Filters:    64,
			MaxFilters: 512,
			Levels:     6,
		},
		Discriminator: PatchGANConfig{
			Filters: 64,
			Layers:  2,
		},
		Extractor: DefaultVGGConfig(),
	}
}

// DefaultVGGConfig is the VGG19 with batch normalization layout.
func DefaultVGGConfig() VGGConfig {
	return VGGConfig{
		InputSize: 224,
		Blocks:    []int{64, 128, 256, 512, 512},
		Convs:     []int{2, 2, 4, 4, 4},
		Hidden:    4096,
	}
}

// Reversed reports whether pairs are swapped before use.
func (c Config) Reversed() bool {
	return c.Mode == ModeB2A
}

func (c Config) logger() *log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.New(os.Stderr, "", log.LstdFlags)
}

// ValidateConfig checks all fields hold usable values
func ValidateConfig(cfg Config) error {
	if cfg.Resolution <= 0 {
		return errorf("Resolution must be > 0, got %d", cfg.Resolution)
	}
	if cfg.Mode != ModeA2B && cfg.Mode != ModeB2A {
		return errorf("Mode must be %q or %q, got %q", ModeA2B, ModeB2A, cfg.Mode)
	}
	if cfg.LearningRate <= 0 {
		return errorf("LearningRate must be > 0, got %g", cfg.LearningRate)
	}
	if cfg.Beta1 < 0 || cfg.Beta1 >= 1 {
		return errorf("Beta1 must be in [0, 1), got %g", cfg.Beta1)
	}
	if cfg.Lambda < 0 {
		return errorf("Lambda must be >= 0, got %g", cfg.Lambda)
	}
	if cfg.PrintEvery < 0 {
		return errorf("PrintEvery must be >= 0, got %d", cfg.PrintEvery)
	}
	if cfg.PoolSize < 0 {
		return errorf("PoolSize must be >= 0, got %d", cfg.PoolSize)
	}
	if err := validateGenerator(cfg.Generator, cfg.Resolution); err != nil {
		return err
	}
	if err := validatePatchGAN(cfg.Discriminator, cfg.Resolution); err != nil {
		return err
	}
	return validateVGG(cfg.Extractor)
}

func validateGenerator(g GeneratorConfig, resolution int) error {
	if g.Filters <= 0 || g.MaxFilters < g.Filters {
		return errorf("Generator filters must satisfy 0 < Filters <= MaxFilters, got %d/%d", g.Filters, g.MaxFilters)
	}
	if g.Levels <= 0 {
		return errorf("Generator.Levels must be > 0, got %d", g.Levels)
	}
	if resolution%(1<<g.Levels) != 0 {
		return errorf("Resolution %d is not divisible by 2^%d", resolution, g.Levels)
	}
	return nil
}

func validatePatchGAN(d PatchGANConfig, resolution int) error {
	if d.Filters <= 0 {
		return errorf("Discriminator.Filters must be > 0, got %d", d.Filters)
	}
	if d.Layers < 0 {
		return errorf("Discriminator.Layers must be >= 0, got %d", d.Layers)
	}
	if resolution>>(d.Layers+1) < 1 {
		return errorf("Resolution %d too small for %d discriminator layers", resolution, d.Layers)
	}
	return nil
}

func validateVGG(v VGGConfig) error {
	if len(v.Blocks) == 0 || len(v.Blocks) != len(v.Convs) {
		return errorf("Extractor needs one conv count per block, got %d blocks and %d counts", len(v.Blocks), len(v.Convs))
	}
	if v.InputSize <= 0 || v.InputSize%(1<<len(v.Blocks)) != 0 {
		return errorf("Extractor.InputSize %d is not divisible by 2^%d", v.InputSize, len(v.Blocks))
	}
	if v.Hidden <= 0 {
		return errorf("Extractor.Hidden must be > 0, got %d", v.Hidden)
	}
	for i := range v.Blocks {
		if v.Blocks[i] <= 0 || v.Convs[i] <= 0 {
			return errorf("Extractor block %d has %d channels and %d convs", i, v.Blocks[i], v.Convs[i])
		}
	}
	return nil
}
