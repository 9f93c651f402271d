package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config captures the runtime knobs for a training run.
type Config struct {
	TrainRoots []string `yaml:"train_roots"`
	Epochs     int      `yaml:"epochs"`
	BatchSize  int      `yaml:"batch_size"`
	NumWorkers int      `yaml:"num_workers"`
	Seed       int64    `yaml:"seed"`
	LogEvery   int      `yaml:"log_every"`

	ImageSize int `yaml:"image_size"`
	Channels  int `yaml:"channels"`
	SplitRow  int `yaml:"split_row"`

	ZDim       int     `yaml:"z_dim"`
	Width      int     `yaml:"width"`
	Prior      string  `yaml:"prior"`
	PriorSigma float64 `yaml:"prior_sigma"`

	Variant     string  `yaml:"variant"`
	Divergence  string  `yaml:"divergence"`
	Kernel      string  `yaml:"kernel"`
	KernelScale float64 `yaml:"kernel_scale"`
	Cost        string  `yaml:"cost"`
	Lambda      float64 `yaml:"lambda"`

	Optimizer    string  `yaml:"optimizer"`
	LearningRate float64 `yaml:"learning_rate"`
	ClipNorm     float64 `yaml:"clip_norm"`

	Autoencode     bool   `yaml:"autoencode"`
	TransposeInput *bool  `yaml:"transpose_input"`
	CheckFinite    bool   `yaml:"check_finite"`
	ValidateShapes bool   `yaml:"validate_shapes"`
	Device         string `yaml:"device"`
}

const (
	VariantGAN = "gan"
	VariantMMD = "mmd"
)

// DefaultLambda is the penalty coefficient used when the file has no
// lambda key. An explicit 0 trains on reconstruction alone.
const DefaultLambda = 1.0

// Overrides captures CLI supplied values.
type Overrides struct {
	TrainRoots []string
	Epochs     int
	BatchSize  int
	NumWorkers int
	Seed       int64
	LogEvery   int
	Device     string
}

// Load reads a Config from YAML, fills defaults and validates it.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and fills defaults. Unknown keys are an error.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{Lambda: DefaultLambda}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.SetDefaults()
	return cfg, nil
}

// SetDefaults fills every unset field with its default. Lambda is not
// touched since zero is a valid coefficient; Parse presets it instead.
func (c *Config) SetDefaults() {
	if c.LogEvery <= 0 {
		c.LogEvery = 50
	}
	if c.NumWorkers <= 0 {
		c.NumWorkers = 1
	}
	if c.ImageSize == 0 {
		c.ImageSize = 64
	}
	if c.Channels == 0 {
		c.Channels = 3
	}
	if c.ZDim == 0 {
		c.ZDim = 8
	}
	if c.Prior == "" {
		c.Prior = "gaussian"
	}
	if c.PriorSigma == 0 {
		c.PriorSigma = 1
	}
	if c.Variant == "" {
		c.Variant = VariantGAN
	}
	if c.Divergence == "" {
		c.Divergence = "adversarial"
	}
	if c.Kernel == "" {
		c.Kernel = "imq"
	}
	if c.Cost == "" {
		c.Cost = "l2"
	}
	if c.Optimizer == "" {
		c.Optimizer = "adam"
	}
	if c.LearningRate == 0 {
		c.LearningRate = 1e-3
	}
	if c.Device == "" {
		c.Device = "cpu"
	}
}

// ApplyOverrides updates cfg using any non-zero override.
func (c *Config) ApplyOverrides(o Overrides) {
	if len(o.TrainRoots) > 0 {
		c.TrainRoots = append([]string(nil), o.TrainRoots...)
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.NumWorkers > 0 {
		c.NumWorkers = o.NumWorkers
	}
	if o.Seed != 0 {
		c.Seed = o.Seed
	}
	if o.LogEvery > 0 {
		c.LogEvery = o.LogEvery
	}
	if o.Device != "" {
		c.Device = o.Device
	}
}

// Transposed reports whether encoder input is transposed. It defaults to true
// for the MMD variant only.
func (c *Config) Transposed() bool {
	if c.TransposeInput != nil {
		return *c.TransposeInput
	}
	return c.Variant == VariantMMD
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if len(c.TrainRoots) == 0 {
		return errors.New("at least one training root must be set")
	}
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.NumWorkers <= 0 {
		return fmt.Errorf("num_workers must be > 0 (got %d)", c.NumWorkers)
	}
	if c.Channels != 1 && c.Channels != 3 {
		return fmt.Errorf("channels must be 1 or 3 (got %d)", c.Channels)
	}
	if err := c.validateGeometry(); err != nil {
		return err
	}
	if c.ZDim <= 0 {
		return fmt.Errorf("z_dim must be > 0 (got %d)", c.ZDim)
	}
	if c.Width < 0 {
		return fmt.Errorf("width must be >= 0 (got %d)", c.Width)
	}
	if c.Prior != "gaussian" && c.Prior != "uniform" {
		return fmt.Errorf("prior must be gaussian or uniform (got %q)", c.Prior)
	}
	if c.PriorSigma <= 0 {
		return fmt.Errorf("prior_sigma must be > 0 (got %g)", c.PriorSigma)
	}
	switch c.Variant {
	case VariantGAN:
		if c.Divergence != "adversarial" && c.Divergence != "moment" {
			return fmt.Errorf("divergence must be adversarial or moment (got %q)", c.Divergence)
		}
	case VariantMMD:
		if c.Kernel != "rbf" && c.Kernel != "imq" && c.Kernel != "imq-multi" {
			return fmt.Errorf("kernel must be rbf, imq or imq-multi (got %q)", c.Kernel)
		}
		if c.BatchSize < 2 {
			return fmt.Errorf("the mmd variant needs batch_size >= 2 (got %d)", c.BatchSize)
		}
	default:
		return fmt.Errorf("variant must be gan or mmd (got %q)", c.Variant)
	}
	if c.KernelScale < 0 {
		return fmt.Errorf("kernel_scale must be >= 0 (got %g)", c.KernelScale)
	}
	if c.Cost != "l2" && c.Cost != "l1" {
		return fmt.Errorf("cost must be l2 or l1 (got %q)", c.Cost)
	}
	if c.Lambda < 0 {
		return fmt.Errorf("lambda must be >= 0 (got %g)", c.Lambda)
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be > 0 (got %g)", c.LearningRate)
	}
	if c.ClipNorm < 0 {
		return fmt.Errorf("clip_norm must be >= 0 (got %g)", c.ClipNorm)
	}
	if c.Optimizer != "adam" && c.Optimizer != "sgd" {
		return fmt.Errorf("optimizer must be adam or sgd (got %q)", c.Optimizer)
	}
	return nil
}

// validateGeometry checks that the encoder input and decoder output sizes fit
// the four stride-2 downsampling and two stride-2 upsampling blocks.
func (c *Config) validateGeometry() error {
	if c.ImageSize <= 0 || c.ImageSize%16 != 0 {
		return fmt.Errorf("image_size must be a positive multiple of 16 (got %d)", c.ImageSize)
	}
	if c.SplitRow == 0 {
		return nil
	}
	if c.SplitRow < 0 || c.SplitRow >= c.ImageSize {
		return fmt.Errorf("split_row must be in [0, %d) (got %d)", c.ImageSize, c.SplitRow)
	}
	if c.SplitRow%16 != 0 {
		return fmt.Errorf("split_row must be a multiple of 16 (got %d)", c.SplitRow)
	}
	if (c.ImageSize-c.SplitRow)%4 != 0 {
		return fmt.Errorf("image_size - split_row must be a multiple of 4 (got %d)", c.ImageSize-c.SplitRow)
	}
	return nil
}
