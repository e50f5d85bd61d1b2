// Package config provides configuration loading and management for rbgfusion.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/attention"
	"rbgfusion/pkg/reconstruction"
)

// Registration types
const (
	RegistrationZero = "zero"
	RegistrationFile = "file"
)

// Synthesis types
const (
	SynthesisIdentity = "identity"
	SynthesisFile     = "file"
)

// Weight initialization modes used when no weights file is given
const (
	InitRandom   = "random"
	InitIdentity = "identity"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Network shape
	Model struct {
		// InChannels is the channel count of the subject image
		InChannels int `yaml:"inChannels"`

		// RefChannels is the channel count of the reference image
		RefChannels int `yaml:"refChannels"`

		// OutChannels is the channel count of the reconstructed image
		OutChannels int `yaml:"outChannels"`

		// FeatDim is the feature width of the encoders and attention blocks
		FeatDim int `yaml:"featDim"`

		// NumHead is the number of attention heads
		NumHead int `yaml:"numHead"`

		// MLPRatio scales the attention feed-forward hidden width
		MLPRatio float64 `yaml:"mlpRatio"`

		// PatchSize is the edge of the attended neighborhood (odd, at most 15)
		PatchSize int `yaml:"patchSize"`

		// DK and DV override the per-head widths (0 = featDim/numHead)
		DK int `yaml:"dk"`
		DV int `yaml:"dv"`
	} `yaml:"model"`

	// Registration collaborator
	Registration struct {
		// Type is "zero" (inputs already aligned) or "file" (precomputed field)
		Type string `yaml:"type"`

		// FieldPath is the safetensors field used by the "file" type
		FieldPath string `yaml:"fieldPath"`

		// MultipleHeight and MultipleWidth are the sizes images are padded to
		// multiples of before registration
		MultipleHeight int `yaml:"multipleHeight"`
		MultipleWidth  int `yaml:"multipleWidth"`
	} `yaml:"registration"`

	// Synthesis collaborator
	Synthesis struct {
		// Type is "identity" (subject reused as is) or "file" (precomputed image)
		Type string `yaml:"type"`

		// ImagePath is the synthesized image used by the "file" type
		ImagePath string `yaml:"imagePath"`
	} `yaml:"synthesis"`

	// Learned parameters
	Weights struct {
		// Path is a safetensors checkpoint; empty means initialize
		Path string `yaml:"path"`

		// Seed drives initialization when Path is empty
		Seed int64 `yaml:"seed"`

		// Init is "random" or "identity" (identity attention projections)
		Init string `yaml:"init"`
	} `yaml:"weights"`

	// Processing parameters
	Processing struct {
		// NumCores specifies how many pairs a batch runs in parallel
		NumCores int `yaml:"numCores"`

		// PadMultiple is the multiple images are padded to before encoding
		PadMultiple int `yaml:"padMultiple"`
	} `yaml:"processing"`

	// Output parameters
	Output struct {
		// Dir receives batch outputs and optional exports
		Dir string `yaml:"dir"`

		// SaveAttentionMaps writes the per-scale attention maps
		SaveAttentionMaps bool `yaml:"saveAttentionMaps"`

		// SaveFeatureMaps writes the attended feature maps
		SaveFeatureMaps bool `yaml:"saveFeatureMaps"`

		// Verbose raises the log verbosity
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Model.InChannels = 1
	cfg.Model.RefChannels = 1
	cfg.Model.OutChannels = 1
	cfg.Model.FeatDim = 64
	cfg.Model.NumHead = 8
	cfg.Model.MLPRatio = 2
	cfg.Model.PatchSize = 5

	cfg.Registration.Type = RegistrationZero
	cfg.Registration.MultipleHeight = 768
	cfg.Registration.MultipleWidth = 576

	cfg.Synthesis.Type = SynthesisIdentity

	cfg.Weights.Init = InitRandom

	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.PadMultiple = 4

	cfg.Output.Dir = "output"

	return cfg
}

// Validate checks the configuration for values the model cannot be built
// from. Errors wrap models.ErrConfig.
func (c *Config) Validate() error {
	m := c.Model
	if m.InChannels <= 0 || m.RefChannels <= 0 || m.OutChannels <= 0 {
		return errors.Wrapf(models.ErrConfig, "model channels must be positive (in=%d ref=%d out=%d)",
			m.InChannels, m.RefChannels, m.OutChannels)
	}
	if _, err := c.AttentionOptions().Resolve(); err != nil {
		return err
	}

	switch c.Registration.Type {
	case RegistrationZero:
	case RegistrationFile:
		if c.Registration.FieldPath == "" {
			return errors.Wrap(models.ErrConfig, "registration type \"file\" needs fieldPath")
		}
	default:
		return errors.Wrapf(models.ErrConfig, "unknown registration type %q", c.Registration.Type)
	}
	if c.Registration.MultipleHeight < 0 || c.Registration.MultipleWidth < 0 {
		return errors.Wrapf(models.ErrConfig, "negative registration multiple %dx%d",
			c.Registration.MultipleHeight, c.Registration.MultipleWidth)
	}

	switch c.Synthesis.Type {
	case SynthesisIdentity:
	case SynthesisFile:
		if c.Synthesis.ImagePath == "" {
			return errors.Wrap(models.ErrConfig, "synthesis type \"file\" needs imagePath")
		}
	default:
		return errors.Wrapf(models.ErrConfig, "unknown synthesis type %q", c.Synthesis.Type)
	}

	if c.Weights.Init != InitRandom && c.Weights.Init != InitIdentity {
		return errors.Wrapf(models.ErrConfig, "unknown weights init %q", c.Weights.Init)
	}
	if p := c.Processing.PadMultiple; p <= 0 || p%4 != 0 {
		return errors.Wrapf(models.ErrConfig, "padMultiple must be a positive multiple of 4, got %d", p)
	}
	if c.Processing.NumCores < 0 {
		return errors.Wrapf(models.ErrConfig, "negative numCores %d", c.Processing.NumCores)
	}
	return nil
}

// AttentionOptions returns the options shared by the three attention blocks.
func (c *Config) AttentionOptions() attention.Options {
	return attention.Options{
		FeatDim:   c.Model.FeatDim,
		NumHead:   c.Model.NumHead,
		PatchSize: c.Model.PatchSize,
		DK:        c.Model.DK,
		DV:        c.Model.DV,
		MLPRatio:  c.Model.MLPRatio,
	}
}

// ModelOptions converts the configuration into reconstructor options.
func (c *Config) ModelOptions() reconstruction.Options {
	return reconstruction.Options{
		InChannels:          c.Model.InChannels,
		RefChannels:         c.Model.RefChannels,
		OutChannels:         c.Model.OutChannels,
		Attention:           c.AttentionOptions(),
		PadMultiple:         c.Processing.PadMultiple,
		RegistrationHeight:  c.Registration.MultipleHeight,
		RegistrationWidth:   c.Registration.MultipleWidth,
		NumCores:            c.Processing.NumCores,
		Seed:                c.Weights.Seed,
		IdentityProjections: c.Weights.Init == InitIdentity,
	}
}

// LoadConfig loads configuration from a YAML file
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
