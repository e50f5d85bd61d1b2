package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
)

// TestDefaultConfigIsValid checks that the defaults describe a buildable model
func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	opts := cfg.ModelOptions()
	assert.Equal(t, 64, opts.Attention.FeatDim)
	assert.Equal(t, 8, opts.Attention.NumHead)
	assert.Equal(t, 5, opts.Attention.PatchSize)
	assert.Equal(t, 768, opts.RegistrationHeight)
	assert.Equal(t, 576, opts.RegistrationWidth)
	assert.False(t, opts.IdentityProjections)
}

// TestLoadConfig covers the missing-file fallback and a YAML round trip
func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	t.Run("Missing", func(t *testing.T) {
		cfg, err := LoadConfig(filepath.Join(dir, "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig().Model, cfg.Model)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "config.yaml")
		cfg := DefaultConfig()
		cfg.Model.FeatDim = 16
		cfg.Model.NumHead = 4
		cfg.Weights.Init = InitIdentity
		require.NoError(t, SaveConfig(cfg, path))

		loaded, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 16, loaded.Model.FeatDim)
		assert.Equal(t, 4, loaded.Model.NumHead)
		assert.True(t, loaded.ModelOptions().IdentityProjections)
	})

	t.Run("Partial", func(t *testing.T) {
		path := filepath.Join(dir, "partial.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model:\n  patchSize: 3\n"), 0644))
		cfg, err := LoadConfig(path)
		require.NoError(t, err)
		assert.Equal(t, 3, cfg.Model.PatchSize)
		// untouched keys keep their defaults
		assert.Equal(t, 64, cfg.Model.FeatDim)
	})

	t.Run("Malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("model: [1, 2"), 0644))
		_, err := LoadConfig(path)
		assert.Error(t, err)
	})
}

// TestValidate checks each rule reports a configuration error
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero channels", func(c *Config) { c.Model.InChannels = 0 }},
		{"heads do not divide featDim", func(c *Config) { c.Model.FeatDim = 10; c.Model.NumHead = 4 }},
		{"even patch", func(c *Config) { c.Model.PatchSize = 6 }},
		{"zero mlp ratio", func(c *Config) { c.Model.MLPRatio = 0 }},
		{"unknown registration", func(c *Config) { c.Registration.Type = "voxelmorph" }},
		{"file registration without path", func(c *Config) { c.Registration.Type = RegistrationFile }},
		{"file synthesis without path", func(c *Config) { c.Synthesis.Type = SynthesisFile }},
		{"unknown init", func(c *Config) { c.Weights.Init = "xavier" }},
		{"pad multiple", func(c *Config) { c.Processing.PadMultiple = 2 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, models.ErrConfig), "got %v", err)
		})
	}

	t.Run("explicit head widths", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Model.FeatDim = 10
		cfg.Model.NumHead = 4
		cfg.Model.DK = 3
		cfg.Model.DV = 3
		assert.NoError(t, cfg.Validate())
	})
}
