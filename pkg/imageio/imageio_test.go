package imageio

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// TestImageRoundTrip saves a map as PNG and reads it back within 8-bit
// quantization
func TestImageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	fm := models.NewFeatureMap(1, 6, 9)
	for i := range fm.Data {
		fm.Data[i] = -1 + 2*float64(i)/float64(len(fm.Data)-1)
	}

	path := filepath.Join(dir, "ramp.png")
	require.NoError(t, SaveImage(path, fm))

	loaded, err := LoadImage(path)
	require.NoError(t, err)
	assert.Equal(t, fm.Shape(), loaded.Shape())
	assert.InDeltaSlice(t, fm.Data, loaded.Data, 1/127.5)
	assert.Equal(t, -1.0, loaded.At(0, 0, 0))
	assert.Equal(t, 1.0, loaded.At(0, 5, 8))
}

// TestImageRGB checks the 3-channel path
func TestImageRGB(t *testing.T) {
	dir := t.TempDir()
	fm := models.NewFeatureMap(3, 4, 4)
	for c := 0; c < 3; c++ {
		plane := fm.Plane(c)
		for i := range plane {
			plane[i] = float64(2*(c%2) - 1)
		}
	}
	path := filepath.Join(dir, "rgb.png")
	require.NoError(t, SaveImage(path, fm))

	loaded, err := LoadChannels(path, 3)
	require.NoError(t, err)
	assert.InDeltaSlice(t, fm.Data, loaded.Data, 1e-9)

	gray, err := LoadChannels(path, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 4, 4}, gray.Shape())

	_, err = LoadChannels(path, 2)
	assert.True(t, errors.Is(err, models.ErrConfig))
}

// TestToImageClamps checks out-of-range values saturate
func TestToImageClamps(t *testing.T) {
	data, err := models.FromData([]float64{-3, 3}, 1, 1, 2)
	require.NoError(t, err)
	img, err := ToImage(data)
	require.NoError(t, err)
	back := FromGray(img)
	assert.Equal(t, []float64{-1, 1}, back.Data)

	_, err = ToImage(models.NewFeatureMap(2, 1, 1))
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

// TestFieldRoundTrip writes and reads displacement fields in both layouts
func TestFieldRoundTrip(t *testing.T) {
	dir := t.TempDir()
	field := models.ConstantField(3, 5, 0.5, -1.25)
	field.Set(1, 2, 4, 8)

	path := filepath.Join(dir, "field.safetensors")
	require.NoError(t, SaveField(path, field))
	loaded, err := LoadField(path)
	require.NoError(t, err)
	assert.Equal(t, field.Shape(), loaded.Shape())
	assert.Equal(t, field.Data, loaded.Data)

	t.Run("Batched", func(t *testing.T) {
		store := weights.NewStore()
		store.Record(FieldKey, field.Data, 1, 2, 3, 5)
		p := filepath.Join(dir, "batched.safetensors")
		require.NoError(t, weights.Save(p, store, weights.F32))
		loaded, err := LoadField(p)
		require.NoError(t, err)
		assert.Equal(t, field.Data, loaded.Data)
	})

	t.Run("WrongShape", func(t *testing.T) {
		store := weights.NewStore()
		store.Record(FieldKey, make([]float64, 15), 1, 3, 5)
		p := filepath.Join(dir, "bad.safetensors")
		require.NoError(t, weights.Save(p, store, weights.F32))
		_, err := LoadField(p)
		assert.True(t, errors.Is(err, models.ErrShapeMismatch))
	})

	t.Run("MissingKey", func(t *testing.T) {
		store := weights.NewStore()
		store.Record("other", []float64{1}, 1)
		p := filepath.Join(dir, "other.safetensors")
		require.NoError(t, weights.Save(p, store, weights.F32))
		_, err := LoadField(p)
		assert.True(t, errors.Is(err, models.ErrConfig))
	})
}
