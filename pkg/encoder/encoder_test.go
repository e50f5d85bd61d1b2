package encoder

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// TestEncodeShapes checks the resolution of every pyramid level
func TestEncodeShapes(t *testing.T) {
	e, err := New(2, 4, weights.NewInitializer(1))
	require.NoError(t, err)

	img := models.NewFeatureMap(2, 16, 12)
	weights.NewInitializer(2).Uniform(img.Data, 1)
	p, err := e.Encode(img)
	require.NoError(t, err)

	want := map[Level][]int{
		Down0:      {4, 16, 12},
		Down1:      {4, 8, 6},
		Down2:      {4, 4, 3},
		Bottleneck: {4, 4, 3},
		Up1:        {4, 8, 6},
		Output:     {4, 16, 12},
	}
	for level, shape := range want {
		assert.Equal(t, shape, p.Level(level).Shape(), "level %d", level)
	}
	for _, s := range models.Scales {
		h, w := s.Resolution(16, 12)
		assert.Equal(t, []int{4, h, w}, p.AtScale(s).Shape(), "scale %s", s)
	}
}

// TestEncodeSkipConnections checks the residual wiring of an otherwise
// zero network
func TestEncodeSkipConnections(t *testing.T) {
	e, err := New(1, 2, nil)
	require.NoError(t, err)
	// the input convolution copies the image into channel 0
	e.ConvIn.Convs[0].Weight[4] = 1

	img := models.Filled(1, 4, 4, 0.5)
	p, err := e.Encode(img)
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Level(Down0).At(0, 2, 2))
	// later stages have zero weights, so only the skip sums carry values
	assert.Equal(t, 0.0, p.Level(Output).At(0, 2, 2))
	assert.Equal(t, 0.0, p.Level(Bottleneck).At(0, 0, 0))
}

func TestEncodeErrors(t *testing.T) {
	_, err := New(0, 4, nil)
	assert.True(t, errors.Is(err, models.ErrConfig))

	e, err := New(1, 4, nil)
	require.NoError(t, err)
	_, err = e.Encode(models.NewFeatureMap(2, 8, 8))
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
	_, err = e.Encode(models.NewFeatureMap(1, 8, 6))
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

// TestEncoderWeights checks the checkpoint names and a load round trip
func TestEncoderWeights(t *testing.T) {
	src, err := New(2, 4, weights.NewInitializer(3))
	require.NoError(t, err)
	store := weights.NewStore()
	src.Export(store, "FE1")
	assert.Equal(t, 26, store.Len())
	for _, name := range []string{
		"FE1.conv_in.conv.0.weight",
		"FE1.conv1.conv.2.bias",
		"FE1.conv4.conv.1.weight",
		"FE1.conv6.conv.2.weight",
	} {
		_, ok := store.Get(name)
		assert.True(t, ok, name)
	}

	dst, err := New(2, 4, nil)
	require.NoError(t, err)
	require.NoError(t, dst.Load(store, "FE1"))
	assert.Equal(t, src.Conv5.Convs[1].Weight, dst.Conv5.Convs[1].Weight)

	err = dst.Load(store, "FE2")
	assert.True(t, errors.Is(err, models.ErrConfig))
}
