package visualization

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/attention"
)

// TestExtractChannel verifies dimensions and contrast stretching of a
// rendered channel
func TestExtractChannel(t *testing.T) {
	width, height := 10, 6
	fm := models.NewFeatureMap(2, height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			fm.Set(1, y, x, 0.25+0.05*float64(x))
		}
	}

	img, err := ExtractChannel(fm, 1)
	require.NoError(t, err)
	gray, ok := img.(*image.Gray16)
	require.True(t, ok, "expected *image.Gray16, got %T", img)
	assert.Equal(t, width, gray.Bounds().Dx())
	assert.Equal(t, height, gray.Bounds().Dy())
	assert.Equal(t, uint16(0), gray.Gray16At(0, 3).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(width-1, 3).Y)

	// constant channel
	img, err = ExtractChannel(fm, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(0), img.(*image.Gray16).Gray16At(4, 4).Y)

	_, err = ExtractChannel(fm, 2)
	assert.Error(t, err)
}

// TestSaveChannels verifies that every channel lands in its own file
func TestSaveChannels(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "features")
	e := NewExporter(dir, "")

	fm := models.NewFeatureMap(3, 4, 4)
	for i := range fm.Data {
		fm.Data[i] = float64(i % 7)
	}
	files, err := e.SaveChannels(fm, "fine")
	require.NoError(t, err)
	require.Len(t, files, 3)
	assert.Equal(t, filepath.Join(dir, "fine_002.png"), files[2])
	for _, f := range files {
		info, err := os.Stat(f)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}
}

// uniformWeights builds attention weights where every head prefers
// neighbor k everywhere
func uniformWeights(heads, patch, h, w, k int) *attention.Weights {
	n := patch * patch
	wts := &attention.Weights{Heads: heads, Neighbors: n, Height: h, Width: w, Data: make([]float64, heads*n*h*w)}
	for hd := 0; hd < heads; hd++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				wts.Data[((hd*n+k)*h+y)*w+x] = 1
			}
		}
	}
	return wts
}

// TestAttentionMaps checks the per-neighbor and offset renderings
func TestAttentionMaps(t *testing.T) {
	// neighbor 0 of a 3x3 patch sits at offset (-1, -1)
	w := uniformWeights(2, 3, 4, 5, 0)
	w.Data[0] = 0.5 // head 0, neighbor 0, pixel (0, 0)

	img, err := AttentionMap(w, 0, 0)
	require.NoError(t, err)
	gray := img.(*image.Gray16)
	assert.Equal(t, uint16(0), gray.Gray16At(0, 0).Y)
	assert.Equal(t, uint16(65535), gray.Gray16At(1, 0).Y)

	_, err = AttentionMap(w, 2, 0)
	assert.Error(t, err)
	_, err = AttentionMap(w, 0, 9)
	assert.Error(t, err)

	off, err := OffsetMap(w, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, off.Bounds().Dx())
	assert.Equal(t, 4, off.Bounds().Dy())

	dir := t.TempDir()
	files, err := NewExporter(dir, ".png").SaveAttention(w, "coarse")
	require.NoError(t, err)
	assert.Len(t, files, 4)
	assert.FileExists(t, filepath.Join(dir, "coarse_head1_offset.png"))
}
