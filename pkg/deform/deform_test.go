package deform

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rbgfusion/internal/models"
)

func ramp(c, h, w int) *models.FeatureMap {
	fm := models.NewFeatureMap(c, h, w)
	for i := range fm.Data {
		fm.Data[i] = float64(i + 1)
	}
	return fm
}

func TestValidatePatchSize(t *testing.T) {
	for _, p := range []int{1, 3, 5, 15} {
		assert.NoError(t, ValidatePatchSize(p), "patch %d", p)
	}
	for _, p := range []int{-1, 0, 2, 4, 17} {
		err := ValidatePatchSize(p)
		assert.True(t, errors.Is(err, models.ErrConfig), "patch %d", p)
	}
}

func TestOffset(t *testing.T) {
	ox, oy := Offset(0, 3)
	assert.Equal(t, [2]int{-1, -1}, [2]int{ox, oy})
	ox, oy = Offset(4, 3)
	assert.Equal(t, [2]int{0, 0}, [2]int{ox, oy})
	ox, oy = Offset(5, 3)
	assert.Equal(t, [2]int{1, 0}, [2]int{ox, oy})
	ox, oy = Offset(12, 5)
	assert.Equal(t, [2]int{0, 0}, [2]int{ox, oy})
}

// TestBuildGridZeroField checks that a zero field yields the plain lattice
// around every pixel
func TestBuildGridZeroField(t *testing.T) {
	h, w := 6, 7
	g, err := BuildGrid(models.NewDisplacementField(h, w), 3)
	require.NoError(t, err)
	require.Equal(t, 9, g.Neighbors())

	for k := 0; k < 9; k++ {
		ox, oy := Offset(k, 3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				gx, gy := g.At(k, y, x)
				assert.InDelta(t, float64(x+ox), Denormalize(gx, w), 1e-12)
				assert.InDelta(t, float64(y+oy), Denormalize(gy, h), 1e-12)
			}
		}
	}
	// the centre neighbor of the corner pixel is exactly the corner
	gx, gy := g.At(4, 0, 0)
	assert.Equal(t, -1.0, gx)
	assert.Equal(t, -1.0, gy)
}

// TestBuildGridTranslates checks that the centre pixel's displacement
// moves the whole patch
func TestBuildGridTranslates(t *testing.T) {
	field := models.NewDisplacementField(5, 5)
	field.Set(2, 2, 1.5, -1)
	g, err := BuildGrid(field, 3)
	require.NoError(t, err)

	for k := 0; k < 9; k++ {
		ox, oy := Offset(k, 3)
		gx, gy := g.At(k, 2, 2)
		assert.InDelta(t, 2+float64(ox)+1.5, Denormalize(gx, 5), 1e-12)
		assert.InDelta(t, 2+float64(oy)-1, Denormalize(gy, 5), 1e-12)
	}
	// neighbors of other pixels are unaffected
	gx, _ := g.At(4, 1, 1)
	assert.InDelta(t, 1.0, Denormalize(gx, 5), 1e-12)

	_, err = BuildGrid(field, 2)
	assert.True(t, errors.Is(err, models.ErrConfig))
}

// TestSampleIntegerLattice checks exact reads on integer coordinates and
// zero fill outside the map
func TestSampleIntegerLattice(t *testing.T) {
	fm := ramp(2, 4, 5)
	g, err := BuildGrid(models.NewDisplacementField(4, 5), 3)
	require.NoError(t, err)
	n, err := Sample(fm, g)
	require.NoError(t, err)
	require.Equal(t, 9, n.Neighbors)
	require.Equal(t, 2, n.Channels)

	for k := 0; k < 9; k++ {
		ox, oy := Offset(k, 3)
		for c := 0; c < 2; c++ {
			for y := 0; y < 4; y++ {
				for x := 0; x < 5; x++ {
					sx, sy := x+ox, y+oy
					want := 0.0
					if sx >= 0 && sy >= 0 && sx < 5 && sy < 4 {
						want = fm.At(c, sy, sx)
					}
					assert.InDelta(t, want, n.At(k, c, y, x), 1e-9, "k=%d c=%d y=%d x=%d", k, c, y, x)
				}
			}
		}
	}
}

// TestSampleBilinear checks interpolation between pixels and the partial
// weight of taps straddling the border
func TestSampleBilinear(t *testing.T) {
	fm := ramp(1, 3, 3)
	field := models.ConstantField(3, 3, 0.5, 0)
	g, err := BuildGrid(field, 1)
	require.NoError(t, err)
	n, err := Sample(fm, g)
	require.NoError(t, err)

	// halfway between columns 0 and 1 of row 1: (4 + 5) / 2
	assert.InDelta(t, 4.5, n.At(0, 0, 1, 0), 1e-12)
	// halfway past the last column: only the in-bounds tap contributes
	assert.InDelta(t, 0.5*6, n.At(0, 0, 1, 2), 1e-12)
}

// TestSampleNonFinite checks that NaN and infinite displacements read zero
func TestSampleNonFinite(t *testing.T) {
	fm := ramp(1, 3, 3)
	field := models.NewDisplacementField(3, 3)
	field.Set(0, 0, math.NaN(), 0)
	field.Set(1, 1, math.Inf(1), math.Inf(-1))
	g, err := BuildGrid(field, 1)
	require.NoError(t, err)
	n, err := Sample(fm, g)
	require.NoError(t, err)

	assert.Equal(t, 0.0, n.At(0, 0, 0, 0))
	assert.Equal(t, 0.0, n.At(0, 0, 1, 1))
	assert.Equal(t, fm.At(0, 2, 2), n.At(0, 0, 2, 2))

	_, err = Sample(ramp(1, 4, 3), g)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

// TestResizeFieldScalesMagnitude checks that a constant field keeps pointing
// at the same physical location after resizing
func TestResizeFieldScalesMagnitude(t *testing.T) {
	field := models.ConstantField(4, 4, 2, -1)
	out, err := ResizeField(field, 8, 6)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 8, 6}, out.Shape())
	for y := 0; y < 8; y++ {
		for x := 0; x < 6; x++ {
			assert.InDelta(t, 3.0, out.DX(y, x), 1e-12)
			assert.InDelta(t, -2.0, out.DY(y, x), 1e-12)
		}
	}

	down, err := ResizeField(field, 2, 2)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, down.DX(1, 1), 1e-12)
	assert.InDelta(t, -0.5, down.DY(0, 1), 1e-12)
}

// TestResizeFieldInterpolates checks half-pixel bilinear interpolation on
// a horizontal ramp
func TestResizeFieldInterpolates(t *testing.T) {
	field := models.NewDisplacementField(1, 2)
	field.Set(0, 0, 0, 0)
	field.Set(0, 1, 4, 0)

	out, err := ResizeField(field, 1, 4)
	require.NoError(t, err)
	// source positions -0.25 (clamped to 0), 0.25, 0.75, 1.25 (clamped to 1),
	// then doubled by the width ratio
	assert.InDeltaSlice(t, []float64{0, 2, 6, 8}, out.Data[:4], 1e-12)
}

func TestResizeFieldSameSize(t *testing.T) {
	field := models.ConstantField(3, 3, 1, 1)
	out, err := ResizeField(field, 3, 3)
	require.NoError(t, err)
	out.Set(0, 0, 9, 9)
	assert.Equal(t, 1.0, field.DX(0, 0), "resize must not alias its input")

	_, err = ResizeField(field, 0, 3)
	assert.True(t, errors.Is(err, models.ErrConfig))
	_, err = ResizeField(models.NewDisplacementField(0, 0), 3, 3)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

func TestPadCropField(t *testing.T) {
	field := models.ConstantField(2, 3, 1, -1)
	padded, err := PadField(field, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, 1.0, padded.DX(1, 2))
	assert.Equal(t, 0.0, padded.DX(3, 3))
	assert.Equal(t, 0.0, padded.DY(1, 3))

	cropped, err := CropField(padded, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, field.Data, cropped.Data)

	_, err = PadField(field, 1, 4)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
	_, err = CropField(field, 3, 3)
	assert.True(t, errors.Is(err, models.ErrShapeMismatch))
}

// TestResizeFieldCommutesWithGrid checks on a linear field that the sample
// location at a coarse pixel, mapped back to the fine lattice through the
// half-pixel rule, is the location the fine field points at there
func TestResizeFieldCommutesWithGrid(t *testing.T) {
	const n = 16
	fine := models.NewDisplacementField(n, n)
	for y := 0; y < n; y++ {
		for x := 0; x < n; x++ {
			fine.Set(y, x, 0.25*float64(x)-0.1*float64(y)+1.5, -0.2*float64(x)+0.3*float64(y)-2)
		}
	}
	coarse, err := ResizeField(fine, n/2, n/2)
	require.NoError(t, err)

	dx := func(py, px float64) float64 { return 0.25*px - 0.1*py + 1.5 }
	dy := func(py, px float64) float64 { return -0.2*px + 0.3*py - 2 }
	for yc := 1; yc < n/2-1; yc++ {
		for xc := 1; xc < n/2-1; xc++ {
			px, py := 2*float64(xc)+0.5, 2*float64(yc)+0.5
			gotX := 2*(float64(xc)+coarse.DX(yc, xc)) + 0.5
			gotY := 2*(float64(yc)+coarse.DY(yc, xc)) + 0.5
			assert.InDelta(t, px+dx(py, px), gotX, 1e-9, "x at (%d,%d)", yc, xc)
			assert.InDelta(t, py+dy(py, px), gotY, 1e-9, "y at (%d,%d)", yc, xc)
		}
	}
}
