// Package deform turns a dense displacement field into per-pixel sampling
// neighborhoods: it resizes fields between pyramid resolutions, builds the
// warped sampling grid, and bilinearly samples feature maps on that grid.
package deform

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// ResizeField resamples a field to height x width. Values are rescaled
// along their own axis (dx by the width ratio, dy by the height ratio) and
// then bilinearly interpolated with half-pixel centres, so a displacement
// keeps pointing at the same physical location at the new resolution.
func ResizeField(field *models.DisplacementField, height, width int) (*models.DisplacementField, error) {
	if height <= 0 || width <= 0 {
		return nil, errors.Wrapf(models.ErrConfig, "cannot resize field to %dx%d", height, width)
	}
	if field.Height <= 0 || field.Width <= 0 {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "empty displacement field %v", field.Shape())
	}
	if field.Height == height && field.Width == width {
		out := models.NewDisplacementField(height, width)
		copy(out.Data, field.Data)
		return out, nil
	}

	ratioW := float64(width) / float64(field.Width)
	ratioH := float64(height) / float64(field.Height)

	ys := sourceIndices(height, field.Height)
	xs := sourceIndices(width, field.Width)

	out := models.NewDisplacementField(height, width)
	inN, outN := field.Height*field.Width, height*width
	for ch, ratio := range []float64{ratioW, ratioH} {
		src := field.Data[ch*inN : (ch+1)*inN]
		dst := out.Data[ch*outN : (ch+1)*outN]
		for y, sy := range ys {
			top := src[sy.i0*field.Width:]
			bottom := src[sy.i1*field.Width:]
			for x, sx := range xs {
				v := sy.w0*(sx.w0*top[sx.i0]+sx.w1*top[sx.i1]) +
					sy.w1*(sx.w0*bottom[sx.i0]+sx.w1*bottom[sx.i1])
				dst[y*width+x] = v * ratio
			}
		}
	}
	return out, nil
}

// lerpIndex is the pair of source taps and weights for one output index.
type lerpIndex struct {
	i0, i1 int
	w0, w1 float64
}

// sourceIndices maps every output index to its source taps using the
// half-pixel convention, clamping the source position at zero.
func sourceIndices(outSize, inSize int) []lerpIndex {
	scale := float64(inSize) / float64(outSize)
	idx := make([]lerpIndex, outSize)
	for d := range idx {
		s := (float64(d)+0.5)*scale - 0.5
		if s < 0 {
			s = 0
		}
		i0 := int(s)
		if i0 > inSize-1 {
			i0 = inSize - 1
		}
		i1 := i0
		if i0 < inSize-1 {
			i1 = i0 + 1
		}
		w1 := s - float64(i0)
		if i1 == i0 {
			w1 = 0
		}
		idx[d] = lerpIndex{i0: i0, i1: i1, w0: 1 - w1, w1: w1}
	}
	return idx
}

// PadField zero-extends a field on the bottom and right edges.
func PadField(field *models.DisplacementField, height, width int) (*models.DisplacementField, error) {
	if height < field.Height || width < field.Width {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "cannot pad field %v to %dx%d", field.Shape(), height, width)
	}
	out := models.NewDisplacementField(height, width)
	for y := 0; y < field.Height; y++ {
		for x := 0; x < field.Width; x++ {
			out.Set(y, x, field.DX(y, x), field.DY(y, x))
		}
	}
	return out, nil
}

// CropField keeps the top-left height x width region of a field.
func CropField(field *models.DisplacementField, height, width int) (*models.DisplacementField, error) {
	if height > field.Height || width > field.Width {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "cannot crop field %v to %dx%d", field.Shape(), height, width)
	}
	out := models.NewDisplacementField(height, width)
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			out.Set(y, x, field.DX(y, x), field.DY(y, x))
		}
	}
	return out, nil
}
