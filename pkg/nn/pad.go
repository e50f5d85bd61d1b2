package nn

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// RoundUp returns the smallest multiple of m that is >= n.
func RoundUp(n, m int) int {
	if m <= 1 {
		return n
	}
	return (n + m - 1) / m * m
}

// Pad extends x on the bottom and right edges to height x width, filling
// new pixels with value.
func Pad(x *models.FeatureMap, height, width int, value float64) (*models.FeatureMap, error) {
	if height < x.Height || width < x.Width {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "cannot pad %v to %dx%d", x.Shape(), height, width)
	}
	if height == x.Height && width == x.Width {
		return x.Clone(), nil
	}
	out := models.Filled(x.Channels, height, width, value)
	for c := 0; c < x.Channels; c++ {
		src := x.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < x.Height; y++ {
			copy(dst[y*width:y*width+x.Width], src[y*x.Width:(y+1)*x.Width])
		}
	}
	return out, nil
}

// Crop keeps the top-left height x width region of x.
func Crop(x *models.FeatureMap, height, width int) (*models.FeatureMap, error) {
	if height > x.Height || width > x.Width {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "cannot crop %v to %dx%d", x.Shape(), height, width)
	}
	out := models.NewFeatureMap(x.Channels, height, width)
	for c := 0; c < x.Channels; c++ {
		src := x.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < height; y++ {
			copy(dst[y*width:(y+1)*width], src[y*x.Width:y*x.Width+width])
		}
	}
	return out, nil
}
