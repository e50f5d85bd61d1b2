package nn

import (
	"math"

	"rbgfusion/internal/models"
)

// NegativeSlope is the LeakyReLU slope used throughout the network.
const NegativeSlope = 0.2

// LeakyReLU applies max(x, slope*x) element-wise into a new map.
func LeakyReLU(x *models.FeatureMap, slope float64) *models.FeatureMap {
	out := models.NewFeatureMap(x.Channels, x.Height, x.Width)
	for i, v := range x.Data {
		if v < 0 {
			v *= slope
		}
		out.Data[i] = v
	}
	return out
}

// Tanh squashes every value into (-1, 1).
func Tanh(x *models.FeatureMap) *models.FeatureMap {
	out := models.NewFeatureMap(x.Channels, x.Height, x.Width)
	for i, v := range x.Data {
		out.Data[i] = math.Tanh(v)
	}
	return out
}

// UpsampleNearest doubles both spatial dimensions by pixel replication.
func UpsampleNearest(x *models.FeatureMap) *models.FeatureMap {
	h, w := 2*x.Height, 2*x.Width
	out := models.NewFeatureMap(x.Channels, h, w)
	for c := 0; c < x.Channels; c++ {
		src := x.Plane(c)
		dst := out.Plane(c)
		for y := 0; y < h; y++ {
			row := src[(y/2)*x.Width:]
			for xx := 0; xx < w; xx++ {
				dst[y*w+xx] = row[xx/2]
			}
		}
	}
	return out
}
