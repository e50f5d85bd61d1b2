package deform

import (
	"math"

	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// Neighborhood holds a feature map sampled at every grid neighbor:
// Data is laid out [neighbor][channel][y][x].
type Neighborhood struct {
	Neighbors int
	Channels  int
	Height    int
	Width     int
	Data      []float64
}

// At returns the sampled value of channel c for neighbor k at (y, x).
func (n *Neighborhood) At(k, c, y, x int) float64 {
	return n.Data[((k*n.Channels+c)*n.Height+y)*n.Width+x]
}

// Sample bilinearly reads fm at every grid location. Taps outside the map
// contribute zero, and non-finite coordinates read as zero.
func Sample(fm *models.FeatureMap, grid *Grid) (*Neighborhood, error) {
	if fm.Height != grid.Height || fm.Width != grid.Width {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "grid %dx%d does not match feature map %v",
			grid.Height, grid.Width, fm.Shape())
	}
	h, w := fm.Height, fm.Width
	pixels := h * w
	k2 := grid.Neighbors()
	out := &Neighborhood{
		Neighbors: k2,
		Channels:  fm.Channels,
		Height:    h,
		Width:     w,
		Data:      make([]float64, k2*fm.Channels*pixels),
	}

	var taps [4]int
	var wts [4]float64
	for k := 0; k < k2; k++ {
		for p := 0; p < pixels; p++ {
			gx, gy := grid.Coords[2*(k*pixels+p)], grid.Coords[2*(k*pixels+p)+1]
			n := bilinearTaps(Denormalize(gx, w), Denormalize(gy, h), w, h, &taps, &wts)
			if n == 0 {
				continue
			}
			for c := 0; c < fm.Channels; c++ {
				plane := fm.Data[c*pixels : (c+1)*pixels]
				var v float64
				for t := 0; t < n; t++ {
					v += wts[t] * plane[taps[t]]
				}
				out.Data[(k*fm.Channels+c)*pixels+p] = v
			}
		}
	}
	return out, nil
}

// bilinearTaps fills the in-bounds corner indices and weights around
// (ix, iy) and returns how many there are.
func bilinearTaps(ix, iy float64, w, h int, taps *[4]int, wts *[4]float64) int {
	if math.IsNaN(ix) || math.IsNaN(iy) || ix <= -1 || iy <= -1 || ix >= float64(w) || iy >= float64(h) {
		return 0
	}
	x0f, y0f := math.Floor(ix), math.Floor(iy)
	x0, y0 := int(x0f), int(y0f)
	fx, fy := ix-x0f, iy-y0f

	n := 0
	add := func(x, y int, weight float64) {
		if x < 0 || y < 0 || x >= w || y >= h || weight == 0 {
			return
		}
		taps[n] = y*w + x
		wts[n] = weight
		n++
	}
	add(x0, y0, (1-fx)*(1-fy))
	add(x0+1, y0, fx*(1-fy))
	add(x0, y0+1, (1-fx)*fy)
	add(x0+1, y0+1, fx*fy)
	return n
}
