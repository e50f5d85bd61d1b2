package deform

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// MaxPatchSize bounds the neighborhood edge length.
const MaxPatchSize = 15

// ValidatePatchSize checks that p is a small odd positive integer.
func ValidatePatchSize(p int) error {
	if p < 1 || p%2 == 0 || p > MaxPatchSize {
		return errors.Wrapf(models.ErrConfig, "patch size must be odd and within [1, %d], got %d", MaxPatchSize, p)
	}
	return nil
}

// Grid holds, for every neighbor offset and every pixel, the normalized
// (x, y) location to sample. Coordinates in [-1, 1] fall inside the map;
// anything else is resolved to zero by the sampler.
type Grid struct {
	PatchSize int
	Height    int
	Width     int

	// Coords is laid out [neighbor][y][x][2] with (x, y) pairs
	Coords []float64
}

// Neighbors returns PatchSize squared.
func (g *Grid) Neighbors() int {
	return g.PatchSize * g.PatchSize
}

// At returns the normalized coordinate of neighbor k for pixel (y, x).
func (g *Grid) At(k, y, x int) (float64, float64) {
	i := 2 * ((k*g.Height+y)*g.Width + x)
	return g.Coords[i], g.Coords[i+1]
}

// Offset returns the fixed (ox, oy) lattice offset of neighbor k.
func Offset(k, patchSize int) (int, int) {
	r := (patchSize - 1) / 2
	return k%patchSize - r, k/patchSize - r
}

// BuildGrid warps a patchSize x patchSize lattice around every pixel.
// The whole patch is translated by the displacement found at its centre
// pixel, then each neighbor adds its fixed offset. Neighbor k has offset
// (k%p - r, k/p - r). Coordinates are normalized as 2*v/(dim-1) - 1.
func BuildGrid(field *models.DisplacementField, patchSize int) (*Grid, error) {
	if err := ValidatePatchSize(patchSize); err != nil {
		return nil, err
	}
	h, w := field.Height, field.Width
	if h <= 0 || w <= 0 {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "empty displacement field %v", field.Shape())
	}
	neighbors := patchSize * patchSize
	g := &Grid{
		PatchSize: patchSize,
		Height:    h,
		Width:     w,
		Coords:    make([]float64, 2*neighbors*h*w),
	}

	sx := 2 / float64(max(w-1, 1))
	sy := 2 / float64(max(h-1, 1))
	for k := 0; k < neighbors; k++ {
		ox, oy := Offset(k, patchSize)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				vx := float64(x+ox) + field.DX(y, x)
				vy := float64(y+oy) + field.DY(y, x)
				i := 2 * ((k*h+y)*w + x)
				g.Coords[i] = vx*sx - 1
				g.Coords[i+1] = vy*sy - 1
			}
		}
	}
	return g, nil
}

// Denormalize converts a normalized coordinate back to pixel units along
// an axis of size dim, matching the sampler.
func Denormalize(v float64, dim int) float64 {
	return (v + 1) / 2 * float64(dim-1)
}
