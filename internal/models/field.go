package models

import (
	"github.com/pkg/errors"
)

// DisplacementField is a 2-channel (dx, dy) map in pixel units, relative to
// the resolution it was computed at. It is geometry: resizing it must also
// rescale its magnitudes, so it is kept apart from FeatureMap.
type DisplacementField struct {
	// Data holds the dx plane followed by the dy plane
	Data []float64

	// Height and Width are the native resolution of the field
	Height int
	Width  int
}

// NewDisplacementField allocates an all-zero field.
func NewDisplacementField(height, width int) *DisplacementField {
	return &DisplacementField{
		Data:   make([]float64, 2*height*width),
		Height: height,
		Width:  width,
	}
}

// ConstantField returns a field that moves every pixel by (dx, dy).
func ConstantField(height, width int, dx, dy float64) *DisplacementField {
	f := NewDisplacementField(height, width)
	n := height * width
	for i := 0; i < n; i++ {
		f.Data[i] = dx
		f.Data[n+i] = dy
	}
	return f
}

// FieldFromFeatureMap reinterprets a 2-channel feature map as a field.
func FieldFromFeatureMap(fm *FeatureMap) (*DisplacementField, error) {
	if fm.Channels != 2 {
		return nil, errors.Wrapf(ErrShapeMismatch, "displacement field needs 2 channels, got %v", fm.Shape())
	}
	data := make([]float64, len(fm.Data))
	copy(data, fm.Data)
	return &DisplacementField{Data: data, Height: fm.Height, Width: fm.Width}, nil
}

// DX returns the horizontal displacement at (y, x).
func (f *DisplacementField) DX(y, x int) float64 {
	return f.Data[y*f.Width+x]
}

// DY returns the vertical displacement at (y, x).
func (f *DisplacementField) DY(y, x int) float64 {
	return f.Data[f.Height*f.Width+y*f.Width+x]
}

// Set stores the displacement at (y, x).
func (f *DisplacementField) Set(y, x int, dx, dy float64) {
	f.Data[y*f.Width+x] = dx
	f.Data[f.Height*f.Width+y*f.Width+x] = dy
}

// Shape returns [2, height, width].
func (f *DisplacementField) Shape() []int {
	return []int{2, f.Height, f.Width}
}

// AsFeatureMap exposes a copy of the field as a 2-channel feature map.
func (f *DisplacementField) AsFeatureMap() *FeatureMap {
	fm := NewFeatureMap(2, f.Height, f.Width)
	copy(fm.Data, f.Data)
	return fm
}
