package models

import (
	"github.com/pkg/errors"
)

var (
	// ErrConfig marks configuration errors detected at construction or call entry.
	ErrConfig = errors.New("invalid configuration")

	// ErrShapeMismatch marks inputs whose dimensions disagree.
	ErrShapeMismatch = errors.New("shape mismatch")
)

// FeatureMap is a channels x height x width array of real values.
// Data is stored channel-major, then row-major: index = c*H*W + y*W + x.
//
// A map produced by one stage is treated as immutable by the stages that
// consume it. Residual fusion goes through Add, which always allocates.
type FeatureMap struct {
	// Data holds Channels*Height*Width values
	Data []float64

	// Channels is the number of feature planes
	Channels int

	// Height and Width are the spatial dimensions of every plane
	Height int
	Width  int
}

// NewFeatureMap allocates a zero-filled feature map.
func NewFeatureMap(channels, height, width int) *FeatureMap {
	return &FeatureMap{
		Data:     make([]float64, channels*height*width),
		Channels: channels,
		Height:   height,
		Width:    width,
	}
}

// Filled returns a feature map with every value set to v.
func Filled(channels, height, width int, v float64) *FeatureMap {
	fm := NewFeatureMap(channels, height, width)
	for i := range fm.Data {
		fm.Data[i] = v
	}
	return fm
}

// FromData wraps data as a feature map after checking its length.
func FromData(data []float64, channels, height, width int) (*FeatureMap, error) {
	if len(data) != channels*height*width {
		return nil, errors.Wrapf(ErrShapeMismatch, "%d values cannot form [%d %d %d]",
			len(data), channels, height, width)
	}
	return &FeatureMap{Data: data, Channels: channels, Height: height, Width: width}, nil
}

// Index returns the flat offset of (c, y, x).
func (f *FeatureMap) Index(c, y, x int) int {
	return (c*f.Height+y)*f.Width + x
}

// At returns the value at (c, y, x).
func (f *FeatureMap) At(c, y, x int) float64 {
	return f.Data[f.Index(c, y, x)]
}

// Set stores v at (c, y, x).
func (f *FeatureMap) Set(c, y, x int, v float64) {
	f.Data[f.Index(c, y, x)] = v
}

// Plane returns the backing slice of channel c.
func (f *FeatureMap) Plane(c int) []float64 {
	n := f.Height * f.Width
	return f.Data[c*n : (c+1)*n]
}

// Pixels returns Height*Width.
func (f *FeatureMap) Pixels() int {
	return f.Height * f.Width
}

// Shape returns [channels, height, width].
func (f *FeatureMap) Shape() []int {
	return []int{f.Channels, f.Height, f.Width}
}

// SameShape reports whether o has the same channels and resolution.
func (f *FeatureMap) SameShape(o *FeatureMap) bool {
	return f.Channels == o.Channels && f.Height == o.Height && f.Width == o.Width
}

// SameResolution reports whether o has the same spatial size.
func (f *FeatureMap) SameResolution(o *FeatureMap) bool {
	return f.Height == o.Height && f.Width == o.Width
}

// Clone returns a deep copy.
func (f *FeatureMap) Clone() *FeatureMap {
	c := NewFeatureMap(f.Channels, f.Height, f.Width)
	copy(c.Data, f.Data)
	return c
}

// Add returns the element-wise sum of f and others as a new map.
func (f *FeatureMap) Add(others ...*FeatureMap) (*FeatureMap, error) {
	out := f.Clone()
	for _, o := range others {
		if !f.SameShape(o) {
			return nil, errors.Wrapf(ErrShapeMismatch, "cannot add %v to %v", o.Shape(), f.Shape())
		}
		for i, v := range o.Data {
			out.Data[i] += v
		}
	}
	return out, nil
}

// Concat stacks maps along the channel axis.
func Concat(maps ...*FeatureMap) (*FeatureMap, error) {
	if len(maps) == 0 {
		return nil, errors.Wrap(ErrConfig, "nothing to concatenate")
	}
	first := maps[0]
	channels := 0
	for _, m := range maps {
		if !m.SameResolution(first) {
			return nil, errors.Wrapf(ErrShapeMismatch, "cannot concatenate %v with %v", m.Shape(), first.Shape())
		}
		channels += m.Channels
	}
	out := NewFeatureMap(channels, first.Height, first.Width)
	offset := 0
	for _, m := range maps {
		copy(out.Data[offset:], m.Data)
		offset += len(m.Data)
	}
	return out, nil
}
