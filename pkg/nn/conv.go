// Package nn implements the small set of convolutional building blocks the
// fusion network is made of: 3x3 filters, 1x1 channel mixers, nearest
// upsampling, LeakyReLU and group normalization. Dense products go through
// gonum.
package nn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// KernelSize is the spatial extent of every Conv2d filter.
const KernelSize = 3

// Conv2d is a 3x3 convolution with zero padding of 1.
type Conv2d struct {
	In, Out int
	Stride  int

	// Weight is laid out [Out][In][3][3]
	Weight []float64
	Bias   []float64
}

// NewConv2d creates a convolution initialized from init. A nil init leaves
// the parameters at zero.
func NewConv2d(in, out, stride int, init *weights.Initializer) *Conv2d {
	c := &Conv2d{
		In:     in,
		Out:    out,
		Stride: stride,
		Weight: make([]float64, out*in*KernelSize*KernelSize),
		Bias:   make([]float64, out),
	}
	if init != nil {
		fanIn := in * KernelSize * KernelSize
		init.Uniform(c.Weight, fanIn)
		init.Uniform(c.Bias, fanIn)
	}
	return c
}

// OutputSize returns the spatial size produced for an n-pixel input axis.
func (c *Conv2d) OutputSize(n int) int {
	return (n-1)/c.Stride + 1
}

// Forward applies the filter. The input channel count must match In.
func (c *Conv2d) Forward(x *models.FeatureMap) (*models.FeatureMap, error) {
	if x.Channels != c.In {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "conv expects %d channels, got %v", c.In, x.Shape())
	}
	ho, wo := c.OutputSize(x.Height), c.OutputSize(x.Width)
	cols := c.im2col(x, ho, wo)

	w := mat.NewDense(c.Out, c.In*KernelSize*KernelSize, c.Weight)
	var prod mat.Dense
	prod.Mul(w, cols)

	out := models.NewFeatureMap(c.Out, ho, wo)
	n := ho * wo
	for o := 0; o < c.Out; o++ {
		row := prod.RawRowView(o)
		plane := out.Data[o*n : (o+1)*n]
		for i := range plane {
			plane[i] = row[i] + c.Bias[o]
		}
	}
	return out, nil
}

// im2col unfolds every 3x3 receptive field into a column.
func (c *Conv2d) im2col(x *models.FeatureMap, ho, wo int) *mat.Dense {
	rows := c.In * KernelSize * KernelSize
	n := ho * wo
	data := make([]float64, rows*n)
	for ch := 0; ch < c.In; ch++ {
		plane := x.Plane(ch)
		for ky := 0; ky < KernelSize; ky++ {
			for kx := 0; kx < KernelSize; kx++ {
				row := data[((ch*KernelSize+ky)*KernelSize+kx)*n:]
				for oy := 0; oy < ho; oy++ {
					iy := oy*c.Stride + ky - 1
					if iy < 0 || iy >= x.Height {
						continue
					}
					for ox := 0; ox < wo; ox++ {
						ix := ox*c.Stride + kx - 1
						if ix < 0 || ix >= x.Width {
							continue
						}
						row[oy*wo+ox] = plane[iy*x.Width+ix]
					}
				}
			}
		}
	}
	return mat.NewDense(rows, n, data)
}

// Load reads "<prefix>.weight" and "<prefix>.bias".
func (c *Conv2d) Load(store *weights.Store, prefix string) error {
	if err := store.Fetch(weights.Join(prefix, "weight"), c.Weight, c.Out, c.In, KernelSize, KernelSize); err != nil {
		return err
	}
	return store.Fetch(weights.Join(prefix, "bias"), c.Bias, c.Out)
}

// Export records the parameters under prefix.
func (c *Conv2d) Export(store *weights.Store, prefix string) {
	store.Record(weights.Join(prefix, "weight"), c.Weight, c.Out, c.In, KernelSize, KernelSize)
	store.Record(weights.Join(prefix, "bias"), c.Bias, c.Out)
}
