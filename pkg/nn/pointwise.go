package nn

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// Pointwise is a 1x1 convolution: per-pixel channel mixing with no spatial
// extent. Bias is nil for the attention projections.
type Pointwise struct {
	In, Out int

	// Weight is laid out [Out][In]
	Weight []float64
	Bias   []float64
}

// NewPointwise creates a 1x1 convolution, with a bias vector when withBias is set.
func NewPointwise(in, out int, withBias bool, init *weights.Initializer) *Pointwise {
	p := &Pointwise{In: in, Out: out, Weight: make([]float64, out*in)}
	if withBias {
		p.Bias = make([]float64, out)
	}
	if init != nil {
		init.Uniform(p.Weight, in)
		if p.Bias != nil {
			init.Uniform(p.Bias, in)
		}
	}
	return p
}

// SetIdentity makes the layer copy channel i of its input to channel i of
// its output (for i < min(In, Out)) and clears the bias.
func (p *Pointwise) SetIdentity() {
	for i := range p.Weight {
		p.Weight[i] = 0
	}
	for i := 0; i < p.In && i < p.Out; i++ {
		p.Weight[i*p.In+i] = 1
	}
	for i := range p.Bias {
		p.Bias[i] = 0
	}
}

// Forward mixes channels at every pixel.
func (p *Pointwise) Forward(x *models.FeatureMap) (*models.FeatureMap, error) {
	if x.Channels != p.In {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "1x1 conv expects %d channels, got %v", p.In, x.Shape())
	}
	n := x.Pixels()
	w := mat.NewDense(p.Out, p.In, p.Weight)
	in := mat.NewDense(p.In, n, x.Data)

	out := models.NewFeatureMap(p.Out, x.Height, x.Width)
	prod := mat.NewDense(p.Out, n, out.Data)
	prod.Mul(w, in)
	if p.Bias != nil {
		for o := 0; o < p.Out; o++ {
			plane := out.Plane(o)
			for i := range plane {
				plane[i] += p.Bias[o]
			}
		}
	}
	return out, nil
}

// Load reads "<prefix>.weight" shaped [Out, In, 1, 1] and, when present, the bias.
func (p *Pointwise) Load(store *weights.Store, prefix string) error {
	if err := store.Fetch(weights.Join(prefix, "weight"), p.Weight, p.Out, p.In, 1, 1); err != nil {
		return err
	}
	if p.Bias == nil {
		return nil
	}
	return store.Fetch(weights.Join(prefix, "bias"), p.Bias, p.Out)
}

// Export records the parameters under prefix.
func (p *Pointwise) Export(store *weights.Store, prefix string) {
	store.Record(weights.Join(prefix, "weight"), p.Weight, p.Out, p.In, 1, 1)
	if p.Bias != nil {
		store.Record(weights.Join(prefix, "bias"), p.Bias, p.Out)
	}
}
