package nn

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// DefaultEpsilon is added to the variance before the square root.
const DefaultEpsilon = 1e-5

// GroupNorm normalizes each group of channels with the mean and variance of
// all its values, then applies a per-channel affine transform. With one
// group the statistics span the whole map.
type GroupNorm struct {
	Groups   int
	Channels int
	Epsilon  float64

	Gamma []float64
	Beta  []float64
}

// NewGroupNorm creates a normalization with unit gamma and zero beta.
func NewGroupNorm(groups, channels int) (*GroupNorm, error) {
	if groups <= 0 || channels%groups != 0 {
		return nil, errors.Wrapf(models.ErrConfig, "%d channels cannot be split into %d groups", channels, groups)
	}
	g := &GroupNorm{
		Groups:   groups,
		Channels: channels,
		Epsilon:  DefaultEpsilon,
		Gamma:    make([]float64, channels),
		Beta:     make([]float64, channels),
	}
	for i := range g.Gamma {
		g.Gamma[i] = 1
	}
	return g, nil
}

// Forward normalizes x into a new map.
func (g *GroupNorm) Forward(x *models.FeatureMap) (*models.FeatureMap, error) {
	if x.Channels != g.Channels {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "group norm expects %d channels, got %v", g.Channels, x.Shape())
	}
	out := models.NewFeatureMap(x.Channels, x.Height, x.Width)
	per := g.Channels / g.Groups
	n := x.Pixels()
	for grp := 0; grp < g.Groups; grp++ {
		values := x.Data[grp*per*n : (grp+1)*per*n]
		mean, variance := stat.PopMeanVariance(values, nil)
		inv := 1 / math.Sqrt(variance+g.Epsilon)
		for c := grp * per; c < (grp+1)*per; c++ {
			src := x.Plane(c)
			dst := out.Plane(c)
			for i, v := range src {
				dst[i] = (v-mean)*inv*g.Gamma[c] + g.Beta[c]
			}
		}
	}
	return out, nil
}

// Load reads "<prefix>.weight" (gamma) and "<prefix>.bias" (beta).
func (g *GroupNorm) Load(store *weights.Store, prefix string) error {
	if err := store.Fetch(weights.Join(prefix, "weight"), g.Gamma, g.Channels); err != nil {
		return err
	}
	return store.Fetch(weights.Join(prefix, "bias"), g.Beta, g.Channels)
}

// Export records gamma and beta under prefix.
func (g *GroupNorm) Export(store *weights.Store, prefix string) {
	store.Record(weights.Join(prefix, "weight"), g.Gamma, g.Channels)
	store.Record(weights.Join(prefix, "bias"), g.Beta, g.Channels)
}
