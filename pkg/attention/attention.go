// Package attention implements deformation-aware cross-attention (DACA):
// every query pixel attends over a small neighborhood of the key/value maps
// whose position is steered by a displacement field.
package attention

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/deform"
	"rbgfusion/pkg/nn"
	"rbgfusion/pkg/weights"
)

// Options configures one attention block.
type Options struct {
	// FeatDim is the channel width of the query, key and value maps
	FeatDim int
	// NumHead is the number of attention heads
	NumHead int
	// PatchSize is the edge length of the sampled neighborhood
	PatchSize int
	// DK and DV are the per-head key and value widths; zero means FeatDim/NumHead
	DK int
	DV int
	// MLPRatio sets the feed-forward hidden width to int(FeatDim*MLPRatio)
	MLPRatio float64
}

// Resolve fills defaulted widths and validates the options.
func (o Options) Resolve() (Options, error) {
	if o.FeatDim <= 0 || o.NumHead <= 0 {
		return o, errors.Wrapf(models.ErrConfig, "feat_dim (%d) and num_head (%d) must be positive", o.FeatDim, o.NumHead)
	}
	if (o.DK == 0 || o.DV == 0) && o.FeatDim%o.NumHead != 0 {
		return o, errors.Wrapf(models.ErrConfig, "feat_dim %d is not divisible by num_head %d", o.FeatDim, o.NumHead)
	}
	if o.DK == 0 {
		o.DK = o.FeatDim / o.NumHead
	}
	if o.DV == 0 {
		o.DV = o.FeatDim / o.NumHead
	}
	if o.DK < 0 || o.DV < 0 {
		return o, errors.Wrapf(models.ErrConfig, "negative head widths d_k=%d d_v=%d", o.DK, o.DV)
	}
	if err := deform.ValidatePatchSize(o.PatchSize); err != nil {
		return o, err
	}
	if o.MLPRatio <= 0 || int(float64(o.FeatDim)*o.MLPRatio) < 1 {
		return o, errors.Wrapf(models.ErrConfig, "mlp ratio %g gives no hidden units for feat_dim %d", o.MLPRatio, o.FeatDim)
	}
	return o, nil
}

// Weights are the softmax-normalized attention weights, laid out
// [head][neighbor][y][x]. For every head and pixel they sum to one over
// the neighbor axis.
type Weights struct {
	Heads     int
	Neighbors int
	Height    int
	Width     int
	Data      []float64
}

// At returns the weight head h gives neighbor k at pixel (y, x).
func (w *Weights) At(h, k, y, x int) float64 {
	return w.Data[((h*w.Neighbors+k)*w.Height+y)*w.Width+x]
}

// MultiHeadAttention projects query, key and value per pixel, samples the
// key and value maps on the warped neighborhood grid and mixes the values
// with scaled dot-product attention.
type MultiHeadAttention struct {
	FeatDim   int
	NumHead   int
	PatchSize int
	DK        int
	DV        int

	WQ *nn.Pointwise
	WK *nn.Pointwise
	WV *nn.Pointwise
	FC *nn.Pointwise
}

// NewMultiHeadAttention validates opts and allocates the projections.
func NewMultiHeadAttention(opts Options, init *weights.Initializer) (*MultiHeadAttention, error) {
	opts, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	return &MultiHeadAttention{
		FeatDim:   opts.FeatDim,
		NumHead:   opts.NumHead,
		PatchSize: opts.PatchSize,
		DK:        opts.DK,
		DV:        opts.DV,
		WQ:        nn.NewPointwise(opts.FeatDim, opts.NumHead*opts.DK, false, init),
		WK:        nn.NewPointwise(opts.FeatDim, opts.NumHead*opts.DK, false, init),
		WV:        nn.NewPointwise(opts.FeatDim, opts.NumHead*opts.DV, false, init),
		FC:        nn.NewPointwise(opts.NumHead*opts.DV, opts.FeatDim, false, init),
	}, nil
}

// SetIdentityProjections makes all four projections pass channels through.
func (m *MultiHeadAttention) SetIdentityProjections() {
	for _, p := range []*nn.Pointwise{m.WQ, m.WK, m.WV, m.FC} {
		p.SetIdentity()
	}
}

// Attend runs cross-attention of query over the warped neighborhoods of
// key and value. The field is resized to the query resolution first when
// needed. It returns the attended map (same resolution as query) and the
// attention weights.
func (m *MultiHeadAttention) Attend(query, key, value *models.FeatureMap, field *models.DisplacementField) (*models.FeatureMap, *Weights, error) {
	for i, fm := range []*models.FeatureMap{query, key, value} {
		if fm.Channels != m.FeatDim {
			return nil, nil, errors.Wrapf(models.ErrShapeMismatch, "%s has shape %v, want %d channels",
				[]string{"query", "key", "value"}[i], fm.Shape(), m.FeatDim)
		}
	}
	if field == nil {
		return nil, nil, errors.Wrap(models.ErrShapeMismatch, "missing displacement field")
	}
	if !key.SameResolution(query) || !value.SameResolution(query) {
		return nil, nil, errors.Wrapf(models.ErrShapeMismatch, "query %v, key %v and value %v differ in resolution",
			query.Shape(), key.Shape(), value.Shape())
	}

	if field.Height != query.Height || field.Width != query.Width {
		klog.V(2).Infof("resizing displacement field %v to %dx%d", field.Shape(), query.Height, query.Width)
		resized, err := deform.ResizeField(field, query.Height, query.Width)
		if err != nil {
			return nil, nil, err
		}
		field = resized
	}

	q, err := m.WQ.Forward(query)
	if err != nil {
		return nil, nil, errors.Wrap(err, "query projection")
	}
	k, err := m.WK.Forward(key)
	if err != nil {
		return nil, nil, errors.Wrap(err, "key projection")
	}
	v, err := m.WV.Forward(value)
	if err != nil {
		return nil, nil, errors.Wrap(err, "value projection")
	}

	grid, err := deform.BuildGrid(field, m.PatchSize)
	if err != nil {
		return nil, nil, err
	}
	sk, err := deform.Sample(k, grid)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sampling keys")
	}
	sv, err := deform.Sample(v, grid)
	if err != nil {
		return nil, nil, errors.Wrap(err, "sampling values")
	}

	heads, attn := m.softmaxAttention(q, sk, sv)
	out, err := m.FC.Forward(heads)
	if err != nil {
		return nil, nil, errors.Wrap(err, "output projection")
	}
	return out, attn, nil
}

// softmaxAttention computes, per head and pixel, softmax(q.k/sqrt(dk))
// over the neighbors and the matching weighted sum of values.
func (m *MultiHeadAttention) softmaxAttention(q *models.FeatureMap, keys, values *deform.Neighborhood) (*models.FeatureMap, *Weights) {
	h, w := q.Height, q.Width
	pixels := h * w
	k2 := keys.Neighbors
	scale := 1 / math.Sqrt(float64(m.DK))

	out := models.NewFeatureMap(m.NumHead*m.DV, h, w)
	attn := &Weights{
		Heads:     m.NumHead,
		Neighbors: k2,
		Height:    h,
		Width:     w,
		Data:      make([]float64, m.NumHead*k2*pixels),
	}

	kc, vc := keys.Channels, values.Channels
	scores := make([]float64, k2)
	for head := 0; head < m.NumHead; head++ {
		for p := 0; p < pixels; p++ {
			for n := 0; n < k2; n++ {
				var dot float64
				for j := 0; j < m.DK; j++ {
					c := head*m.DK + j
					dot += q.Data[c*pixels+p] * keys.Data[(n*kc+c)*pixels+p]
				}
				scores[n] = dot * scale
			}
			softmax(scores)

			for n, s := range scores {
				attn.Data[(head*k2+n)*pixels+p] = s
			}
			for j := 0; j < m.DV; j++ {
				c := head*m.DV + j
				var acc float64
				for n, s := range scores {
					acc += s * values.Data[(n*vc+c)*pixels+p]
				}
				out.Data[c*pixels+p] = acc
			}
		}
	}
	return out, attn
}

// softmax normalizes x in place.
func softmax(x []float64) {
	hi := floats.Max(x)
	for i, v := range x {
		x[i] = math.Exp(v - hi)
	}
	floats.Scale(1/floats.Sum(x), x)
}

// Load reads the four projections under prefix (w_q, w_k, w_v, fc).
func (m *MultiHeadAttention) Load(store *weights.Store, prefix string) error {
	for _, p := range m.projections() {
		if err := p.layer.Load(store, weights.Join(prefix, p.name)); err != nil {
			return err
		}
	}
	return nil
}

// Export records the projections under prefix.
func (m *MultiHeadAttention) Export(store *weights.Store, prefix string) {
	for _, p := range m.projections() {
		p.layer.Export(store, weights.Join(prefix, p.name))
	}
}

type namedProjection struct {
	name  string
	layer *nn.Pointwise
}

func (m *MultiHeadAttention) projections() []namedProjection {
	return []namedProjection{{"w_q", m.WQ}, {"w_k", m.WK}, {"w_v", m.WV}, {"fc", m.FC}}
}
