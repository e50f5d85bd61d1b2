package attention

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/nn"
	"rbgfusion/pkg/weights"
)

// Block wraps MultiHeadAttention with a residual feed-forward network and
// a single-group normalization:
//
//	out = norm(attended + mlp(attended))
type Block struct {
	Attention *MultiHeadAttention
	MLP       *nn.MLP
	Norm      *nn.GroupNorm
}

// NewBlock builds one independently parameterized DACA block.
func NewBlock(opts Options, init *weights.Initializer) (*Block, error) {
	opts, err := opts.Resolve()
	if err != nil {
		return nil, err
	}
	mha, err := NewMultiHeadAttention(opts, init)
	if err != nil {
		return nil, err
	}
	norm, err := nn.NewGroupNorm(1, opts.FeatDim)
	if err != nil {
		return nil, err
	}
	return &Block{
		Attention: mha,
		MLP:       nn.NewMLP(opts.FeatDim, int(float64(opts.FeatDim)*opts.MLPRatio), init),
		Norm:      norm,
	}, nil
}

// Forward attends, adds the feed-forward residual and normalizes.
func (b *Block) Forward(query, key, value *models.FeatureMap, field *models.DisplacementField) (*models.FeatureMap, *Weights, error) {
	attended, attn, err := b.Attention.Attend(query, key, value, field)
	if err != nil {
		return nil, nil, err
	}
	ff, err := b.MLP.Forward(attended)
	if err != nil {
		return nil, nil, err
	}
	sum, err := attended.Add(ff)
	if err != nil {
		return nil, nil, err
	}
	out, err := b.Norm.Forward(sum)
	if err != nil {
		return nil, nil, errors.Wrap(err, "normalization")
	}
	return out, attn, nil
}

// Load reads "<prefix>.attention", "<prefix>.mlp" and "<prefix>.normalization".
func (b *Block) Load(store *weights.Store, prefix string) error {
	if err := b.Attention.Load(store, weights.Join(prefix, "attention")); err != nil {
		return err
	}
	if err := b.MLP.Load(store, weights.Join(prefix, "mlp")); err != nil {
		return err
	}
	return b.Norm.Load(store, weights.Join(prefix, "normalization"))
}

// Export records the block parameters under prefix.
func (b *Block) Export(store *weights.Store, prefix string) {
	b.Attention.Export(store, weights.Join(prefix, "attention"))
	b.MLP.Export(store, weights.Join(prefix, "mlp"))
	b.Norm.Export(store, weights.Join(prefix, "normalization"))
}
