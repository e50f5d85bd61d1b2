package nn

import (
	"fmt"

	"github.com/pkg/errors"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// BlockKind selects the layout of a ConvBlock.
type BlockKind int

const (
	// Single is conv3x3 + LeakyReLU
	Single BlockKind = iota
	// Dual is two conv3x3 + LeakyReLU pairs
	Dual
	// Down is Dual with a stride-2 first convolution
	Down
	// Up is nearest x2 upsampling followed by Dual
	Up
)

func (k BlockKind) String() string {
	switch k {
	case Single:
		return "single"
	case Dual:
		return "dual"
	case Down:
		return "down"
	case Up:
		return "up"
	}
	return fmt.Sprintf("BlockKind(%d)", int(k))
}

// ConvBlock is one stage of the encoder or reconstruction pyramids.
type ConvBlock struct {
	Kind  BlockKind
	Convs []*Conv2d
}

// NewConvBlock builds a stage mapping in to out channels.
func NewConvBlock(kind BlockKind, in, out int, init *weights.Initializer) *ConvBlock {
	b := &ConvBlock{Kind: kind}
	switch kind {
	case Single:
		b.Convs = []*Conv2d{NewConv2d(in, out, 1, init)}
	case Down:
		b.Convs = []*Conv2d{NewConv2d(in, out, 2, init), NewConv2d(out, out, 1, init)}
	default:
		b.Convs = []*Conv2d{NewConv2d(in, out, 1, init), NewConv2d(out, out, 1, init)}
	}
	return b
}

// Forward runs the stage.
func (b *ConvBlock) Forward(x *models.FeatureMap) (*models.FeatureMap, error) {
	if b.Kind == Up {
		x = UpsampleNearest(x)
	}
	for i, conv := range b.Convs {
		y, err := conv.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "%s block conv %d", b.Kind, i)
		}
		x = LeakyReLU(y, NegativeSlope)
	}
	return x, nil
}

// paramIndices returns the positions the convolutions occupy in the
// sequential container the checkpoints were exported from.
func (b *ConvBlock) paramIndices() []int {
	switch b.Kind {
	case Single:
		return []int{0}
	case Up:
		return []int{1, 3}
	default:
		return []int{0, 2}
	}
}

// Load reads "<prefix>.conv.<i>.weight|bias" for each convolution.
func (b *ConvBlock) Load(store *weights.Store, prefix string) error {
	for i, idx := range b.paramIndices() {
		if err := b.Convs[i].Load(store, weights.Join(prefix, "conv", idx)); err != nil {
			return err
		}
	}
	return nil
}

// Export records the block parameters under prefix.
func (b *ConvBlock) Export(store *weights.Store, prefix string) {
	for i, idx := range b.paramIndices() {
		b.Convs[i].Export(store, weights.Join(prefix, "conv", idx))
	}
}

// MLP is the per-pixel feed-forward network: 1x1, LeakyReLU, 1x1.
type MLP struct {
	Linear1 *Pointwise
	Linear2 *Pointwise
}

// NewMLP creates an MLP with the given hidden width.
func NewMLP(features, hidden int, init *weights.Initializer) *MLP {
	return &MLP{
		Linear1: NewPointwise(features, hidden, true, init),
		Linear2: NewPointwise(hidden, features, true, init),
	}
}

// Forward applies the MLP at every pixel.
func (m *MLP) Forward(x *models.FeatureMap) (*models.FeatureMap, error) {
	h, err := m.Linear1.Forward(x)
	if err != nil {
		return nil, errors.Wrap(err, "mlp linear1")
	}
	h = LeakyReLU(h, NegativeSlope)
	out, err := m.Linear2.Forward(h)
	return out, errors.Wrap(err, "mlp linear2")
}

// Load reads "<prefix>.linear1" and "<prefix>.linear2".
func (m *MLP) Load(store *weights.Store, prefix string) error {
	if err := m.Linear1.Load(store, weights.Join(prefix, "linear1")); err != nil {
		return err
	}
	return m.Linear2.Load(store, weights.Join(prefix, "linear2"))
}

// Export records both layers under prefix.
func (m *MLP) Export(store *weights.Store, prefix string) {
	m.Linear1.Export(store, weights.Join(prefix, "linear1"))
	m.Linear2.Export(store, weights.Join(prefix, "linear2"))
}
