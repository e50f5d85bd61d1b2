package reconstruction

import (
	"fmt"

	"github.com/pkg/errors"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/nn"
	"rbgfusion/pkg/weights"
)

// Pyramid is the reconstruction network. It starts from the fine attended
// features, walks down to H/4 and back up, and re-injects the attended
// features of each scale on both passes before projecting to the output
// channels.
type Pyramid struct {
	FeatDim     int
	OutChannels int

	Conv0 *nn.ConvBlock // H
	Conv1 *nn.ConvBlock // H -> H/2
	Conv2 *nn.ConvBlock // H/2 -> H/4
	Conv3 *nn.ConvBlock // H/4
	Conv4 *nn.ConvBlock // H/4 -> H/2
	Conv5 *nn.ConvBlock // H/2 -> H
	Conv6 *nn.ConvBlock // H
	Head  *nn.Conv2d    // feat -> out channels
}

// NewPyramid allocates the reconstruction network.
func NewPyramid(featDim, outChannels int, init *weights.Initializer) (*Pyramid, error) {
	if featDim <= 0 || outChannels <= 0 {
		return nil, errors.Wrapf(models.ErrConfig, "reconstruction needs positive widths, got feat=%d out=%d", featDim, outChannels)
	}
	return &Pyramid{
		FeatDim:     featDim,
		OutChannels: outChannels,
		Conv0:       nn.NewConvBlock(nn.Dual, featDim, featDim, init),
		Conv1:       nn.NewConvBlock(nn.Down, featDim, featDim, init),
		Conv2:       nn.NewConvBlock(nn.Down, featDim, featDim, init),
		Conv3:       nn.NewConvBlock(nn.Dual, featDim, featDim, init),
		Conv4:       nn.NewConvBlock(nn.Up, featDim, featDim, init),
		Conv5:       nn.NewConvBlock(nn.Up, featDim, featDim, init),
		Conv6:       nn.NewConvBlock(nn.Single, featDim, featDim, init),
		Head:        nn.NewConv2d(featDim, outChannels, 1, init),
	}, nil
}

// Reconstruct turns the attended features (indexed by models.Scale) into an
// image in [-1, 1] at the fine resolution.
func (p *Pyramid) Reconstruct(attended [3]*models.FeatureMap) (*models.FeatureMap, error) {
	fine, mid, coarse := attended[models.Fine], attended[models.Mid], attended[models.Coarse]
	for _, s := range models.Scales {
		fm := attended[s]
		if fm == nil {
			return nil, errors.Wrapf(models.ErrShapeMismatch, "missing attended features at %s scale", s)
		}
		h, w := s.Resolution(fine.Height, fine.Width)
		if fm.Channels != p.FeatDim || fm.Height != h || fm.Width != w {
			return nil, errors.Wrapf(models.ErrShapeMismatch, "%s features are %v, want [%d %d %d]", s, fm.Shape(), p.FeatDim, h, w)
		}
	}

	f0, err := p.Conv0.Forward(fine)
	if err != nil {
		return nil, errors.Wrap(err, "conv0")
	}
	f1, err := stage(p.Conv1, f0, mid)
	if err != nil {
		return nil, errors.Wrap(err, "conv1")
	}
	f2, err := stage(p.Conv2, f1, coarse)
	if err != nil {
		return nil, errors.Wrap(err, "conv2")
	}
	f3, err := stage(p.Conv3, f2, coarse, f2)
	if err != nil {
		return nil, errors.Wrap(err, "conv3")
	}
	f4, err := stage(p.Conv4, f3, mid, f1)
	if err != nil {
		return nil, errors.Wrap(err, "conv4")
	}
	f5, err := stage(p.Conv5, f4, fine, f0)
	if err != nil {
		return nil, errors.Wrap(err, "conv5")
	}

	f6, err := p.Conv6.Forward(f5)
	if err != nil {
		return nil, errors.Wrap(err, "conv6")
	}
	out, err := p.Head.Forward(f6)
	if err != nil {
		return nil, errors.Wrap(err, "output head")
	}
	return nn.Tanh(out), nil
}

// stage runs block on x and adds the residuals to its output.
func stage(block *nn.ConvBlock, x *models.FeatureMap, residuals ...*models.FeatureMap) (*models.FeatureMap, error) {
	y, err := block.Forward(x)
	if err != nil {
		return nil, err
	}
	return y.Add(residuals...)
}

// Load reads conv0..conv5, conv6.0 (the single conv stage) and conv6.1
// (the output head).
func (p *Pyramid) Load(store *weights.Store) error {
	for i, b := range p.stages() {
		if err := b.Load(store, fmt.Sprintf("conv%d", i)); err != nil {
			return err
		}
	}
	if err := p.Conv6.Load(store, "conv6.0"); err != nil {
		return err
	}
	return p.Head.Load(store, "conv6.1")
}

// Export records the network parameters.
func (p *Pyramid) Export(store *weights.Store) {
	for i, b := range p.stages() {
		b.Export(store, fmt.Sprintf("conv%d", i))
	}
	p.Conv6.Export(store, "conv6.0")
	p.Head.Export(store, "conv6.1")
}

func (p *Pyramid) stages() []*nn.ConvBlock {
	return []*nn.ConvBlock{p.Conv0, p.Conv1, p.Conv2, p.Conv3, p.Conv4, p.Conv5}
}
