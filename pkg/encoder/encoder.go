// Package encoder implements the pyramid feature encoder: a small U-shaped
// convolutional network that yields feature maps at full, half and quarter
// resolution on both its downward and upward passes.
package encoder

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/nn"
	"rbgfusion/pkg/weights"
)

// Level indexes the six maps of a Pyramid in traversal order.
type Level int

const (
	Down0      Level = iota // H
	Down1                   // H/2
	Down2                   // H/4
	Bottleneck              // H/4
	Up1                     // H/2
	Output                  // H

	NumLevels = 6
)

// Pyramid is the output of one encoder pass.
type Pyramid struct {
	Maps [NumLevels]*models.FeatureMap
}

// Level returns one map of the pyramid.
func (p *Pyramid) Level(l Level) *models.FeatureMap {
	return p.Maps[l]
}

// AtScale returns the up-pass map used for cross-attention at s.
func (p *Pyramid) AtScale(s models.Scale) *models.FeatureMap {
	switch s {
	case models.Coarse:
		return p.Maps[Bottleneck]
	case models.Mid:
		return p.Maps[Up1]
	default:
		return p.Maps[Output]
	}
}

// Encoder maps an image with In channels to a Pyramid of FeatDim-wide maps.
type Encoder struct {
	In      int
	FeatDim int

	ConvIn *nn.ConvBlock
	Conv1  *nn.ConvBlock
	Conv2  *nn.ConvBlock
	Conv3  *nn.ConvBlock
	Conv4  *nn.ConvBlock
	Conv5  *nn.ConvBlock
	Conv6  *nn.ConvBlock
}

// New creates an encoder. Both widths must be positive.
func New(in, featDim int, init *weights.Initializer) (*Encoder, error) {
	if in <= 0 || featDim <= 0 {
		return nil, errors.Wrapf(models.ErrConfig, "encoder needs positive widths, got in=%d feat=%d", in, featDim)
	}
	return &Encoder{
		In:      in,
		FeatDim: featDim,
		ConvIn:  nn.NewConvBlock(nn.Single, in, featDim, init),
		Conv1:   nn.NewConvBlock(nn.Down, featDim, featDim, init),
		Conv2:   nn.NewConvBlock(nn.Down, featDim, featDim, init),
		Conv3:   nn.NewConvBlock(nn.Dual, featDim, featDim, init),
		Conv4:   nn.NewConvBlock(nn.Up, featDim, featDim, init),
		Conv5:   nn.NewConvBlock(nn.Up, featDim, featDim, init),
		Conv6:   nn.NewConvBlock(nn.Dual, featDim, featDim, init),
	}, nil
}

// Encode runs the encoder. The image height and width must be multiples
// of 4 so that the skip connections line up.
func (e *Encoder) Encode(image *models.FeatureMap) (*Pyramid, error) {
	if image.Channels != e.In {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "encoder expects %d channels, got %v", e.In, image.Shape())
	}
	if image.Height%4 != 0 || image.Width%4 != 0 || image.Height == 0 || image.Width == 0 {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "encoder input %v must have a non-empty size divisible by 4", image.Shape())
	}

	var p Pyramid
	var err error
	if p.Maps[Down0], err = e.ConvIn.Forward(image); err != nil {
		return nil, errors.Wrap(err, "conv_in")
	}
	if p.Maps[Down1], err = e.Conv1.Forward(p.Maps[Down0]); err != nil {
		return nil, errors.Wrap(err, "conv1")
	}
	if p.Maps[Down2], err = e.Conv2.Forward(p.Maps[Down1]); err != nil {
		return nil, errors.Wrap(err, "conv2")
	}

	bottleneck, err := e.Conv3.Forward(p.Maps[Down2])
	if err != nil {
		return nil, errors.Wrap(err, "conv3")
	}
	if p.Maps[Bottleneck], err = bottleneck.Add(p.Maps[Down2]); err != nil {
		return nil, err
	}

	up1, err := e.Conv4.Forward(p.Maps[Bottleneck])
	if err != nil {
		return nil, errors.Wrap(err, "conv4")
	}
	if p.Maps[Up1], err = up1.Add(p.Maps[Down1]); err != nil {
		return nil, err
	}

	up0, err := e.Conv5.Forward(p.Maps[Up1])
	if err != nil {
		return nil, errors.Wrap(err, "conv5")
	}
	if up0, err = up0.Add(p.Maps[Down0]); err != nil {
		return nil, err
	}
	if p.Maps[Output], err = e.Conv6.Forward(up0); err != nil {
		return nil, errors.Wrap(err, "conv6")
	}
	return &p, nil
}

func (e *Encoder) blocks() map[string]*nn.ConvBlock {
	return map[string]*nn.ConvBlock{
		"conv_in": e.ConvIn,
		"conv1":   e.Conv1,
		"conv2":   e.Conv2,
		"conv3":   e.Conv3,
		"conv4":   e.Conv4,
		"conv5":   e.Conv5,
		"conv6":   e.Conv6,
	}
}

var blockOrder = []string{"conv_in", "conv1", "conv2", "conv3", "conv4", "conv5", "conv6"}

// Load reads every stage under prefix (e.g. "FE1").
func (e *Encoder) Load(store *weights.Store, prefix string) error {
	blocks := e.blocks()
	for _, name := range blockOrder {
		if err := blocks[name].Load(store, weights.Join(prefix, name)); err != nil {
			return err
		}
	}
	return nil
}

// Export records every stage under prefix.
func (e *Encoder) Export(store *weights.Store, prefix string) {
	blocks := e.blocks()
	for _, name := range blockOrder {
		blocks[name].Export(store, weights.Join(prefix, name))
	}
}
