package reconstruction

import (
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
)

// Registrar estimates the displacement field that aligns moving onto fixed.
// Implementations wrap a pre-trained registration network; the core only
// relies on the returned field being in pixel units, at the resolution of
// the (padded) images it was given or at the unpadded image resolution.
type Registrar interface {
	Register(moving, fixed *models.FeatureMap) (*models.DisplacementField, error)
}

// Synthesizer produces the cross-modality counterpart of subject, styled
// after reference. The result must have the subject's shape.
type Synthesizer interface {
	Synthesize(subject, reference *models.FeatureMap) (*models.FeatureMap, error)
}

// RegistrarFunc adapts a function to Registrar.
type RegistrarFunc func(moving, fixed *models.FeatureMap) (*models.DisplacementField, error)

// Register calls f.
func (f RegistrarFunc) Register(moving, fixed *models.FeatureMap) (*models.DisplacementField, error) {
	return f(moving, fixed)
}

// SynthesizerFunc adapts a function to Synthesizer.
type SynthesizerFunc func(subject, reference *models.FeatureMap) (*models.FeatureMap, error)

// Synthesize calls f.
func (f SynthesizerFunc) Synthesize(subject, reference *models.FeatureMap) (*models.FeatureMap, error) {
	return f(subject, reference)
}

// ZeroRegistrar reports an all-zero field at the fixed image resolution,
// i.e. it assumes the pair is already aligned.
type ZeroRegistrar struct{}

// Register returns a zero field.
func (ZeroRegistrar) Register(_, fixed *models.FeatureMap) (*models.DisplacementField, error) {
	return models.NewDisplacementField(fixed.Height, fixed.Width), nil
}

// StaticRegistrar returns a field computed ahead of time. The field covers
// the unpadded image and may be at any resolution.
type StaticRegistrar struct {
	Field *models.DisplacementField
}

// Register returns a copy of the stored field.
func (s StaticRegistrar) Register(_, _ *models.FeatureMap) (*models.DisplacementField, error) {
	if s.Field == nil {
		return nil, errors.New("static registrar has no field")
	}
	out := models.NewDisplacementField(s.Field.Height, s.Field.Width)
	copy(out.Data, s.Field.Data)
	return out, nil
}

// IdentitySynthesizer returns the subject unchanged.
type IdentitySynthesizer struct{}

// Synthesize returns a copy of subject.
func (IdentitySynthesizer) Synthesize(subject, _ *models.FeatureMap) (*models.FeatureMap, error) {
	return subject.Clone(), nil
}

// StaticSynthesizer returns an image synthesized ahead of time.
type StaticSynthesizer struct {
	Image *models.FeatureMap
}

// Synthesize returns a copy of the stored image.
func (s StaticSynthesizer) Synthesize(_, _ *models.FeatureMap) (*models.FeatureMap, error) {
	if s.Image == nil {
		return nil, errors.New("static synthesizer has no image")
	}
	return s.Image.Clone(), nil
}
