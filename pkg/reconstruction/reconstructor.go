package reconstruction

import (
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/attention"
	"rbgfusion/pkg/deform"
	"rbgfusion/pkg/encoder"
	"rbgfusion/pkg/nn"
	"rbgfusion/pkg/weights"
)

// Options holds the construction parameters of the fusion network.
// Every learned component is sized from these values and nothing else.
type Options struct {
	// InChannels is the channel count of the subject image (and of the
	// synthesized counterpart, which must match it).
	InChannels int

	// RefChannels is the channel count of the reference image.
	RefChannels int

	// OutChannels is the channel count of the reconstructed image.
	OutChannels int

	// Attention configures the three DACA blocks. Its FeatDim is also the
	// width of both encoders and of the reconstruction pyramid.
	Attention attention.Options

	// PadMultiple is the multiple images are padded to before encoding.
	// It must be a positive multiple of 4; zero means 4.
	PadMultiple int

	// RegistrationHeight and RegistrationWidth are the multiples the
	// synthesized and reference images are padded to before registration.
	// Zero disables registration padding.
	RegistrationHeight int
	RegistrationWidth  int

	// NumCores bounds how many batch items run at the same time.
	NumCores int

	// Seed drives weight initialization when no weights are supplied.
	Seed int64

	// IdentityProjections initializes the attention projections to identity
	// instead of random values (only used without weights).
	IdentityProjections bool
}

// Collaborators are the pre-trained networks that run before the core.
// Nil members fall back to ZeroRegistrar and IdentitySynthesizer.
type Collaborators struct {
	Registrar   Registrar
	Synthesizer Synthesizer
}

// ProgressCallback reports progress of batch reconstructions.
type ProgressCallback func(completed, total int, message string)

// Result is the outcome of one reconstruction.
type Result struct {
	// ID tags the run in log lines.
	ID string

	// Output is the reconstructed image, OutChannels x H x W in [-1, 1].
	Output *models.FeatureMap

	// Synthesized and Field are the collaborator outputs the run used.
	Synthesized *models.FeatureMap
	Field       *models.DisplacementField

	// Attention holds the DACA weights per scale, at the padded resolution
	// of that scale.
	Attention [3]*attention.Weights

	// Attended holds the DACA block outputs per scale.
	Attended [3]*models.FeatureMap

	// Elapsed is the wall time of the forward pass.
	Elapsed time.Duration
}

// Reconstructor fuses a subject image with a reference image of another
// modality. The process consists of:
// 1. Synthesizing the subject's counterpart in the reference modality
// 2. Registering the synthesized image onto the reference
// 3. Encoding {subject, synthesized} and the reference with two encoders
// 4. Deformation-aware cross-attention at three pyramid scales
// 5. Reconstructing the output image from the attended features
//
// Weights are loaded once at construction and never modified afterwards,
// so a Reconstructor can serve concurrent calls.
type Reconstructor struct {
	opts Options

	// fe1 encodes the subject concatenated with the synthesized image
	fe1 *encoder.Encoder

	// fe2 encodes the reference image
	fe2 *encoder.Encoder

	// daca holds one independently parameterized block per scale
	daca [3]*attention.Block

	pyramid *Pyramid

	registrar   Registrar
	synthesizer Synthesizer

	progressCallback ProgressCallback
}

// NewReconstructor validates opts, builds every component and loads its
// parameters from store. A nil store initializes the parameters from
// opts.Seed instead.
func NewReconstructor(opts Options, store *weights.Store, collab Collaborators) (*Reconstructor, error) {
	opts, err := opts.resolve()
	if err != nil {
		return nil, err
	}

	var init *weights.Initializer
	if store == nil {
		init = weights.NewInitializer(opts.Seed)
	}

	r := &Reconstructor{
		opts:        opts,
		registrar:   collab.Registrar,
		synthesizer: collab.Synthesizer,
	}
	if r.registrar == nil {
		r.registrar = ZeroRegistrar{}
	}
	if r.synthesizer == nil {
		r.synthesizer = IdentitySynthesizer{}
	}

	feat := opts.Attention.FeatDim
	if r.fe1, err = encoder.New(opts.InChannels*2, feat, init); err != nil {
		return nil, err
	}
	if r.fe2, err = encoder.New(opts.RefChannels, feat, init); err != nil {
		return nil, err
	}
	for _, s := range models.Scales {
		if r.daca[s], err = attention.NewBlock(opts.Attention, init); err != nil {
			return nil, err
		}
		if store == nil && opts.IdentityProjections {
			r.daca[s].Attention.SetIdentityProjections()
		}
	}
	if r.pyramid, err = NewPyramid(feat, opts.OutChannels, init); err != nil {
		return nil, err
	}

	if store != nil {
		if err := r.load(store); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (o Options) resolve() (Options, error) {
	if o.InChannels <= 0 || o.RefChannels <= 0 || o.OutChannels <= 0 {
		return o, errors.Wrapf(models.ErrConfig, "channel counts must be positive (in=%d ref=%d out=%d)",
			o.InChannels, o.RefChannels, o.OutChannels)
	}
	att, err := o.Attention.Resolve()
	if err != nil {
		return o, err
	}
	o.Attention = att
	if o.PadMultiple == 0 {
		o.PadMultiple = 4
	}
	if o.PadMultiple < 0 || o.PadMultiple%4 != 0 {
		return o, errors.Wrapf(models.ErrConfig, "pad multiple must be a positive multiple of 4, got %d", o.PadMultiple)
	}
	if o.RegistrationHeight < 0 || o.RegistrationWidth < 0 {
		return o, errors.Wrapf(models.ErrConfig, "negative registration multiple %dx%d", o.RegistrationHeight, o.RegistrationWidth)
	}
	if o.NumCores <= 0 {
		o.NumCores = 1
	}
	return o, nil
}

// Options returns the resolved construction options.
func (r *Reconstructor) Options() Options {
	return r.opts
}

// SetProgressCallback sets a callback for batch progress reporting.
func (r *Reconstructor) SetProgressCallback(callback ProgressCallback) {
	r.progressCallback = callback
}

// daca blocks are stored as DACA_block.0 (coarse), .1 (mid), .2 (fine)
func (r *Reconstructor) load(store *weights.Store) error {
	if err := r.fe1.Load(store, "FE1"); err != nil {
		return errors.Wrap(err, "loading subject encoder")
	}
	if err := r.fe2.Load(store, "FE2"); err != nil {
		return errors.Wrap(err, "loading reference encoder")
	}
	for _, s := range models.Scales {
		if err := r.daca[s].Load(store, weights.Join("DACA_block", int(s))); err != nil {
			return errors.Wrapf(err, "loading %s attention block", s)
		}
	}
	return errors.Wrap(r.pyramid.Load(store), "loading reconstruction pyramid")
}

// Export records every learned parameter in store under the same names
// load reads.
func (r *Reconstructor) Export(store *weights.Store) {
	r.fe1.Export(store, "FE1")
	r.fe2.Export(store, "FE2")
	for _, s := range models.Scales {
		r.daca[s].Export(store, weights.Join("DACA_block", int(s)))
	}
	r.pyramid.Export(store)
}

// Process runs the collaborators and then the fusion core: the subject is
// synthesized into the reference modality, the synthesized image is
// registered onto the reference, and both results feed ReconstructImage.
func (r *Reconstructor) Process(subject, reference *models.FeatureMap) (*Result, error) {
	if err := checkPair(subject, reference); err != nil {
		return nil, err
	}

	synthesized, err := r.synthesizer.Synthesize(subject, reference)
	if err != nil {
		return nil, errors.Wrap(err, "synthesis failed")
	}
	field, err := r.register(synthesized, reference)
	if err != nil {
		return nil, errors.Wrap(err, "registration failed")
	}
	return r.ReconstructImage(subject, reference, synthesized, field)
}

// register pads both images to the registration multiples with -1, runs
// the registrar and crops the field back to the image size. The registrar
// must return a field at either the padded or the image resolution.
func (r *Reconstructor) register(moving, fixed *models.FeatureMap) (*models.DisplacementField, error) {
	if static, ok := r.registrar.(StaticRegistrar); ok {
		// precomputed fields cover the unpadded image at any resolution
		return static.Register(moving, fixed)
	}
	h, w := fixed.Height, fixed.Width
	ph, pw := nn.RoundUp(h, r.opts.RegistrationHeight), nn.RoundUp(w, r.opts.RegistrationWidth)

	if ph != h || pw != w {
		var err error
		if moving, err = nn.Pad(moving, ph, pw, -1); err != nil {
			return nil, err
		}
		if fixed, err = nn.Pad(fixed, ph, pw, -1); err != nil {
			return nil, err
		}
	}

	field, err := r.registrar.Register(moving, fixed)
	if err != nil {
		return nil, err
	}
	if field == nil {
		return nil, errors.New("registrar returned no field")
	}
	switch {
	case field.Height == h && field.Width == w:
		return field, nil
	case field.Height == ph && field.Width == pw:
		return deform.CropField(field, h, w)
	}
	return nil, errors.Wrapf(models.ErrShapeMismatch, "registrar returned a %dx%d field for %dx%d images padded to %dx%d",
		field.Height, field.Width, h, w, ph, pw)
}

// ReconstructImage fuses subject and reference guided by field. synthesized
// must have the subject's shape; field may be at any resolution and is
// rescaled as geometry before use. No partial result is returned on error.
func (r *Reconstructor) ReconstructImage(subject, reference, synthesized *models.FeatureMap, field *models.DisplacementField) (*Result, error) {
	start := time.Now()
	res := &Result{ID: uuid.NewString(), Synthesized: synthesized, Field: field}

	if err := r.checkInputs(subject, reference, synthesized, field); err != nil {
		return nil, err
	}
	h, w := subject.Height, subject.Width
	ph, pw := nn.RoundUp(h, r.opts.PadMultiple), nn.RoundUp(w, r.opts.PadMultiple)
	klog.V(1).Infof("[%s] reconstructing %v (padded to %dx%d), field %v", res.ID, subject.Shape(), ph, pw, field.Shape())

	input, err := models.Concat(subject, synthesized)
	if err != nil {
		return nil, err
	}
	if input, err = nn.Pad(input, ph, pw, -1); err != nil {
		return nil, err
	}
	ref, err := nn.Pad(reference, ph, pw, -1)
	if err != nil {
		return nil, err
	}

	featInput, err := r.fe1.Encode(input)
	if err != nil {
		return nil, errors.Wrap(err, "encoding subject")
	}
	featRef, err := r.fe2.Encode(ref)
	if err != nil {
		return nil, errors.Wrap(err, "encoding reference")
	}
	klog.V(1).Infof("[%s] encoded both inputs in %v", res.ID, time.Since(start))

	for _, s := range models.Scales {
		query, key := featInput.AtScale(s), featRef.AtScale(s)
		guide, err := prepareField(field, h, w, ph, pw, query.Height, query.Width)
		if err != nil {
			return nil, errors.Wrapf(err, "%s field", s)
		}
		res.Attended[s], res.Attention[s], err = r.daca[s].Forward(query, key, key, guide)
		if err != nil {
			return nil, errors.Wrapf(err, "%s attention", s)
		}
		klog.V(2).Infof("[%s] %s attention -> %v", res.ID, s, res.Attended[s].Shape())
	}

	out, err := r.pyramid.Reconstruct(res.Attended)
	if err != nil {
		return nil, errors.Wrap(err, "reconstruction")
	}
	if res.Output, err = nn.Crop(out, h, w); err != nil {
		return nil, err
	}
	res.Elapsed = time.Since(start)
	klog.V(1).Infof("[%s] done in %v", res.ID, res.Elapsed)
	return res, nil
}

// prepareField resizes field, as geometry, onto the part of an fh x fw
// feature map that covers the unpadded h x w image, and zero-extends it
// over the padding.
func prepareField(field *models.DisplacementField, h, w, ph, pw, fh, fw int) (*models.DisplacementField, error) {
	ch, cw := ceilDiv(h*fh, ph), ceilDiv(w*fw, pw)
	resized, err := deform.ResizeField(field, ch, cw)
	if err != nil {
		return nil, err
	}
	// ResizeField scaled by cw/field.Width; the feature stride is pw/fw image pixels
	if sx, sy := float64(w*fw)/float64(pw*cw), float64(h*fh)/float64(ph*ch); sx != 1 || sy != 1 {
		n := ch * cw
		floats.Scale(sx, resized.Data[:n])
		floats.Scale(sy, resized.Data[n:])
	}
	return deform.PadField(resized, fh, fw)
}

func ceilDiv(a, b int) int {
	return (a + b - 1) / b
}

func checkPair(subject, reference *models.FeatureMap) error {
	if subject == nil || reference == nil {
		return errors.Wrap(models.ErrShapeMismatch, "subject and reference images are required")
	}
	if !subject.SameResolution(reference) {
		return errors.Wrapf(models.ErrShapeMismatch, "subject %v vs reference %v", subject.Shape(), reference.Shape())
	}
	if subject.Height == 0 || subject.Width == 0 {
		return errors.Wrapf(models.ErrShapeMismatch, "empty image %v", subject.Shape())
	}
	return nil
}

func (r *Reconstructor) checkInputs(subject, reference, synthesized *models.FeatureMap, field *models.DisplacementField) error {
	if err := checkPair(subject, reference); err != nil {
		return err
	}
	if subject.Channels != r.opts.InChannels {
		return errors.Wrapf(models.ErrShapeMismatch, "subject %v, want %d channels", subject.Shape(), r.opts.InChannels)
	}
	if reference.Channels != r.opts.RefChannels {
		return errors.Wrapf(models.ErrShapeMismatch, "reference %v, want %d channels", reference.Shape(), r.opts.RefChannels)
	}
	if synthesized == nil || !synthesized.SameShape(subject) {
		var got []int
		if synthesized != nil {
			got = synthesized.Shape()
		}
		return errors.Wrapf(models.ErrShapeMismatch, "synthesized %v vs subject %v", got, subject.Shape())
	}
	if field == nil || field.Height == 0 || field.Width == 0 || len(field.Data) != 2*field.Height*field.Width {
		return errors.Wrap(models.ErrShapeMismatch, "displacement field must be a non-empty 2 x H x W array")
	}
	return nil
}
