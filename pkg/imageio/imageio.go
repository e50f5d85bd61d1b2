// Package imageio converts between image files and the [-1, 1] feature maps
// the network consumes, and stores displacement fields as safetensors.
package imageio

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/weights"
)

// FieldKey is the tensor name a displacement field is stored under.
const FieldKey = "field"

// LoadImage decodes an image file (any format imaging can open) as a
// single-channel map normalized to [-1, 1].
func LoadImage(path string) (*models.FeatureMap, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	return FromGray(imaging.Grayscale(img)), nil
}

// LoadImageRGB decodes an image file as a 3-channel map in [-1, 1].
func LoadImageRGB(path string) (*models.FeatureMap, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, errors.Wrapf(err, "opening image %q", path)
	}
	return fromNRGBA(imaging.Clone(img), 3), nil
}

// LoadChannels opens path as a 1- or 3-channel map.
func LoadChannels(path string, channels int) (*models.FeatureMap, error) {
	switch channels {
	case 1:
		return LoadImage(path)
	case 3:
		return LoadImageRGB(path)
	}
	return nil, errors.Wrapf(models.ErrConfig, "cannot load %d-channel images", channels)
}

// FromGray converts an image to a 1-channel map, reading its red channel.
// Grayscale images have equal channels.
func FromGray(img image.Image) *models.FeatureMap {
	return fromNRGBA(imaging.Clone(img), 1)
}

func fromNRGBA(img *image.NRGBA, channels int) *models.FeatureMap {
	b := img.Bounds()
	fm := models.NewFeatureMap(channels, b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			for c := 0; c < channels; c++ {
				fm.Set(c, y, x, float64(row[4*x+c])/127.5-1)
			}
		}
	}
	return fm
}

// ToImage maps a 1- or 3-channel map in [-1, 1] to an 8-bit image,
// clamping values outside the range.
func ToImage(fm *models.FeatureMap) (image.Image, error) {
	switch fm.Channels {
	case 1:
		img := image.NewGray(image.Rect(0, 0, fm.Width, fm.Height))
		for y := 0; y < fm.Height; y++ {
			for x := 0; x < fm.Width; x++ {
				img.SetGray(x, y, color.Gray{Y: toByte(fm.At(0, y, x))})
			}
		}
		return img, nil
	case 3:
		img := image.NewNRGBA(image.Rect(0, 0, fm.Width, fm.Height))
		for y := 0; y < fm.Height; y++ {
			for x := 0; x < fm.Width; x++ {
				img.SetNRGBA(x, y, color.NRGBA{
					R: toByte(fm.At(0, y, x)),
					G: toByte(fm.At(1, y, x)),
					B: toByte(fm.At(2, y, x)),
					A: 255,
				})
			}
		}
		return img, nil
	}
	return nil, errors.Wrapf(models.ErrShapeMismatch, "cannot encode %v as an image", fm.Shape())
}

// SaveImage writes fm to path; the format follows the file extension.
func SaveImage(path string, fm *models.FeatureMap) error {
	img, err := ToImage(fm)
	if err != nil {
		return err
	}
	return errors.Wrapf(imaging.Save(img, path), "saving image %q", path)
}

func toByte(v float64) uint8 {
	if math.IsNaN(v) {
		return 0
	}
	return uint8(math.Round(math.Max(0, math.Min(255, (v+1)*127.5))))
}

// LoadField reads a displacement field stored under FieldKey with shape
// [2 H W] or [1 2 H W].
func LoadField(path string) (*models.DisplacementField, error) {
	store, err := weights.Load(path)
	if err != nil {
		return nil, err
	}
	t, ok := store.Get(FieldKey)
	if !ok {
		return nil, errors.Wrapf(models.ErrConfig, "%s has no %q tensor", path, FieldKey)
	}
	shape := t.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 || shape[0] != 2 {
		return nil, errors.Wrapf(models.ErrShapeMismatch, "field in %s has shape %v, want [2 H W]", path, t.Shape)
	}
	fm, err := models.FromData(t.Data, 2, shape[1], shape[2])
	if err != nil {
		return nil, err
	}
	return models.FieldFromFeatureMap(fm)
}

// SaveField writes field to path as an F32 safetensors file.
func SaveField(path string, field *models.DisplacementField) error {
	store := weights.NewStore()
	store.Record(FieldKey, field.Data, field.Shape()...)
	return weights.Save(path, store, weights.F32)
}
