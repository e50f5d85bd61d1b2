// Package visualization writes feature maps and attention weights as images
// for inspection.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"rbgfusion/internal/models"
	"rbgfusion/pkg/attention"
	"rbgfusion/pkg/deform"
)

// Exporter saves normalized 16-bit grayscale renderings into a directory.
type Exporter struct {
	// outputDir receives every file the exporter writes
	outputDir string

	// ext selects the encoder (".png", ".jpg", ".tif", ...)
	ext string
}

// NewExporter creates an exporter writing files with extension ext into
// outputDir. An empty ext means PNG.
func NewExporter(outputDir, ext string) *Exporter {
	if ext == "" {
		ext = ".png"
	}
	return &Exporter{outputDir: outputDir, ext: ext}
}

// ExtractChannel renders channel c of fm, stretched so its minimum is black
// and its maximum white. A constant channel renders black.
func ExtractChannel(fm *models.FeatureMap, c int) (image.Image, error) {
	if c < 0 || c >= fm.Channels {
		return nil, errors.Errorf("channel %d out of range for %v", c, fm.Shape())
	}
	return render(fm.Plane(c), fm.Width, fm.Height), nil
}

// render stretches values to the full 16-bit range
func render(values []float64, width, height int) image.Image {
	img := image.NewGray16(image.Rect(0, 0, width, height))
	if len(values) == 0 {
		return img
	}
	lo, hi := floats.Min(values), floats.Max(values)
	scale := 0.0
	if hi > lo {
		scale = 65535 / (hi - lo)
	}
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := values[y*width+x]
			if math.IsNaN(v) {
				continue
			}
			img.SetGray16(x, y, color.Gray16{Y: uint16(math.Round((v - lo) * scale))})
		}
	}
	return img
}

// Save writes img under name (without extension) in the output directory.
func (e *Exporter) Save(img image.Image, name string) (string, error) {
	if err := os.MkdirAll(e.outputDir, 0755); err != nil {
		return "", err
	}
	filename := filepath.Join(e.outputDir, name+e.ext)
	if err := imaging.Save(img, filename); err != nil {
		return "", errors.Wrapf(err, "saving %s", filename)
	}
	return filename, nil
}

// SaveChannel extracts and saves one channel of fm.
func (e *Exporter) SaveChannel(fm *models.FeatureMap, c int, name string) (string, error) {
	img, err := ExtractChannel(fm, c)
	if err != nil {
		return "", err
	}
	return e.Save(img, name)
}

// SaveChannels extracts and saves every channel of fm as name_000, name_001, ...
func (e *Exporter) SaveChannels(fm *models.FeatureMap, name string) ([]string, error) {
	files := make([]string, 0, fm.Channels)
	for c := 0; c < fm.Channels; c++ {
		f, err := e.SaveChannel(fm, c, fmt.Sprintf("%s_%03d", name, c))
		if err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}

// AttentionMap returns the weight head places on neighbor k at every pixel.
func AttentionMap(w *attention.Weights, head, k int) (image.Image, error) {
	if head < 0 || head >= w.Heads || k < 0 || k >= w.Neighbors {
		return nil, errors.Errorf("head %d / neighbor %d out of range (%d heads, %d neighbors)",
			head, k, w.Heads, w.Neighbors)
	}
	n := w.Height * w.Width
	off := (head*w.Neighbors + k) * n
	return render(w.Data[off:off+n], w.Width, w.Height), nil
}

// OffsetMap renders, per pixel, the distance from the patch centre to the
// neighbor head attends to most.
func OffsetMap(w *attention.Weights, head int) (image.Image, error) {
	if head < 0 || head >= w.Heads {
		return nil, errors.Errorf("head %d out of range (%d heads)", head, w.Heads)
	}
	patch := int(math.Round(math.Sqrt(float64(w.Neighbors))))
	if patch*patch != w.Neighbors {
		return nil, errors.Errorf("%d neighbors do not form a square patch", w.Neighbors)
	}
	dist := make([]float64, w.Height*w.Width)
	for y := 0; y < w.Height; y++ {
		for x := 0; x < w.Width; x++ {
			best := 0
			for k := 1; k < w.Neighbors; k++ {
				if w.At(head, k, y, x) > w.At(head, best, y, x) {
					best = k
				}
			}
			ox, oy := deform.Offset(best, patch)
			dist[y*w.Width+x] = math.Hypot(float64(ox), float64(oy))
		}
	}
	return render(dist, w.Width, w.Height), nil
}

// SaveAttentionMap saves AttentionMap(w, head, k) under name.
func (e *Exporter) SaveAttentionMap(w *attention.Weights, head, k int, name string) (string, error) {
	img, err := AttentionMap(w, head, k)
	if err != nil {
		return "", err
	}
	return e.Save(img, name)
}

// SaveAttention writes, for every head, the weight on the centre neighbor
// and the argmax offset map of one scale.
func (e *Exporter) SaveAttention(w *attention.Weights, name string) ([]string, error) {
	var files []string
	centre := w.Neighbors / 2
	for h := 0; h < w.Heads; h++ {
		f, err := e.SaveAttentionMap(w, h, centre, fmt.Sprintf("%s_head%d_centre", name, h))
		if err != nil {
			return files, err
		}
		files = append(files, f)

		img, err := OffsetMap(w, h)
		if err != nil {
			return files, err
		}
		if f, err = e.Save(img, fmt.Sprintf("%s_head%d_offset", name, h)); err != nil {
			return files, err
		}
		files = append(files, f)
	}
	return files, nil
}
