// Package metrics scores a reconstructed image against a ground-truth target.
// Images are expected in the [-1, 1] intensity range the network produces.
package metrics

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"rbgfusion/internal/models"
)

// DynamicRange is the width of the [-1, 1] intensity range.
const DynamicRange = 2.0

// histogramBins is the bin count of the entropy and mutual information
// histograms.
const histogramBins = 64

// Metrics holds the reconstruction quality measures of one image pair.
type Metrics struct {
	// RMSE (Root Mean Square Error) is the root of the mean squared intensity
	// difference. Lower values indicate better reconstruction fidelity.
	RMSE float64

	// MAE is the mean absolute intensity difference.
	MAE float64

	// PSNR is the peak signal-to-noise ratio in dB over DynamicRange.
	// Identical images give +Inf.
	PSNR float64

	// SSIM (Structural Similarity Index) computed over the whole image,
	// considering luminance, contrast, and structure. Values range from -1
	// to 1, with 1 indicating perfect similarity.
	SSIM float64

	// MI (Mutual Information) in nats, from the joint intensity histogram.
	// Higher values indicate better information preservation.
	MI float64

	// EntropyDiff is the absolute difference of the intensity entropies.
	EntropyDiff float64

	// Correlation is the Pearson correlation coefficient.
	Correlation float64
}

// Compare scores output against target. Both must have the same shape.
func Compare(output, target *models.FeatureMap) (*Metrics, error) {
	if output == nil || target == nil || !output.SameShape(target) {
		var a, b []int
		if output != nil {
			a = output.Shape()
		}
		if target != nil {
			b = target.Shape()
		}
		return nil, errors.Wrapf(models.ErrShapeMismatch, "output %v vs target %v", a, b)
	}
	x, y := output.Data, target.Data
	if len(x) == 0 {
		return nil, errors.Wrap(models.ErrShapeMismatch, "empty images")
	}

	m := &Metrics{
		RMSE:        RMSE(x, y),
		MAE:         floats.Distance(x, y, 1) / float64(len(x)),
		SSIM:        SSIM(x, y),
		MI:          MutualInformation(x, y),
		EntropyDiff: math.Abs(Entropy(x) - Entropy(y)),
		Correlation: correlation(x, y),
	}
	m.PSNR = PSNR(m.RMSE)
	return m, nil
}

// RMSE computes the root mean square error of two equally long slices.
func RMSE(x, y []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Distance(x, y, 2) / math.Sqrt(float64(len(x)))
}

// PSNR converts an RMSE over DynamicRange to decibels.
func PSNR(rmse float64) float64 {
	if rmse == 0 {
		return math.Inf(1)
	}
	return 20 * math.Log10(DynamicRange/rmse)
}

// SSIM computes the global Structural Similarity Index
func SSIM(x, y []float64) float64 {
	const k1 = 0.01
	const k2 = 0.03

	c1 := (k1 * DynamicRange) * (k1 * DynamicRange)
	c2 := (k2 * DynamicRange) * (k2 * DynamicRange)

	if len(x) < 2 {
		return 0
	}

	muX, sigmaX := stat.MeanVariance(x, nil)
	muY, sigmaY := stat.MeanVariance(y, nil)
	sigmaXY := stat.Covariance(x, y, nil)

	num := (2*muX*muY + c1) * (2*sigmaXY + c2)
	den := (muX*muX + muY*muY + c1) * (sigmaX + sigmaY + c2)
	if den > 0 {
		return num / den
	}
	return 0
}

// correlation is zero when either image is constant.
func correlation(x, y []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	_, sx := stat.MeanStdDev(x, nil)
	_, sy := stat.MeanStdDev(y, nil)
	if sx == 0 || sy == 0 {
		return 0
	}
	return stat.Correlation(x, y, nil)
}

// Entropy computes the Shannon entropy (nats) of the intensity histogram
func Entropy(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	hist := make([]float64, histogramBins)
	for _, v := range data {
		hist[bin(v)]++
	}
	floats.Scale(1/float64(len(data)), hist)
	return stat.Entropy(hist)
}

// MutualInformation computes I(X;Y) = H(X) + H(Y) - H(X,Y) from a joint
// histogram over the [-1, 1] range.
func MutualInformation(x, y []float64) float64 {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0
	}
	joint := make([]float64, histogramBins*histogramBins)
	px := make([]float64, histogramBins)
	py := make([]float64, histogramBins)
	for i := range x {
		bx, by := bin(x[i]), bin(y[i])
		joint[bx*histogramBins+by]++
		px[bx]++
		py[by]++
	}
	inv := 1 / float64(n)
	floats.Scale(inv, joint)
	floats.Scale(inv, px)
	floats.Scale(inv, py)

	mi := stat.Entropy(px) + stat.Entropy(py) - stat.Entropy(joint)
	// rounding can leave a tiny negative value for independent inputs
	return math.Max(mi, 0)
}

// bin maps an intensity in [-1, 1] to a histogram bin, clamping outliers
func bin(v float64) int {
	if math.IsNaN(v) {
		return 0
	}
	b := int((v + 1) / DynamicRange * histogramBins)
	if b < 0 {
		return 0
	}
	if b >= histogramBins {
		return histogramBins - 1
	}
	return b
}
