package quality

import (
	"image"
	"math"

	"github.com/infvision/photosort/internal/imaging"
)

// BrisqueScorer estimates distortion from natural scene statistics. It
// computes mean-subtracted contrast-normalized (MSCN) coefficients and fits
// a generalized Gaussian to them; blur and noise pull both the local
// contrast and the fitted shape away from what sharp natural images show.
// The feature deviations are mapped onto BRISQUE's 0-100 scale (lower is
// better) in place of the original trained regressor.
type BrisqueScorer struct{}

func (s *BrisqueScorer) Name() string    { return "brisque" }
func (s *BrisqueScorer) Version() string { return "brisque-go-1" }

// maxAnalysisSize caps the analyzed resolution; statistics stabilize well
// below full sensor resolution and this keeps scoring in the tens of
// milliseconds.
const maxAnalysisSize = 512

func (s *BrisqueScorer) Score(img image.Image) float64 {
	img = downscale(img, maxAnalysisSize)
	gray := imaging.Grayscale(img)

	width := len(gray)
	if width == 0 {
		return 100
	}
	height := len(gray[0])
	if width < 3 || height < 3 {
		return 100
	}

	mscn, sigmaMean := mscnCoefficients(gray)

	// Second moment of the MSCN field. A featureless or heavily blurred
	// image collapses toward zero and is maximally distorted.
	var sum, sumSq, sumAbs float64
	n := 0
	for x := range mscn {
		for y := range mscn[x] {
			v := mscn[x][y]
			sum += v
			sumSq += v * v
			sumAbs += math.Abs(v)
			n++
		}
	}
	if n == 0 {
		return 100
	}
	meanSq := sumSq / float64(n)
	meanAbs := sumAbs / float64(n)

	shapeTerm := 1.0
	if meanSq > 1e-6 && meanAbs > 1e-6 {
		alpha := estimateGGDShape(meanAbs, meanSq)
		// Sharp natural images fit alpha near 2; clamp the deviation.
		shapeTerm = math.Min(math.Abs(alpha-2), 2) / 2
	}

	// Local contrast term: mean of the sigma field, squashed so flat or
	// blurred images approach 1 and detailed images approach 0.
	contrastTerm := math.Exp(-sigmaMean / 25.0)

	score := 100 * (0.7*contrastTerm + 0.3*shapeTerm)
	return math.Max(0, math.Min(100, score))
}

// mscnCoefficients computes the MSCN field over a 3x3 neighborhood together
// with the mean of the local sigma field.
func mscnCoefficients(gray [][]float64) ([][]float64, float64) {
	width := len(gray)
	height := len(gray[0])

	mscn := make([][]float64, width-2)
	var sigmaSum float64
	count := 0

	for x := 1; x < width-1; x++ {
		mscn[x-1] = make([]float64, height-2)
		for y := 1; y < height-1; y++ {
			var mu float64
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					mu += gray[x+dx][y+dy]
				}
			}
			mu /= 9

			var variance float64
			for dx := -1; dx <= 1; dx++ {
				for dy := -1; dy <= 1; dy++ {
					d := gray[x+dx][y+dy] - mu
					variance += d * d
				}
			}
			sigma := math.Sqrt(variance / 9)

			mscn[x-1][y-1] = (gray[x][y] - mu) / (sigma + 1)
			sigmaSum += sigma
			count++
		}
	}

	return mscn, sigmaSum / float64(count)
}

// estimateGGDShape fits the shape parameter of a generalized Gaussian by
// moment matching: the ratio E[|x|]^2 / E[x^2] determines alpha through the
// gamma-function ratio, solved by scanning a fixed grid.
func estimateGGDShape(meanAbs, meanSq float64) float64 {
	rho := meanAbs * meanAbs / meanSq

	bestAlpha := 2.0
	bestDiff := math.Inf(1)
	for alpha := 0.2; alpha <= 10.0; alpha += 0.01 {
		r := math.Gamma(2/alpha) * math.Gamma(2/alpha) /
			(math.Gamma(1/alpha) * math.Gamma(3/alpha))
		diff := math.Abs(r - rho)
		if diff < bestDiff {
			bestDiff = diff
			bestAlpha = alpha
		}
	}
	return bestAlpha
}

// downscale resizes the image so its long edge is at most maxSize.
func downscale(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = height * maxSize / width
	} else {
		newHeight = maxSize
		newWidth = width * maxSize / height
	}
	return imaging.Resize(img, newWidth, newHeight)
}
