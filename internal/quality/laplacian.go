package quality

import (
	"image"
	"math"

	"github.com/infvision/photosort/internal/imaging"
)

// LaplacianScorer is the legacy sharpness strategy: patch-based Laplacian
// variance, scanning overlapping patches and keeping the sharpest one. Using
// the maximum instead of a global average keeps shallow depth-of-field shots
// from being punished for their intentionally soft background.
type LaplacianScorer struct{}

func (s *LaplacianScorer) Name() string    { return "laplacian" }
func (s *LaplacianScorer) Version() string { return "laplacian-1" }

const laplacianPatchSize = 256

func (s *LaplacianScorer) Score(img image.Image) float64 {
	gray := imaging.Grayscale(img)

	width := len(gray)
	if width == 0 {
		return 100
	}
	height := len(gray[0])
	if width < 3 || height < 3 {
		return 100
	}

	patch := laplacianPatchSize
	if patch > width {
		patch = width
	}
	if patch > height {
		patch = height
	}
	stride := patch / 2
	if stride < 1 {
		stride = 1
	}

	maxVariance := 0.0
	for x := 0; x+patch <= width; x += stride {
		for y := 0; y+patch <= height; y += stride {
			v := laplacianVariance(gray, x, y, patch)
			if v > maxVariance {
				maxVariance = v
			}
		}
	}

	// Invert onto the shared lower-is-better 0-100 scale: maximally sharp
	// patches drive the score toward 0, a variance of zero maps to 100.
	return 100 * math.Exp(-maxVariance/100.0)
}

// laplacianVariance computes the variance of the 4-neighbor Laplacian over
// one patch.
func laplacianVariance(gray [][]float64, x0, y0, patch int) float64 {
	var sum, sumSq float64
	n := 0
	for x := x0 + 1; x < x0+patch-1; x++ {
		for y := y0 + 1; y < y0+patch-1; y++ {
			lap := gray[x-1][y] + gray[x+1][y] + gray[x][y-1] + gray[x][y+1] - 4*gray[x][y]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
