package quality

import (
	"image"
	"image/color"
	"testing"
)

func flatImage(size int, v uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := range size {
		for y := range size {
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

func checkerboard(size int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := range size {
		for y := range size {
			v := uint8(0)
			if (x+y)%2 == 0 {
				v = 255
			}
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// boxBlur applies a crude box blur, enough to destroy local contrast.
func boxBlur(img *image.RGBA, radius int) *image.RGBA {
	bounds := img.Bounds()
	size := bounds.Dx()
	out := image.NewRGBA(bounds)
	for x := range size {
		for y := range size {
			var sum, n int
			for dx := -radius; dx <= radius; dx++ {
				for dy := -radius; dy <= radius; dy++ {
					px, py := x+dx, y+dy
					if px < 0 || py < 0 || px >= size || py >= size {
						continue
					}
					r, _, _, _ := img.At(px, py).RGBA()
					sum += int(r >> 8)
					n++
				}
			}
			v := uint8(sum / n)
			out.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return out
}

func TestNew_Strategies(t *testing.T) {
	brisque, err := New("brisque")
	if err != nil {
		t.Fatalf("New(brisque) failed: %v", err)
	}
	if brisque.Name() != "brisque" || brisque.Version() == "" {
		t.Errorf("unexpected brisque identity: %s %s", brisque.Name(), brisque.Version())
	}

	laplacian, err := New("laplacian")
	if err != nil {
		t.Fatalf("New(laplacian) failed: %v", err)
	}
	if laplacian.Name() != "laplacian" {
		t.Errorf("unexpected laplacian name: %s", laplacian.Name())
	}

	if _, err := New("nima"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestScorers_DeterministicAndBounded(t *testing.T) {
	images := map[string]image.Image{
		"flat":         flatImage(64, 128),
		"checkerboard": checkerboard(64),
	}

	for _, name := range []string{"brisque", "laplacian"} {
		scorer, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		for imgName, img := range images {
			first := scorer.Score(img)
			second := scorer.Score(img)
			if first != second {
				t.Errorf("%s score for %s not deterministic: %f vs %f", name, imgName, first, second)
			}
			if first < 0 || first > 100 {
				t.Errorf("%s score for %s out of range: %f", name, imgName, first)
			}
		}
	}
}

func TestScorers_DetailBeatsFeatureless(t *testing.T) {
	sharp := checkerboard(64)
	flat := flatImage(64, 128)

	for _, name := range []string{"brisque", "laplacian"} {
		scorer, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		sharpScore := scorer.Score(sharp)
		flatScore := scorer.Score(flat)
		if sharpScore >= flatScore {
			t.Errorf("%s: detailed image must score lower (better) than featureless one: %f vs %f",
				name, sharpScore, flatScore)
		}
	}
}

func TestScorers_BlurRaisesScore(t *testing.T) {
	sharp := checkerboard(64)
	blurred := boxBlur(sharp, 3)

	for _, name := range []string{"brisque", "laplacian"} {
		scorer, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		sharpScore := scorer.Score(sharp)
		blurredScore := scorer.Score(blurred)
		if blurredScore <= sharpScore {
			t.Errorf("%s: blurring must raise the distortion score: sharp %f, blurred %f",
				name, sharpScore, blurredScore)
		}
	}
}

func TestScore_TinyImage(t *testing.T) {
	tiny := flatImage(2, 128)
	for _, name := range []string{"brisque", "laplacian"} {
		scorer, err := New(name)
		if err != nil {
			t.Fatal(err)
		}
		if got := scorer.Score(tiny); got != 100 {
			t.Errorf("%s: image too small to analyze should score 100, got %f", name, got)
		}
	}
}

func TestClassify(t *testing.T) {
	const keeper, ambiguous = 35.0, 50.0

	tests := []struct {
		name     string
		score    float64
		expected Tier
	}{
		{"well below keeper", 10.0, TierKeeper},
		{"exactly keeper threshold", 35.0, TierKeeper},
		{"just above keeper", 35.01, TierAmbiguous},
		{"middle of the band", 42.0, TierAmbiguous},
		{"just below ambiguous", 49.99, TierAmbiguous},
		{"exactly ambiguous threshold", 50.0, TierDud},
		{"well above ambiguous", 90.0, TierDud},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.score, keeper, ambiguous); got != tc.expected {
				t.Errorf("Classify(%f) = %s; want %s", tc.score, got, tc.expected)
			}
		})
	}
}

func TestClassify_CollapsedBand(t *testing.T) {
	// Equal thresholds leave no ambiguous band at all.
	if got := Classify(50.0, 50.0, 50.0); got != TierKeeper {
		t.Errorf("boundary score with collapsed band should be keeper, got %s", got)
	}
	if got := Classify(50.01, 50.0, 50.0); got != TierDud {
		t.Errorf("score above collapsed band should be dud, got %s", got)
	}
}
