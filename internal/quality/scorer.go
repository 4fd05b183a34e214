// Package quality implements the Stage-1 no-reference distortion scorers.
// Scores are on a 0-100 scale where lower is better; every scorer is pure,
// local and deterministic for a fixed version, so it can run on each image
// of a session without network access.
package quality

import (
	"fmt"
	"image"
)

// Scorer is the Stage-1 strategy interface. The concrete scorer is resolved
// once at configuration time; the pipeline depends only on this interface.
type Scorer interface {
	Name() string
	// Version tags cached scores; bumping it invalidates them.
	Version() string
	Score(img image.Image) float64
}

// New resolves a scorer strategy by name.
func New(name string) (Scorer, error) {
	switch name {
	case "brisque":
		return &BrisqueScorer{}, nil
	case "laplacian":
		return &LaplacianScorer{}, nil
	default:
		return nil, fmt.Errorf("unknown quality scorer %q", name)
	}
}

// Tier is the Stage-1 classification of an image.
type Tier string

const (
	TierKeeper    Tier = "keeper"
	TierAmbiguous Tier = "ambiguous"
	TierDud       Tier = "dud"
)

// Classify maps a score onto the three tiers. The boundaries belong to the
// decided tiers: a score exactly at the keeper threshold is a keeper, a
// score exactly at the ambiguous threshold is a dud, and only scores
// strictly between the two escalate.
func Classify(score, keeperThreshold, ambiguousThreshold float64) Tier {
	switch {
	case score <= keeperThreshold:
		return TierKeeper
	case score >= ambiguousThreshold:
		return TierDud
	default:
		return TierAmbiguous
	}
}
