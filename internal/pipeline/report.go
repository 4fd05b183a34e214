package pipeline

import (
	"sort"
	"time"

	"github.com/infvision/photosort/internal/cluster"
	"github.com/infvision/photosort/internal/escalate"
	"github.com/infvision/photosort/internal/quality"
)

// Verdict is the per-image quality outcome. A needs-review verdict means no
// automated decision could be computed, which is a different thing from a
// dud; the two are never conflated.
type Verdict struct {
	Path        string            `json:"path"`
	Fingerprint string            `json:"fingerprint"`
	Stage1Score float64           `json:"stage1_score"`
	Tier        quality.Tier      `json:"tier"`
	Stage2      *escalate.Verdict `json:"stage2,omitempty"`
	// FileStem is a filename suggestion derived from the Stage-2 label,
	// for the file-organization layer. The core never renames files.
	FileStem    string `json:"file_stem,omitempty"`
	NeedsReview bool   `json:"needs_review"`
	FailureKind string `json:"failure_kind,omitempty"`
}

// Failure records an input that produced no verdict at all, typically an
// unreadable or undecodable file.
type Failure struct {
	Path        string `json:"path"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Reason      string `json:"reason"`
}

// Stats summarizes one run.
type Stats struct {
	Inputs      int `json:"inputs"`
	Keepers     int `json:"keepers"`
	Ambiguous   int `json:"ambiguous"`
	Duds        int `json:"duds"`
	Escalated   int `json:"escalated"`
	NeedsReview int `json:"needs_review"`
	Failures    int `json:"failures"`
	Bursts      int `json:"bursts"`
}

// Report is the total outcome of one pipeline run: every input path appears
// exactly once, either in Verdicts or in Failures.
type Report struct {
	RunID          string              `json:"run_id"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     time.Time           `json:"finished_at"`
	DryRun         bool                `json:"dry_run"`
	Scorer         string              `json:"scorer"`
	EmbeddingModel string              `json:"embedding_model"`
	Bursts         []cluster.Burst     `json:"bursts"`
	Verdicts       map[string]*Verdict `json:"verdicts"`
	Failures       []Failure           `json:"failures"`
	Stats          Stats               `json:"stats"`
}

// finalize sorts the failure list and fills in the summary counts.
func (r *Report) finalize(finished time.Time) {
	r.FinishedAt = finished
	sort.Slice(r.Failures, func(i, j int) bool {
		return r.Failures[i].Path < r.Failures[j].Path
	})

	r.Stats = Stats{
		Inputs:   len(r.Verdicts) + len(r.Failures),
		Failures: len(r.Failures),
		Bursts:   len(r.Bursts),
	}
	for _, v := range r.Verdicts {
		switch v.Tier {
		case quality.TierKeeper:
			r.Stats.Keepers++
		case quality.TierAmbiguous:
			r.Stats.Ambiguous++
		case quality.TierDud:
			r.Stats.Duds++
		}
		if v.Stage2 != nil {
			r.Stats.Escalated++
		}
		if v.NeedsReview {
			r.Stats.NeedsReview++
		}
	}
}

// BurstFor returns the burst containing the given fingerprint, or nil.
func (r *Report) BurstFor(fp string) *cluster.Burst {
	for i := range r.Bursts {
		for _, member := range r.Bursts[i].Members {
			if member == fp {
				return &r.Bursts[i]
			}
		}
	}
	return nil
}

// Paths returns the verdict paths in sorted order.
func (r *Report) Paths() []string {
	return sortedVerdictPaths(r.Verdicts)
}
