// Package pipeline orchestrates one triage run: fingerprint every input,
// satisfy embedding and quality lookups from the content cache, fan the
// misses across a bounded worker pool, cluster bursts, escalate the
// ambiguous band, and assemble a total report in which every input path
// appears exactly once.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/infvision/photosort/internal/cache"
	"github.com/infvision/photosort/internal/cluster"
	"github.com/infvision/photosort/internal/config"
	"github.com/infvision/photosort/internal/embedding"
	"github.com/infvision/photosort/internal/escalate"
	"github.com/infvision/photosort/internal/fingerprint"
	"github.com/infvision/photosort/internal/imaging"
	"github.com/infvision/photosort/internal/quality"
)

// Embedder computes a semantic vector for raw image bytes. Version tags
// cached vectors so a model change invalidates them.
type Embedder interface {
	Embed(ctx context.Context, imageData []byte) (*embedding.Result, error)
	Version() string
}

// Escalator runs the Stage-2 consolidated critique call.
type Escalator interface {
	Escalate(ctx context.Context, imageData []byte) (*escalate.Verdict, error)
	ProviderName() string
}

// Deps are the injected collaborators for one run.
type Deps struct {
	Cache     cache.Store
	Embedder  Embedder
	Scorer    quality.Scorer
	Escalator Escalator // nil disables Stage 2; ambiguous images become needs-review
	Config    *config.Config
	Logger    *slog.Logger
	// Progress, when set, is called after each finished unit of the named
	// phase ("analyze" or "escalate").
	Progress func(phase string, done, total int)
}

// Orchestrator runs the two-stage triage pipeline.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger
}

func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		deps:   deps,
		logger: logger.With(slog.String("component", "pipeline")),
	}
}

// analysis is the per-path outcome of the embed-and-score phase.
type analysis struct {
	path   string
	fp     string
	score  float64
	vector []float32
	err    error
}

// Run executes the full pipeline over the given image paths. Per-image
// failures are recorded in the report, never returned; the error return is
// reserved for cancellation.
func (o *Orchestrator) Run(ctx context.Context, paths []string) (*Report, error) {
	started := time.Now().UTC()

	paths = uniqueSorted(paths)
	results := make([]analysis, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.deps.Config.Pipeline.Workers)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = o.analyze(gctx, path)
			if o.deps.Progress != nil {
				o.deps.Progress("analyze", i+1, len(paths))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analysis phase: %w", err)
	}

	report := &Report{
		RunID:          uuid.New().String(),
		StartedAt:      started,
		DryRun:         o.deps.Config.Pipeline.DryRun,
		Scorer:         o.deps.Scorer.Name(),
		EmbeddingModel: o.deps.Embedder.Version(),
		Verdicts:       make(map[string]*Verdict),
	}

	// Duplicate files share a fingerprint and therefore one burst slot and
	// one escalation call; their verdicts stay separate per path.
	embeddings := make(map[string][]float32)
	scores := make(map[string]float64)
	pathByFP := make(map[string]string)
	for _, r := range results {
		if r.err != nil {
			report.Failures = append(report.Failures, Failure{
				Path:        r.path,
				Fingerprint: r.fp,
				Reason:      r.err.Error(),
			})
			continue
		}
		embeddings[r.fp] = r.vector
		scores[r.fp] = r.score
		if _, ok := pathByFP[r.fp]; !ok {
			pathByFP[r.fp] = r.path
		}

		tier := quality.Classify(r.score,
			o.deps.Config.Quality.KeeperThreshold,
			o.deps.Config.Quality.AmbiguousThreshold)
		report.Verdicts[r.path] = &Verdict{
			Path:        r.path,
			Fingerprint: r.fp,
			Stage1Score: r.score,
			Tier:        tier,
		}
	}

	report.Bursts = cluster.Cluster(embeddings, scores,
		o.deps.Config.Cluster.Epsilon, o.deps.Config.Cluster.MinSamples)

	if err := o.escalateAmbiguous(ctx, report, pathByFP); err != nil {
		return nil, err
	}

	report.finalize(time.Now().UTC())
	o.logger.Info("run complete",
		slog.String("run_id", report.RunID),
		slog.Int("inputs", len(paths)),
		slog.Int("bursts", len(report.Bursts)),
		slog.Int("failures", len(report.Failures)),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))
	return report, nil
}

// analyze reads one file and produces its fingerprint, quality score and
// embedding, consulting the cache before computing either.
func (o *Orchestrator) analyze(ctx context.Context, path string) analysis {
	data, err := os.ReadFile(path)
	if err != nil {
		return analysis{path: path, err: fmt.Errorf("read file: %w", err)}
	}
	fp := fingerprint.Compute(data)
	out := analysis{path: path, fp: fp}

	score, ok := o.cachedScore(ctx, fp)
	if !ok {
		img, err := imaging.Decode(data)
		if err != nil {
			out.err = err
			return out
		}
		score = o.deps.Scorer.Score(img)
		o.putScore(ctx, fp, score)
	}
	out.score = score

	vector, ok := o.cachedEmbedding(ctx, fp)
	if !ok {
		result, err := o.deps.Embedder.Embed(ctx, data)
		if err != nil {
			out.err = fmt.Errorf("embed: %w", err)
			return out
		}
		vector = result.Vector
		o.putEmbedding(ctx, fp, result)
	}
	out.vector = vector
	return out
}

func (o *Orchestrator) cachedScore(ctx context.Context, fp string) (float64, bool) {
	entry, hit, err := o.deps.Cache.Get(ctx, fp, cache.KindQualityScore, o.deps.Scorer.Version())
	if err != nil {
		o.logger.Warn("cache read failed", slog.String("fingerprint", fingerprint.Short(fp)), slog.String("error", err.Error()))
		return 0, false
	}
	if !hit {
		return 0, false
	}
	payload, err := cache.DecodeScore(entry)
	if err != nil {
		return 0, false
	}
	return payload.Score, true
}

func (o *Orchestrator) putScore(ctx context.Context, fp string, score float64) {
	payload, err := cache.EncodePayload(cache.ScorePayload{Score: score, Scorer: o.deps.Scorer.Name()})
	if err != nil {
		return
	}
	entry := cache.NewEntry(fp, cache.KindQualityScore, o.deps.Scorer.Version(), payload)
	if err := o.deps.Cache.Put(ctx, entry); err != nil {
		o.logger.Warn("cache write failed", slog.String("fingerprint", fingerprint.Short(fp)), slog.String("error", err.Error()))
	}
}

func (o *Orchestrator) cachedEmbedding(ctx context.Context, fp string) ([]float32, bool) {
	entry, hit, err := o.deps.Cache.Get(ctx, fp, cache.KindEmbedding, o.deps.Embedder.Version())
	if err != nil {
		o.logger.Warn("cache read failed", slog.String("fingerprint", fingerprint.Short(fp)), slog.String("error", err.Error()))
		return nil, false
	}
	if !hit {
		return nil, false
	}
	payload, err := cache.DecodeEmbedding(entry)
	if err != nil {
		return nil, false
	}
	return payload.Vector, true
}

func (o *Orchestrator) putEmbedding(ctx context.Context, fp string, result *embedding.Result) {
	payload, err := cache.EncodePayload(cache.EmbeddingPayload{
		Vector: result.Vector,
		Model:  result.Model,
		Dim:    result.Dim,
	})
	if err != nil {
		return
	}
	entry := cache.NewEntry(fp, cache.KindEmbedding, o.deps.Embedder.Version(), payload)
	if err := o.deps.Cache.Put(ctx, entry); err != nil {
		o.logger.Warn("cache write failed", slog.String("fingerprint", fingerprint.Short(fp)), slog.String("error", err.Error()))
	}
}

// escalateAmbiguous runs Stage 2 once per ambiguous fingerprint; the result
// is attached to every path sharing that fingerprint. Escalation failures
// mark the verdict needs-review, they never abort the run.
func (o *Orchestrator) escalateAmbiguous(ctx context.Context, report *Report, pathByFP map[string]string) error {
	ambiguous := make([]string, 0)
	seen := make(map[string]bool)
	for _, path := range sortedVerdictPaths(report.Verdicts) {
		v := report.Verdicts[path]
		if v.Tier != quality.TierAmbiguous || seen[v.Fingerprint] {
			continue
		}
		seen[v.Fingerprint] = true
		ambiguous = append(ambiguous, v.Fingerprint)
	}
	if len(ambiguous) == 0 {
		return nil
	}

	if o.deps.Escalator == nil {
		for _, v := range report.Verdicts {
			if v.Tier == quality.TierAmbiguous {
				v.NeedsReview = true
				v.FailureKind = "escalation-disabled"
			}
		}
		o.logger.Warn("no escalation provider configured", slog.Int("ambiguous", len(ambiguous)))
		return nil
	}

	type outcome struct {
		verdict *escalate.Verdict
		err     error
	}
	outcomes := make([]outcome, len(ambiguous))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.deps.Config.Pipeline.EscalationConcurrency)
	for i, fp := range ambiguous {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(pathByFP[fp])
			if err != nil {
				outcomes[i] = outcome{err: &escalate.CallError{Kind: escalate.FailureUnreachable, Err: err}}
			} else {
				v, err := o.deps.Escalator.Escalate(gctx, data)
				outcomes[i] = outcome{verdict: v, err: err}
			}
			if o.deps.Progress != nil {
				o.deps.Progress("escalate", i+1, len(ambiguous))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("escalation phase: %w", err)
	}

	byFP := make(map[string]outcome, len(ambiguous))
	for i, fp := range ambiguous {
		byFP[fp] = outcomes[i]
	}
	for _, v := range report.Verdicts {
		if v.Tier != quality.TierAmbiguous {
			continue
		}
		out := byFP[v.Fingerprint]
		if out.err != nil {
			v.NeedsReview = true
			var callErr *escalate.CallError
			if errors.As(out.err, &callErr) {
				v.FailureKind = string(callErr.Kind)
			} else {
				v.FailureKind = "escalation-failed"
			}
			o.logger.Warn("escalation failed",
				slog.String("path", v.Path),
				slog.String("kind", v.FailureKind))
			continue
		}
		v.Stage2 = out.verdict
		v.FileStem = out.verdict.FilenameSuggestion()
	}
	return nil
}

func uniqueSorted(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func sortedVerdictPaths(verdicts map[string]*Verdict) []string {
	paths := make([]string, 0, len(verdicts))
	for p := range verdicts {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
