package pipeline

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/infvision/photosort/internal/cache"
	"github.com/infvision/photosort/internal/config"
	"github.com/infvision/photosort/internal/embedding"
	"github.com/infvision/photosort/internal/escalate"
	"github.com/infvision/photosort/internal/imaging"
	"github.com/infvision/photosort/internal/quality"
)

// writeJPEG writes a generated test image. Width selects the fake embedder's
// vector and the fake scorer's score; seed varies pixel content so files with
// the same width still get distinct fingerprints.
func writeJPEG(t *testing.T, dir, name string, width int, seed uint8) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x) + seed, G: uint8(y) * seed, B: seed, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90}); err != nil {
		t.Fatalf("failed to encode test JPEG: %v", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("failed to write test JPEG: %v", err)
	}
	return path
}

// fakeScorer scores an image by its pixel width so tests can steer tiers
// through image dimensions.
type fakeScorer struct {
	calls atomic.Int64
}

func (s *fakeScorer) Name() string    { return "fake" }
func (s *fakeScorer) Version() string { return "fake-1" }
func (s *fakeScorer) Score(img image.Image) float64 {
	s.calls.Add(1)
	return float64(img.Bounds().Dx())
}

// fakeEmbedder returns a fixed vector per image width, decoding first like
// the real client so corrupt files fail the same way.
type fakeEmbedder struct {
	calls   atomic.Int64
	vectors map[int][]float32
}

func (e *fakeEmbedder) Version() string { return "fake-model" }

func (e *fakeEmbedder) Embed(ctx context.Context, imageData []byte) (*embedding.Result, error) {
	e.calls.Add(1)
	img, err := imaging.Decode(imageData)
	if err != nil {
		return nil, err
	}
	v, ok := e.vectors[img.Bounds().Dx()]
	if !ok {
		v = []float32{1, 0, 0, 0}
	}
	return &embedding.Result{Vector: v, Model: "fake-model", Dim: len(v)}, nil
}

type fakeEscalator struct {
	calls   atomic.Int64
	verdict *escalate.Verdict
	err     error
}

func (f *fakeEscalator) ProviderName() string { return "fake" }

func (f *fakeEscalator) Escalate(ctx context.Context, imageData []byte) (*escalate.Verdict, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.verdict, nil
}

// Widths map onto tiers through the fake scorer and the 35/50 thresholds
// below: 20 = keeper, 40-41 = ambiguous, 60 = dud.
func testConfig() *config.Config {
	return &config.Config{
		Cluster: config.ClusterConfig{Epsilon: 0.15, MinSamples: 2},
		Quality: config.QualityConfig{
			Scorer:             "fake",
			KeeperThreshold:    35,
			AmbiguousThreshold: 50,
		},
		Pipeline: config.PipelineConfig{Workers: 4, EscalationConcurrency: 2},
	}
}

func testDeps(cfg *config.Config) (Deps, *fakeScorer, *fakeEmbedder, *fakeEscalator) {
	scorer := &fakeScorer{}
	embedder := &fakeEmbedder{vectors: map[int][]float32{
		20: {1, 0, 0, 0},
		40: {0, 1, 0, 0},
		41: {0.04, 0.999, 0, 0},
		60: {0, 0, 1, 0},
	}}
	escalator := &fakeEscalator{
		verdict: &escalate.Verdict{Decision: escalate.DecisionKeep, Label: "test scene"},
	}
	return Deps{
		Cache:     cache.NewMemoryStore(),
		Embedder:  embedder,
		Scorer:    scorer,
		Escalator: escalator,
		Config:    cfg,
		Logger:    slog.New(slog.DiscardHandler),
	}, scorer, embedder, escalator
}

func TestRun_PartitionTotality(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{
		writeJPEG(t, dir, "keeper.jpg", 20, 1),
		writeJPEG(t, dir, "dud.jpg", 60, 2),
		writeJPEG(t, dir, "other.jpg", 20, 3),
	}

	corrupt := filepath.Join(dir, "corrupt.jpg")
	if err := os.WriteFile(corrupt, []byte("not an image"), 0o644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "does-not-exist.jpg")
	inputs = append(inputs, corrupt, missing)

	deps, _, _, _ := testDeps(testConfig())
	report, err := New(deps).Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	seen := make(map[string]int)
	for path := range report.Verdicts {
		seen[path]++
	}
	for _, f := range report.Failures {
		seen[f.Path]++
	}
	for _, path := range inputs {
		if seen[path] != 1 {
			t.Errorf("input %s appears %d times in report, want exactly 1", path, seen[path])
		}
	}
	if report.Stats.Inputs != len(inputs) {
		t.Errorf("Stats.Inputs = %d, want %d", report.Stats.Inputs, len(inputs))
	}
	if report.Stats.Failures != 2 {
		t.Errorf("Stats.Failures = %d, want 2", report.Stats.Failures)
	}

	// Every verdict fingerprint must land in exactly one burst.
	for _, v := range report.Verdicts {
		if report.BurstFor(v.Fingerprint) == nil {
			t.Errorf("fingerprint of %s missing from burst partition", v.Path)
		}
	}
}

func TestRun_CacheIdempotence(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{
		writeJPEG(t, dir, "a.jpg", 20, 1),
		writeJPEG(t, dir, "b.jpg", 60, 2),
	}

	deps, scorer, embedder, _ := testDeps(testConfig())
	orch := New(deps)

	first, err := orch.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("first run failed: %v", err)
	}
	embedCalls := embedder.calls.Load()
	scoreCalls := scorer.calls.Load()
	if embedCalls != 2 || scoreCalls != 2 {
		t.Fatalf("expected 2 embed and 2 score calls, got %d/%d", embedCalls, scoreCalls)
	}

	second, err := orch.Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if embedder.calls.Load() != embedCalls {
		t.Errorf("second run invoked embedder %d extra times", embedder.calls.Load()-embedCalls)
	}
	if scorer.calls.Load() != scoreCalls {
		t.Errorf("second run invoked scorer %d extra times", scorer.calls.Load()-scoreCalls)
	}

	for path, v := range first.Verdicts {
		if second.Verdicts[path] == nil || second.Verdicts[path].Stage1Score != v.Stage1Score {
			t.Errorf("cached score for %s differs from computed score", path)
		}
	}
}

func TestRun_PathIndependence(t *testing.T) {
	dir := t.TempDir()
	original := writeJPEG(t, dir, "original.jpg", 20, 1)

	deps, _, embedder, _ := testDeps(testConfig())
	orch := New(deps)
	if _, err := orch.Run(context.Background(), []string{original}); err != nil {
		t.Fatalf("first run failed: %v", err)
	}

	renamed := filepath.Join(dir, "renamed.jpg")
	if err := os.Rename(original, renamed); err != nil {
		t.Fatal(err)
	}
	if _, err := orch.Run(context.Background(), []string{renamed}); err != nil {
		t.Fatalf("second run failed: %v", err)
	}
	if got := embedder.calls.Load(); got != 1 {
		t.Errorf("rename caused a cache miss: %d embed calls, want 1", got)
	}
}

func TestRun_BurstGroupingAndPick(t *testing.T) {
	dir := t.TempDir()
	// Widths 40 and 41 map to near-identical vectors, so they form one
	// burst; the lower score (width 40) must be the pick.
	near1 := writeJPEG(t, dir, "near1.jpg", 40, 1)
	near2 := writeJPEG(t, dir, "near2.jpg", 41, 2)
	lone := writeJPEG(t, dir, "lone.jpg", 20, 3)

	deps, _, _, _ := testDeps(testConfig())
	report, err := New(deps).Run(context.Background(), []string{near1, near2, lone})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(report.Bursts) != 2 {
		t.Fatalf("expected 2 bursts, got %d", len(report.Bursts))
	}

	fpNear1 := report.Verdicts[near1].Fingerprint
	burst := report.BurstFor(fpNear1)
	if burst == nil || len(burst.Members) != 2 {
		t.Fatalf("expected near1 in a 2-member burst, got %+v", burst)
	}
	if burst.Pick != fpNear1 {
		t.Errorf("expected the lower-score member as pick")
	}
}

func TestRun_EscalationOnlyForAmbiguous(t *testing.T) {
	dir := t.TempDir()
	inputs := []string{
		writeJPEG(t, dir, "keeper.jpg", 20, 1),
		writeJPEG(t, dir, "ambiguous.jpg", 40, 2),
		writeJPEG(t, dir, "dud.jpg", 60, 3),
	}

	deps, _, _, escalator := testDeps(testConfig())
	report, err := New(deps).Run(context.Background(), inputs)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := escalator.calls.Load(); got != 1 {
		t.Errorf("expected 1 escalation call, got %d", got)
	}

	v := report.Verdicts[inputs[1]]
	if v.Stage2 == nil || v.Stage2.Decision != escalate.DecisionKeep {
		t.Errorf("ambiguous image missing Stage-2 verdict: %+v", v)
	}
	if v.FileStem != "test-scene" {
		t.Errorf("FileStem = %q, want slug of the Stage-2 label", v.FileStem)
	}
	if report.Verdicts[inputs[0]].Stage2 != nil || report.Verdicts[inputs[2]].Stage2 != nil {
		t.Error("keeper or dud received an escalation verdict")
	}
	if report.Stats.Escalated != 1 {
		t.Errorf("Stats.Escalated = %d, want 1", report.Stats.Escalated)
	}
}

func TestRun_KeeperBoundaryScoreDoesNotEscalate(t *testing.T) {
	dir := t.TempDir()
	// Width 35 scores exactly at the keeper threshold.
	path := writeJPEG(t, dir, "boundary.jpg", 35, 1)

	deps, _, _, escalator := testDeps(testConfig())
	report, err := New(deps).Run(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := escalator.calls.Load(); got != 0 {
		t.Errorf("boundary keeper score triggered %d escalation calls", got)
	}
	if tier := report.Verdicts[path].Tier; tier != quality.TierKeeper {
		t.Errorf("tier = %q, want keeper", tier)
	}
}

func TestRun_EscalationFailSoft(t *testing.T) {
	dir := t.TempDir()
	ambiguous := writeJPEG(t, dir, "ambiguous.jpg", 40, 1)
	keeper := writeJPEG(t, dir, "keeper.jpg", 20, 2)

	deps, _, _, escalator := testDeps(testConfig())
	escalator.err = &escalate.CallError{Kind: escalate.FailureTimeout, Err: errors.New("deadline exceeded")}

	report, err := New(deps).Run(context.Background(), []string{ambiguous, keeper})
	if err != nil {
		t.Fatalf("escalation failure aborted the run: %v", err)
	}

	v := report.Verdicts[ambiguous]
	if !v.NeedsReview {
		t.Error("failed escalation did not mark verdict needs-review")
	}
	if v.FailureKind != string(escalate.FailureTimeout) {
		t.Errorf("FailureKind = %q, want timeout", v.FailureKind)
	}
	if v.Tier != quality.TierAmbiguous {
		t.Errorf("needs-review verdict changed tier to %q", v.Tier)
	}
	if report.Verdicts[keeper].NeedsReview {
		t.Error("keeper marked needs-review")
	}
	if report.Stats.NeedsReview != 1 {
		t.Errorf("Stats.NeedsReview = %d, want 1", report.Stats.NeedsReview)
	}
}

func TestRun_NoEscalatorMarksNeedsReview(t *testing.T) {
	dir := t.TempDir()
	path := writeJPEG(t, dir, "ambiguous.jpg", 40, 1)

	deps, _, _, _ := testDeps(testConfig())
	deps.Escalator = nil

	report, err := New(deps).Run(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	v := report.Verdicts[path]
	if !v.NeedsReview || v.FailureKind != "escalation-disabled" {
		t.Errorf("expected escalation-disabled needs-review verdict, got %+v", v)
	}
}

func TestRun_DuplicateFilesShareOneEscalation(t *testing.T) {
	dir := t.TempDir()
	first := writeJPEG(t, dir, "first.jpg", 40, 1)
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatal(err)
	}
	second := filepath.Join(dir, "copy.jpg")
	if err := os.WriteFile(second, data, 0o644); err != nil {
		t.Fatal(err)
	}

	deps, _, _, escalator := testDeps(testConfig())
	report, err := New(deps).Run(context.Background(), []string{first, second})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if got := escalator.calls.Load(); got != 1 {
		t.Errorf("identical files triggered %d escalation calls, want 1", got)
	}
	if report.Verdicts[first].Stage2 == nil || report.Verdicts[second].Stage2 == nil {
		t.Error("shared escalation verdict missing on one of the duplicate paths")
	}
	if report.Verdicts[first].Fingerprint != report.Verdicts[second].Fingerprint {
		t.Error("identical files produced different fingerprints")
	}
}

func TestRun_DeterministicAcrossInputOrder(t *testing.T) {
	dir := t.TempDir()
	paths := []string{
		writeJPEG(t, dir, "a.jpg", 40, 1),
		writeJPEG(t, dir, "b.jpg", 41, 2),
		writeJPEG(t, dir, "c.jpg", 20, 3),
		writeJPEG(t, dir, "d.jpg", 60, 4),
	}
	reversed := []string{paths[3], paths[2], paths[1], paths[0]}

	depsA, _, _, _ := testDeps(testConfig())
	depsB, _, _, _ := testDeps(testConfig())
	reportA, err := New(depsA).Run(context.Background(), paths)
	if err != nil {
		t.Fatal(err)
	}
	reportB, err := New(depsB).Run(context.Background(), reversed)
	if err != nil {
		t.Fatal(err)
	}

	if len(reportA.Bursts) != len(reportB.Bursts) {
		t.Fatalf("burst counts differ: %d vs %d", len(reportA.Bursts), len(reportB.Bursts))
	}
	for i := range reportA.Bursts {
		a, b := reportA.Bursts[i], reportB.Bursts[i]
		if a.Pick != b.Pick || len(a.Members) != len(b.Members) {
			t.Errorf("burst %d differs across input orderings", i)
			continue
		}
		for j := range a.Members {
			if a.Members[j] != b.Members[j] {
				t.Errorf("burst %d member %d differs across input orderings", i, j)
			}
		}
	}
	for path, va := range reportA.Verdicts {
		vb := reportB.Verdicts[path]
		if vb == nil || va.Tier != vb.Tier || va.Stage1Score != vb.Stage1Score {
			t.Errorf("verdict for %s differs across input orderings", path)
		}
	}
}

func TestRun_DryRunFlagCarriedIntoReport(t *testing.T) {
	dir := t.TempDir()
	path := writeJPEG(t, dir, "a.jpg", 20, 1)

	cfg := testConfig()
	cfg.Pipeline.DryRun = true
	deps, _, _, _ := testDeps(cfg)

	report, err := New(deps).Run(context.Background(), []string{path})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !report.DryRun {
		t.Error("report does not carry the dry-run flag")
	}
	if report.RunID == "" {
		t.Error("report missing run ID")
	}
}
