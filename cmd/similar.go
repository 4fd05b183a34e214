package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/infvision/photosort/internal/cache"
	"github.com/infvision/photosort/internal/cluster"
	"github.com/infvision/photosort/internal/config"
	"github.com/infvision/photosort/internal/fingerprint"
	"github.com/infvision/photosort/internal/pipeline"
)

var similarCmd = &cobra.Command{
	Use:   "similar <image> [path...]",
	Short: "Find photos visually similar to a given image",
	Long: `Find photos similar to a reference image within a set of candidates.

Embeddings are computed (or read from the cache) for the reference image and
all candidates, then searched with an approximate nearest-neighbor index.
Lower distance values indicate more similar images.

Examples:
  # Find near-duplicates of one shot within a directory
  photosort similar ~/photos/wedding/IMG_1234.jpg ~/photos/wedding

  # Use stricter threshold (lower = more similar)
  photosort similar IMG_1234.jpg . --threshold 0.1

  # Limit results
  photosort similar IMG_1234.jpg . --limit 5

  # Output as JSON
  photosort similar IMG_1234.jpg . --json`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSimilar,
}

func init() {
	rootCmd.AddCommand(similarCmd)

	similarCmd.Flags().Float64("threshold", 0.3, "Maximum cosine distance for similarity (lower = more similar)")
	similarCmd.Flags().Int("limit", 20, "Maximum number of results")
	similarCmd.Flags().Bool("json", false, "Output as JSON")
}

// SimilarResult is one similar photo in the command output.
type SimilarResult struct {
	Path       string  `json:"path"`
	Distance   float64 `json:"distance"`
	Similarity float64 `json:"similarity"` // 1 - distance, for easier interpretation
}

// SimilarOutput is the JSON output structure.
type SimilarOutput struct {
	Reference string          `json:"reference"`
	Threshold float64         `json:"threshold"`
	Results   []SimilarResult `json:"results"`
	Count     int             `json:"count"`
}

func runSimilar(cmd *cobra.Command, args []string) error {
	threshold := mustGetFloat64(cmd, "threshold")
	limit := mustGetInt(cmd, "limit")
	jsonOutput := mustGetBool(cmd, "json")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	reference := args[0]
	candidates, err := collectImagePaths(args[1:])
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Cache.Close()

	refFP, embeddings, pathByFP, err := embedAll(ctx, cfg, deps, reference, candidates)
	if err != nil {
		return err
	}

	index := cluster.NewIndex()
	index.Build(embeddings)

	neighbors, err := index.SearchByFingerprint(refFP, limit)
	if err != nil {
		return err
	}

	out := SimilarOutput{Reference: reference, Threshold: threshold}
	for _, n := range neighbors {
		if n.Distance > threshold {
			continue
		}
		out.Results = append(out.Results, SimilarResult{
			Path:       pathByFP[n.Fingerprint],
			Distance:   n.Distance,
			Similarity: 1 - n.Distance,
		})
	}
	out.Count = len(out.Results)

	if jsonOutput {
		return outputJSON(out)
	}

	if out.Count == 0 {
		fmt.Printf("No photos within distance %.2f of %s\n", threshold, reference)
		return nil
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHOTO\tDISTANCE\tSIMILARITY")
	for _, r := range out.Results {
		fmt.Fprintf(w, "%s\t%.4f\t%.1f%%\n", r.Path, r.Distance, r.Similarity*100)
	}
	return w.Flush()
}

// embedAll fingerprints and embeds the reference plus all candidates,
// cache-first, and returns the reference fingerprint with the full
// embedding set.
func embedAll(ctx context.Context, cfg *config.Config, deps pipeline.Deps, reference string, candidates []string) (string, map[string][]float32, map[string]string, error) {
	paths := append([]string{reference}, candidates...)

	type embedded struct {
		path   string
		fp     string
		vector []float32
	}
	results := make([]embedded, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.Pipeline.Workers)
	for i, path := range paths {
		g.Go(func() error {
			data, err := os.ReadFile(path)
			if err != nil {
				return fmt.Errorf("read %s: %w", path, err)
			}
			fp := fingerprint.Compute(data)

			if entry, hit, err := deps.Cache.Get(gctx, fp, cache.KindEmbedding, deps.Embedder.Version()); err == nil && hit {
				if payload, err := cache.DecodeEmbedding(entry); err == nil {
					results[i] = embedded{path: path, fp: fp, vector: payload.Vector}
					return nil
				}
			}

			result, err := deps.Embedder.Embed(gctx, data)
			if err != nil {
				return fmt.Errorf("embed %s: %w", path, err)
			}
			if payload, err := cache.EncodePayload(cache.EmbeddingPayload{
				Vector: result.Vector,
				Model:  result.Model,
				Dim:    result.Dim,
			}); err == nil {
				_ = deps.Cache.Put(gctx, cache.NewEntry(fp, cache.KindEmbedding, deps.Embedder.Version(), payload))
			}
			results[i] = embedded{path: path, fp: fp, vector: result.Vector}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", nil, nil, err
	}

	embeddings := make(map[string][]float32, len(results))
	pathByFP := make(map[string]string, len(results))
	for _, r := range results {
		embeddings[r.fp] = r.vector
		if _, ok := pathByFP[r.fp]; !ok {
			pathByFP[r.fp] = r.path
		}
	}
	return results[0].fp, embeddings, pathByFP, nil
}
