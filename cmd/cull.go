package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/infvision/photosort/internal/fingerprint"
	"github.com/infvision/photosort/internal/pipeline"
	"github.com/infvision/photosort/internal/quality"
)

var cullCmd = &cobra.Command{
	Use:   "cull [path...]",
	Short: "Analyze photos: group bursts, score quality, escalate the ambiguous",
	Long: `Cull runs the full triage pipeline over the given files and directories.

Every image gets a content fingerprint, a semantic embedding (cached), and a
Stage-1 quality score (cached). Images whose score falls between the keeper
and ambiguous thresholds are escalated to the configured vision-language
model for a keep/reject verdict. The report partitions all inputs into
bursts, each with a designated pick.

Examples:
  # Cull a shoot directory
  photosort cull ~/photos/wedding

  # Write the full report for later serving
  photosort cull ~/photos/wedding --out report.json

  # Preview without touching anything but the cache
  photosort cull ~/photos/wedding --dry-run

  # Machine-readable output
  photosort cull ~/photos/wedding --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runCull,
}

func init() {
	rootCmd.AddCommand(cullCmd)

	cullCmd.Flags().Bool("dry-run", false, "Run the full analysis without any side effect outside cache and report")
	cullCmd.Flags().Bool("json", false, "Print the full report as JSON")
	cullCmd.Flags().String("out", "", "Write the full report JSON to a file")
	cullCmd.Flags().Bool("no-progress", false, "Disable the progress bar")
}

func runCull(cmd *cobra.Command, args []string) error {
	dryRun := mustGetBool(cmd, "dry-run")
	jsonOutput := mustGetBool(cmd, "json")
	outPath := mustGetString(cmd, "out")
	noProgress := mustGetBool(cmd, "no-progress")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Pipeline.DryRun = dryRun

	paths, err := collectImagePaths(args)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	defer deps.Cache.Close()

	if !noProgress && !jsonOutput {
		bar := progressbar.NewOptions(len(paths),
			progressbar.OptionSetDescription("Analyzing"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("photos"),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionSetPredictTime(true),
			progressbar.OptionFullWidth(),
		)
		deps.Progress = func(phase string, done, total int) {
			if phase == "analyze" {
				_ = bar.Add(1)
			}
		}
	}

	report, err := pipeline.New(deps).Run(ctx, paths)
	if err != nil {
		return err
	}
	if !noProgress && !jsonOutput {
		fmt.Println()
	}

	if outPath != "" {
		if err := writeReportFile(report, outPath); err != nil {
			return err
		}
	}
	if jsonOutput {
		return outputJSON(report)
	}

	printCullSummary(report)
	return nil
}

func writeReportFile(report *pipeline.Report, path string) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printCullSummary(report *pipeline.Report) {
	fmt.Printf("Run %s", report.RunID)
	if report.DryRun {
		fmt.Printf(" (dry run)")
	}
	fmt.Println()
	fmt.Printf("Scorer: %s, embedding model: %s\n\n", report.Scorer, report.EmbeddingModel)

	multi := 0
	for _, b := range report.Bursts {
		if len(b.Members) > 1 {
			multi++
		}
	}
	fmt.Printf("%d photos -> %d bursts (%d multi-shot), %d keepers, %d ambiguous, %d duds\n",
		report.Stats.Inputs, report.Stats.Bursts, multi,
		report.Stats.Keepers, report.Stats.Ambiguous, report.Stats.Duds)
	if report.Stats.Escalated > 0 || report.Stats.NeedsReview > 0 {
		fmt.Printf("%d escalated, %d need human review\n", report.Stats.Escalated, report.Stats.NeedsReview)
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHOTO\tSCORE\tTIER\tPICK\tVERDICT")
	for _, path := range report.Paths() {
		v := report.Verdicts[path]
		fmt.Fprintf(w, "%s\t%.1f\t%s\t%s\t%s\n",
			path, v.Stage1Score, v.Tier, pickMarker(report, v), verdictSummary(v))
	}
	w.Flush()

	if len(report.Failures) > 0 {
		fmt.Println()
		fmt.Printf("Failures (%d):\n", len(report.Failures))
		for _, f := range report.Failures {
			fmt.Printf("  %s: %s\n", f.Path, f.Reason)
		}
	}
}

func pickMarker(report *pipeline.Report, v *pipeline.Verdict) string {
	burst := report.BurstFor(v.Fingerprint)
	if burst == nil || len(burst.Members) < 2 {
		return ""
	}
	if burst.Pick == v.Fingerprint {
		return "pick"
	}
	return "alt of " + fingerprint.Short(burst.Pick)
}

func verdictSummary(v *pipeline.Verdict) string {
	switch {
	case v.NeedsReview:
		return "needs review (" + v.FailureKind + ")"
	case v.Stage2 != nil:
		s := string(v.Stage2.Decision)
		if v.Stage2.Label != "" {
			s += ": " + v.Stage2.Label
		}
		return s
	case v.Tier == quality.TierKeeper:
		return "keep"
	case v.Tier == quality.TierDud:
		return "reject"
	default:
		return ""
	}
}
