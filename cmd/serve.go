package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/infvision/photosort/internal/pipeline"
	"github.com/infvision/photosort/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve a triage report over HTTP",
	Long: `Serve a previously written triage report for browsing.

Examples:
  photosort cull ~/photos/wedding --out report.json
  photosort serve --report report.json`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("report", "", "Path to a report JSON file written by cull --out (required)")
	serveCmd.Flags().Int("port", 8080, "Port to listen on")
	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind to")
}

func runServe(cmd *cobra.Command, args []string) error {
	reportPath := mustGetString(cmd, "report")
	port := mustGetInt(cmd, "port")
	host := mustGetString(cmd, "host")

	if reportPath == "" {
		return fmt.Errorf("--report is required")
	}
	data, err := os.ReadFile(reportPath)
	if err != nil {
		return fmt.Errorf("failed to read report: %w", err)
	}
	var report pipeline.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return fmt.Errorf("failed to parse report: %w", err)
	}

	server := web.NewServer(&report, host, port)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	fmt.Printf("Serving report %s on http://%s:%d\n", report.RunID, host, port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}
