package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Content cache management commands",
	Long: `Commands for inspecting and maintaining the content cache that stores
embeddings and quality scores by content fingerprint.`,
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE:  runCacheStats,
}

var cachePruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove cache entries older than a given age",
	Long: `Remove cache entries older than the given age.

Examples:
  # Remove entries older than 90 days
  photosort cache prune --max-age 2160h`,
	RunE: runCachePrune,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cachePruneCmd)

	cachePruneCmd.Flags().Duration("max-age", 0, "Remove entries older than this (required, e.g. 720h)")
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	count, err := store.Count(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to count cache entries: %w", err)
	}

	fmt.Printf("Backend:  %s\n", cfg.Cache.Backend)
	if cfg.Cache.Backend == "sqlite" {
		fmt.Printf("Location: %s\n", cfg.Cache.Location)
	}
	fmt.Printf("Entries:  %d\n", count)
	return nil
}

func runCachePrune(cmd *cobra.Command, args []string) error {
	maxAge := mustGetDuration(cmd, "max-age")
	if maxAge <= 0 {
		return errors.New("--max-age must be a positive duration")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	start := time.Now()
	removed, err := store.Prune(cmd.Context(), maxAge)
	if err != nil {
		return fmt.Errorf("prune failed: %w", err)
	}
	fmt.Printf("Removed %d entries older than %s in %s\n", removed, maxAge, time.Since(start).Round(time.Millisecond))
	return nil
}
