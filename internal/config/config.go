package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed presets.yaml
var presetsYAML []byte

type Config struct {
	Cluster    ClusterConfig
	Quality    QualityConfig
	Cache      CacheConfig
	Embedding  EmbeddingConfig
	Escalation EscalationConfig
	Pipeline   PipelineConfig
	Presets    PresetsConfig
}

type ClusterConfig struct {
	Epsilon    float64 // maximum cosine distance within a burst
	MinSamples int     // minimum close neighbors for a cluster core
}

type QualityConfig struct {
	Scorer             string  // "brisque" or "laplacian"
	KeeperThreshold    float64 // score <= this is a keeper
	AmbiguousThreshold float64 // score >= this is a dud
}

type CacheConfig struct {
	Backend  string        // "sqlite", "postgres" or "memory"
	Location string        // sqlite file path
	URL      string        // PostgreSQL connection URL for the shared backend
	MaxAge   time.Duration // prune entries older than this (0 = keep forever)
	Required bool          // fail the run instead of degrading when the store is unusable
}

type EmbeddingConfig struct {
	URL string // defaults to http://localhost:8000
	Dim int    // defaults to 512 (clip-ViT-B-32)
}

type EscalationConfig struct {
	Provider  string // "ollama", "openai" or "gemini"
	OllamaURL string
	Model     string
	OpenAIKey string
	GeminiKey string
	Timeout   time.Duration
}

type PipelineConfig struct {
	Workers               int  // embed+score worker pool size
	EscalationConcurrency int  // parallel Stage-2 calls, kept below Workers
	DryRun                bool // suppress side effects outside cache and report
}

// PresetsConfig holds the embedded per-scorer threshold presets.
type PresetsConfig struct {
	Scorers map[string]ScorerPreset `yaml:"scorers"`
}

type ScorerPreset struct {
	Keeper    float64 `yaml:"keeper"`
	Ambiguous float64 `yaml:"ambiguous"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var presets PresetsConfig
	if err := yaml.Unmarshal(presetsYAML, &presets); err != nil {
		// Embedded file, should never happen in practice.
		panic("failed to unmarshal embedded presets.yaml: " + err.Error())
	}

	scorer := envString("PHOTOSORT_SCORER", "brisque")
	preset := presets.Scorers[scorer]

	return &Config{
		Cluster: ClusterConfig{
			Epsilon:    envFloat("PHOTOSORT_CLUSTER_EPSILON", 0.15),
			MinSamples: envInt("PHOTOSORT_CLUSTER_MIN_SAMPLES", 2),
		},
		Quality: QualityConfig{
			Scorer:             scorer,
			KeeperThreshold:    envFloat("PHOTOSORT_KEEPER_THRESHOLD", preset.Keeper),
			AmbiguousThreshold: envFloat("PHOTOSORT_AMBIGUOUS_THRESHOLD", preset.Ambiguous),
		},
		Cache: CacheConfig{
			Backend:  envString("PHOTOSORT_CACHE_BACKEND", "sqlite"),
			Location: envString("PHOTOSORT_CACHE_PATH", defaultCachePath()),
			URL:      os.Getenv("PHOTOSORT_CACHE_DATABASE_URL"),
			MaxAge:   envDuration("PHOTOSORT_CACHE_MAX_AGE", 0),
			Required: os.Getenv("PHOTOSORT_CACHE_REQUIRED") == "true",
		},
		Embedding: EmbeddingConfig{
			URL: envString("PHOTOSORT_EMBEDDING_URL", "http://localhost:8000"),
			Dim: envInt("PHOTOSORT_EMBEDDING_DIM", 512),
		},
		Escalation: EscalationConfig{
			Provider:  envString("PHOTOSORT_VLM_PROVIDER", "ollama"),
			OllamaURL: envString("OLLAMA_URL", "http://localhost:11434"),
			Model:     os.Getenv("PHOTOSORT_VLM_MODEL"),
			OpenAIKey: os.Getenv("OPENAI_TOKEN"),
			GeminiKey: os.Getenv("GEMINI_API_KEY"),
			Timeout:   envDuration("PHOTOSORT_VLM_TIMEOUT", 60*time.Second),
		},
		Pipeline: PipelineConfig{
			Workers:               envInt("PHOTOSORT_WORKERS", runtime.NumCPU()),
			EscalationConcurrency: envInt("PHOTOSORT_ESCALATION_CONCURRENCY", 2),
			DryRun:                false,
		},
		Presets: presets,
	}
}

// defaultCachePath puts the cache under the user cache directory so it
// survives across sessions regardless of which directory is analyzed.
func defaultCachePath() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".photosort-cache.db"
	}
	return dir + "/photosort/cache.db"
}

// Validate checks configuration consistency. Threshold ordering and worker
// counts are fatal at startup, before any image is processed.
func (c *Config) Validate() error {
	if c.Quality.KeeperThreshold > c.Quality.AmbiguousThreshold {
		return fmt.Errorf("keeper threshold %.2f must not exceed ambiguous threshold %.2f",
			c.Quality.KeeperThreshold, c.Quality.AmbiguousThreshold)
	}
	if c.Quality.Scorer != "brisque" && c.Quality.Scorer != "laplacian" {
		return fmt.Errorf("unknown scorer %q (expected brisque or laplacian)", c.Quality.Scorer)
	}
	if c.Cluster.Epsilon <= 0 || c.Cluster.Epsilon >= 2 {
		return fmt.Errorf("cluster epsilon %.3f must be in (0, 2)", c.Cluster.Epsilon)
	}
	if c.Cluster.MinSamples < 1 {
		return errors.New("cluster min samples must be at least 1")
	}
	if c.Pipeline.Workers < 1 {
		return errors.New("worker count must be at least 1")
	}
	if c.Pipeline.EscalationConcurrency < 1 {
		return errors.New("escalation concurrency must be at least 1")
	}
	if c.Pipeline.EscalationConcurrency > c.Pipeline.Workers {
		return fmt.Errorf("escalation concurrency %d must not exceed worker count %d",
			c.Pipeline.EscalationConcurrency, c.Pipeline.Workers)
	}
	switch c.Cache.Backend {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.Backend == "postgres" && c.Cache.URL == "" {
		return errors.New("PHOTOSORT_CACHE_DATABASE_URL is required for the postgres cache backend")
	}
	return nil
}

// ScorerPreset returns the embedded threshold preset for a scorer name.
func (c *Config) ScorerPreset(name string) ScorerPreset {
	if p, ok := c.Presets.Scorers[name]; ok {
		return p
	}
	return ScorerPreset{}
}
