// Package config defines process-wide and per-crawl configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CrawlType selects the execution mode of a crawl job.
type CrawlType string

const (
	CrawlBasic       CrawlType = "basic"              // seed + discovered links
	CrawlSitemap     CrawlType = "basic-with-sitemap" // basic plus sitemap seeding
	CrawlIntelligent CrawlType = "intelligent"        // planner preview then execution
	CrawlSitemapOnly CrawlType = "sitemap-only"       // sitemap URLs, no link following
	CrawlGeography   CrawlType = "geography"          // staged gazetteer ingestion
)

// ParseCrawlType rejects unknown crawl types at the boundary.
func ParseCrawlType(s string) (CrawlType, error) {
	switch CrawlType(s) {
	case CrawlBasic, CrawlSitemap, CrawlIntelligent, CrawlSitemapOnly, CrawlGeography:
		return CrawlType(s), nil
	}
	return "", fmt.Errorf("unknown crawl type %q", s)
}

// FetchPolicy decides how the fetch pipeline consults the cache.
type FetchPolicy string

const (
	PreferCache FetchPolicy = "prefer-cache" // fresh cache entry wins over network
	PreferFresh FetchPolicy = "prefer-fresh" // network first, cache on failure
	CacheOnly   FetchPolicy = "cache-only"   // never touch the network
	NetworkOnly FetchPolicy = "network-only" // never touch the cache
)

// ParseFetchPolicy rejects unknown fetch policies at the boundary.
func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch FetchPolicy(s) {
	case PreferCache, PreferFresh, CacheOnly, NetworkOnly:
		return FetchPolicy(s), nil
	}
	return "", fmt.Errorf("unknown fetch policy %q", s)
}

// Features holds process-wide feature toggles.
type Features struct {
	AdvancedPlanningSuite bool `json:"advanced_planning_suite" yaml:"advanced_planning_suite"`
	GapDriven             bool `json:"gap_driven" yaml:"gap_driven"`
	PlannerKnowledgeReuse bool `json:"planner_knowledge_reuse" yaml:"planner_knowledge_reuse"`
	RealTimeCoverage      bool `json:"real_time_coverage" yaml:"real_time_coverage"`
	ProblemClustering     bool `json:"problem_clustering" yaml:"problem_clustering"`
	ProblemResolution     bool `json:"problem_resolution" yaml:"problem_resolution"`
}

// Planning holds planner search knobs.
type Planning struct {
	MaxLookahead         int           `json:"max_lookahead" yaml:"max_lookahead"`
	MaxBranches          int           `json:"max_branches" yaml:"max_branches"`
	Budget               time.Duration `json:"budget_ms" yaml:"budget_ms"`
	SimulationCandidates int           `json:"simulation_candidates" yaml:"simulation_candidates"`
	MaxBacktracks        int           `json:"max_backtracks" yaml:"max_backtracks"`
	LearningEnabled      bool          `json:"learning_enabled" yaml:"learning_enabled"`
	SessionTTL           time.Duration `json:"session_ttl" yaml:"session_ttl"`
	AllowConcurrent      bool          `json:"allow_concurrent_sessions" yaml:"allow_concurrent_sessions"`
}

// Pacing holds per-host scheduling knobs.
type Pacing struct {
	MinInterval    time.Duration `json:"min_interval" yaml:"min_interval"`
	BackoffCeiling time.Duration `json:"backoff_ceiling" yaml:"backoff_ceiling"`
	HostInFlight   int           `json:"host_in_flight" yaml:"host_in_flight"`
	GlobalRPS      float64       `json:"global_rps" yaml:"global_rps"` // 0 = unlimited
}

// Compression maps content sub-types to codec preset names.
type Compression struct {
	Presets map[string]string `json:"presets" yaml:"presets"`
}

// PresetFor returns the codec preset for a sub-type, or "none" when
// unmapped.
func (c Compression) PresetFor(subType string) string {
	if p, ok := c.Presets[subType]; ok {
		return p
	}
	return "none"
}

// CacheConfig holds HTTP cache facade policy.
type CacheConfig struct {
	TTL      map[string]time.Duration `json:"ttl" yaml:"ttl"`
	MaxBytes int64                    `json:"max_bytes" yaml:"max_bytes"`
}

// TTLFor returns the cache lifetime for a sub-type, or a day when
// unmapped.
func (c CacheConfig) TTLFor(subType string) time.Duration {
	if ttl, ok := c.TTL[subType]; ok {
		return ttl
	}
	return 24 * time.Hour
}

// HubFreshness gates persistence of per-decision explanations.
type HubFreshness struct {
	PersistDecisionTraces bool `json:"persist_decision_traces" yaml:"persist_decision_traces"`
}

// Ingestion holds staged-ingestion knobs.
type Ingestion struct {
	Force bool `json:"force" yaml:"force"`
}

// Config is the process-wide configuration. It is loaded once at
// startup and passed explicitly; components never read it from a
// global.
type Config struct {
	// Storage
	DatabasePath string `json:"database_path" yaml:"database_path"`
	ContentDir   string `json:"content_dir" yaml:"content_dir"`

	// Identification
	UserAgent string `json:"user_agent" yaml:"user_agent"`

	// Logging
	LogLevel string `json:"log_level" yaml:"log_level"`

	// Crawl defaults
	Concurrency       int           `json:"concurrency" yaml:"concurrency"`
	MaxDepth          int           `json:"max_depth" yaml:"max_depth"`
	MaxPages          int           `json:"max_pages" yaml:"max_pages"`         // 0 = unbounded
	MaxDownloads      int           `json:"max_downloads" yaml:"max_downloads"` // 0 = unbounded
	MaxResponseSize   int64         `json:"max_response_size" yaml:"max_response_size"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	CachePolicy       FetchPolicy   `json:"cache_policy" yaml:"cache_policy"`
	MaxCacheAge       time.Duration `json:"max_cache_age_ms" yaml:"max_cache_age_ms"`
	FallbackToCache   bool          `json:"fallback_to_cache" yaml:"fallback_to_cache"`
	AllowMultipleJobs bool          `json:"allow_multiple_jobs" yaml:"allow_multiple_jobs"`
	RespectRobotsTxt  bool          `json:"respect_robots_txt" yaml:"respect_robots_txt"`

	// URL normalization
	TrackingParams []string `json:"tracking_params" yaml:"tracking_params"`
	MapIndexFiles  bool     `json:"map_index_files" yaml:"map_index_files"`

	// Sections
	Features     Features     `json:"features" yaml:"features"`
	Planning     Planning     `json:"planning" yaml:"planning"`
	Pacing       Pacing       `json:"pacing" yaml:"pacing"`
	Compression  Compression  `json:"compression" yaml:"compression"`
	Cache        CacheConfig  `json:"cache" yaml:"cache"`
	HubFreshness HubFreshness `json:"hub_freshness" yaml:"hub_freshness"`
	Ingestion    Ingestion    `json:"ingestion" yaml:"ingestion"`
}

// DefaultTrackingParams are stripped during canonicalisation unless
// overridden.
var DefaultTrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"gclid", "fbclid", "msclkid", "mc_cid", "mc_eid", "igshid",
	"ref", "source",
}

// Default returns a Config with every documented default.
func Default() *Config {
	return &Config{
		DatabasePath: "harvest.db",
		ContentDir:   "harvest-content",
		UserAgent:    "HarvestBot/1.0 (+https://github.com/harvest-crawler)",
		LogLevel:     "info",

		Concurrency:       1,
		MaxDepth:          3,
		MaxPages:          0,
		MaxDownloads:      0,
		MaxResponseSize:   10 * 1024 * 1024,
		Timeout:           30 * time.Second,
		CachePolicy:       PreferCache,
		MaxCacheAge:       0, // 0 = sub-type TTL applies
		FallbackToCache:   true,
		AllowMultipleJobs: false,
		RespectRobotsTxt:  true,

		TrackingParams: append([]string(nil), DefaultTrackingParams...),
		MapIndexFiles:  true,

		Features: Features{
			AdvancedPlanningSuite: false,
			GapDriven:             false,
			PlannerKnowledgeReuse: true,
			RealTimeCoverage:      true,
			ProblemClustering:     true,
			ProblemResolution:     true,
		},
		Planning: Planning{
			MaxLookahead:         5,
			MaxBranches:          10,
			Budget:               3500 * time.Millisecond,
			SimulationCandidates: 5,
			MaxBacktracks:        3,
			LearningEnabled:      true,
			SessionTTL:           10 * time.Minute,
			AllowConcurrent:      false,
		},
		Pacing: Pacing{
			MinInterval:    time.Second,
			BackoffCeiling: 5 * time.Minute,
			HostInFlight:   1,
			GlobalRPS:      0,
		},
		Compression: Compression{
			Presets: map[string]string{
				"html":           "zstd-3",
				"sparql-results": "gzip-6",
				"json-entities":  "gzip-6",
				"geo-admin":      "gzip-6",
				"text":           "zstd-3",
			},
		},
		Cache: CacheConfig{
			TTL: map[string]time.Duration{
				"html":           7 * 24 * time.Hour,
				"sparql-results": 24 * time.Hour,
				"json-entities":  24 * time.Hour,
				"geo-admin":      7 * 24 * time.Hour,
				"robots":         24 * time.Hour,
			},
			MaxBytes: 2 * 1024 * 1024 * 1024,
		},
		HubFreshness: HubFreshness{PersistDecisionTraces: false},
		Ingestion:    Ingestion{Force: false},
	}
}

// Validate clamps out-of-range values instead of failing.
func (c *Config) Validate() error {
	if c.Concurrency < 1 {
		c.Concurrency = 1
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	if c.Timeout < time.Second {
		c.Timeout = time.Second
	}
	if c.Pacing.MinInterval <= 0 {
		c.Pacing.MinInterval = time.Second
	}
	if c.Pacing.BackoffCeiling < c.Pacing.MinInterval {
		c.Pacing.BackoffCeiling = c.Pacing.MinInterval
	}
	if c.Pacing.HostInFlight < 1 {
		c.Pacing.HostInFlight = 1
	}
	if c.Planning.MaxLookahead < 1 {
		c.Planning.MaxLookahead = 1
	}
	if c.Planning.MaxBranches < 1 {
		c.Planning.MaxBranches = 1
	}
	if c.Planning.Budget <= 0 {
		c.Planning.Budget = 3500 * time.Millisecond
	}
	if c.Planning.MaxBacktracks < 0 {
		c.Planning.MaxBacktracks = 0
	}
	if c.Planning.SessionTTL <= 0 {
		c.Planning.SessionTTL = 10 * time.Minute
	}
	if _, err := ParseFetchPolicy(string(c.CachePolicy)); err != nil {
		return err
	}
	return nil
}

// ApplyEnv overrides a small allow-list of settings from the
// environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("HARVEST_DB"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("HARVEST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Concurrency = n
		}
	}
	if v := os.Getenv("HARVEST_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Save writes the configuration as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Load reads a JSON or YAML config file (keyed on extension), applies
// defaults for missing fields, then validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
