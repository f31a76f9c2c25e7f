package config

import (
	"fmt"
	"regexp"
	"time"
)

// CrawlOptions are the per-job settings captured when a crawl is
// planned or started. A job snapshots its options; later config edits
// do not affect running jobs.
type CrawlOptions struct {
	Seed      string    `json:"seed"`
	CrawlType CrawlType `json:"crawl_type"`

	Concurrency  int   `json:"concurrency"`
	MaxDepth     int   `json:"max_depth"`
	MaxPages     int   `json:"max_pages"`
	MaxDownloads int   `json:"max_downloads"`
	MaxBodyBytes int64 `json:"max_body_bytes"`

	CachePolicy     FetchPolicy   `json:"cache_policy"`
	MaxCacheAge     time.Duration `json:"max_cache_age_ms"`
	FallbackToCache bool          `json:"fallback_to_cache"`

	IncludePatterns []string `json:"include_patterns,omitempty"`
	ExcludePatterns []string `json:"exclude_patterns,omitempty"`
	SameHostOnly    bool     `json:"same_host_only"`

	RespectRobotsTxt bool `json:"respect_robots_txt"`
	PlannerEnabled   bool `json:"planner_enabled"`

	compiledIncludes []*regexp.Regexp
	compiledExcludes []*regexp.Regexp
}

// NewCrawlOptions fills per-job settings from the process config.
func NewCrawlOptions(cfg *Config, seed string, crawlType CrawlType) *CrawlOptions {
	return &CrawlOptions{
		Seed:             seed,
		CrawlType:        crawlType,
		Concurrency:      cfg.Concurrency,
		MaxDepth:         cfg.MaxDepth,
		MaxPages:         cfg.MaxPages,
		MaxDownloads:     cfg.MaxDownloads,
		MaxBodyBytes:     cfg.MaxResponseSize,
		CachePolicy:      cfg.CachePolicy,
		MaxCacheAge:      cfg.MaxCacheAge,
		FallbackToCache:  cfg.FallbackToCache,
		SameHostOnly:     true,
		RespectRobotsTxt: cfg.RespectRobotsTxt,
		PlannerEnabled:   crawlType == CrawlIntelligent,
	}
}

// Validate clamps worker count and budgets.
func (o *CrawlOptions) Validate() error {
	if o.Seed == "" {
		return fmt.Errorf("seed URL is required")
	}
	if _, err := ParseCrawlType(string(o.CrawlType)); err != nil {
		return err
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxDepth < 0 {
		o.MaxDepth = 0
	}
	if o.MaxPages < 0 {
		o.MaxPages = 0
	}
	if o.MaxDownloads < 0 {
		o.MaxDownloads = 0
	}
	if o.CachePolicy == "" {
		o.CachePolicy = PreferCache
	}
	if _, err := ParseFetchPolicy(string(o.CachePolicy)); err != nil {
		return err
	}
	return nil
}

// CompilePatterns compiles include/exclude regex patterns.
func (o *CrawlOptions) CompilePatterns() error {
	o.compiledIncludes = make([]*regexp.Regexp, 0, len(o.IncludePatterns))
	o.compiledExcludes = make([]*regexp.Regexp, 0, len(o.ExcludePatterns))

	for _, pattern := range o.IncludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid include pattern '%s': %w", pattern, err)
		}
		o.compiledIncludes = append(o.compiledIncludes, re)
	}

	for _, pattern := range o.ExcludePatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Errorf("invalid exclude pattern '%s': %w", pattern, err)
		}
		o.compiledExcludes = append(o.compiledExcludes, re)
	}

	return nil
}

// ShouldCrawl checks a URL against the include/exclude patterns.
func (o *CrawlOptions) ShouldCrawl(urlStr string) bool {
	for _, re := range o.compiledExcludes {
		if re.MatchString(urlStr) {
			return false
		}
	}

	if len(o.compiledIncludes) == 0 {
		return true
	}

	for _, re := range o.compiledIncludes {
		if re.MatchString(urlStr) {
			return true
		}
	}

	return false
}

// Clone deep-copies the options so a job's snapshot is isolated.
func (o *CrawlOptions) Clone() *CrawlOptions {
	clone := *o

	clone.IncludePatterns = append([]string(nil), o.IncludePatterns...)
	clone.ExcludePatterns = append([]string(nil), o.ExcludePatterns...)
	clone.compiledIncludes = nil
	clone.compiledExcludes = nil

	return &clone
}
