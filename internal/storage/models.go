package storage

import "time"

// Job statuses.
const (
	JobPreparing = "preparing"
	JobPlanning  = "planning"
	JobRunning   = "running"
	JobPaused    = "paused"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Queue event actions.
const (
	EventDiscovered = "discovered"
	EventEnqueued   = "enqueued"
	EventVisited    = "visited"
	EventSaved      = "saved"
	EventSkipped    = "skipped"
	EventFailed     = "failed"
)

// Content storage tiers.
const (
	TierInline = "inline"
	TierBucket = "bucket"
	TierFile   = "file"
)

// Ingestion run statuses.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskPaused    = "paused"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// URLRecord is one interned URL.
type URLRecord struct {
	ID        int64     `json:"id"`
	Canonical string    `json:"canonical"`
	Host      string    `json:"host"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// ContentMeta describes a stored payload without its bytes.
type ContentMeta struct {
	ID                int64  `json:"id"`
	StorageType       string `json:"storage_type"`
	CompressionTypeID int    `json:"compression_type_id"`
	SubType           string `json:"sub_type"`
	SHA256            string `json:"sha256"`
	UncompressedSize  int64  `json:"uncompressed_size"`
	CompressedSize    int64  `json:"compressed_size"`
}

// RedirectHop is one hop of a redirect chain.
type RedirectHop struct {
	URL        string `json:"url"`
	StatusCode int    `json:"status_code"`
}

// HTTPResponse is one fetch record. ContentID is 0 when no body was
// stored (errors, skips).
type HTTPResponse struct {
	ID            int64             `json:"id"`
	URLID         int64             `json:"url_id"`
	StatusCode    int               `json:"status_code"`
	FetchedAt     time.Time         `json:"fetched_at"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentID     int64             `json:"content_id,omitempty"`
	FinalURLID    int64             `json:"final_url_id,omitempty"`
	RedirectHops  []RedirectHop     `json:"redirect_hops,omitempty"`
	TTFB          time.Duration     `json:"ttfb"`
	Duration      time.Duration     `json:"duration"`
	BodyBytes     int64             `json:"body_bytes"`
	FromCache     bool              `json:"from_cache"`
	ErrorCategory string            `json:"error_category,omitempty"`
	ErrorMessage  string            `json:"error_message,omitempty"`
}

// Analysis is the classifier output for one content row.
type Analysis struct {
	ID               int64          `json:"id"`
	ContentID        int64          `json:"content_id"`
	URLID            int64          `json:"url_id"`
	Classification   string         `json:"classification"`
	Title            string         `json:"title,omitempty"`
	PublishedAt      string         `json:"published_at,omitempty"`
	WordCount        int            `json:"word_count"`
	Language         string         `json:"language,omitempty"`
	NavLinkCount     int            `json:"nav_link_count"`
	ArticleLinkCount int            `json:"article_link_count"`
	PlaceIDs         []int64        `json:"place_ids,omitempty"`
	TopicIDs         []string       `json:"topic_ids,omitempty"`
	SimHash          uint64         `json:"simhash"`
	Signals          map[string]any `json:"signals,omitempty"`
	AnalyzedAt       time.Time      `json:"analyzed_at"`
}

// Link is a directed edge in the URL graph.
type Link struct {
	ID         int64  `json:"id"`
	SrcURLID   int64  `json:"src_url_id"`
	DstURLID   int64  `json:"dst_url_id"`
	Anchor     string `json:"anchor,omitempty"`
	Rel        string `json:"rel,omitempty"`
	NoFollow   bool   `json:"nofollow"`
	DepthDelta int    `json:"depth_delta"`
}

// Job is one crawl job row.
type Job struct {
	ID          int64     `json:"id"`
	SeedURLID   int64     `json:"seed_url_id"`
	CrawlType   string    `json:"crawl_type"`
	Status      string    `json:"status"`
	PlanID      int64     `json:"plan_id,omitempty"`
	OptionsJSON string    `json:"options_json,omitempty"`
	EndReason   string    `json:"end_reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// QueueEvent is one append-only queue observation.
type QueueEvent struct {
	ID       int64     `json:"id"`
	JobID    int64     `json:"job_id"`
	Action   string    `json:"action"`
	URLID    int64     `json:"url_id"`
	Depth    int       `json:"depth"`
	Bucket   string    `json:"bucket,omitempty"`
	Priority float64   `json:"priority"`
	TS       time.Time `json:"ts"`
}

// PendingEntry is the persisted reflection of a pending request,
// reconstructed from queue events on resume.
type PendingEntry struct {
	URLID    int64   `json:"url_id"`
	Depth    int     `json:"depth"`
	Bucket   string  `json:"bucket"`
	Priority float64 `json:"priority"`
}

// Place is one gazetteer entity.
type Place struct {
	ID              int64   `json:"id"`
	Kind            string  `json:"kind"`
	CanonicalNameID int64   `json:"canonical_name_id,omitempty"`
	CountryCode     string  `json:"country_code,omitempty"`
	Admin1Code      string  `json:"admin1_code,omitempty"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	Population      int64   `json:"population,omitempty"`
	ExtraJSON       string  `json:"extra_json,omitempty"`
}

// PlaceName is one of a place's names.
type PlaceName struct {
	ID         int64  `json:"id"`
	PlaceID    int64  `json:"place_id"`
	Text       string `json:"text"`
	Normalized string `json:"normalized"`
	Lang       string `json:"lang,omitempty"`
	Kind       string `json:"kind"`
}

// IngestionRun is one (source, version) ingestion attempt.
type IngestionRun struct {
	ID            int64     `json:"id"`
	Source        string    `json:"source"`
	SourceVersion string    `json:"source_version"`
	Status        string    `json:"status"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	Written       int       `json:"written"`
	Updated       int       `json:"updated"`
	Skipped       int       `json:"skipped"`
	MetadataJSON  string    `json:"metadata_json,omitempty"`
}

// Plan is a persisted strategic plan.
type Plan struct {
	ID               int64     `json:"id"`
	Domain           string    `json:"domain"`
	Goal             string    `json:"goal,omitempty"`
	EstimatedValue   float64   `json:"estimated_value"`
	EstimatedCost    float64   `json:"estimated_cost"`
	Probability      float64   `json:"probability"`
	Lookahead        int       `json:"lookahead"`
	BranchesExplored int       `json:"branches_explored"`
	BudgetExhausted  bool      `json:"budget_exhausted"`
	CreatedAt        time.Time `json:"created_at"`
}

// PlanStep is one action of a plan.
type PlanStep struct {
	ID            int64   `json:"id"`
	PlanID        int64   `json:"plan_id"`
	Seq           int     `json:"seq"`
	ActionType    string  `json:"action_type"`
	TargetURLID   int64   `json:"target_url_id"`
	ExpectedValue float64 `json:"expected_value"`
	Cost          float64 `json:"cost"`
	Probability   float64 `json:"probability"`
}

// PlanOutcome records how a plan's execution went.
type PlanOutcome struct {
	ID               int64   `json:"id"`
	PlanID           int64   `json:"plan_id"`
	JobID            int64   `json:"job_id,omitempty"`
	StepsCompleted   int     `json:"steps_completed"`
	Backtracks       int     `json:"backtracks"`
	ActualValue      float64 `json:"actual_value"`
	PerformanceRatio float64 `json:"performance_ratio"`
	FailureReason    string  `json:"failure_reason,omitempty"`
}

// StepResult records one executed step's actual vs expected value.
type StepResult struct {
	PlanID        int64   `json:"plan_id"`
	Seq           int     `json:"seq"`
	ActionType    string  `json:"action_type"`
	ExpectedValue float64 `json:"expected_value"`
	ActualValue   float64 `json:"actual_value"`
	Ratio         float64 `json:"ratio"`
}

// Heuristic is one learned (domain, pattern) weight.
type Heuristic struct {
	Domain  string  `json:"domain"`
	Pattern string  `json:"pattern"`
	Weight  float64 `json:"weight"`
	Samples int     `json:"samples"`
}

// TaskRecord is one background task row.
type TaskRecord struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	ProgressJSON string    `json:"progress_json,omitempty"`
	CursorJSON   string    `json:"cursor_json,omitempty"`
	ParamsJSON   string    `json:"params_json,omitempty"`
	Error        string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	PausedAt     time.Time `json:"paused_at,omitempty"`
	EndedAt      time.Time `json:"ended_at,omitempty"`
}

// CacheEntry is one HTTP cache row. Body is stored compressed.
type CacheEntry struct {
	Key               string            `json:"key"`
	Method            string            `json:"method"`
	URL               string            `json:"url"`
	SubType           string            `json:"sub_type"`
	StatusCode        int               `json:"status_code"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              []byte            `json:"-"`
	CompressionTypeID int               `json:"compression_type_id"`
	UncompressedSize  int64             `json:"uncompressed_size"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	LastAccess        time.Time         `json:"last_access"`
	HitCount          int64             `json:"hit_count"`
}
