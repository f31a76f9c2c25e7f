package storage

// Schema contains SQL statements to create database tables.
const Schema = `
-- URLs table: one row per canonical URL, ever
CREATE TABLE IF NOT EXISTS urls (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    canonical TEXT NOT NULL UNIQUE,
    host TEXT NOT NULL,
    first_seen DATETIME DEFAULT CURRENT_TIMESTAMP,
    last_seen DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_urls_host ON urls(host);

-- Content buckets: on-disk files aggregating medium-sized blobs
CREATE TABLE IF NOT EXISTS content_buckets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    path TEXT NOT NULL,
    size_bytes INTEGER NOT NULL DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Contents table: compressed payloads in one of three tiers
CREATE TABLE IF NOT EXISTS contents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    storage_type TEXT NOT NULL CHECK (storage_type IN ('inline','bucket','file')),
    compression_type_id INTEGER NOT NULL,
    sub_type TEXT NOT NULL DEFAULT 'html',
    sha256 TEXT NOT NULL,
    uncompressed_size INTEGER NOT NULL,
    compressed_size INTEGER NOT NULL,
    body BLOB,
    bucket_id INTEGER REFERENCES content_buckets(id),
    bucket_offset INTEGER,
    file_path TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_contents_sha256 ON contents(sha256);

-- HTTP responses: full fetch history; latest row per URL wins
CREATE TABLE IF NOT EXISTS http_responses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url_id INTEGER NOT NULL REFERENCES urls(id),
    status_code INTEGER NOT NULL DEFAULT 0,
    fetched_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    headers_json TEXT,
    content_id INTEGER REFERENCES contents(id),
    final_url_id INTEGER REFERENCES urls(id),
    redirect_hops_json TEXT,
    ttfb_ms INTEGER DEFAULT 0,
    duration_ms INTEGER DEFAULT 0,
    body_bytes INTEGER DEFAULT 0,
    from_cache BOOLEAN DEFAULT 0,
    error_category TEXT,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_responses_url ON http_responses(url_id, fetched_at DESC);

-- Content analyses: one per content row
CREATE TABLE IF NOT EXISTS content_analyses (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    content_id INTEGER NOT NULL UNIQUE REFERENCES contents(id),
    url_id INTEGER NOT NULL REFERENCES urls(id),
    classification TEXT NOT NULL,
    title TEXT,
    published_at TEXT,
    word_count INTEGER DEFAULT 0,
    language TEXT,
    nav_link_count INTEGER DEFAULT 0,
    article_link_count INTEGER DEFAULT 0,
    place_ids_json TEXT,
    topic_ids_json TEXT,
    simhash INTEGER DEFAULT 0,
    signals_json TEXT,
    analyzed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_analyses_url ON content_analyses(url_id);
CREATE INDEX IF NOT EXISTS idx_analyses_class ON content_analyses(classification);

-- Links table: directed URL graph edges
CREATE TABLE IF NOT EXISTS links (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    src_url_id INTEGER NOT NULL REFERENCES urls(id),
    dst_url_id INTEGER NOT NULL REFERENCES urls(id),
    anchor TEXT,
    rel TEXT,
    nofollow BOOLEAN DEFAULT 0,
    depth_delta INTEGER DEFAULT 1,
    discovered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    UNIQUE(src_url_id, dst_url_id)
);

CREATE INDEX IF NOT EXISTS idx_links_dst ON links(dst_url_id);

-- Crawl jobs: the user-facing crawl entity
CREATE TABLE IF NOT EXISTS crawl_jobs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    seed_url_id INTEGER NOT NULL REFERENCES urls(id),
    crawl_type TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'preparing',
    plan_id INTEGER,
    options_json TEXT,
    end_reason TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON crawl_jobs(status);

-- Queue events: append-only observations, source of truth for resume
CREATE TABLE IF NOT EXISTS queue_events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id INTEGER NOT NULL REFERENCES crawl_jobs(id) ON DELETE CASCADE,
    action TEXT NOT NULL,
    url_id INTEGER NOT NULL,
    depth INTEGER NOT NULL DEFAULT 0,
    bucket TEXT,
    priority REAL DEFAULT 0,
    ts DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_queue_events_job ON queue_events(job_id, id);
CREATE INDEX IF NOT EXISTS idx_queue_events_url ON queue_events(job_id, url_id);

-- Milestones: discrete named achievements
CREATE TABLE IF NOT EXISTS milestones (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id INTEGER,
    kind TEXT NOT NULL,
    ts DATETIME DEFAULT CURRENT_TIMESTAMP,
    details_json TEXT
);

-- Problems: persisted error reports
CREATE TABLE IF NOT EXISTS problems (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id INTEGER,
    severity TEXT,
    code TEXT,
    message TEXT,
    url_id INTEGER,
    ts DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Gazetteer places
CREATE TABLE IF NOT EXISTS places (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL CHECK (kind IN ('country','region','city','other')),
    canonical_name_id INTEGER,
    country_code TEXT,
    admin1_code TEXT,
    lat REAL,
    lng REAL,
    population INTEGER,
    extra_json TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_places_country ON places(country_code, kind);

CREATE TABLE IF NOT EXISTS place_names (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    place_id INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
    text TEXT NOT NULL,
    normalized TEXT NOT NULL,
    lang TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL DEFAULT 'label',
    UNIQUE(place_id, normalized, lang, kind)
);

CREATE INDEX IF NOT EXISTS idx_place_names_norm ON place_names(normalized);

CREATE TABLE IF NOT EXISTS place_external_ids (
    place_id INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
    source TEXT NOT NULL,
    ext_id TEXT NOT NULL,
    PRIMARY KEY (source, ext_id)
);

CREATE INDEX IF NOT EXISTS idx_place_external_place ON place_external_ids(place_id);

-- Composite key includes relation so a place can have multiple parents
CREATE TABLE IF NOT EXISTS place_hierarchy (
    parent_id INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
    child_id INTEGER NOT NULL REFERENCES places(id) ON DELETE CASCADE,
    relation TEXT NOT NULL DEFAULT 'contains',
    PRIMARY KEY (parent_id, child_id, relation)
);

-- Ingestion runs: advisory locks + idempotence records
CREATE TABLE IF NOT EXISTS ingestion_runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    source_version TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'running',
    started_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    completed_at DATETIME,
    written INTEGER DEFAULT 0,
    updated INTEGER DEFAULT 0,
    skipped INTEGER DEFAULT 0,
    metadata_json TEXT
);

CREATE INDEX IF NOT EXISTS idx_ingestion_source ON ingestion_runs(source, source_version);

-- Plans and planner learning
CREATE TABLE IF NOT EXISTS plans (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    domain TEXT NOT NULL,
    goal TEXT,
    estimated_value REAL DEFAULT 0,
    estimated_cost REAL DEFAULT 0,
    probability REAL DEFAULT 0,
    lookahead INTEGER DEFAULT 0,
    branches_explored INTEGER DEFAULT 0,
    budget_exhausted BOOLEAN DEFAULT 0,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plan_steps (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id INTEGER NOT NULL REFERENCES plans(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    action_type TEXT NOT NULL,
    target_url_id INTEGER NOT NULL,
    expected_value REAL DEFAULT 0,
    cost REAL DEFAULT 0,
    probability REAL DEFAULT 0,
    UNIQUE(plan_id, seq)
);

CREATE TABLE IF NOT EXISTS plan_outcomes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id INTEGER NOT NULL REFERENCES plans(id),
    job_id INTEGER,
    steps_completed INTEGER DEFAULT 0,
    backtracks INTEGER DEFAULT 0,
    actual_value REAL DEFAULT 0,
    performance_ratio REAL DEFAULT 0,
    failure_reason TEXT,
    completed_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS plan_step_results (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    plan_id INTEGER NOT NULL REFERENCES plans(id),
    seq INTEGER NOT NULL,
    action_type TEXT,
    expected_value REAL DEFAULT 0,
    actual_value REAL DEFAULT 0,
    ratio REAL DEFAULT 0,
    recorded_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS planning_heuristics (
    domain TEXT NOT NULL,
    pattern TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    samples INTEGER NOT NULL DEFAULT 0,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (domain, pattern)
);

-- Background tasks
CREATE TABLE IF NOT EXISTS background_tasks (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    progress_json TEXT,
    cursor_json TEXT,
    params_json TEXT,
    error TEXT,
    created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
    started_at DATETIME,
    paused_at DATETIME,
    ended_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON background_tasks(status);

-- HTTP cache entries
CREATE TABLE IF NOT EXISTS cache_entries (
    key TEXT PRIMARY KEY,
    method TEXT NOT NULL DEFAULT 'GET',
    url TEXT NOT NULL,
    sub_type TEXT NOT NULL DEFAULT 'html',
    status_code INTEGER DEFAULT 200,
    headers_json TEXT,
    body BLOB,
    compression_type_id INTEGER NOT NULL DEFAULT 0,
    uncompressed_size INTEGER DEFAULT 0,
    created_at DATETIME NOT NULL,
    expires_at DATETIME NOT NULL,
    last_access DATETIME NOT NULL,
    hit_count INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_cache_url ON cache_entries(url);
CREATE INDEX IF NOT EXISTS idx_cache_access ON cache_entries(last_access);
`
