// Package plansession tracks plan-preview sessions between the
// strategic search and job creation. Sessions live in memory only;
// confirming one hands its blueprint and options to the caller exactly
// once.
package plansession

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// Status is the session state machine position.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusReady     Status = "ready"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// active reports whether the status still holds its domain slot.
func (s Status) active() bool {
	return s == StatusPlanning || s == StatusReady
}

const (
	defaultTTL      = 10 * time.Minute
	janitorInterval = time.Minute

	// Terminal sessions stay queryable for a while, then the janitor
	// drops them.
	terminalRetention = time.Hour
)

// StageRecord is one recorded search sub-stage.
type StageRecord struct {
	Stage string
	At    time.Time
}

// Snapshot is a read-only copy of a session.
type Snapshot struct {
	ID            string
	Domain        string
	Status        Status
	Fingerprint   string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Blueprint     *planner.Blueprint
	Stages        []StageRecord
	FailureReason string
}

// Confirmation carries the job-creation parameters released by a
// successful confirm.
type Confirmation struct {
	SessionID string
	Domain    string
	Options   *config.CrawlOptions
	Blueprint *planner.Blueprint
}

type session struct {
	mu sync.Mutex

	id          string
	domain      string
	options     *config.CrawlOptions
	status      Status
	fingerprint string
	createdAt   time.Time
	expiresAt   time.Time
	terminalAt  time.Time
	blueprint   *planner.Blueprint
	stages      []StageRecord
	failReason  string
	abort       context.CancelFunc
}

// Manager owns the session map. The map lock guards membership; each
// session carries its own lock so confirm and cancel exclude each
// other without serialising unrelated sessions.
type Manager struct {
	cfg    config.Planning
	bus    *telemetry.Bus
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex
	sessions map[string]*session

	done chan struct{}
	wg   sync.WaitGroup
}

func NewManager(cfg config.Planning, bus *telemetry.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cfg:      cfg,
		bus:      bus,
		logger:   logger.Named("plansession"),
		now:      time.Now,
		sessions: make(map[string]*session),
		done:     make(chan struct{}),
	}
	m.wg.Add(1)
	go m.janitor()
	return m
}

// Close stops the expiry janitor. Sessions already handed out stay
// readable until process exit.
func (m *Manager) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.wg.Wait()
}

// Fingerprint hashes the option set. encoding/json emits struct fields
// in declaration order, so equal options always hash equal.
func Fingerprint(opts *config.CrawlOptions) string {
	b, err := json.Marshal(opts)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Create opens a session in the planning state and emits
// plan-status:planning. One active session per domain unless
// concurrent sessions are configured on.
func (m *Manager) Create(domain string, opts *config.CrawlOptions) (*Snapshot, error) {
	if domain == "" {
		return nil, errkind.New(errkind.InvalidInput, "planning session requires a domain")
	}
	if opts == nil {
		return nil, errkind.New(errkind.InvalidInput, "planning session requires crawl options")
	}

	now := m.now()
	ttl := m.cfg.SessionTTL
	if ttl <= 0 {
		ttl = defaultTTL
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.cfg.AllowConcurrent {
		for _, s := range m.sessions {
			s.mu.Lock()
			m.expireLocked(s, now)
			busy := s.domain == domain && s.status.active()
			s.mu.Unlock()
			if busy {
				return nil, errkind.Newf(errkind.PreconditionFailed,
					"a planning session for %s is already active", domain)
			}
		}
	}

	s := &session{
		id:          uuid.NewString(),
		domain:      domain,
		options:     opts,
		status:      StatusPlanning,
		fingerprint: Fingerprint(opts),
		createdAt:   now,
		expiresAt:   now.Add(ttl),
	}
	m.sessions[s.id] = s

	m.publish(telemetry.PlanStatus(s.id, string(StatusPlanning)))
	m.logger.Info("planning session opened",
		zap.String("session_id", s.id),
		zap.String("domain", domain))
	return snapshotOf(s), nil
}

// BindAbort registers the cancel func covering the session's in-flight
// search, so Cancel can stop it at the next budget check.
func (m *Manager) BindAbort(id string, abort context.CancelFunc) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.abort = abort
	s.mu.Unlock()
	return nil
}

// AppendStageEvent records a search sub-stage and emits plan-stage.
func (m *Manager) AppendStageEvent(id, stage string, details map[string]any) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())
	if s.status != StatusPlanning {
		return errkind.Newf(errkind.PreconditionFailed, "session %s is %s, not planning", id, s.status)
	}

	s.stages = append(s.stages, StageRecord{Stage: stage, At: m.now()})
	m.publish(telemetry.PlanStage(id, stage, details))
	return nil
}

// CompleteWithBlueprint moves planning → ready and emits the preview.
func (m *Manager) CompleteWithBlueprint(id string, bp *planner.Blueprint) error {
	if bp == nil {
		return errkind.New(errkind.InvalidInput, "blueprint required")
	}
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())
	if s.status != StatusPlanning {
		return errkind.Newf(errkind.PreconditionFailed, "session %s is %s, not planning", id, s.status)
	}

	s.blueprint = bp
	s.status = StatusReady
	m.publish(telemetry.PlanStatus(id, string(StatusReady)))

	preview := bp.Preview()
	preview["fingerprint"] = s.fingerprint
	m.publish(telemetry.PlanPreview(id, preview))
	return nil
}

// Fail marks the session failed and carries the cause on the bus.
func (m *Manager) Fail(id string, cause error) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())
	if !s.status.active() {
		return errkind.Newf(errkind.PreconditionFailed, "session %s is already %s", id, s.status)
	}

	s.status = StatusFailed
	s.terminalAt = m.now()
	if cause != nil {
		s.failReason = cause.Error()
	}

	ev := telemetry.PlanStatus(id, string(StatusFailed))
	if s.failReason != "" {
		ev.Details["reason"] = s.failReason
		ev.Details["code"] = string(errkind.Of(cause))
	}
	m.publish(ev)
	return nil
}

// Confirm releases the job-creation parameters. It succeeds exactly
// once per session; the option fingerprint is re-derived and checked
// so a mutated option set cannot ride a stale preview.
func (m *Manager) Confirm(id string) (*Confirmation, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())

	switch s.status {
	case StatusReady:
	case StatusPlanning:
		return nil, errkind.Newf(errkind.PreconditionFailed, "session %s is still planning", id)
	default:
		return nil, errkind.Newf(errkind.PreconditionFailed, "session %s is %s and cannot be confirmed", id, s.status)
	}

	if Fingerprint(s.options) != s.fingerprint {
		return nil, errkind.Newf(errkind.PreconditionFailed,
			"crawl options changed since the preview for session %s", id)
	}

	s.status = StatusConfirmed
	s.terminalAt = m.now()
	m.publish(telemetry.PlanStatus(id, string(StatusConfirmed)))
	m.logger.Info("planning session confirmed",
		zap.String("session_id", id),
		zap.String("domain", s.domain))

	return &Confirmation{
		SessionID: id,
		Domain:    s.domain,
		Options:   s.options,
		Blueprint: s.blueprint,
	}, nil
}

// Cancel ends an active session and aborts its in-flight search.
func (m *Manager) Cancel(id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())
	if !s.status.active() {
		return errkind.Newf(errkind.PreconditionFailed, "session %s is already %s", id, s.status)
	}

	s.status = StatusCancelled
	s.terminalAt = m.now()
	if s.abort != nil {
		s.abort()
	}
	m.publish(telemetry.PlanStatus(id, string(StatusCancelled)))
	return nil
}

// Get returns a read-only copy of the session.
func (m *Manager) Get(id string) (*Snapshot, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	m.expireLocked(s, m.now())
	return snapshotOf(s), nil
}

// --- internals ---

func (m *Manager) lookup(id string) (*session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, errkind.Newf(errkind.InvalidInput, "unknown planning session %q", id)
	}
	return s, nil
}

// expireLocked applies lazy TTL expiry. Caller holds s.mu.
func (m *Manager) expireLocked(s *session, now time.Time) {
	if !s.status.active() || now.Before(s.expiresAt) {
		return
	}
	s.status = StatusExpired
	s.terminalAt = now
	if s.abort != nil {
		s.abort()
	}
	m.publish(telemetry.PlanStatus(s.id, string(StatusExpired)))
	m.logger.Info("planning session expired",
		zap.String("session_id", s.id),
		zap.String("domain", s.domain))
}

func (m *Manager) janitor() {
	defer m.wg.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep expires overdue sessions and drops terminal ones past
// retention.
func (m *Manager) sweep() {
	now := m.now()

	m.mu.RLock()
	all := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.RUnlock()

	var drop []string
	for _, s := range all {
		s.mu.Lock()
		m.expireLocked(s, now)
		if !s.status.active() && !s.terminalAt.IsZero() && now.Sub(s.terminalAt) > terminalRetention {
			drop = append(drop, s.id)
		}
		s.mu.Unlock()
	}

	if len(drop) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range drop {
		delete(m.sessions, id)
	}
	m.mu.Unlock()
}

func (m *Manager) publish(ev telemetry.Event) {
	if m.bus != nil {
		m.bus.Publish(ev)
	}
}

// snapshotOf copies session state. Caller holds s.mu (or the session
// is not yet shared).
func snapshotOf(s *session) *Snapshot {
	return &Snapshot{
		ID:            s.id,
		Domain:        s.domain,
		Status:        s.status,
		Fingerprint:   s.fingerprint,
		CreatedAt:     s.createdAt,
		ExpiresAt:     s.expiresAt,
		Blueprint:     s.blueprint,
		Stages:        append([]StageRecord(nil), s.stages...),
		FailureReason: s.failReason,
	}
}
