package planner

import (
	"sync"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/storage"
)

// Weight clamps keep one bad or lucky pattern from dominating.
const (
	minWeight = 0.25
	maxWeight = 2.0
)

// Heuristics caches learned (domain, pattern) weights and aggregates
// step results into them.
type Heuristics struct {
	store  *storage.Store
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]map[string]float64
}

func NewHeuristics(store *storage.Store, logger *zap.Logger) *Heuristics {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Heuristics{
		store:  store,
		logger: logger.Named("heuristics"),
		cache:  make(map[string]map[string]float64),
	}
}

// Weight returns the learned multiplier for an action pattern, 1 when
// nothing has been learned. Domains load lazily on first lookup.
func (h *Heuristics) Weight(domain, pattern string) float64 {
	h.mu.RLock()
	byPattern, ok := h.cache[domain]
	h.mu.RUnlock()

	if !ok {
		byPattern = h.load(domain)
	}
	if w, ok := byPattern[pattern]; ok {
		return w
	}
	return 1
}

func (h *Heuristics) load(domain string) map[string]float64 {
	weights := make(map[string]float64)
	rows, err := h.store.GetHeuristics(domain)
	if err != nil {
		h.logger.Warn("heuristics load failed", zap.String("domain", domain), zap.Error(err))
	} else {
		for _, r := range rows {
			weights[r.Pattern] = r.Weight
		}
	}
	h.mu.Lock()
	h.cache[domain] = weights
	h.mu.Unlock()
	return weights
}

// Aggregate folds recent step results into per-pattern weights: the
// mean actual/expected ratio, clamped to [0.25, 2].
func (h *Heuristics) Aggregate(domain string) error {
	results, err := h.store.StepResultsForDomain(domain, 500)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		return nil
	}

	sums := make(map[string]float64)
	counts := make(map[string]int)
	for _, r := range results {
		sums[r.ActionType] += r.Ratio
		counts[r.ActionType]++
	}

	for pattern, n := range counts {
		w := sums[pattern] / float64(n)
		if w < minWeight {
			w = minWeight
		} else if w > maxWeight {
			w = maxWeight
		}
		err := h.store.UpsertHeuristic(&storage.Heuristic{
			Domain:  domain,
			Pattern: pattern,
			Weight:  w,
			Samples: n,
		})
		if err != nil {
			return err
		}
	}

	// Drop the stale cache entry; the next Weight call reloads.
	h.mu.Lock()
	delete(h.cache, domain)
	h.mu.Unlock()
	return nil
}
