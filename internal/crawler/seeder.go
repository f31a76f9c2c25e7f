package crawler

import (
	"net/url"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/planner"
	"github.com/harvest-crawler/harvest/internal/queue"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// defaultSeedCandidates caps how many hub templates one article may
// propose.
const defaultSeedCandidates = 5

// seeder turns article finds into fresh hub candidates. Every saved
// article triggers a template expansion against the gazetteer and the
// topic index; candidates are screened by the tactical planner when
// one is attached, then enqueued into the acquisition bucket so they
// outrank organic discovery.
type seeder struct {
	gaz      *gazetteer.Index
	topics   *analyze.TopicIndex
	planner  *planner.Planner
	simulate bool
	score    *scorer
	queue    *queue.Queue
	urls     *storage.URLStore
	limit    int
	logger   *zap.Logger
}

// seedFromArticle proposes hub candidates for the article's host and
// returns how many were enqueued. Candidates the queue already tracks
// are dropped by Enqueue, so repeat articles from the same section are
// cheap.
func (s *seeder) seedFromArticle(state *planner.State, articleURL string, articleURLID int64) int {
	if s == nil || s.queue == nil {
		return 0
	}
	u, err := url.Parse(articleURL)
	if err != nil || u.Host == "" {
		return 0
	}
	base := u.Scheme + "://" + u.Host

	limit := s.limit
	if limit <= 0 {
		limit = defaultSeedCandidates
	}
	country := ""
	if state != nil {
		country = state.Country
	}

	enqueued := 0
	for _, cand := range planner.ExpandTemplates(base, s.gaz, s.topics, country, limit) {
		expected := 10 * cand.Score
		if s.simulate && s.planner != nil && state != nil {
			action := planner.Action{
				Type:          planner.ActionProbe,
				TargetURL:     cand.URL,
				ExpectedValue: expected,
				Cost:          1,
				Probability:   0.4,
				Pattern:       cand.Pattern,
			}
			feasible, value, _ := s.planner.Simulate(state, []planner.Action{action})
			if !feasible {
				continue
			}
			expected = value
		}

		urlID, err := s.urls.Intern(cand.URL)
		if err != nil {
			s.logger.Debug("seed candidate rejected", zap.String("url", cand.URL), zap.Error(err))
			continue
		}
		ok := s.queue.Enqueue(&queue.Request{
			URLID:          urlID,
			URL:            cand.URL,
			Host:           u.Host,
			Depth:          1,
			Bucket:         queue.Acquisition,
			Priority:       s.score.Priority(queue.Acquisition, cand.URL, 1),
			ExpectedValue:  expected,
			DiscoveredFrom: articleURLID,
		})
		if ok {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Debug("adaptive seeding",
			zap.String("article", articleURL),
			zap.Int("candidates", enqueued))
	}
	return enqueued
}
