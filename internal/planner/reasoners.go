package planner

import (
	"context"
	"math"
	"net/url"
	"strings"
	"time"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
)

// --- structure reasoner ---

// StructureReasoner proposes fetches over what the crawl already
// knows: the seed first, then known hubs by score.
type StructureReasoner struct{}

func (StructureReasoner) Name() string { return "structure" }

func (StructureReasoner) Propose(_ context.Context, state *State) []Action {
	var out []Action
	if state.VisitedCount == 0 && state.SeedURL != "" {
		out = append(out, Action{
			Type:          ActionFetchSeed,
			TargetURLID:   state.SeedURLID,
			TargetURL:     state.SeedURL,
			ExpectedValue: 25,
			Cost:          1,
			Probability:   0.95,
		})
	}
	for _, h := range state.KnownHubs {
		if h.URL == "" {
			continue
		}
		score := h.Score
		if score <= 0 {
			score = 12
		}
		out = append(out, Action{
			Type:          ActionFetchHub,
			TargetURLID:   h.URLID,
			TargetURL:     h.URL,
			ExpectedValue: score,
			Cost:          1,
			Probability:   0.8,
		})
	}
	return out
}

// --- gazetteer reasoner ---

// Path templates expanded against the gazetteer and topic index, in
// expansion order.
const (
	TemplateNewsTopic          = "/news/{topic}"
	TemplateSlug               = "/{slug}"
	TemplateCountrySlug        = "/{country}/{slug}"
	TemplateCountryRegionTopic = "/{country}/{region}/{topic}"
)

// TemplateCandidate is a hub URL proposed from a path pattern.
type TemplateCandidate struct {
	URL     string
	Pattern string
	Score   float64
}

// ExpandTemplates renders hub-path templates against the gazetteer
// and topic index. Output is deterministic: templates in declared
// order, entries sorted within each, capped at limit.
func ExpandTemplates(base string, gaz *gazetteer.Index, topics *analyze.TopicIndex, country string, limit int) []TemplateCandidate {
	if limit <= 0 {
		return nil
	}
	base = strings.TrimRight(base, "/")

	var out []TemplateCandidate
	seen := map[string]bool{}
	add := func(path, pattern string, score float64) bool {
		u := base + path
		if !seen[u] {
			seen[u] = true
			out = append(out, TemplateCandidate{URL: u, Pattern: pattern, Score: score})
		}
		return len(out) < limit
	}

	var topicIDs []string
	if topics != nil {
		topicIDs = topics.Topics()
	}
	for _, topic := range topicIDs {
		if !add("/news/"+topic, TemplateNewsTopic, 0.9) {
			return out
		}
	}

	if gaz == nil || country == "" {
		// Without a country scope, fall back to bare topic sections.
		for _, topic := range topicIDs {
			if !add("/"+topic, TemplateSlug, 0.55) {
				return out
			}
		}
		return out
	}

	var placeSlugs, regionSlugs []string
	for _, id := range gaz.PlacesInCountry(country) {
		names := gaz.NamesOf(id)
		if len(names) == 0 {
			continue
		}
		slug := slugify(names[0])
		if slug == "" {
			continue
		}
		placeSlugs = append(placeSlugs, slug)
		if p := gaz.Place(id); p != nil && p.Kind == "region" {
			regionSlugs = append(regionSlugs, slug)
		}
	}

	for _, slug := range placeSlugs {
		if !add("/"+slug, TemplateSlug, 0.7) {
			return out
		}
	}
	cc := strings.ToLower(country)
	for _, slug := range placeSlugs {
		if !add("/"+cc+"/"+slug, TemplateCountrySlug, 0.6) {
			return out
		}
	}
	for _, region := range regionSlugs {
		for _, topic := range topicIDs {
			if !add("/"+cc+"/"+region+"/"+topic, TemplateCountryRegionTopic, 0.5) {
				return out
			}
		}
	}
	return out
}

func slugify(name string) string {
	norm := gazetteer.NormalizeName(name)
	return strings.ReplaceAll(norm, " ", "-")
}

// GazetteerReasoner proposes probe fetches of hub paths rendered from
// place and topic templates.
type GazetteerReasoner struct {
	Gaz    *gazetteer.Index
	Topics *analyze.TopicIndex
}

func (GazetteerReasoner) Name() string { return "gazetteer" }

func (g GazetteerReasoner) Propose(_ context.Context, state *State) []Action {
	if state.Domain == "" {
		return nil
	}
	scheme := state.Scheme
	if scheme == "" {
		scheme = "https"
	}
	base := scheme + "://" + state.Domain

	cands := ExpandTemplates(base, g.Gaz, g.Topics, state.Country, 10)
	out := make([]Action, 0, len(cands))
	for _, c := range cands {
		out = append(out, Action{
			Type:          ActionProbe,
			TargetURL:     c.URL,
			ExpectedValue: 10 * c.Score,
			Cost:          1,
			Probability:   0.4,
			Pattern:       c.Pattern,
		})
	}
	return out
}

// --- cost reasoner ---

// PacerView is the pacing state the cost reasoner reads.
type PacerView interface {
	NextAllowed(host string) time.Time
	Snapshot(host string) (backoff time.Duration, consecutiveErrors, inFlight int)
}

// CostReasoner proposes nothing itself; it refines merged proposals so
// throttled or erroring hosts plan as expensive and uncertain.
type CostReasoner struct {
	pacer PacerView
	now   func() time.Time
}

func NewCostReasoner(pacer PacerView) *CostReasoner {
	return &CostReasoner{pacer: pacer, now: time.Now}
}

func (*CostReasoner) Name() string { return "cost" }

func (*CostReasoner) Propose(context.Context, *State) []Action { return nil }

func (c *CostReasoner) Refine(state *State, actions []Action) []Action {
	if c.pacer == nil {
		return actions
	}
	now := c.now()
	for i := range actions {
		host := actionHost(actions[i].TargetURL)
		if host == "" {
			host = state.Domain
		}
		if wait := c.pacer.NextAllowed(host).Sub(now); wait > 0 {
			actions[i].Cost += wait.Seconds()
		}
		if _, errs, _ := c.pacer.Snapshot(host); errs > 0 {
			damp := math.Pow(0.8, float64(errs))
			if damp < 0.1 {
				damp = 0.1
			}
			actions[i].Probability *= damp
		}
	}
	return actions
}

func actionHost(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Host)
}
