// Package planner generates, simulates and executes multi-step crawl
// plans. Strategic mode runs a budget-bounded branch-and-bound search
// over reasoner proposals; tactical mode scores short action
// sequences without side effects; operational mode walks a confirmed
// plan and backtracks when steps underperform.
package planner

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/storage"
)

// Action types. Probe actions carry the template pattern they came
// from in Pattern.
const (
	ActionFetchSeed    = "fetch-seed"
	ActionFetchHub     = "fetch-hub"
	ActionFetchArticle = "fetch-article"
	ActionProbe        = "probe"
)

// Action is one candidate step proposed by a reasoner.
type Action struct {
	Type          string
	TargetURLID   int64
	TargetURL     string
	ExpectedValue float64
	Cost          float64
	Probability   float64
	Pattern       string
}

// Signature identifies the action family for heuristic learning.
func (a Action) Signature() string {
	if a.Pattern != "" {
		return a.Type + ":" + a.Pattern
	}
	return a.Type
}

func (a Action) score() float64 {
	return a.ExpectedValue*a.Probability - a.Cost
}

// Hub is a known hub page with a value estimate.
type Hub struct {
	URLID int64
	URL   string
	Score float64
}

// State is the planner's snapshot of one crawl.
type State struct {
	Domain       string
	Scheme       string
	Country      string
	Goal         string
	SeedURL      string
	SeedURLID    int64
	KnownHubs    []Hub
	VisitedCount int
	BudgetLeft   int
	Exclude      map[string]bool
}

func (s *State) clone() *State {
	out := *s
	out.KnownHubs = append([]Hub(nil), s.KnownHubs...)
	out.Exclude = make(map[string]bool, len(s.Exclude))
	for k, v := range s.Exclude {
		out.Exclude[k] = v
	}
	return &out
}

// afterAction derives the state one planned fetch later.
func (s *State) afterAction() *State {
	out := s.clone()
	out.VisitedCount++
	out.BudgetLeft--
	return out
}

// Blueprint is a strategic search result prior to persistence.
type Blueprint struct {
	Domain           string
	Goal             string
	Steps            []Action
	EstimatedValue   float64
	EstimatedCost    float64
	Probability      float64
	Lookahead        int
	BranchesExplored int
	BudgetExhausted  bool
}

// Preview renders the blueprint for a plan-preview event.
func (b *Blueprint) Preview() map[string]any {
	steps := make([]map[string]any, 0, len(b.Steps))
	for i, s := range b.Steps {
		steps = append(steps, map[string]any{
			"seq":            i,
			"action":         s.Signature(),
			"target":         s.TargetURL,
			"expected_value": s.ExpectedValue,
			"cost":           s.Cost,
			"probability":    s.Probability,
		})
	}
	return map[string]any{
		"domain":            b.Domain,
		"goal":              b.Goal,
		"steps":             steps,
		"estimated_value":   b.EstimatedValue,
		"estimated_cost":    b.EstimatedCost,
		"probability":       b.Probability,
		"lookahead":         b.Lookahead,
		"branches_explored": b.BranchesExplored,
		"budget_exhausted":  b.BudgetExhausted,
	}
}

// Reasoner proposes candidate actions for a state.
type Reasoner interface {
	Name() string
	Propose(ctx context.Context, state *State) []Action
}

// Refiner adjusts merged proposals; the cost reasoner implements it to
// fold pacing state into estimates.
type Refiner interface {
	Refine(state *State, actions []Action) []Action
}

// Planner runs the three planning modes over a set of reasoners.
type Planner struct {
	cfg       config.Planning
	reasoners []Reasoner
	heur      *Heuristics
	logger    *zap.Logger
}

// New builds a planner. heur may be nil to disable learning lookups.
func New(cfg config.Planning, heur *Heuristics, logger *zap.Logger, reasoners ...Reasoner) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		cfg:       cfg,
		reasoners: reasoners,
		heur:      heur,
		logger:    logger.Named("planner"),
	}
}

// Strategic searches for the best plan within the configured depth,
// branching factor and time budget. On budget exhaustion the best
// plan found so far is returned with BudgetExhausted set.
func (p *Planner) Strategic(ctx context.Context, state *State) (*Blueprint, error) {
	if state == nil || state.Domain == "" {
		return nil, errkind.New(errkind.InvalidInput, "planner state requires a domain")
	}

	budget := p.cfg.Budget
	if budget <= 0 {
		budget = 3500 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	var best searchResult
	explored := 0
	exhausted := false
	p.search(ctx, state, map[string]bool{}, 0, searchResult{prob: 1}, &best, &explored, &exhausted)

	if len(best.steps) == 0 {
		return nil, errkind.Newf(errkind.PreconditionFailed, "no viable plan for %s", state.Domain)
	}
	return &Blueprint{
		Domain:           state.Domain,
		Goal:             state.Goal,
		Steps:            best.steps,
		EstimatedValue:   best.value,
		EstimatedCost:    best.cost,
		Probability:      best.prob,
		Lookahead:        p.maxLookahead(),
		BranchesExplored: explored,
		BudgetExhausted:  exhausted,
	}, nil
}

type searchResult struct {
	steps []Action
	value float64
	cost  float64
	prob  float64
}

func (r searchResult) net() float64 {
	return r.value - r.cost
}

func (p *Planner) search(ctx context.Context, state *State, used map[string]bool, depth int, acc searchResult, best *searchResult, explored *int, exhausted *bool) {
	if depth >= p.maxLookahead() {
		return
	}
	select {
	case <-ctx.Done():
		*exhausted = true
		return
	default:
	}

	proposals := p.propose(ctx, state, used)
	if len(proposals) == 0 {
		return
	}
	*explored += len(proposals)
	bestStep := math.Max(proposals[0].score(), 0)

	for _, a := range proposals {
		cand := searchResult{
			steps: append(append([]Action(nil), acc.steps...), a),
			value: acc.value + a.ExpectedValue*a.Probability,
			cost:  acc.cost + a.Cost,
			prob:  acc.prob * a.Probability,
		}

		// Optimistic completion bound; prune branches that cannot
		// reach half the incumbent.
		remaining := float64(p.maxLookahead() - depth - 1)
		if len(best.steps) > 0 && best.net() > 0 && cand.net()+remaining*bestStep < 0.5*best.net() {
			continue
		}

		if len(best.steps) == 0 || cand.net() > best.net() {
			*best = cand
		}

		childUsed := make(map[string]bool, len(used)+1)
		for k := range used {
			childUsed[k] = true
		}
		childUsed[a.TargetURL] = true
		p.search(ctx, state.afterAction(), childUsed, depth+1, cand, best, explored, exhausted)
	}
}

// propose merges reasoner candidates, applies learned weights and
// refiners, and returns the top branches in deterministic order.
func (p *Planner) propose(ctx context.Context, state *State, used map[string]bool) []Action {
	if state.BudgetLeft <= 0 {
		return nil
	}

	var merged []Action
	seen := map[string]bool{}
	for _, r := range p.reasoners {
		for _, a := range r.Propose(ctx, state) {
			if a.TargetURL == "" || used[a.TargetURL] || state.Exclude[a.TargetURL] || seen[a.TargetURL] {
				continue
			}
			seen[a.TargetURL] = true
			if p.cfg.LearningEnabled && p.heur != nil {
				a.ExpectedValue *= p.heur.Weight(state.Domain, a.Signature())
			}
			merged = append(merged, a)
		}
	}
	for _, r := range p.reasoners {
		if ref, ok := r.(Refiner); ok {
			merged = ref.Refine(state, merged)
		}
	}

	sort.Slice(merged, func(i, j int) bool {
		si, sj := merged[i].score(), merged[j].score()
		if si != sj {
			return si > sj
		}
		return merged[i].TargetURL < merged[j].TargetURL
	})

	limit := p.cfg.MaxBranches
	if limit <= 0 {
		limit = 10
	}
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

// Simulate predicts feasibility, total value and total cost of a
// short action sequence without enqueueing anything.
func (p *Planner) Simulate(state *State, actions []Action) (bool, float64, float64) {
	if len(actions) == 0 {
		return false, 0, 0
	}

	var value, cost float64
	prob := 1.0
	for _, a := range actions {
		ev := a.ExpectedValue
		if p.cfg.LearningEnabled && p.heur != nil && state != nil {
			ev *= p.heur.Weight(state.Domain, a.Signature())
		}
		value += ev * a.Probability
		cost += a.Cost
		prob *= a.Probability
	}

	feasible := prob >= 0.05 && value > cost
	if state != nil && state.BudgetLeft > 0 && len(actions) > state.BudgetLeft {
		feasible = false
	}
	return feasible, value, cost
}

// Alternative searches for a replacement tail after a backtrack,
// excluding targets the plan already attempted.
func (p *Planner) Alternative(ctx context.Context, state *State, exclude map[string]bool, maxSteps int) ([]Action, error) {
	st := state.clone()
	if st.Exclude == nil {
		st.Exclude = make(map[string]bool, len(exclude))
	}
	for k := range exclude {
		st.Exclude[k] = true
	}

	bp, err := p.Strategic(ctx, st)
	if err != nil {
		return nil, err
	}
	steps := bp.Steps
	if maxSteps > 0 && len(steps) > maxSteps {
		steps = steps[:maxSteps]
	}
	return steps, nil
}

// Persist writes the blueprint as plan + step rows, interning target
// URLs that have no ID yet. Returns the plan ID.
func (p *Planner) Persist(b *Blueprint, store *storage.Store, intern func(string) (int64, error)) (int64, error) {
	plan := &storage.Plan{
		Domain:           b.Domain,
		Goal:             b.Goal,
		EstimatedValue:   b.EstimatedValue,
		EstimatedCost:    b.EstimatedCost,
		Probability:      b.Probability,
		Lookahead:        b.Lookahead,
		BranchesExplored: b.BranchesExplored,
		BudgetExhausted:  b.BudgetExhausted,
	}

	steps := make([]*storage.PlanStep, 0, len(b.Steps))
	for i, a := range b.Steps {
		urlID := a.TargetURLID
		if urlID == 0 {
			id, err := intern(a.TargetURL)
			if err != nil {
				return 0, errkind.Wrapf(errkind.InvalidInput, err, "plan step %d target", i)
			}
			urlID = id
		}
		steps = append(steps, &storage.PlanStep{
			Seq:           i,
			ActionType:    a.Signature(),
			TargetURLID:   urlID,
			ExpectedValue: a.ExpectedValue,
			Cost:          a.Cost,
			Probability:   a.Probability,
		})
	}
	return store.PutPlan(plan, steps)
}

func (p *Planner) maxLookahead() int {
	if p.cfg.MaxLookahead <= 0 {
		return 5
	}
	return p.cfg.MaxLookahead
}
