package planner

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/analyze"
	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/errkind"
	"github.com/harvest-crawler/harvest/internal/gazetteer"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
	"github.com/harvest-crawler/harvest/internal/urlutil"
)

// --- fixtures ---

func newPlanStore(t *testing.T) (*storage.Store, *storage.URLStore) {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.New(filepath.Join(dir, "harvest.db"), filepath.Join(dir, "content"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, store.Initialize())
	t.Cleanup(func() { store.Close() })

	urls, err := storage.NewURLStore(store, urlutil.DefaultNormalizer(config.DefaultTrackingParams))
	require.NoError(t, err)
	return store, urls
}

// stubReasoner replays a fixed proposal set regardless of state.
type stubReasoner struct {
	name    string
	actions []Action
	delay   time.Duration
}

func (s *stubReasoner) Name() string { return s.name }

func (s *stubReasoner) Propose(context.Context, *State) []Action {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return append([]Action(nil), s.actions...)
}

// scriptedRunner returns pre-arranged actual values per step.
type scriptedRunner struct {
	values  []float64
	fallbak float64
	calls   int
}

func (r *scriptedRunner) RunStep(_ context.Context, _ *storage.PlanStep) (float64, error) {
	i := r.calls
	r.calls++
	if i < len(r.values) {
		return r.values[i], nil
	}
	return r.fallbak, nil
}

func drainStages(ch <-chan telemetry.Event) []string {
	var stages []string
	for {
		select {
		case ev := <-ch:
			if s, ok := ev.Details["stage"].(string); ok {
				stages = append(stages, s)
			}
		default:
			return stages
		}
	}
}

// --- strategic mode ---

func TestStrategicOrdersStepsByNetValue(t *testing.T) {
	reasoner := &stubReasoner{name: "stub", actions: []Action{
		{Type: ActionFetchHub, TargetURL: "https://news.test/b", ExpectedValue: 10, Cost: 1, Probability: 0.5},
		{Type: ActionFetchHub, TargetURL: "https://news.test/a", ExpectedValue: 100, Cost: 1, Probability: 0.9},
	}}
	p := New(config.Planning{MaxLookahead: 2, MaxBranches: 10, Budget: time.Second}, nil, zap.NewNop(), reasoner)

	state := &State{Domain: "news.test", BudgetLeft: 10}
	bp, err := p.Strategic(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, bp.Steps, 2)
	assert.Equal(t, "https://news.test/a", bp.Steps[0].TargetURL)
	assert.Equal(t, "https://news.test/b", bp.Steps[1].TargetURL)
	assert.InDelta(t, 95.0, bp.EstimatedValue, 1e-9)
	assert.InDelta(t, 2.0, bp.EstimatedCost, 1e-9)
	assert.InDelta(t, 0.45, bp.Probability, 1e-9)
	assert.Equal(t, 2, bp.Lookahead)
	assert.Greater(t, bp.BranchesExplored, 0)
	assert.False(t, bp.BudgetExhausted)
}

func TestStrategicIsDeterministic(t *testing.T) {
	reasoner := &stubReasoner{name: "stub", actions: []Action{
		{Type: ActionProbe, TargetURL: "https://news.test/x", ExpectedValue: 20, Cost: 1, Probability: 0.6},
		{Type: ActionProbe, TargetURL: "https://news.test/y", ExpectedValue: 20, Cost: 1, Probability: 0.6},
		{Type: ActionProbe, TargetURL: "https://news.test/z", ExpectedValue: 20, Cost: 1, Probability: 0.6},
	}}
	cfg := config.Planning{MaxLookahead: 3, MaxBranches: 10, Budget: time.Second}

	var first []string
	for run := 0; run < 3; run++ {
		p := New(cfg, nil, zap.NewNop(), reasoner)
		bp, err := p.Strategic(context.Background(), &State{Domain: "news.test", BudgetLeft: 10})
		require.NoError(t, err)

		var targets []string
		for _, s := range bp.Steps {
			targets = append(targets, s.TargetURL)
		}
		if run == 0 {
			first = targets
			// Equal scores break ties by URL.
			assert.Equal(t, []string{"https://news.test/x", "https://news.test/y", "https://news.test/z"}, targets)
		} else {
			assert.Equal(t, first, targets)
		}
	}
}

func TestStrategicRequiresDomain(t *testing.T) {
	p := New(config.Planning{}, nil, zap.NewNop(), StructureReasoner{})
	_, err := p.Strategic(context.Background(), &State{})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidInput, errkind.Of(err))
}

func TestStrategicNoViablePlan(t *testing.T) {
	p := New(config.Planning{}, nil, zap.NewNop(), &stubReasoner{name: "empty"})
	_, err := p.Strategic(context.Background(), &State{Domain: "news.test", BudgetLeft: 5})
	require.Error(t, err)
	assert.Equal(t, errkind.PreconditionFailed, errkind.Of(err))
}

func TestStrategicFlagsBudgetExhaustion(t *testing.T) {
	reasoner := &stubReasoner{
		name:  "slow",
		delay: 50 * time.Millisecond,
		actions: []Action{
			{Type: ActionFetchHub, TargetURL: "https://news.test/a", ExpectedValue: 10, Cost: 1, Probability: 0.8},
			{Type: ActionFetchHub, TargetURL: "https://news.test/b", ExpectedValue: 8, Cost: 1, Probability: 0.8},
		},
	}
	p := New(config.Planning{MaxLookahead: 4, Budget: 5 * time.Millisecond}, nil, zap.NewNop(), reasoner)

	bp, err := p.Strategic(context.Background(), &State{Domain: "news.test", BudgetLeft: 10})
	require.NoError(t, err)
	assert.True(t, bp.BudgetExhausted)
	assert.NotEmpty(t, bp.Steps)
}

func TestStrategicRespectsStateBudget(t *testing.T) {
	reasoner := &stubReasoner{name: "stub", actions: []Action{
		{Type: ActionFetchHub, TargetURL: "https://news.test/a", ExpectedValue: 10, Cost: 1, Probability: 0.8},
		{Type: ActionFetchHub, TargetURL: "https://news.test/b", ExpectedValue: 9, Cost: 1, Probability: 0.8},
		{Type: ActionFetchHub, TargetURL: "https://news.test/c", ExpectedValue: 8, Cost: 1, Probability: 0.8},
	}}
	p := New(config.Planning{MaxLookahead: 5, Budget: time.Second}, nil, zap.NewNop(), reasoner)

	// Two fetches left: the plan must not schedule a third.
	bp, err := p.Strategic(context.Background(), &State{Domain: "news.test", BudgetLeft: 2})
	require.NoError(t, err)
	assert.Len(t, bp.Steps, 2)
}

// --- tactical mode ---

func TestSimulateFeasibility(t *testing.T) {
	p := New(config.Planning{}, nil, zap.NewNop())
	state := &State{Domain: "news.test", BudgetLeft: 5}

	feasible, value, cost := p.Simulate(state, []Action{
		{ExpectedValue: 50, Cost: 1, Probability: 0.9},
		{ExpectedValue: 20, Cost: 1, Probability: 0.8},
	})
	assert.True(t, feasible)
	assert.InDelta(t, 61.0, value, 1e-9)
	assert.InDelta(t, 2.0, cost, 1e-9)

	// Cost exceeds discounted value.
	feasible, _, _ = p.Simulate(state, []Action{{ExpectedValue: 2, Cost: 5, Probability: 0.5}})
	assert.False(t, feasible)

	// Probability product collapses below the floor.
	feasible, _, _ = p.Simulate(state, []Action{
		{ExpectedValue: 100, Cost: 1, Probability: 0.2},
		{ExpectedValue: 100, Cost: 1, Probability: 0.2},
	})
	assert.False(t, feasible)

	// Sequence longer than the remaining fetch budget.
	tight := &State{Domain: "news.test", BudgetLeft: 1}
	feasible, _, _ = p.Simulate(tight, []Action{
		{ExpectedValue: 50, Cost: 1, Probability: 0.9},
		{ExpectedValue: 50, Cost: 1, Probability: 0.9},
	})
	assert.False(t, feasible)

	feasible, _, _ = p.Simulate(state, nil)
	assert.False(t, feasible)
}

// --- reasoners ---

func TestStructureReasonerProposesSeedThenHubs(t *testing.T) {
	r := StructureReasoner{}

	fresh := &State{
		Domain:  "news.test",
		SeedURL: "https://news.test/",
		KnownHubs: []Hub{
			{URLID: 7, URL: "https://news.test/world", Score: 30},
			{URLID: 8, URL: "https://news.test/sport"},
		},
	}
	actions := r.Propose(context.Background(), fresh)
	require.Len(t, actions, 3)
	assert.Equal(t, ActionFetchSeed, actions[0].Type)
	assert.Equal(t, "https://news.test/", actions[0].TargetURL)
	assert.Equal(t, ActionFetchHub, actions[1].Type)
	assert.InDelta(t, 30.0, actions[1].ExpectedValue, 1e-9)
	// Hubs without an observed score get a default estimate.
	assert.InDelta(t, 12.0, actions[2].ExpectedValue, 1e-9)

	// After the first visit the seed is no longer proposed.
	visited := fresh.clone()
	visited.VisitedCount = 3
	actions = r.Propose(context.Background(), visited)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionFetchHub, actions[0].Type)
}

func TestExpandTemplatesRendersDeterministically(t *testing.T) {
	gaz := gazetteer.NewIndex(zap.NewNop())
	gaz.Add(&storage.Place{ID: 1, Kind: "city", CountryCode: "LK"}, "colombo")
	gaz.Add(&storage.Place{ID: 2, Kind: "region", CountryCode: "LK"}, "western province")

	topics := analyze.NewTopicIndex()
	topics.Add("politics", "politics")
	topics.Add("business", "business")

	cands := ExpandTemplates("https://news.test/", gaz, topics, "LK", 50)
	require.NotEmpty(t, cands)

	byURL := make(map[string]TemplateCandidate, len(cands))
	var urls []string
	for _, c := range cands {
		byURL[c.URL] = c
		urls = append(urls, c.URL)
	}
	assert.Len(t, byURL, len(cands), "expansion must not repeat a url")

	// Topic sections first, then places, then country-scoped paths.
	assert.Equal(t, "https://news.test/news/business", urls[0])
	assert.Equal(t, "https://news.test/news/politics", urls[1])
	assert.Contains(t, byURL, "https://news.test/colombo")
	assert.Contains(t, byURL, "https://news.test/lk/colombo")
	assert.Contains(t, byURL, "https://news.test/lk/western-province/politics")
	assert.NotContains(t, byURL, "https://news.test/lk/colombo/politics", "cities are not region segments")

	assert.Equal(t, TemplateNewsTopic, byURL["https://news.test/news/politics"].Pattern)
	assert.Equal(t, TemplateSlug, byURL["https://news.test/colombo"].Pattern)
	assert.Equal(t, TemplateCountrySlug, byURL["https://news.test/lk/colombo"].Pattern)
	assert.Equal(t, TemplateCountryRegionTopic, byURL["https://news.test/lk/western-province/business"].Pattern)

	// Scores fall with template specificity.
	assert.Greater(t, byURL["https://news.test/news/politics"].Score, byURL["https://news.test/colombo"].Score)
	assert.Greater(t, byURL["https://news.test/colombo"].Score, byURL["https://news.test/lk/colombo"].Score)

	capped := ExpandTemplates("https://news.test/", gaz, topics, "LK", 3)
	assert.Len(t, capped, 3)
}

func TestExpandTemplatesWithoutGazetteer(t *testing.T) {
	topics := analyze.NewTopicIndex()
	topics.Add("sport", "sport")

	cands := ExpandTemplates("https://news.test", nil, topics, "", 10)
	require.Len(t, cands, 2)
	assert.Equal(t, "https://news.test/news/sport", cands[0].URL)
	assert.Equal(t, "https://news.test/sport", cands[1].URL)
	assert.Equal(t, TemplateSlug, cands[1].Pattern)
}

func TestGazetteerReasonerEmitsProbes(t *testing.T) {
	topics := analyze.NewTopicIndex()
	topics.Add("world", "world")

	r := GazetteerReasoner{Topics: topics}
	actions := r.Propose(context.Background(), &State{Domain: "news.test", BudgetLeft: 5})
	require.NotEmpty(t, actions)
	assert.Equal(t, ActionProbe, actions[0].Type)
	assert.Equal(t, "https://news.test/news/world", actions[0].TargetURL)
	assert.Equal(t, TemplateNewsTopic, actions[0].Pattern)
	assert.Equal(t, "probe:/news/{topic}", actions[0].Signature())
}

type staticPacerView struct {
	next time.Time
	errs int
}

func (s *staticPacerView) NextAllowed(string) time.Time { return s.next }

func (s *staticPacerView) Snapshot(string) (time.Duration, int, int) { return 0, s.errs, 0 }

func TestCostReasonerRefinesThrottledHosts(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	cr := &CostReasoner{pacer: &staticPacerView{next: base.Add(4 * time.Second), errs: 2}, now: func() time.Time { return base }}
	actions := cr.Refine(&State{Domain: "news.test"}, []Action{
		{Type: ActionFetchHub, TargetURL: "https://news.test/world", ExpectedValue: 20, Cost: 1, Probability: 0.8},
	})
	require.Len(t, actions, 1)
	assert.InDelta(t, 5.0, actions[0].Cost, 1e-9)
	assert.InDelta(t, 0.8*0.64, actions[0].Probability, 1e-9)

	// Heavily erroring hosts keep a probability floor.
	cr = &CostReasoner{pacer: &staticPacerView{next: base, errs: 40}, now: func() time.Time { return base }}
	actions = cr.Refine(&State{Domain: "news.test"}, []Action{
		{TargetURL: "https://news.test/", Probability: 1, Cost: 1},
	})
	assert.InDelta(t, 0.1, actions[0].Probability, 1e-9)
}

// --- heuristics ---

func TestHeuristicsAggregateClampsWeights(t *testing.T) {
	store, _ := newPlanStore(t)
	domain := "news.test"

	planID, err := store.PutPlan(&storage.Plan{Domain: domain}, nil)
	require.NoError(t, err)

	results := []*storage.StepResult{
		{PlanID: planID, Seq: 0, ActionType: "probe:/news/{topic}", ExpectedValue: 10, ActualValue: 50, Ratio: 5.0},
		{PlanID: planID, Seq: 1, ActionType: "probe:/news/{topic}", ExpectedValue: 10, ActualValue: 40, Ratio: 4.0},
		{PlanID: planID, Seq: 2, ActionType: "fetch-hub", ExpectedValue: 100, ActualValue: 10, Ratio: 0.1},
		{PlanID: planID, Seq: 3, ActionType: "fetch-hub", ExpectedValue: 100, ActualValue: 10, Ratio: 0.1},
		{PlanID: planID, Seq: 4, ActionType: "fetch-article", ExpectedValue: 10, ActualValue: 9, Ratio: 0.9},
		{PlanID: planID, Seq: 5, ActionType: "fetch-article", ExpectedValue: 10, ActualValue: 11, Ratio: 1.1},
	}
	for _, r := range results {
		require.NoError(t, store.PutStepResult(r))
	}

	h := NewHeuristics(store, zap.NewNop())
	require.NoError(t, h.Aggregate(domain))

	assert.InDelta(t, 2.0, h.Weight(domain, "probe:/news/{topic}"), 1e-9, "over-performers clamp high")
	assert.InDelta(t, 0.25, h.Weight(domain, "fetch-hub"), 1e-9, "under-performers clamp low")
	assert.InDelta(t, 1.0, h.Weight(domain, "fetch-article"), 1e-9)
	assert.InDelta(t, 1.0, h.Weight(domain, "never-seen"), 1e-9)
	assert.InDelta(t, 1.0, h.Weight("other.test", "fetch-hub"), 1e-9, "weights are per domain")

	rows, err := store.GetHeuristics(domain)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestLearnedWeightsScaleProposals(t *testing.T) {
	store, _ := newPlanStore(t)
	require.NoError(t, store.UpsertHeuristic(&storage.Heuristic{
		Domain: "news.test", Pattern: "fetch-hub", Weight: 2.0, Samples: 10,
	}))
	require.NoError(t, store.UpsertHeuristic(&storage.Heuristic{
		Domain: "news.test", Pattern: "fetch-seed", Weight: 0.25, Samples: 10,
	}))

	h := NewHeuristics(store, zap.NewNop())
	reasoner := &stubReasoner{name: "stub", actions: []Action{
		{Type: ActionFetchSeed, TargetURL: "https://news.test/", ExpectedValue: 25, Cost: 1, Probability: 0.95},
		{Type: ActionFetchHub, TargetURL: "https://news.test/world", ExpectedValue: 20, Cost: 1, Probability: 0.8},
	}}
	p := New(config.Planning{MaxLookahead: 1, LearningEnabled: true, Budget: time.Second}, h, zap.NewNop(), reasoner)

	bp, err := p.Strategic(context.Background(), &State{Domain: "news.test", BudgetLeft: 5})
	require.NoError(t, err)
	// Learned weights flip the ranking: the boosted hub (40 * 0.8)
	// beats the dampened seed (6.25 * 0.95).
	require.NotEmpty(t, bp.Steps)
	assert.Equal(t, "https://news.test/world", bp.Steps[0].TargetURL)
	assert.InDelta(t, 40.0, bp.Steps[0].ExpectedValue, 1e-9)
}

// --- persistence ---

func TestPersistRoundTripsPlan(t *testing.T) {
	store, urls := newPlanStore(t)
	p := New(config.Planning{}, nil, zap.NewNop())

	bp := &Blueprint{
		Domain:         "news.test",
		Goal:           "discover article hubs",
		EstimatedValue: 61,
		EstimatedCost:  2,
		Probability:    0.72,
		Lookahead:      5,
		Steps: []Action{
			{Type: ActionFetchSeed, TargetURL: "https://news.test/", ExpectedValue: 25, Cost: 1, Probability: 0.95},
			{Type: ActionProbe, TargetURL: "https://news.test/news/world", ExpectedValue: 9, Cost: 1, Probability: 0.4, Pattern: TemplateNewsTopic},
		},
	}

	planID, err := p.Persist(bp, store, urls.Intern)
	require.NoError(t, err)
	require.NotZero(t, planID)

	plan, steps, err := store.GetPlan(planID)
	require.NoError(t, err)
	assert.Equal(t, "news.test", plan.Domain)
	assert.Equal(t, "discover article hubs", plan.Goal)
	assert.InDelta(t, 61.0, plan.EstimatedValue, 1e-9)

	require.Len(t, steps, 2)
	assert.Equal(t, 0, steps[0].Seq)
	assert.Equal(t, "fetch-seed", steps[0].ActionType)
	assert.Equal(t, "probe:/news/{topic}", steps[1].ActionType)
	for _, s := range steps {
		assert.NotZero(t, s.TargetURLID, "targets are interned on persist")
	}

	text, err := urls.Resolve(steps[1].TargetURLID)
	require.NoError(t, err)
	assert.Equal(t, "https://news.test/news/world", text)
}

func TestBlueprintPreviewShape(t *testing.T) {
	bp := &Blueprint{
		Domain:         "news.test",
		EstimatedValue: 12,
		Steps: []Action{
			{Type: ActionProbe, TargetURL: "https://news.test/news/world", ExpectedValue: 9, Cost: 1, Probability: 0.4, Pattern: TemplateNewsTopic},
		},
	}
	preview := bp.Preview()
	assert.Equal(t, "news.test", preview["domain"])

	steps, ok := preview["steps"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, steps, 1)
	assert.Equal(t, 0, steps[0]["seq"])
	assert.Equal(t, "probe:/news/{topic}", steps[0]["action"])
	assert.Equal(t, "https://news.test/news/world", steps[0]["target"])
}

// --- operational mode ---

func putExecutablePlan(t *testing.T, store *storage.Store, urls *storage.URLStore, domain string, targets []string, expected float64) int64 {
	t.Helper()
	steps := make([]*storage.PlanStep, 0, len(targets))
	for i, target := range targets {
		id, err := urls.Intern(target)
		require.NoError(t, err)
		steps = append(steps, &storage.PlanStep{
			Seq:           i,
			ActionType:    "fetch-hub",
			TargetURLID:   id,
			ExpectedValue: expected,
			Cost:          1,
			Probability:   0.8,
		})
	}
	planID, err := store.PutPlan(&storage.Plan{Domain: domain, EstimatedValue: expected * float64(len(targets))}, steps)
	require.NoError(t, err)
	return planID
}

func TestExecutorCompletesPlan(t *testing.T) {
	store, urls := newPlanStore(t)
	bus := telemetry.NewBus(zap.NewNop())
	defer bus.Close()
	events, cancel := bus.Subscribe(telemetry.WithKinds(telemetry.KindPlanStage))
	defer cancel()

	planID := putExecutablePlan(t, store, urls, "news.test", []string{
		"https://news.test/world",
		"https://news.test/politics",
	}, 100)

	p := New(config.Planning{}, nil, zap.NewNop(), StructureReasoner{})
	ex := NewExecutor(p, store, urls, bus, config.Planning{MaxBacktracks: 3}, zap.NewNop())

	runner := &scriptedRunner{values: []float64{110, 95}}
	report, err := ex.Execute(context.Background(), 1, planID, runner, nil)
	require.NoError(t, err)

	assert.True(t, report.Completed())
	assert.Equal(t, 2, report.StepsCompleted)
	assert.Equal(t, 0, report.Backtracks)
	assert.InDelta(t, 205.0, report.ActualValue, 1e-9)
	assert.InDelta(t, 1.025, report.Ratio, 1e-9)

	stages := drainStages(events)
	assert.Contains(t, stages, "execute-start")
	assert.Contains(t, stages, "step-complete")
	assert.Contains(t, stages, "execute-end")
	assert.NotContains(t, stages, "backtrack")

	results, err := store.StepResultsForDomain("news.test", 0)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestExecutorBacktracksAfterConsecutiveShortfalls(t *testing.T) {
	store, urls := newPlanStore(t)
	bus := telemetry.NewBus(zap.NewNop())
	defer bus.Close()
	events, cancel := bus.Subscribe(telemetry.WithKinds(telemetry.KindPlanStage))
	defer cancel()

	planID := putExecutablePlan(t, store, urls, "news.test", []string{
		"https://news.test/world",
		"https://news.test/politics",
		"https://news.test/business",
		"https://news.test/sport",
		"https://news.test/culture",
	}, 800)

	p := New(config.Planning{MaxLookahead: 3, Budget: time.Second}, nil, zap.NewNop(), StructureReasoner{})
	ex := NewExecutor(p, store, urls, bus, config.Planning{MaxBacktracks: 3}, zap.NewNop())

	// Two strong steps, then two far below half their estimate: the
	// second consecutive shortfall triggers the backtrack.
	runner := &scriptedRunner{values: []float64{900, 850, 50, 80}, fallbak: 400}
	stateFn := func() *State {
		return &State{
			Domain:       "news.test",
			VisitedCount: 4,
			BudgetLeft:   10,
			KnownHubs: []Hub{
				{URL: "https://news.test/science", Score: 500},
				{URL: "https://news.test/health", Score: 450},
			},
		}
	}

	report, err := ex.Execute(context.Background(), 1, planID, runner, stateFn)
	require.NoError(t, err)

	assert.True(t, report.Completed(), "alternative branch lets the plan finish")
	assert.Equal(t, 1, report.Backtracks)
	// Four original steps ran; the replaced tail came from the
	// alternative search, capped at the removed step count.
	assert.Equal(t, 5, report.StepsCompleted)

	stages := drainStages(events)
	assert.Contains(t, stages, "backtrack")

	// The replacement step targets a hub the plan had not attempted.
	results, err := store.StepResultsForDomain("news.test", 0)
	require.NoError(t, err)
	require.Len(t, results, 5)
	seqs := make(map[int]bool, len(results))
	for _, r := range results {
		seqs[r.Seq] = true
	}
	assert.True(t, seqs[5], "spliced step continues the sequence numbering")
	assert.False(t, seqs[4], "the underperforming tail is abandoned")
}

func TestExecutorStopsAtBacktrackLimit(t *testing.T) {
	store, urls := newPlanStore(t)

	planID := putExecutablePlan(t, store, urls, "news.test", []string{
		"https://news.test/a",
		"https://news.test/b",
		"https://news.test/c",
		"https://news.test/d",
	}, 100)

	p := New(config.Planning{MaxLookahead: 2, Budget: time.Second}, nil, zap.NewNop(), StructureReasoner{})
	ex := NewExecutor(p, store, urls, nil, config.Planning{MaxBacktracks: 1}, zap.NewNop())

	hubNames := []string{
		"https://news.test/e", "https://news.test/f",
		"https://news.test/g", "https://news.test/h",
	}
	next := 0
	stateFn := func() *State {
		hubs := make([]Hub, 0, 2)
		for i := 0; i < 2 && next+i < len(hubNames); i++ {
			hubs = append(hubs, Hub{URL: hubNames[next+i], Score: 100})
		}
		next += 2
		return &State{Domain: "news.test", VisitedCount: 1, BudgetLeft: 10, KnownHubs: hubs}
	}

	// Every step flops, so each pair of steps asks for a new branch.
	runner := &scriptedRunner{fallbak: 0}
	report, err := ex.Execute(context.Background(), 1, planID, runner, stateFn)
	require.NoError(t, err)

	assert.False(t, report.Completed())
	assert.Equal(t, "backtrack-limit", report.FailureReason)
	assert.Equal(t, 1, report.Backtracks)
}

func TestExecutorAbortsWithoutAlternative(t *testing.T) {
	store, urls := newPlanStore(t)

	planID := putExecutablePlan(t, store, urls, "news.test", []string{
		"https://news.test/a",
		"https://news.test/b",
		"https://news.test/c",
	}, 100)

	p := New(config.Planning{MaxLookahead: 2, Budget: time.Second}, nil, zap.NewNop(), StructureReasoner{})
	ex := NewExecutor(p, store, urls, nil, config.Planning{MaxBacktracks: 3}, zap.NewNop())

	// The only hub the state knows is one the plan already attempted,
	// so the alternative search has nothing left to propose.
	stateFn := func() *State {
		return &State{
			Domain:       "news.test",
			VisitedCount: 1,
			BudgetLeft:   10,
			KnownHubs:    []Hub{{URL: "https://news.test/a", Score: 100}},
		}
	}

	runner := &scriptedRunner{fallbak: 0}
	report, err := ex.Execute(context.Background(), 1, planID, runner, stateFn)
	require.NoError(t, err)

	assert.Equal(t, "no-alternative", report.FailureReason)
	assert.Equal(t, 1, report.Backtracks)
	assert.Equal(t, 2, report.StepsCompleted)
}

func TestExecutorRecordsCancellation(t *testing.T) {
	store, urls := newPlanStore(t)

	planID := putExecutablePlan(t, store, urls, "news.test", []string{
		"https://news.test/a",
		"https://news.test/b",
	}, 100)

	p := New(config.Planning{}, nil, zap.NewNop(), StructureReasoner{})
	ex := NewExecutor(p, store, urls, nil, config.Planning{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := ex.Execute(ctx, 1, planID, &scriptedRunner{fallbak: 100}, nil)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", report.FailureReason)
	assert.Zero(t, report.StepsCompleted)
}
