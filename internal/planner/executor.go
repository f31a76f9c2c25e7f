package planner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/harvest-crawler/harvest/internal/config"
	"github.com/harvest-crawler/harvest/internal/storage"
	"github.com/harvest-crawler/harvest/internal/telemetry"
)

// Backtracking knobs: two consecutive steps under half their expected
// value trigger a re-plan.
const (
	underperformThreshold = 0.5
	consecutiveLowLimit   = 2
)

// StepRunner settles one plan step and reports the realized value.
type StepRunner interface {
	RunStep(ctx context.Context, step *storage.PlanStep) (float64, error)
}

// StateFn snapshots the live crawl state for re-planning after a
// backtrack.
type StateFn func() *State

// URLInterner supplies IDs and text for plan-step targets.
type URLInterner interface {
	Intern(rawURL string) (int64, error)
	Resolve(id int64) (string, error)
}

// Report summarises one plan execution.
type Report struct {
	PlanID         int64
	StepsCompleted int
	Backtracks     int
	ExpectedValue  float64
	ActualValue    float64
	Ratio          float64
	FailureReason  string
}

// Completed reports whether the plan ran to its end.
func (r *Report) Completed() bool {
	return r.FailureReason == ""
}

// Executor walks a confirmed plan step by step, records performance,
// and backtracks onto alternative branches when steps underperform.
type Executor struct {
	planner *Planner
	store   *storage.Store
	urls    URLInterner
	bus     *telemetry.Bus
	cfg     config.Planning
	logger  *zap.Logger
}

func NewExecutor(p *Planner, store *storage.Store, urls URLInterner, bus *telemetry.Bus, cfg config.Planning, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		planner: p,
		store:   store,
		urls:    urls,
		bus:     bus,
		cfg:     cfg,
		logger:  logger.Named("executor"),
	}
}

// Execute runs the persisted plan through runner. It always writes a
// plan outcome row; the error return is reserved for storage and
// plan-loading failures.
func (e *Executor) Execute(ctx context.Context, jobID, planID int64, runner StepRunner, stateFn StateFn) (*Report, error) {
	plan, steps, err := e.store.GetPlan(planID)
	if err != nil {
		return nil, err
	}

	report := &Report{PlanID: planID}
	var expectedTotal, actualTotal float64
	consecutiveLow := 0
	nextSeq := len(steps)

	e.publish(e.stageEvent(jobID, "execute-start", map[string]any{
		"plan_id": planID,
		"steps":   len(steps),
	}))

	for i := 0; i < len(steps); i++ {
		if ctx.Err() != nil {
			report.FailureReason = "cancelled"
			break
		}
		step := steps[i]

		actual, runErr := runner.RunStep(ctx, step)
		if runErr != nil {
			if ctx.Err() != nil {
				report.FailureReason = "cancelled"
				break
			}
			actual = 0
		}

		ratio := 0.0
		if step.ExpectedValue > 0 {
			ratio = actual / step.ExpectedValue
		}

		if err := e.store.PutStepResult(&storage.StepResult{
			PlanID:        planID,
			Seq:           step.Seq,
			ActionType:    step.ActionType,
			ExpectedValue: step.ExpectedValue,
			ActualValue:   actual,
			Ratio:         ratio,
		}); err != nil {
			e.logger.Warn("step result write failed", zap.Int64("plan_id", planID), zap.Error(err))
		}

		report.StepsCompleted++
		expectedTotal += step.ExpectedValue
		actualTotal += actual

		e.publish(e.stageEvent(jobID, "step-complete", map[string]any{
			"plan_id":  planID,
			"seq":      step.Seq,
			"action":   step.ActionType,
			"expected": step.ExpectedValue,
			"actual":   actual,
			"ratio":    ratio,
		}))

		if ratio < underperformThreshold {
			consecutiveLow++
		} else {
			consecutiveLow = 0
		}
		if consecutiveLow < consecutiveLowLimit {
			continue
		}

		if report.Backtracks >= e.maxBacktracks() {
			report.FailureReason = "backtrack-limit"
			break
		}
		report.Backtracks++
		consecutiveLow = 0

		e.publish(e.stageEvent(jobID, "backtrack", map[string]any{
			"plan_id":    planID,
			"after_seq":  step.Seq,
			"backtracks": report.Backtracks,
		}))

		alt := e.alternative(ctx, stateFn, steps[:i+1], len(steps)-i-1)
		if len(alt) == 0 {
			report.FailureReason = "no-alternative"
			break
		}

		// Replace the remaining tail with the alternative branch.
		steps = steps[:i+1]
		for _, a := range alt {
			urlID := a.TargetURLID
			if urlID == 0 {
				id, ierr := e.urls.Intern(a.TargetURL)
				if ierr != nil {
					continue
				}
				urlID = id
			}
			steps = append(steps, &storage.PlanStep{
				PlanID:        planID,
				Seq:           nextSeq,
				ActionType:    a.Signature(),
				TargetURLID:   urlID,
				ExpectedValue: a.ExpectedValue,
				Cost:          a.Cost,
				Probability:   a.Probability,
			})
			nextSeq++
		}
	}

	if ctx.Err() != nil && report.FailureReason == "" {
		report.FailureReason = "cancelled"
	}

	report.ExpectedValue = expectedTotal
	report.ActualValue = actualTotal
	if expectedTotal > 0 {
		report.Ratio = actualTotal / expectedTotal
	}

	if err := e.store.PutPlanOutcome(&storage.PlanOutcome{
		PlanID:           planID,
		JobID:            jobID,
		StepsCompleted:   report.StepsCompleted,
		Backtracks:       report.Backtracks,
		ActualValue:      report.ActualValue,
		PerformanceRatio: report.Ratio,
		FailureReason:    report.FailureReason,
	}); err != nil {
		e.logger.Warn("plan outcome write failed", zap.Int64("plan_id", planID), zap.Error(err))
	}

	status := "completed"
	if report.FailureReason != "" {
		status = "aborted"
	}
	e.publish(e.stageEvent(jobID, "execute-end", map[string]any{
		"plan_id":    planID,
		"status":     status,
		"steps":      report.StepsCompleted,
		"backtracks": report.Backtracks,
		"ratio":      report.Ratio,
	}))

	e.maybeLearn(plan.Domain)
	return report, nil
}

// alternative asks the strategic search for a replacement tail,
// excluding every target the plan has already attempted.
func (e *Executor) alternative(ctx context.Context, stateFn StateFn, attempted []*storage.PlanStep, maxSteps int) []Action {
	if stateFn == nil || maxSteps <= 0 {
		return nil
	}
	state := stateFn()
	if state == nil {
		return nil
	}

	exclude := make(map[string]bool, len(attempted))
	for _, s := range attempted {
		if u, err := e.urls.Resolve(s.TargetURLID); err == nil {
			exclude[u] = true
		}
	}

	actions, err := e.planner.Alternative(ctx, state, exclude, maxSteps)
	if err != nil {
		e.logger.Debug("no alternative branch", zap.String("domain", state.Domain), zap.Error(err))
		return nil
	}
	return actions
}

// maybeLearn aggregates heuristics after every fifth completed plan
// for the domain.
func (e *Executor) maybeLearn(domain string) {
	if !e.cfg.LearningEnabled || e.planner == nil || e.planner.heur == nil {
		return
	}
	n, err := e.store.CompletedOutcomeCount(domain)
	if err != nil || n == 0 || n%5 != 0 {
		return
	}
	if err := e.planner.heur.Aggregate(domain); err != nil {
		e.logger.Warn("heuristic aggregation failed", zap.String("domain", domain), zap.Error(err))
	}
}

func (e *Executor) maxBacktracks() int {
	if e.cfg.MaxBacktracks <= 0 {
		return 3
	}
	return e.cfg.MaxBacktracks
}

func (e *Executor) stageEvent(jobID int64, stage string, details map[string]any) telemetry.Event {
	details["stage"] = stage
	return telemetry.Event{
		JobID:   jobID,
		Kind:    telemetry.KindPlanStage,
		At:      time.Now().UTC(),
		Details: details,
	}
}

func (e *Executor) publish(ev telemetry.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
