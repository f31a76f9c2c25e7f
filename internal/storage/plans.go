package storage

import (
	"database/sql"

	"github.com/harvest-crawler/harvest/internal/errkind"
)

// PutPlan persists a plan and its steps in one transaction, returning
// the plan id.
func (s *Store) PutPlan(p *Plan, steps []*PlanStep) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "begin plan tx")
	}
	defer tx.Rollback()

	result, err := tx.Exec(`
		INSERT INTO plans (domain, goal, estimated_value, estimated_cost, probability,
			lookahead, branches_explored, budget_exhausted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, p.Domain, p.Goal, p.EstimatedValue, p.EstimatedCost, p.Probability,
		p.Lookahead, p.BranchesExplored, p.BudgetExhausted)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "insert plan")
	}
	planID, err := result.LastInsertId()
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "plan id")
	}

	stmt, err := tx.Prepare(`
		INSERT INTO plan_steps (plan_id, seq, action_type, target_url_id, expected_value, cost, probability)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "prepare steps")
	}
	defer stmt.Close()

	for _, step := range steps {
		if _, err := stmt.Exec(planID, step.Seq, step.ActionType, step.TargetURLID,
			step.ExpectedValue, step.Cost, step.Probability); err != nil {
			return 0, errkind.Wrap(errkind.StorageFailure, err, "insert step")
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "commit plan")
	}
	return planID, nil
}

// GetPlan loads a plan and its steps in seq order, or nil.
func (s *Store) GetPlan(planID int64) (*Plan, []*PlanStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p := &Plan{}
	var goal sql.NullString
	err := s.db.QueryRow(`
		SELECT id, domain, goal, estimated_value, estimated_cost, probability,
			lookahead, branches_explored, budget_exhausted, created_at
		FROM plans WHERE id = ?
	`, planID).Scan(&p.ID, &p.Domain, &goal, &p.EstimatedValue, &p.EstimatedCost,
		&p.Probability, &p.Lookahead, &p.BranchesExplored, &p.BudgetExhausted, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "get plan")
	}
	p.Goal = goal.String

	rows, err := s.db.Query(`
		SELECT id, plan_id, seq, action_type, target_url_id, expected_value, cost, probability
		FROM plan_steps WHERE plan_id = ? ORDER BY seq
	`, planID)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.StorageFailure, err, "get plan steps")
	}
	defer rows.Close()

	var steps []*PlanStep
	for rows.Next() {
		step := &PlanStep{}
		if err := rows.Scan(&step.ID, &step.PlanID, &step.Seq, &step.ActionType,
			&step.TargetURLID, &step.ExpectedValue, &step.Cost, &step.Probability); err != nil {
			return nil, nil, err
		}
		steps = append(steps, step)
	}
	return p, steps, rows.Err()
}

// PutPlanOutcome records an execution result for a plan.
func (s *Store) PutPlanOutcome(o *PlanOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO plan_outcomes (plan_id, job_id, steps_completed, backtracks,
			actual_value, performance_ratio, failure_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.PlanID, nullableID(o.JobID), o.StepsCompleted, o.Backtracks,
		o.ActualValue, o.PerformanceRatio, o.FailureReason)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "put plan outcome")
	}
	return nil
}

// PutStepResult records one executed step's expected vs actual value.
func (s *Store) PutStepResult(r *StepResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO plan_step_results (plan_id, seq, action_type, expected_value, actual_value, ratio)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.PlanID, r.Seq, r.ActionType, r.ExpectedValue, r.ActualValue, r.Ratio)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "put step result")
	}
	return nil
}

// StepResultsForDomain returns step results for plans of one domain,
// newest first, capped at limit. The heuristic learner consumes these.
func (s *Store) StepResultsForDomain(domain string, limit int) ([]*StepResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.Query(`
		SELECT r.plan_id, r.seq, COALESCE(r.action_type, ''), r.expected_value, r.actual_value, r.ratio
		FROM plan_step_results r
		JOIN plans p ON p.id = r.plan_id
		WHERE p.domain = ?
		ORDER BY r.id DESC LIMIT ?
	`, domain, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "step results")
	}
	defer rows.Close()

	var results []*StepResult
	for rows.Next() {
		r := &StepResult{}
		if err := rows.Scan(&r.PlanID, &r.Seq, &r.ActionType, &r.ExpectedValue,
			&r.ActualValue, &r.Ratio); err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// CompletedOutcomeCount counts recorded outcomes across a domain's plans.
func (s *Store) CompletedOutcomeCount(domain string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM plan_outcomes o JOIN plans p ON p.id = o.plan_id WHERE p.domain = ?
	`, domain).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.StorageFailure, err, "outcome count")
	}
	return n, nil
}

// UpsertHeuristic writes a learned (domain, pattern) weight.
func (s *Store) UpsertHeuristic(h *Heuristic) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO planning_heuristics (domain, pattern, weight, samples, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(domain, pattern) DO UPDATE SET
			weight = excluded.weight,
			samples = excluded.samples,
			updated_at = CURRENT_TIMESTAMP
	`, h.Domain, h.Pattern, h.Weight, h.Samples)
	if err != nil {
		return errkind.Wrap(errkind.StorageFailure, err, "upsert heuristic")
	}
	return nil
}

// GetHeuristics loads all learned weights for a domain.
func (s *Store) GetHeuristics(domain string) ([]*Heuristic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT domain, pattern, weight, samples FROM planning_heuristics WHERE domain = ?
	`, domain)
	if err != nil {
		return nil, errkind.Wrap(errkind.StorageFailure, err, "get heuristics")
	}
	defer rows.Close()

	var hs []*Heuristic
	for rows.Next() {
		h := &Heuristic{}
		if err := rows.Scan(&h.Domain, &h.Pattern, &h.Weight, &h.Samples); err != nil {
			return nil, err
		}
		hs = append(hs, h)
	}
	return hs, rows.Err()
}
