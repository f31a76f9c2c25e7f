// Package telemetry carries milestone, progress, problem, and planner
// events from every component to persistence and live subscribers.
package telemetry

import (
	"time"
)

// Kind identifies the event family.
type Kind string

const (
	KindMilestone   Kind = "milestone"
	KindProgress    Kind = "progress"
	KindProblem     Kind = "problem"
	KindPlanStage   Kind = "plan-stage"
	KindPlanPreview Kind = "plan-preview"
	KindPlanStatus  Kind = "plan-status"
)

// Severity grades problem events.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Event is the single shape carried on the bus. JobID is 0 for events
// outside any job; SessionID is empty outside planning sessions.
type Event struct {
	JobID     int64          `json:"job_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      Kind           `json:"kind"`
	At        time.Time      `json:"ts"`
	Details   map[string]any `json:"details,omitempty"`
}

// Milestone builds a named-achievement event.
func Milestone(jobID int64, name string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	details["name"] = name
	return Event{JobID: jobID, Kind: KindMilestone, At: time.Now().UTC(), Details: details}
}

// Progress builds a progress event. total 0 means unknown.
func Progress(jobID int64, current, total int, phase string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	details["current"] = current
	details["total"] = total
	if total > 0 {
		details["percent"] = float64(current) / float64(total) * 100
	}
	details["phase"] = phase
	return Event{JobID: jobID, Kind: KindProgress, At: time.Now().UTC(), Details: details}
}

// Problem builds an error-report event. urlID 0 means no URL context.
func Problem(jobID int64, severity Severity, code, message string, urlID int64) Event {
	details := map[string]any{
		"severity": string(severity),
		"code":     code,
		"message":  message,
	}
	if urlID != 0 {
		details["url_id"] = urlID
	}
	return Event{JobID: jobID, Kind: KindProblem, At: time.Now().UTC(), Details: details}
}

// PlanStage builds a planner sub-stage update.
func PlanStage(sessionID, stage string, details map[string]any) Event {
	if details == nil {
		details = map[string]any{}
	}
	details["stage"] = stage
	return Event{SessionID: sessionID, Kind: KindPlanStage, At: time.Now().UTC(), Details: details}
}

// PlanPreview builds the finished-blueprint event.
func PlanPreview(sessionID string, blueprint map[string]any) Event {
	return Event{SessionID: sessionID, Kind: KindPlanPreview, At: time.Now().UTC(), Details: blueprint}
}

// PlanStatus builds a session state-transition event.
func PlanStatus(sessionID, status string) Event {
	return Event{
		SessionID: sessionID,
		Kind:      KindPlanStatus,
		At:        time.Now().UTC(),
		Details:   map[string]any{"status": status},
	}
}
