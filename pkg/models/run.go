package models

import "time"

// RunStatus tracks a pipeline run's lifecycle.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Phase event statuses recorded in a run's phase history.
const (
	PhaseEventStarting  = "starting"
	PhaseEventCompleted = "completed"
	PhaseEventFailed    = "failed"
	PhaseEventSkipped   = "skipped"
)

// PhaseEvent is one entry in a run's phase history.
type PhaseEvent struct {
	Phase     string         `json:"phase"`
	Status    string         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
}

// PipelineRun records one orchestrator invocation for observability. It never
// gates execution.
type PipelineRun struct {
	ID            string       `json:"id"`
	WorkflowRunID *string      `json:"workflow_run_id,omitempty"`
	Status        RunStatus    `json:"status"`
	Conclusion    *string      `json:"conclusion,omitempty"`
	StartedAt     time.Time    `json:"started_at"`
	FinishedAt    *time.Time   `json:"finished_at,omitempty"`
	CurrentPhase  *string      `json:"current_phase,omitempty"`
	Phases        []PhaseEvent `json:"phases"`
}
