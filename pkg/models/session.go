package models

import "time"

// Phase represents the aggregate state of a generation session
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSegmenting Phase = "segmenting"
	PhaseGenerating Phase = "generating"
	PhaseCompleted  Phase = "completed"
	PhasePaused     Phase = "paused"
	PhaseError      Phase = "error"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseError
}

// GenerationStats tracks statistics for one document generation run
type GenerationStats struct {
	StartTime       time.Time     `json:"start_time"`
	EndTime         time.Time     `json:"end_time"`
	TotalSegments   int           `json:"total_segments"`
	CompletedTasks  int           `json:"completed_tasks"`
	FailedTasks     int           `json:"failed_tasks"`
	TotalCards      int           `json:"total_cards"`
	ErrorCards      int           `json:"error_cards"`
	TotalDuration   time.Duration `json:"total_duration"`
	AverageDuration time.Duration `json:"average_duration"`
}

// ControlAction is a control-plane operation on a running document
type ControlAction string

const (
	ControlPause  ControlAction = "pause"
	ControlResume ControlAction = "resume"
	ControlRetry  ControlAction = "retry"
	ControlCancel ControlAction = "cancel"
)

// ControlResult is the acknowledgement envelope for control actions.
// Precondition failures (no document id yet) are reported here with
// OK=false rather than as errors.
type ControlResult struct {
	OK      bool       `json:"ok"`
	Message string     `json:"message,omitempty"`
	Tasks   []TaskInfo `json:"tasks,omitempty"`
}
