package models

// TaskStatus represents the lifecycle state of a single segment task
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskStreaming  TaskStatus = "streaming"
	TaskPaused     TaskStatus = "paused"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskTruncated  TaskStatus = "truncated"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status counts toward overall progress.
// Failed tasks are done for progress purposes even though they produced
// no cards.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// TaskInfo is one per-segment generation task. SegmentIndex values for
// a document form a contiguous range 0..totalSegments-1, assigned at
// segmenting time and never reused.
type TaskInfo struct {
	TaskID         string     `json:"task_id"`
	SegmentIndex   int        `json:"segment_index"`
	Status         TaskStatus `json:"status"`
	Progress       int        `json:"progress"`
	CardsGenerated int        `json:"cards_generated"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	TemplateID     string     `json:"template_id,omitempty"`
	Cards          []Card     `json:"cards,omitempty"`
}
