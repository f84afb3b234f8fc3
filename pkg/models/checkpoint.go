package models

import "time"

// Checkpoint captures the resumable state of one document generation
// run. It is persisted to disk in the session directory.
type Checkpoint struct {
	SessionID   string    `json:"session_id"`
	DocumentID  string    `json:"document_id"`
	CreatedAt   time.Time `json:"created_at"`
	LastSavedAt time.Time `json:"last_saved_at"`

	Phase    Phase    `json:"phase"`
	Segments []string `json:"segments,omitempty"`

	Tasks            []TaskInfo      `json:"tasks,omitempty"`
	CompletedTaskIDs map[string]bool `json:"completed_task_ids"`
	Cards            []Card          `json:"cards,omitempty"`

	Stats      GenerationStats `json:"stats"`
	ConfigHash string          `json:"config_hash"`
}
