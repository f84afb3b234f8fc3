// Package events normalizes backend-pushed generation events into a
// single discriminated action type and provides the typed channel the
// rest of the system consumes them on.
package events

import (
	"encoding/json"

	"github.com/000haoji/cardforge/pkg/models"
)

// ActionKind discriminates normalized actions
type ActionKind string

const (
	DocumentStarted     ActionKind = "document_started"
	TaskUpdated         ActionKind = "task_updated"
	CardAdded           ActionKind = "card_added"
	TaskCompleted       ActionKind = "task_completed"
	GenerationCompleted ActionKind = "generation_completed"
	GenerationPaused    ActionKind = "generation_paused"
	GenerationCancelled ActionKind = "generation_cancelled"
	GenerationError     ActionKind = "generation_error"
	Unknown             ActionKind = "unknown"
)

// Action is one normalized event. Exactly the fields for its kind are
// populated; Raw carries the original payload for Unknown actions so
// callers can log it.
type Action struct {
	Kind       ActionKind
	DocumentID string

	// DocumentStarted
	TotalSegments int
	Tasks         []models.TaskInfo

	// TaskUpdated / TaskCompleted
	TaskID       string
	SegmentIndex int
	Status       models.TaskStatus
	Progress     int
	ErrorMessage string

	// CardAdded / TaskCompleted
	Card  *models.Card
	Cards []models.Card

	// GenerationCompleted
	Stats *models.GenerationStats

	// GenerationError
	Message string

	// Unknown
	Raw json.RawMessage
}

// Wire event type strings emitted by the backend
const (
	wireDocumentStarted = "document-processing-started"
	wireTaskStatus      = "task-status-update"
	wireCardStreaming   = "card-streaming"
	wireTaskCompleted   = "task-completed"
	wireCompleted       = "generation-completed"
	wirePaused          = "generation-paused"
	wireCancelled       = "generation-cancelled"
	wireError           = "generation-error"
)

// Alternate single-key envelope type names (PascalCase wire shape)
var typeNameAliases = map[string]string{
	"DocumentProcessingStarted": wireDocumentStarted,
	"TaskStatusUpdate":          wireTaskStatus,
	"CardStreaming":             wireCardStreaming,
	"TaskCompleted":             wireTaskCompleted,
	"GenerationCompleted":       wireCompleted,
	"GenerationPaused":          wirePaused,
	"GenerationCancelled":       wireCancelled,
	"GenerationError":           wireError,
}
