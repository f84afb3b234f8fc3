package events

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/000haoji/cardforge/internal/registry"
	"github.com/000haoji/cardforge/pkg/models"
)

// Adapter converts raw backend payloads into normalized actions.
// It never panics and never returns a malformed action: payloads that
// fail shape validation come back as Unknown, and any panic while
// interpreting a payload is converted into a GenerationError action.
type Adapter struct {
	logger *slog.Logger
}

// NewAdapter creates an event adapter
func NewAdapter(logger *slog.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// Normalize converts one raw payload into exactly one action.
// currentDocID is used when the payload omits identifying fields.
//
// Two envelope shapes are recognized: {"type": t, "data": d} and the
// single-key form {"<TypeName>": d}. Anything else is Unknown.
func (a *Adapter) Normalize(raw []byte, currentDocID string) (action Action) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic while normalizing event", "panic", r)
			action = Action{
				Kind:       GenerationError,
				DocumentID: currentDocID,
				Message:    fmt.Sprintf("%v", r),
			}
		}
	}()

	eventType, data, ok := a.unwrap(raw)
	if !ok {
		a.logger.Warn("Unrecognized event envelope", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}

	switch eventType {
	case wireDocumentStarted:
		return a.documentStarted(raw, data, currentDocID)
	case wireTaskStatus:
		return a.taskStatus(raw, data, currentDocID)
	case wireCardStreaming:
		return a.cardStreaming(raw, data, currentDocID)
	case wireTaskCompleted:
		return a.taskCompleted(raw, data, currentDocID)
	case wireCompleted:
		return a.completed(data, currentDocID)
	case wirePaused:
		return Action{Kind: GenerationPaused, DocumentID: docID(data, currentDocID)}
	case wireCancelled:
		return Action{Kind: GenerationCancelled, DocumentID: docID(data, currentDocID)}
	case wireError:
		return a.generationError(data, currentDocID)
	default:
		a.logger.Warn("Unknown event type", "type", eventType)
		return Action{Kind: Unknown, Raw: raw}
	}
}

// unwrap extracts the event type string and data payload from either
// envelope shape.
func (a *Adapter) unwrap(raw []byte) (string, map[string]json.RawMessage, bool) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return "", nil, false
	}

	// Shape 1: {"type": "...", "data": {...}}
	if typeRaw, ok := envelope["type"]; ok {
		var eventType string
		if err := json.Unmarshal(typeRaw, &eventType); err != nil || eventType == "" {
			return "", nil, false
		}
		data := map[string]json.RawMessage{}
		if dataRaw, ok := envelope["data"]; ok {
			// data may legitimately be absent or non-object for terminal events
			_ = json.Unmarshal(dataRaw, &data)
		}
		return eventType, data, true
	}

	// Shape 2: single-key {"<TypeName>": {...}}
	if len(envelope) == 1 {
		for key, dataRaw := range envelope {
			eventType, ok := typeNameAliases[key]
			if !ok {
				return "", nil, false
			}
			data := map[string]json.RawMessage{}
			_ = json.Unmarshal(dataRaw, &data)
			return eventType, data, true
		}
	}

	return "", nil, false
}

func (a *Adapter) documentStarted(raw []byte, data map[string]json.RawMessage, currentDocID string) Action {
	id := docID(data, currentDocID)
	total, ok := intField(data, "total_segments", "totalSegments")
	if !ok || total < 0 || id == "" {
		a.logger.Warn("Malformed document-processing-started event", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}

	templateID, _ := stringField(data, "template_id", "templateId")

	return Action{
		Kind:          DocumentStarted,
		DocumentID:    id,
		TotalSegments: total,
		Tasks:         registry.CreateInitialTasks(id, total, templateID),
	}
}

func (a *Adapter) taskStatus(raw []byte, data map[string]json.RawMessage, currentDocID string) Action {
	status, ok := stringField(data, "status")
	if !ok || !validTaskStatus(models.TaskStatus(status)) {
		a.logger.Warn("Malformed task-status-update event", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}

	taskID, _ := stringField(data, "task_id", "taskId")
	segIdx, hasSeg := intField(data, "segment_index", "segmentIndex")
	if taskID == "" && !hasSeg {
		a.logger.Warn("task-status-update without task identity", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}
	if !hasSeg {
		segIdx = -1
	}

	progress, _ := intField(data, "progress")
	errMsg, _ := stringField(data, "error_message", "errorMessage")

	return Action{
		Kind:         TaskUpdated,
		DocumentID:   docID(data, currentDocID),
		TaskID:       taskID,
		SegmentIndex: segIdx,
		Status:       models.TaskStatus(status),
		Progress:     progress,
		ErrorMessage: errMsg,
	}
}

func (a *Adapter) cardStreaming(raw []byte, data map[string]json.RawMessage, currentDocID string) Action {
	taskID, ok := stringField(data, "task_id", "taskId")
	if !ok || taskID == "" {
		a.logger.Warn("card-streaming without task id", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}

	cardRaw, ok := data["card"]
	if !ok {
		a.logger.Warn("card-streaming without card", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}
	var card models.Card
	if err := json.Unmarshal(cardRaw, &card); err != nil {
		a.logger.Warn("card-streaming with malformed card", "error", err, "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}
	card.TaskID = taskID

	return Action{
		Kind:       CardAdded,
		DocumentID: docID(data, currentDocID),
		TaskID:     taskID,
		Card:       &card,
	}
}

func (a *Adapter) taskCompleted(raw []byte, data map[string]json.RawMessage, currentDocID string) Action {
	taskID, ok := stringField(data, "task_id", "taskId")
	if !ok || taskID == "" {
		a.logger.Warn("task-completed without task id", "payload", truncate(raw))
		return Action{Kind: Unknown, Raw: raw}
	}

	status := models.TaskCompleted
	if s, ok := stringField(data, "status"); ok && validTaskStatus(models.TaskStatus(s)) {
		status = models.TaskStatus(s)
	}

	var cards []models.Card
	if cardsRaw, ok := data["cards"]; ok {
		if err := json.Unmarshal(cardsRaw, &cards); err != nil {
			a.logger.Warn("task-completed with malformed cards", "error", err, "payload", truncate(raw))
			return Action{Kind: Unknown, Raw: raw}
		}
	}
	errMsg, _ := stringField(data, "error_message", "errorMessage")

	return Action{
		Kind:         TaskCompleted,
		DocumentID:   docID(data, currentDocID),
		TaskID:       taskID,
		Status:       status,
		Cards:        cards,
		ErrorMessage: errMsg,
	}
}

func (a *Adapter) completed(data map[string]json.RawMessage, currentDocID string) Action {
	action := Action{Kind: GenerationCompleted, DocumentID: docID(data, currentDocID)}
	if statsRaw, ok := data["stats"]; ok {
		var stats models.GenerationStats
		if err := json.Unmarshal(statsRaw, &stats); err == nil {
			action.Stats = &stats
		}
	}
	return action
}

func (a *Adapter) generationError(data map[string]json.RawMessage, currentDocID string) Action {
	// Message resolution: error field, then message field, then literal
	message := "Unknown error"
	if m, ok := stringField(data, "error"); ok && m != "" {
		message = m
	} else if m, ok := stringField(data, "message"); ok && m != "" {
		message = m
	}
	return Action{
		Kind:       GenerationError,
		DocumentID: docID(data, currentDocID),
		Message:    message,
	}
}

func docID(data map[string]json.RawMessage, fallback string) string {
	if id, ok := stringField(data, "document_id", "documentId"); ok && id != "" {
		return id
	}
	return fallback
}

func stringField(data map[string]json.RawMessage, names ...string) (string, bool) {
	for _, name := range names {
		raw, ok := data[name]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false
		}
		return s, true
	}
	return "", false
}

func intField(data map[string]json.RawMessage, names ...string) (int, bool) {
	for _, name := range names {
		raw, ok := data[name]
		if !ok {
			continue
		}
		var n int
		if err := json.Unmarshal(raw, &n); err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func validTaskStatus(s models.TaskStatus) bool {
	switch s {
	case models.TaskPending, models.TaskProcessing, models.TaskStreaming,
		models.TaskPaused, models.TaskCompleted, models.TaskFailed,
		models.TaskTruncated, models.TaskCancelled:
		return true
	}
	return false
}

func truncate(raw []byte) string {
	const limit = 200
	if len(raw) <= limit {
		return string(raw)
	}
	return string(raw[:limit]) + "..."
}
