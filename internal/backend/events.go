package backend

import (
	"encoding/json"
	"fmt"

	"github.com/000haoji/cardforge/internal/util"
	"github.com/000haoji/cardforge/pkg/models"
)

// Wire event type strings pushed on the bus
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

// emit publishes one {type, data} envelope on the bus
func (e *Engine) emit(eventType string, data any) {
	payload, err := json.Marshal(map[string]any{
		"type": eventType,
		"data": data,
	})
	if err != nil {
		e.logger.Error("Failed to marshal event", "type", eventType, "error", err)
		return
	}
	e.bus.Publish(payload)
}

func (e *Engine) emitTaskStatus(documentID string, task models.TaskInfo, status models.TaskStatus, progress int, errorMessage string) {
	data := map[string]any{
		"document_id":   documentID,
		"task_id":       task.TaskID,
		"segment_index": task.SegmentIndex,
		"status":        string(status),
		"progress":      progress,
	}
	if errorMessage != "" {
		data["error_message"] = errorMessage
	}
	e.emit(wireTaskStatus, data)
}

func renderAnalysisPrompt(tmpl, content string) (string, error) {
	rendered, err := util.RenderTemplate(tmpl, map[string]interface{}{
		"Content": content,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render analysis prompt: %w", err)
	}
	return rendered, nil
}
