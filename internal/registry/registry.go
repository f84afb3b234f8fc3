// Package registry holds the pure state transitions for a document's
// per-segment task list. Every function returns a new slice and leaves
// its input untouched, so callers can apply actions in receipt order
// without defensive copying.
package registry

import (
	"fmt"
	"math"

	"github.com/000haoji/cardforge/pkg/models"
)

// TaskUpdate is a partial update merged onto a task. Nil fields are
// left unchanged.
type TaskUpdate struct {
	Status         *models.TaskStatus
	Progress       *int
	CardsGenerated *int
	ErrorMessage   *string
}

// Status, Progress, CardsGenerated and ErrorMessage build single-field
// updates for the common cases.
func Status(s models.TaskStatus) TaskUpdate { return TaskUpdate{Status: &s} }
func Progress(p int) TaskUpdate             { return TaskUpdate{Progress: &p} }
func CardsGenerated(n int) TaskUpdate       { return TaskUpdate{CardsGenerated: &n} }
func ErrorMessage(msg string) TaskUpdate    { return TaskUpdate{ErrorMessage: &msg} }

// Merge combines updates left to right, with later fields taking
// precedence.
func Merge(updates ...TaskUpdate) TaskUpdate {
	var out TaskUpdate
	for _, u := range updates {
		if u.Status != nil {
			out.Status = u.Status
		}
		if u.Progress != nil {
			out.Progress = u.Progress
		}
		if u.CardsGenerated != nil {
			out.CardsGenerated = u.CardsGenerated
		}
		if u.ErrorMessage != nil {
			out.ErrorMessage = u.ErrorMessage
		}
	}
	return out
}

// CreateInitialTasks generates exactly totalSegments pending tasks with
// deterministic ids <documentID>_task_<index> and contiguous segment
// indexes 0..totalSegments-1.
func CreateInitialTasks(documentID string, totalSegments int, templateID string) []models.TaskInfo {
	if totalSegments <= 0 {
		return nil
	}
	tasks := make([]models.TaskInfo, totalSegments)
	for i := range tasks {
		tasks[i] = models.TaskInfo{
			TaskID:       fmt.Sprintf("%s_task_%d", documentID, i),
			SegmentIndex: i,
			Status:       models.TaskPending,
			Progress:     0,
			TemplateID:   templateID,
		}
	}
	return tasks
}

// UpdateTask replaces the task matching taskID with a merged copy.
// An unknown id is a no-op, not an error: events may race a wholesale
// task-list replacement from a control acknowledgement.
func UpdateTask(tasks []models.TaskInfo, taskID string, update TaskUpdate) []models.TaskInfo {
	return updateWhere(tasks, func(t *models.TaskInfo) bool { return t.TaskID == taskID }, update)
}

// UpdateTaskBySegmentIndex is UpdateTask keyed by segment index, used
// when the backend event omits a task id.
func UpdateTaskBySegmentIndex(tasks []models.TaskInfo, segmentIndex int, update TaskUpdate) []models.TaskInfo {
	return updateWhere(tasks, func(t *models.TaskInfo) bool { return t.SegmentIndex == segmentIndex }, update)
}

func updateWhere(tasks []models.TaskInfo, match func(*models.TaskInfo) bool, update TaskUpdate) []models.TaskInfo {
	out := make([]models.TaskInfo, len(tasks))
	copy(out, tasks)
	for i := range out {
		if !match(&out[i]) {
			continue
		}
		if update.Status != nil {
			out[i].Status = *update.Status
		}
		if update.Progress != nil {
			out[i].Progress = *update.Progress
		}
		if update.CardsGenerated != nil {
			out[i].CardsGenerated = *update.CardsGenerated
		}
		if update.ErrorMessage != nil {
			out[i].ErrorMessage = *update.ErrorMessage
		}
		break
	}
	return out
}

// AddCardToTask appends a card to the named task's card list unless a
// card with an identical (front, back) pair is already there. The
// de-duplication makes redelivered card events idempotent.
func AddCardToTask(tasks []models.TaskInfo, taskID string, card models.Card) []models.TaskInfo {
	out := make([]models.TaskInfo, len(tasks))
	copy(out, tasks)
	for i := range out {
		if out[i].TaskID != taskID {
			continue
		}
		for _, existing := range out[i].Cards {
			if existing.Front == card.Front && existing.Back == card.Back {
				return out
			}
		}
		cards := make([]models.Card, len(out[i].Cards), len(out[i].Cards)+1)
		copy(cards, out[i].Cards)
		out[i].Cards = append(cards, card)
		out[i].CardsGenerated = len(out[i].Cards)
		break
	}
	return out
}

// OverallProgress derives document progress from the task list:
// round(100 * terminal / total). Failed tasks count as done, so a
// document with failures still reaches 100. Empty list is 0.
func OverallProgress(tasks []models.TaskInfo) int {
	if len(tasks) == 0 {
		return 0
	}
	done := 0
	for _, t := range tasks {
		if t.Status.Terminal() {
			done++
		}
	}
	return int(math.Round(100 * float64(done) / float64(len(tasks))))
}

// CollectCards flattens every task's card list in segment order
func CollectCards(tasks []models.TaskInfo) []models.Card {
	var cards []models.Card
	for _, t := range tasks {
		cards = append(cards, t.Cards...)
	}
	return cards
}
