package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/000haoji/cardforge/internal/checkpoint"
	"github.com/000haoji/cardforge/internal/deck"
	"github.com/000haoji/cardforge/internal/llm"
	"github.com/000haoji/cardforge/internal/registry"
	"github.com/000haoji/cardforge/internal/segment"
	"github.com/000haoji/cardforge/pkg/models"
)

// run is the mutable state of one document generation
type run struct {
	documentID string
	templateID string
	input      models.GenerateInput
	segments   []segment.Segment
	ckpt       *checkpoint.Manager

	mu        sync.Mutex
	tasks     []models.TaskInfo
	cards     []models.Card
	stats     models.GenerationStats
	paused    bool
	cancelled bool
	active    bool
	completed bool
	cancel    context.CancelFunc
}

func newRun(documentID, templateID string, input models.GenerateInput, segments []segment.Segment, ckpt *checkpoint.Manager) *run {
	stats := newStats()
	stats.TotalSegments = len(segments)
	return &run{
		documentID: documentID,
		templateID: templateID,
		input:      input,
		segments:   segments,
		ckpt:       ckpt,
		tasks:      registry.CreateInitialTasks(documentID, len(segments), templateID),
		stats:      stats,
	}
}

// restore rehydrates task and card state from a checkpoint
func (r *run) restore(cp *models.Checkpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(cp.Tasks) == len(r.tasks) {
		r.tasks = append([]models.TaskInfo(nil), cp.Tasks...)
	}
	r.cards = append([]models.Card(nil), cp.Cards...)
	r.stats = cp.Stats
	r.stats.StartTime = time.Now()
}

func (r *run) snapshotTasks() []models.TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.TaskInfo(nil), r.tasks...)
}

func (r *run) setPaused(paused bool) {
	r.mu.Lock()
	r.paused = paused
	r.mu.Unlock()
}

func (r *run) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *run) requestCancel() {
	r.mu.Lock()
	r.cancelled = true
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// tryActivate claims the single-pass slot for the document. Only one
// pass may process tasks at a time; a control action landing while a
// pass drains is folded into that pass by settle instead of starting a
// second worker pool.
func (r *run) tryActivate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	return true
}

// settle decides, under the run lock, whether the pass is finished.
// When a resume flipped the pause flag off while workers were
// draining, the pass keeps the slot and returns false so its caller
// schedules the released tasks itself. Taking the decision and the
// slot release under one lock means a concurrent resume either sees
// the slot free or is picked up by this pass; pending tasks cannot be
// stranded between the two.
func (r *run) settle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused && !r.cancelled {
		for _, t := range r.tasks {
			if t.Status == models.TaskPending {
				return false
			}
		}
	}
	r.active = false
	return true
}

// markCompleted latches the completed state. Returns false when the
// document was already reported complete, so a vestigial pass cannot
// emit a second completion event.
func (r *run) markCompleted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.completed {
		return false
	}
	r.completed = true
	return true
}

func (r *run) attachCancel(cancel context.CancelFunc) {
	r.mu.Lock()
	r.cancel = cancel
	cancelled := r.cancelled
	r.mu.Unlock()
	if cancelled {
		cancel()
	}
}

// pendingTasks returns tasks that still need processing
func (r *run) pendingTasks() []models.TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	var pending []models.TaskInfo
	for _, t := range r.tasks {
		if t.Status == models.TaskPending {
			pending = append(pending, t)
		}
	}
	return pending
}

// resetForRetry flips failed tasks back to pending. With a task id
// only that task is reset; otherwise every failed task is. Returns the
// number of tasks reset.
func (r *run) resetForRetry(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	reset := 0
	for i := range r.tasks {
		if taskID != "" && r.tasks[i].TaskID != taskID {
			continue
		}
		if r.tasks[i].Status != models.TaskFailed {
			continue
		}
		r.tasks[i].Status = models.TaskPending
		r.tasks[i].Progress = 0
		r.tasks[i].ErrorMessage = ""
		reset++
	}
	if reset > 0 {
		// The retry pass reports its own completion
		r.completed = false
		if r.stats.FailedTasks >= reset {
			r.stats.FailedTasks -= reset
		}
	}
	return reset
}

func (r *run) updateTask(taskID string, update registry.TaskUpdate) models.TaskInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = registry.UpdateTask(r.tasks, taskID, update)
	for _, t := range r.tasks {
		if t.TaskID == taskID {
			return t
		}
	}
	return models.TaskInfo{}
}

func (r *run) addCards(cards []models.Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cards = append(r.cards, cards...)
	for _, c := range cards {
		if c.IsErrorCard {
			r.stats.ErrorCards++
		} else {
			r.stats.TotalCards++
		}
	}
}

// remainingQuota reports how many more content cards the run may emit
// under the global card cap; negative means unlimited.
func (r *run) remainingQuota(maxCards int) int {
	if maxCards <= 0 {
		return -1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	remaining := maxCards - r.stats.TotalCards
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

func (r *run) recordTaskOutcome(failed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if failed {
		r.stats.FailedTasks++
	} else {
		r.stats.CompletedTasks++
	}
}

// allTerminal reports whether every task reached a terminal status
func (r *run) allTerminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

func (r *run) finalizeStats() models.GenerationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.EndTime = time.Now()
	r.stats.TotalDuration = r.stats.EndTime.Sub(r.stats.StartTime)
	if r.stats.CompletedTasks > 0 {
		r.stats.AverageDuration = r.stats.TotalDuration / time.Duration(r.stats.CompletedTasks)
	}
	return r.stats
}

func (r *run) snapshotCards() []models.Card {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.Card(nil), r.cards...)
}

func (r *run) snapshotStats() models.GenerationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// runPass processes every pending task with a bounded worker pool and
// returns the outcome of the pass. Pause stops new tasks from
// starting; in-flight tasks drain before the pass returns.
func (e *Engine) runPass(ctx context.Context, r *run) models.GenerateOutput {
	concurrency := e.cfg.Generation.Concurrency
	if opt := r.input.Options.MaxConcurrency; opt > 0 && opt < concurrency {
		concurrency = opt
	}
	if concurrency < 1 {
		concurrency = 1
	}

	if !r.tryActivate() {
		// Another pass owns this document and re-checks for released
		// tasks after its drain, so nothing is lost by backing off.
		return models.GenerateOutput{OK: true, DocumentID: r.documentID, Paused: r.isPaused()}
	}

	runCtx, cancel := context.WithCancel(ctx)
	r.attachCancel(cancel)
	defer cancel()

	sem := semaphore.NewWeighted(int64(concurrency))
	for {
		for _, task := range r.pendingTasks() {
			if r.isPaused() || r.isCancelled() {
				break
			}
			if err := sem.Acquire(runCtx, 1); err != nil {
				break
			}
			// A pause or cancel can land while waiting for a slot
			if r.isPaused() || r.isCancelled() {
				sem.Release(1)
				break
			}
			go func(task models.TaskInfo) {
				defer sem.Release(1)
				e.collector.WorkerStarted()
				defer e.collector.WorkerFinished()
				e.processTask(runCtx, r, task)
			}(task)
		}

		// Drain in-flight workers
		if err := sem.Acquire(context.Background(), int64(concurrency)); err == nil {
			sem.Release(int64(concurrency))
		}

		if r.settle() {
			break
		}
	}

	return e.finishPass(r)
}

// finishPass emits the terminal event for the pass and builds the
// generate result.
func (e *Engine) finishPass(r *run) models.GenerateOutput {
	switch {
	case r.isCancelled():
		e.emit(wireCancelled, map[string]any{"document_id": r.documentID})
		e.collector.RecordDocument("cancelled")
		if r.ckpt != nil {
			if err := r.ckpt.MarkPhase(models.PhaseIdle); err != nil {
				e.logger.Warn("Failed to checkpoint cancel", "error", err)
			}
		}
		stats := r.snapshotStats()
		e.logger.Info("Generation cancelled", "document_id", r.documentID)
		return models.GenerateOutput{
			OK:         true,
			DocumentID: r.documentID,
			Cancelled:  true,
			Cards:      r.snapshotCards(),
			Stats:      &stats,
		}

	case r.isPaused() && !r.allTerminal():
		e.emit(wirePaused, map[string]any{"document_id": r.documentID})
		e.collector.RecordDocument("paused")
		if r.ckpt != nil {
			if err := r.ckpt.MarkPhase(models.PhasePaused); err != nil {
				e.logger.Warn("Failed to checkpoint pause", "error", err)
			}
		}
		stats := r.snapshotStats()
		e.logger.Info("Generation paused", "document_id", r.documentID)
		return models.GenerateOutput{
			OK:         true,
			DocumentID: r.documentID,
			Paused:     true,
			Cards:      r.snapshotCards(),
			Stats:      &stats,
		}

	case !r.allTerminal():
		// Non-terminal tasks remain, so another pass took over the
		// document after this one settled. That pass emits the
		// terminal event; reporting completion here would announce a
		// finished document with work still in flight.
		stats := r.snapshotStats()
		return models.GenerateOutput{
			OK:         true,
			DocumentID: r.documentID,
			Paused:     true,
			Cards:      r.snapshotCards(),
			Stats:      &stats,
		}

	default:
		if !r.markCompleted() {
			stats := r.snapshotStats()
			return models.GenerateOutput{
				OK:         true,
				DocumentID: r.documentID,
				Cards:      r.snapshotCards(),
				Stats:      &stats,
			}
		}
		stats := r.finalizeStats()
		e.emit(wireCompleted, map[string]any{
			"document_id": r.documentID,
			"stats":       stats,
		})
		e.collector.RecordDocument("completed")
		if r.ckpt != nil {
			if err := r.ckpt.MarkComplete(&stats); err != nil {
				e.logger.Warn("Failed to checkpoint completion", "error", err)
			}
		}
		e.logger.Info("Generation completed",
			"document_id", r.documentID,
			"cards", stats.TotalCards,
			"failed_tasks", stats.FailedTasks,
			"duration", stats.TotalDuration)
		return models.GenerateOutput{
			OK:         true,
			DocumentID: r.documentID,
			Cards:      r.snapshotCards(),
			Stats:      &stats,
		}
	}
}

// processTask generates cards for one segment
func (e *Engine) processTask(ctx context.Context, r *run, task models.TaskInfo) {
	start := time.Now()

	r.updateTask(task.TaskID, registry.Status(models.TaskProcessing))
	e.emitTaskStatus(r.documentID, task, models.TaskProcessing, 0, "")

	maxCardsPerTask := r.input.MaxCardsPerTask
	if maxCardsPerTask <= 0 {
		maxCardsPerTask = e.cfg.Generation.MaxCardsPerSegment
	}

	prompt, err := e.templates.RenderPrompt(r.templateID, deck.PromptData{
		Segment:            r.segments[task.SegmentIndex].Content,
		MaxCards:           maxCardsPerTask,
		CustomRequirements: r.input.Options.CustomRequirements,
	})
	if err != nil {
		e.failTask(r, task, start, err)
		return
	}

	mainModel := e.cfg.Models["main"]
	apiKey := e.secrets.GetAPIKey(mainModel.BaseURL)

	messages := []llm.Message{}
	if e.cfg.PromptTemplates.SystemPrompt != "" {
		messages = append(messages, llm.Message{Role: "system", Content: e.cfg.PromptTemplates.SystemPrompt})
	}
	messages = append(messages, llm.Message{Role: "user", Content: prompt})

	resp, err := e.client.ChatCompletion(ctx, mainModel, apiKey, messages)
	if err != nil {
		e.failTask(r, task, start, err)
		return
	}
	if len(resp.Choices) == 0 {
		e.failTask(r, task, start, fmt.Errorf("model returned empty response"))
		return
	}

	cards, err := llm.ParseCards(resp.Choices[0].Message.Content)
	if err != nil {
		e.failTask(r, task, start, err)
		return
	}

	if len(cards) > maxCardsPerTask {
		cards = cards[:maxCardsPerTask]
	}
	if quota := r.remainingQuota(r.input.MaxCards); quota >= 0 && len(cards) > quota {
		cards = cards[:quota]
	}
	for i := range cards {
		cards[i].ID = uuid.New().String()
		cards[i].TaskID = task.TaskID
		cards[i].TemplateID = r.templateID
	}

	r.updateTask(task.TaskID, registry.Status(models.TaskStreaming))
	e.emitTaskStatus(r.documentID, task, models.TaskStreaming, 0, "")

	for i, card := range cards {
		e.emit(wireCardStreaming, map[string]any{
			"document_id": r.documentID,
			"task_id":     task.TaskID,
			"card":        card,
		})
		progress := (i + 1) * 100 / max(len(cards), 1)
		e.emitTaskStatus(r.documentID, task, models.TaskStreaming, progress, "")
	}

	r.addCards(cards)
	r.recordTaskOutcome(false)
	done := r.updateTask(task.TaskID, registry.Merge(
		registry.Status(models.TaskCompleted),
		registry.Progress(100),
		registry.CardsGenerated(len(cards)),
	))

	e.emit(wireTaskCompleted, map[string]any{
		"document_id": r.documentID,
		"task_id":     task.TaskID,
		"status":      string(models.TaskCompleted),
		"cards":       cards,
	})

	duration := time.Since(start)
	e.collector.RecordTask("completed", duration)
	e.collector.RecordCards(len(models.FilterErrorCards(cards)), len(cards)-len(models.FilterErrorCards(cards)))
	if r.ckpt != nil {
		stats := r.snapshotStats()
		if err := r.ckpt.MarkTaskComplete(done, cards, &stats); err != nil {
			e.logger.Warn("Failed to checkpoint task", "task_id", task.TaskID, "error", err)
		}
	}

	e.logger.Debug("Task completed",
		"task_id", task.TaskID,
		"cards", len(cards),
		"duration_ms", duration.Milliseconds())
}

// failTask records a task failure and emits an error card in place of
// real content so the failure is visible downstream.
func (e *Engine) failTask(r *run, task models.TaskInfo, start time.Time, cause error) {
	e.logger.Error("Task failed", "task_id", task.TaskID, "error", cause)

	errorCard := models.Card{
		ID:           uuid.New().String(),
		TaskID:       task.TaskID,
		TemplateID:   r.templateID,
		Front:        fmt.Sprintf("Generation failed for segment %d", task.SegmentIndex),
		IsErrorCard:  true,
		ErrorContent: cause.Error(),
	}
	errorCard.Normalize()

	r.addCards([]models.Card{errorCard})
	r.recordTaskOutcome(true)
	done := r.updateTask(task.TaskID, registry.Merge(
		registry.Status(models.TaskFailed),
		registry.ErrorMessage(cause.Error()),
	))

	e.emitTaskStatus(r.documentID, task, models.TaskFailed, 0, cause.Error())
	e.emit(wireTaskCompleted, map[string]any{
		"document_id":   r.documentID,
		"task_id":       task.TaskID,
		"status":        string(models.TaskFailed),
		"cards":         []models.Card{errorCard},
		"error_message": cause.Error(),
	})

	e.collector.RecordTask("failed", time.Since(start))
	e.collector.RecordCards(0, 1)
	if r.ckpt != nil {
		stats := r.snapshotStats()
		if err := r.ckpt.MarkTaskComplete(done, []models.Card{errorCard}, &stats); err != nil {
			e.logger.Warn("Failed to checkpoint task", "task_id", task.TaskID, "error", err)
		}
	}
}
