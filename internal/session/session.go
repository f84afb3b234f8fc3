// Package session provides the caller-facing facade over the
// generation backend. The Controller owns the aggregate phase machine
// for one document run, applies pushed events to local state, and
// exposes the pause/resume/cancel/retry control surface.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/000haoji/cardforge/internal/events"
	"github.com/000haoji/cardforge/internal/registry"
	"github.com/000haoji/cardforge/pkg/models"
)

// ErrGenerationInFlight is returned by Generate when a run is already
// active on this controller. A second call would otherwise reset state
// out from under the first.
var ErrGenerationInFlight = errors.New("a generation run is already in flight")

// GenerationBackend is the data-plane contract the controller drives
type GenerationBackend interface {
	Generate(ctx context.Context, input models.GenerateInput) (models.GenerateOutput, error)
	ExportCards(ctx context.Context, input models.ExportInput) (models.ExportOutput, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)
	AnalyzeContent(ctx context.Context, content string) (*models.AnalysisResult, error)
}

// TaskControlBackend is the control-plane contract for a running document
type TaskControlBackend interface {
	Control(ctx context.Context, action models.ControlAction, documentID, taskID string) (models.ControlResult, error)
}

// Callbacks are caller-supplied observers. All fields are optional.
// They are invoked synchronously in event-delivery order.
type Callbacks struct {
	OnCard     func(card models.Card)
	OnProgress func(progress int, tasks []models.TaskInfo)
	OnComplete func(cards []models.Card, stats *models.GenerationStats)
	OnError    func(message string)
}

// Snapshot is a point-in-time copy of the session state
type Snapshot struct {
	DocumentID string
	Phase      models.Phase
	Progress   int
	Tasks      []models.TaskInfo
	Cards      []models.Card
	Stats      *models.GenerationStats
	Err        string
}

// Controller combines backend calls with local session state. One
// controller instance owns one document run at a time; it is safe for
// concurrent use.
type Controller struct {
	backend GenerationBackend
	control TaskControlBackend
	adapter *events.Adapter
	logger  *slog.Logger

	mu         sync.Mutex
	documentID string
	phase      models.Phase
	progress   int
	tasks      []models.TaskInfo
	cards      []models.Card
	stats      *models.GenerationStats
	errMsg     string
	inFlight   bool

	callbacks Callbacks
	sub       *events.Subscription
}

// NewController creates a controller wired to the given backends.
// Call Subscribe to attach it to an event bus.
func NewController(backend GenerationBackend, control TaskControlBackend, logger *slog.Logger) *Controller {
	return &Controller{
		backend: backend,
		control: control,
		adapter: events.NewAdapter(logger),
		logger:  logger,
		phase:   models.PhaseIdle,
	}
}

// Subscribe attaches the controller to an event bus. Calling it again
// rebinds the existing subscription instead of stacking a second one,
// so callers can refresh callbacks without unsubscribe churn.
func (c *Controller) Subscribe(bus *events.Bus, callbacks Callbacks) {
	c.mu.Lock()
	c.callbacks = callbacks
	sub := c.sub
	c.mu.Unlock()

	if sub != nil {
		sub.Rebind(c.handleRaw)
		return
	}

	sub = bus.Subscribe(c.handleRaw)
	c.mu.Lock()
	c.sub = sub
	c.mu.Unlock()
}

// Unsubscribe detaches the controller from the event bus
func (c *Controller) Unsubscribe() {
	c.mu.Lock()
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Generate runs one document through the backend. Local state resets
// to segmenting before the call; the final phase reflects the backend
// outcome. A second call while one is active returns
// ErrGenerationInFlight rather than resetting the live run.
func (c *Controller) Generate(ctx context.Context, input models.GenerateInput) (models.GenerateOutput, error) {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return models.GenerateOutput{}, ErrGenerationInFlight
	}
	c.inFlight = true
	c.resetLocked()
	c.phase = models.PhaseSegmenting
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inFlight = false
		c.mu.Unlock()
	}()

	out, err := c.backend.Generate(ctx, input)
	if err != nil {
		c.fail(err.Error())
		return out, err
	}
	if !out.OK {
		c.fail(out.Error)
		return out, nil
	}

	c.mu.Lock()
	if c.documentID == "" {
		c.documentID = out.DocumentID
	}
	if out.Paused {
		// Progress stays at whatever events last reported
		c.phase = models.PhasePaused
		c.mu.Unlock()
		return out, nil
	}
	if out.Cancelled {
		// A cancelled run is not a completion. Partial cards are kept
		// but the session drops back to idle and OnComplete stays quiet.
		c.phase = models.PhaseIdle
		if len(out.Cards) > 0 {
			c.cards = append([]models.Card(nil), out.Cards...)
		}
		c.stats = out.Stats
		c.mu.Unlock()
		return out, nil
	}

	c.phase = models.PhaseCompleted
	c.progress = 100
	if len(out.Cards) > 0 {
		c.cards = append([]models.Card(nil), out.Cards...)
	}
	c.stats = out.Stats
	cb := c.callbacks.OnComplete
	cards := append([]models.Card(nil), c.cards...)
	stats := c.stats
	c.mu.Unlock()

	if cb != nil {
		cb(cards, stats)
	}
	return out, nil
}

// Pause suspends in-flight generation for the current document
func (c *Controller) Pause(ctx context.Context) (models.ControlResult, error) {
	return c.controlAction(ctx, models.ControlPause, "", models.PhasePaused)
}

// Resume continues a paused run
func (c *Controller) Resume(ctx context.Context) (models.ControlResult, error) {
	return c.controlAction(ctx, models.ControlResume, "", models.PhaseGenerating)
}

// Cancel aborts the current run and resets the phase to idle
func (c *Controller) Cancel(ctx context.Context) (models.ControlResult, error) {
	return c.controlAction(ctx, models.ControlCancel, "", models.PhaseIdle)
}

// RetryFailed re-queues every failed task for the current document
func (c *Controller) RetryFailed(ctx context.Context) (models.ControlResult, error) {
	return c.controlAction(ctx, models.ControlRetry, "", models.PhaseGenerating)
}

// RetryTask re-queues one failed task
func (c *Controller) RetryTask(ctx context.Context, taskID string) (models.ControlResult, error) {
	return c.controlAction(ctx, models.ControlRetry, taskID, models.PhaseGenerating)
}

// controlAction guards the shared precondition and applies the
// acknowledged phase plus the backend's task list on success.
func (c *Controller) controlAction(ctx context.Context, action models.ControlAction, taskID string, onSuccess models.Phase) (models.ControlResult, error) {
	c.mu.Lock()
	documentID := c.documentID
	c.mu.Unlock()

	if documentID == "" {
		return models.ControlResult{OK: false, Message: "documentId is required"}, nil
	}

	result, err := c.control.Control(ctx, action, documentID, taskID)
	if err != nil {
		c.fail(err.Error())
		return result, err
	}
	if !result.OK {
		return result, nil
	}

	c.mu.Lock()
	c.phase = onSuccess
	if action == models.ControlCancel {
		c.errMsg = ""
	}
	if result.Tasks != nil {
		// The backend is the source of truth for task status after a
		// control action.
		c.tasks = append([]models.TaskInfo(nil), result.Tasks...)
		c.progress = registry.OverallProgress(c.tasks)
	}
	c.mu.Unlock()
	return result, nil
}

// ExportCards exports the session's current cards
func (c *Controller) ExportCards(ctx context.Context, format models.ExportFormat, deckName, noteType string) (models.ExportOutput, error) {
	c.mu.Lock()
	cards := append([]models.Card(nil), c.cards...)
	c.mu.Unlock()

	return c.backend.ExportCards(ctx, models.ExportInput{
		Cards:    cards,
		Format:   format,
		DeckName: deckName,
		NoteType: noteType,
	})
}

// ListTemplates returns the card templates available for generation
func (c *Controller) ListTemplates(ctx context.Context) ([]models.Template, error) {
	return c.backend.ListTemplates(ctx)
}

// AnalyzeContent asks the backend for generation suggestions
func (c *Controller) AnalyzeContent(ctx context.Context, content string) (*models.AnalysisResult, error) {
	return c.backend.AnalyzeContent(ctx, content)
}

// UpdateCard applies local edits to one card by id. Returns false when
// the card is unknown. No backend call is made.
func (c *Controller) UpdateCard(id string, update func(card *models.Card)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.cards {
		if c.cards[i].ID == id {
			update(&c.cards[i])
			return true
		}
	}
	return false
}

// RemoveCard drops one card by id, returning false when it is unknown
func (c *Controller) RemoveCard(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.cards {
		if c.cards[i].ID == id {
			c.cards = append(c.cards[:i], c.cards[i+1:]...)
			return true
		}
	}
	return false
}

// AddCard appends a caller-authored card to the session
func (c *Controller) AddCard(card models.Card) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cards = append(c.cards, card)
}

// Reset wipes all session state back to idle
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

func (c *Controller) resetLocked() {
	c.documentID = ""
	c.phase = models.PhaseIdle
	c.progress = 0
	c.tasks = nil
	c.cards = nil
	c.stats = nil
	c.errMsg = ""
}

// State returns a copy of the current session state
func (c *Controller) State() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		DocumentID: c.documentID,
		Phase:      c.phase,
		Progress:   c.progress,
		Tasks:      append([]models.TaskInfo(nil), c.tasks...),
		Cards:      append([]models.Card(nil), c.cards...),
		Stats:      c.stats,
		Err:        c.errMsg,
	}
}

// fail moves the session to the error phase with a message
func (c *Controller) fail(message string) {
	if message == "" {
		message = "unknown error"
	}
	c.mu.Lock()
	c.phase = models.PhaseError
	c.errMsg = message
	cb := c.callbacks.OnError
	c.mu.Unlock()

	if cb != nil {
		cb(message)
	}
	c.logger.Error("Generation session failed", "error", message)
}

// handleRaw is the bus handler: normalize, then apply
func (c *Controller) handleRaw(raw []byte) {
	c.mu.Lock()
	documentID := c.documentID
	c.mu.Unlock()

	c.Apply(c.adapter.Normalize(raw, documentID))
}

// Apply folds one normalized action into the session state. Events for
// other documents are ignored once a document id is set.
func (c *Controller) Apply(action events.Action) {
	c.mu.Lock()

	if c.documentID != "" && action.DocumentID != "" && action.DocumentID != c.documentID {
		c.mu.Unlock()
		return
	}

	var (
		onCard     func(models.Card)
		card       models.Card
		onProgress func(int, []models.TaskInfo)
		onComplete func([]models.Card, *models.GenerationStats)
		onError    func(string)
		errMessage string
	)

	switch action.Kind {
	case events.DocumentStarted:
		c.documentID = action.DocumentID
		c.phase = models.PhaseGenerating
		c.tasks = append([]models.TaskInfo(nil), action.Tasks...)
		c.progress = 0

	case events.TaskUpdated:
		c.applyTaskUpdate(action)
		c.progress = registry.OverallProgress(c.tasks)
		onProgress = c.callbacks.OnProgress

	case events.CardAdded:
		if action.Card != nil {
			c.tasks = registry.AddCardToTask(c.tasks, action.TaskID, *action.Card)
			if !c.hasCard(*action.Card) {
				c.cards = append(c.cards, *action.Card)
				onCard = c.callbacks.OnCard
				card = *action.Card
			}
		}

	case events.TaskCompleted:
		c.applyTaskUpdate(action)
		for _, tc := range action.Cards {
			c.tasks = registry.AddCardToTask(c.tasks, action.TaskID, tc)
			if !c.hasCard(tc) {
				c.cards = append(c.cards, tc)
			}
		}
		c.progress = registry.OverallProgress(c.tasks)
		onProgress = c.callbacks.OnProgress

	case events.GenerationCompleted:
		c.phase = models.PhaseCompleted
		c.progress = 100
		c.stats = action.Stats
		onComplete = c.callbacks.OnComplete

	case events.GenerationPaused:
		c.phase = models.PhasePaused

	case events.GenerationCancelled:
		c.phase = models.PhaseIdle

	case events.GenerationError:
		c.phase = models.PhaseError
		c.errMsg = action.Message
		onError = c.callbacks.OnError
		errMessage = action.Message

	case events.Unknown:
		c.logger.Warn("Dropped unrecognized event", "payload", string(action.Raw))
	}

	progress := c.progress
	tasks := append([]models.TaskInfo(nil), c.tasks...)
	cards := append([]models.Card(nil), c.cards...)
	stats := c.stats
	c.mu.Unlock()

	if onCard != nil {
		onCard(card)
	}
	if onProgress != nil {
		onProgress(progress, tasks)
	}
	if onComplete != nil {
		onComplete(cards, stats)
	}
	if onError != nil {
		onError(errMessage)
	}
}

// applyTaskUpdate merges a status action into the task list. Tasks are
// matched by id, falling back to segment index for events that omit it.
func (c *Controller) applyTaskUpdate(action events.Action) {
	update := registry.TaskUpdate{}
	if action.Status != "" {
		update = registry.Merge(update, registry.Status(action.Status))
	}
	if action.Kind == events.TaskCompleted || action.Status == models.TaskCompleted {
		update = registry.Merge(update, registry.Progress(100))
	} else if action.Progress > 0 {
		update = registry.Merge(update, registry.Progress(action.Progress))
	}
	if action.ErrorMessage != "" {
		update = registry.Merge(update, registry.ErrorMessage(action.ErrorMessage))
	}

	if action.TaskID != "" {
		c.tasks = registry.UpdateTask(c.tasks, action.TaskID, update)
		return
	}
	if action.SegmentIndex >= 0 {
		c.tasks = registry.UpdateTaskBySegmentIndex(c.tasks, action.SegmentIndex, update)
	}
}

func (c *Controller) hasCard(card models.Card) bool {
	for _, existing := range c.cards {
		if existing.ID != "" && existing.ID == card.ID {
			return true
		}
		if existing.Front == card.Front && existing.Back == card.Back && existing.TaskID == card.TaskID {
			return true
		}
	}
	return false
}
