package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/internal/deck"
	"github.com/000haoji/cardforge/internal/events"
	"github.com/000haoji/cardforge/internal/llm"
	"github.com/000haoji/cardforge/internal/metrics"
	"github.com/000haoji/cardforge/internal/store"
	"github.com/000haoji/cardforge/pkg/models"
)

// eventCapture collects normalized actions published on the bus
type eventCapture struct {
	mu      sync.Mutex
	adapter *events.Adapter
	actions []events.Action
}

func newEventCapture(bus *events.Bus, logger *slog.Logger) *eventCapture {
	c := &eventCapture{adapter: events.NewAdapter(logger)}
	bus.Subscribe(func(raw []byte) {
		action := c.adapter.Normalize(raw, "")
		c.mu.Lock()
		c.actions = append(c.actions, action)
		c.mu.Unlock()
	})
	return c
}

func (c *eventCapture) kinds() []events.ActionKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.ActionKind, len(c.actions))
	for i, a := range c.actions {
		out[i] = a.Kind
	}
	return out
}

func (c *eventCapture) firstDocumentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range c.actions {
		if a.Kind == events.DocumentStarted {
			return a.DocumentID
		}
	}
	return ""
}

func (c *eventCapture) count(kind events.ActionKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.actions {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func testEngine(t *testing.T, serverURL string) (*Engine, *eventCapture) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	cfg.Generation.EnableCheckpointing = false
	cfg.Generation.Concurrency = 2
	cfg.Generation.MaxSegmentChars = 4000
	cfg.Models["main"] = config.ModelConfig{
		BaseURL:    serverURL,
		ModelName:  "test-model",
		MaxRetries: 1,
	}

	collector := metrics.NewCollector(logger)
	bus := events.NewBus()
	capture := newEventCapture(bus, logger)
	engine := NewEngine(
		cfg,
		&config.Secrets{APIKeys: map[string]string{}},
		llm.NewClient(logger, collector),
		deck.NewRegistry(cfg.PromptTemplates),
		bus,
		nil,
		store.NewStore(cfg.Store, logger),
		collector,
		logger,
	)
	return engine, capture
}

func cardServer(t *testing.T, cards string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"id":     "resp-1",
			"object": "chat.completion",
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": cards}, "finish_reason": "stop"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("encode response: %v", err)
		}
	}))
}

func TestGenerate_HappyPath(t *testing.T) {
	server := cardServer(t, `[{"front": "Q1", "back": "A1"}, {"front": "Q2", "back": "A2"}]`)
	defer server.Close()

	engine, capture := testEngine(t, server.URL)

	out, err := engine.Generate(context.Background(), models.GenerateInput{
		Content: "# Topic One\nsome material\n# Topic Two\nmore material",
	})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if !out.OK {
		t.Fatalf("Expected ok, got error %q", out.Error)
	}
	if out.DocumentID == "" {
		t.Error("Expected document id")
	}
	if out.Paused {
		t.Error("Unexpected paused flag")
	}

	// Two segments, two cards each
	if len(out.Cards) != 4 {
		t.Errorf("Expected 4 cards, got %d", len(out.Cards))
	}
	for _, card := range out.Cards {
		if card.IsErrorCard {
			t.Errorf("Unexpected error card: %+v", card)
		}
		if card.TaskID == "" || card.ID == "" {
			t.Errorf("Card missing identity: %+v", card)
		}
	}
	if out.Stats == nil || out.Stats.CompletedTasks != 2 || out.Stats.TotalCards != 4 {
		t.Errorf("Unexpected stats: %+v", out.Stats)
	}

	if capture.count(events.DocumentStarted) != 1 {
		t.Errorf("Expected one document-started event")
	}
	if capture.count(events.CardAdded) != 4 {
		t.Errorf("Expected 4 card events, got %d", capture.count(events.CardAdded))
	}
	if capture.count(events.TaskCompleted) != 2 {
		t.Errorf("Expected 2 task-completed events, got %d", capture.count(events.TaskCompleted))
	}
	if capture.count(events.GenerationCompleted) != 1 {
		t.Errorf("Expected one generation-completed event, kinds: %v", capture.kinds())
	}
	if capture.count(events.Unknown) != 0 {
		t.Errorf("Emitted events the adapter cannot normalize: %v", capture.kinds())
	}
}

func TestGenerate_EmptyContent(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	out, err := engine.Generate(context.Background(), models.GenerateInput{Content: "   "})
	if err != nil {
		t.Fatalf("Generate errored: %v", err)
	}
	if out.OK {
		t.Fatal("Expected ok=false for empty content")
	}
	if out.Error != "content is required" {
		t.Errorf("Unexpected message: %q", out.Error)
	}
}

func TestGenerate_UnknownTemplate(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	out, err := engine.Generate(context.Background(), models.GenerateInput{
		Content:     "material",
		TemplateIDs: []string{"nonexistent"},
	})
	if err != nil {
		t.Fatalf("Generate errored: %v", err)
	}
	if out.OK {
		t.Fatal("Expected ok=false for unknown template")
	}
}

func TestGenerate_FailedTaskProducesErrorCard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error": {"message": "bad key", "type": "auth"}}`)
	}))
	defer server.Close()

	engine, capture := testEngine(t, server.URL)

	out, err := engine.Generate(context.Background(), models.GenerateInput{Content: "material"})
	if err != nil {
		t.Fatalf("Generate errored: %v", err)
	}
	if !out.OK {
		t.Fatalf("Run-level failure for task error: %q", out.Error)
	}

	if len(out.Cards) != 1 || !out.Cards[0].IsErrorCard {
		t.Fatalf("Expected one error card, got %+v", out.Cards)
	}
	if out.Stats.FailedTasks != 1 {
		t.Errorf("Expected 1 failed task, got %d", out.Stats.FailedTasks)
	}

	// Failed tasks still complete the run
	if capture.count(events.GenerationCompleted) != 1 {
		t.Errorf("Expected generation-completed, kinds: %v", capture.kinds())
	}
}

func TestGenerate_MaxCardsCap(t *testing.T) {
	server := cardServer(t, `[{"front": "Q1", "back": "A1"}, {"front": "Q2", "back": "A2"}, {"front": "Q3", "back": "A3"}]`)
	defer server.Close()

	engine, _ := testEngine(t, server.URL)

	out, err := engine.Generate(context.Background(), models.GenerateInput{
		Content:         "material",
		MaxCardsPerTask: 2,
	})
	if err != nil {
		t.Fatalf("Generate errored: %v", err)
	}
	if len(out.Cards) != 2 {
		t.Errorf("Expected cap at 2 cards, got %d", len(out.Cards))
	}
}

func TestControl_RequiresDocumentID(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	result, err := engine.Control(context.Background(), models.ControlPause, "", "")
	if err != nil {
		t.Fatalf("Control errored: %v", err)
	}
	if result.OK {
		t.Fatal("Expected ok=false without document id")
	}
	if result.Message != "documentId is required" {
		t.Errorf("Unexpected message: %q", result.Message)
	}
}

func TestControl_UnknownDocument(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	result, err := engine.Control(context.Background(), models.ControlCancel, "ghost", "")
	if err != nil {
		t.Fatalf("Control errored: %v", err)
	}
	if result.OK {
		t.Fatal("Expected ok=false for unknown document")
	}
}

func TestControl_RetryAfterFailure(t *testing.T) {
	var failing = true
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		fail := failing
		mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusUnauthorized)
			fmt.Fprint(w, `{"error": {"message": "bad key", "type": "auth"}}`)
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": `[{"front": "Q", "back": "A"}]`}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	engine, _ := testEngine(t, server.URL)

	out, err := engine.Generate(context.Background(), models.GenerateInput{Content: "material"})
	if err != nil || !out.OK {
		t.Fatalf("Generate failed: %v %q", err, out.Error)
	}
	if out.Stats.FailedTasks != 1 {
		t.Fatalf("Expected a failed task, got %+v", out.Stats)
	}

	mu.Lock()
	failing = false
	mu.Unlock()

	result, err := engine.Control(context.Background(), models.ControlRetry, out.DocumentID, "")
	if err != nil {
		t.Fatalf("Control errored: %v", err)
	}
	if !result.OK {
		t.Fatalf("Retry rejected: %q", result.Message)
	}
	// The retried task was flipped back to pending in the ack snapshot
	found := false
	for _, task := range result.Tasks {
		if task.Status == models.TaskPending {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected a pending task in retry ack: %+v", result.Tasks)
	}
}

func TestControl_ResumeRequiresPaused(t *testing.T) {
	server := cardServer(t, `[{"front": "Q", "back": "A"}]`)
	defer server.Close()

	engine, _ := testEngine(t, server.URL)
	out, err := engine.Generate(context.Background(), models.GenerateInput{Content: "material"})
	if err != nil || !out.OK {
		t.Fatalf("Generate failed: %v %q", err, out.Error)
	}

	result, err := engine.Control(context.Background(), models.ControlResume, out.DocumentID, "")
	if err != nil {
		t.Fatalf("Control errored: %v", err)
	}
	if result.OK {
		t.Error("Resume of a non-paused document must be rejected")
	}
}

func TestAnalyzeContent(t *testing.T) {
	server := cardServer(t, `{"suggested_cards": 12, "topics": ["biology"], "recommended_templates": ["basic"], "summary": "cell structure notes"}`)
	defer server.Close()

	engine, _ := testEngine(t, server.URL)

	result, err := engine.AnalyzeContent(context.Background(), "the cell is the basic unit of life")
	if err != nil {
		t.Fatalf("AnalyzeContent failed: %v", err)
	}
	if result.SuggestedCards != 12 {
		t.Errorf("Expected 12 suggested cards, got %d", result.SuggestedCards)
	}
	if len(result.Topics) != 1 || result.Topics[0] != "biology" {
		t.Errorf("Unexpected topics: %v", result.Topics)
	}
}

func TestAnalyzeContent_EmptyInput(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")
	if _, err := engine.AnalyzeContent(context.Background(), "  "); err == nil {
		t.Fatal("Expected error for empty content")
	}
}

func TestListTemplates(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	templates, err := engine.ListTemplates(context.Background())
	if err != nil {
		t.Fatalf("ListTemplates failed: %v", err)
	}
	if len(templates) != 3 {
		t.Errorf("Expected 3 templates, got %d", len(templates))
	}
}

func TestResolveReferences(t *testing.T) {
	engine, _ := testEngine(t, "http://unused")

	created, err := engine.resources.CreateOrReuse(
		[]byte("Mitochondria are the powerhouse of the cell."),
		store.ResourceFile, "biology-notes", "note-1", nil)
	if err != nil {
		t.Fatalf("CreateOrReuse failed: %v", err)
	}

	block := engine.resolveReferences([]models.ContextRef{
		{ResourceID: created.ResourceID, Hash: created.Hash, DisplayName: "biology-notes"},
	})
	if !strings.Contains(block, "biology-notes") {
		t.Errorf("Reference name missing from block: %q", block)
	}
	if !strings.Contains(block, "powerhouse of the cell") {
		t.Errorf("Reference content missing from block: %q", block)
	}

	// Stale hash falls back to the latest version
	if _, err := engine.resources.AddVersion(created.ResourceID, []byte("Updated notes.")); err != nil {
		t.Fatalf("AddVersion failed: %v", err)
	}
	block = engine.resolveReferences([]models.ContextRef{
		{ResourceID: created.ResourceID, Hash: created.Hash},
	})
	if !strings.Contains(block, "Updated notes.") {
		t.Errorf("Stale reference did not fall back to latest version: %q", block)
	}

	// Unknown references are skipped, not fatal
	if block := engine.resolveReferences([]models.ContextRef{{ResourceID: "missing"}}); block != "" {
		t.Errorf("Expected empty block for unknown reference, got %q", block)
	}
}

func TestControl_CancelMarksOutput(t *testing.T) {
	inFlight := make(chan struct{}, 4)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inFlight <- struct{}{}
		// Drain the body so the server can observe the client
		// disconnect; an unread HTTP/1 body blocks that detection
		io.Copy(io.Discard, r.Body)
		// Hold the request open until the cancelled run context
		// aborts it
		<-r.Context().Done()
	}))
	defer server.Close()

	engine, capture := testEngine(t, server.URL)

	done := make(chan models.GenerateOutput, 1)
	go func() {
		out, err := engine.Generate(context.Background(), models.GenerateInput{Content: "material"})
		if err != nil {
			t.Errorf("Generate errored: %v", err)
		}
		done <- out
	}()

	<-inFlight
	docID := capture.firstDocumentID()
	if docID == "" {
		t.Fatal("Expected document-started event before worker request")
	}

	result, err := engine.Control(context.Background(), models.ControlCancel, docID, "")
	if err != nil || !result.OK {
		t.Fatalf("Cancel failed: %v %q", err, result.Message)
	}

	out := <-done
	if !out.OK {
		t.Fatalf("Expected ok output, got error %q", out.Error)
	}
	if !out.Cancelled {
		t.Error("Expected cancelled flag on output")
	}
	if out.Paused {
		t.Error("Cancelled run must not report paused")
	}
	if capture.count(events.GenerationCancelled) != 1 {
		t.Errorf("Expected one generation-cancelled event, kinds: %v", capture.kinds())
	}
	if capture.count(events.GenerationCompleted) != 0 {
		t.Errorf("Cancelled run emitted generation-completed: %v", capture.kinds())
	}
}

func TestControl_ResumeWhilePauseDrains(t *testing.T) {
	var mu sync.Mutex
	requests := 0
	firstInFlight := make(chan struct{})
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		requests++
		first := requests == 1
		mu.Unlock()
		if first {
			close(firstInFlight)
			<-release
		}
		resp := map[string]any{
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": `[{"front": "Q", "back": "A"}]`}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	engine, capture := testEngine(t, server.URL)
	engine.cfg.Generation.Concurrency = 1

	done := make(chan models.GenerateOutput, 1)
	go func() {
		out, err := engine.Generate(context.Background(), models.GenerateInput{
			Content: "# Topic One\nsome material\n# Topic Two\nmore material",
		})
		if err != nil {
			t.Errorf("Generate errored: %v", err)
		}
		done <- out
	}()

	<-firstInFlight
	docID := capture.firstDocumentID()
	if docID == "" {
		t.Fatal("Expected document-started event before worker request")
	}

	// Pause while the first task is in flight, then resume before the
	// drain finishes. The second task must be picked up by exactly one
	// pass, and the document must complete exactly once.
	if result, err := engine.Control(context.Background(), models.ControlPause, docID, ""); err != nil || !result.OK {
		t.Fatalf("Pause failed: %v %q", err, result.Message)
	}
	if result, err := engine.Control(context.Background(), models.ControlResume, docID, ""); err != nil || !result.OK {
		t.Fatalf("Resume failed: %v %q", err, result.Message)
	}
	close(release)

	out := <-done
	if !out.OK {
		t.Fatalf("Expected ok output, got error %q", out.Error)
	}
	if len(out.Cards) != 2 {
		t.Errorf("Expected 2 cards, got %d", len(out.Cards))
	}
	if out.Stats == nil || out.Stats.CompletedTasks != 2 {
		t.Errorf("Unexpected stats: %+v", out.Stats)
	}
	if n := capture.count(events.GenerationCompleted); n != 1 {
		t.Errorf("Expected exactly one generation-completed event, got %d: %v", n, capture.kinds())
	}
	mu.Lock()
	total := requests
	mu.Unlock()
	if total != 2 {
		t.Errorf("Expected each task processed once, saw %d requests", total)
	}
}
