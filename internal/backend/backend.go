// Package backend implements the in-process generation engine. It
// turns a document into segments, fans segment tasks out over a
// bounded worker pool, calls the configured LLM per segment, and
// reports everything as wire events on the bus. Control operations
// (pause, resume, cancel, retry) act on the per-document run state.
package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/000haoji/cardforge/internal/checkpoint"
	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/internal/deck"
	"github.com/000haoji/cardforge/internal/events"
	"github.com/000haoji/cardforge/internal/llm"
	"github.com/000haoji/cardforge/internal/metrics"
	"github.com/000haoji/cardforge/internal/segment"
	"github.com/000haoji/cardforge/internal/store"
	"github.com/000haoji/cardforge/pkg/models"
)

// Exporter writes cards to an external format
type Exporter interface {
	Export(ctx context.Context, input models.ExportInput) (models.ExportOutput, error)
}

// Engine is the local generation backend
type Engine struct {
	cfg       *config.Config
	secrets   *config.Secrets
	client    *llm.Client
	templates *deck.Registry
	bus       *events.Bus
	exporter  Exporter
	resources *store.Store
	collector *metrics.Collector
	logger    *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// NewEngine creates the generation engine
func NewEngine(
	cfg *config.Config,
	secrets *config.Secrets,
	client *llm.Client,
	templates *deck.Registry,
	bus *events.Bus,
	exporter Exporter,
	resources *store.Store,
	collector *metrics.Collector,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		secrets:   secrets,
		client:    client,
		templates: templates,
		bus:       bus,
		exporter:  exporter,
		resources: resources,
		collector: collector,
		logger:    logger,
		runs:      make(map[string]*run),
	}
}

// Generate runs card generation for one document. It returns when the
// run completes, pauses, or is cancelled; a paused run can be resumed
// through Control and finishes via events.
func (e *Engine) Generate(ctx context.Context, input models.GenerateInput) (models.GenerateOutput, error) {
	if strings.TrimSpace(input.Content) == "" {
		return models.GenerateOutput{OK: false, Error: "content is required"}, nil
	}

	templateID := e.cfg.Generation.DefaultTemplate
	if len(input.TemplateIDs) > 0 {
		templateID = input.TemplateIDs[0]
	}
	if _, err := e.templates.Get(templateID); err != nil {
		return models.GenerateOutput{OK: false, Error: err.Error()}, nil
	}

	if refs := e.resolveReferences(input.References); refs != "" {
		if input.Options.CustomRequirements != "" {
			input.Options.CustomRequirements += "\n\n"
		}
		input.Options.CustomRequirements += refs
	}

	segments := segment.Split(input.Content, e.cfg.Generation.MaxSegmentChars)
	if len(segments) == 0 {
		return models.GenerateOutput{OK: false, Error: "content produced no segments"}, nil
	}

	documentID := "doc_" + uuid.New().String()[:8]
	ckpt, err := e.newCheckpoint(documentID)
	if err != nil {
		return models.GenerateOutput{OK: false, Error: err.Error()}, nil
	}

	r := newRun(documentID, templateID, input, segments, ckpt)
	e.register(r)

	e.logger.Info("Starting document generation",
		"document_id", documentID,
		"segments", len(segments),
		"template", templateID)

	e.emit(wireDocumentStarted, map[string]any{
		"document_id":    documentID,
		"total_segments": len(segments),
		"template_id":    templateID,
	})

	segmentTexts := make([]string, len(segments))
	for i, seg := range segments {
		segmentTexts[i] = seg.Content
	}
	if ckpt != nil {
		if err := ckpt.MarkSegmented(documentID, segmentTexts, r.snapshotTasks()); err != nil {
			e.logger.Warn("Failed to checkpoint segmentation", "error", err)
		}
	}

	return e.runPass(ctx, r), nil
}

// ResumeFromCheckpoint restores a run from a saved checkpoint and
// processes its pending segments.
func (e *Engine) ResumeFromCheckpoint(ctx context.Context, cp *models.Checkpoint, sessionDir string) (models.GenerateOutput, error) {
	if err := checkpoint.ValidateCheckpoint(cp, e.cfg); err != nil {
		return models.GenerateOutput{OK: false, Error: err.Error()}, nil
	}

	segments := make([]segment.Segment, len(cp.Segments))
	for i, text := range cp.Segments {
		segments[i] = segment.Segment{Index: i, Content: text}
	}

	templateID := e.cfg.Generation.DefaultTemplate
	if len(cp.Tasks) > 0 && cp.Tasks[0].TemplateID != "" {
		templateID = cp.Tasks[0].TemplateID
	}

	ckpt := checkpoint.NewManagerFromCheckpoint(sessionDir, cp, e.cfg, e.logger)
	r := newRun(cp.DocumentID, templateID, models.GenerateInput{}, segments, ckpt)
	r.restore(cp)
	e.register(r)

	e.logger.Info("Resuming document generation",
		"document_id", cp.DocumentID,
		"pending_segments", len(checkpoint.GetPendingSegments(cp)))

	e.emit(wireDocumentStarted, map[string]any{
		"document_id":    cp.DocumentID,
		"total_segments": len(segments),
		"template_id":    templateID,
	})

	return e.runPass(ctx, r), nil
}

// Control applies a control action to a running document
func (e *Engine) Control(ctx context.Context, action models.ControlAction, documentID, taskID string) (models.ControlResult, error) {
	if documentID == "" {
		return models.ControlResult{OK: false, Message: "documentId is required"}, nil
	}

	r := e.lookup(documentID)
	if r == nil {
		return models.ControlResult{OK: false, Message: fmt.Sprintf("unknown document %q", documentID)}, nil
	}

	switch action {
	case models.ControlPause:
		r.setPaused(true)
		e.logger.Info("Pause requested", "document_id", documentID)
		return models.ControlResult{OK: true, Message: "pausing", Tasks: r.snapshotTasks()}, nil

	case models.ControlResume:
		if !r.isPaused() {
			return models.ControlResult{OK: false, Message: "document is not paused"}, nil
		}
		r.setPaused(false)
		e.logger.Info("Resuming generation", "document_id", documentID)
		go e.runPass(context.WithoutCancel(ctx), r)
		return models.ControlResult{OK: true, Message: "resuming", Tasks: r.snapshotTasks()}, nil

	case models.ControlCancel:
		r.requestCancel()
		e.logger.Info("Cancel requested", "document_id", documentID)
		return models.ControlResult{OK: true, Message: "cancelling", Tasks: r.snapshotTasks()}, nil

	case models.ControlRetry:
		reset := r.resetForRetry(taskID)
		if reset == 0 {
			return models.ControlResult{OK: false, Message: "no failed tasks to retry"}, nil
		}
		e.logger.Info("Retrying tasks", "document_id", documentID, "count", reset)
		go e.runPass(context.WithoutCancel(ctx), r)
		return models.ControlResult{OK: true, Message: fmt.Sprintf("retrying %d task(s)", reset), Tasks: r.snapshotTasks()}, nil

	default:
		return models.ControlResult{OK: false, Message: fmt.Sprintf("unknown action %q", action)}, nil
	}
}

// ExportCards delegates to the configured exporter
func (e *Engine) ExportCards(ctx context.Context, input models.ExportInput) (models.ExportOutput, error) {
	if e.exporter == nil {
		return models.ExportOutput{OK: false, Error: "no exporter configured"}, nil
	}
	return e.exporter.Export(ctx, input)
}

// ListTemplates returns the registered card templates
func (e *Engine) ListTemplates(ctx context.Context) ([]models.Template, error) {
	return e.templates.List(), nil
}

// AnalyzeContent runs the pre-generation analysis pass. The analyzer
// model is used when enabled, falling back to the main model.
func (e *Engine) AnalyzeContent(ctx context.Context, content string) (*models.AnalysisResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	modelCfg, ok := e.cfg.Models["analyzer"]
	if !ok || !modelCfg.Enabled {
		modelCfg = e.cfg.Models["main"]
	}

	promptTemplate := e.cfg.PromptTemplates.ContentAnalysis
	if promptTemplate == "" {
		promptTemplate = config.DefaultAnalysisTemplate()
	}
	prompt, err := renderAnalysisPrompt(promptTemplate, content)
	if err != nil {
		return nil, err
	}

	apiKey := e.secrets.GetAPIKey(modelCfg.BaseURL)
	resp, err := e.client.ChatCompletion(ctx, modelCfg, apiKey, []llm.Message{
		{Role: "user", Content: prompt},
	})
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("analysis returned empty response")
	}

	result, err := llm.ParseAnalysis(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w", err)
	}
	return result, nil
}

// resolveReferences turns context references into a prompt block of
// the referenced content. Stale references fall back to the latest
// stored version; unresolvable references are skipped.
func (e *Engine) resolveReferences(refs []models.ContextRef) string {
	if e.resources == nil || len(refs) == 0 {
		return ""
	}

	var b strings.Builder
	for _, ref := range refs {
		res, stale, err := e.resources.Resolve(ref)
		if err != nil {
			e.logger.Warn("Skipping unresolvable reference",
				"resource_id", ref.ResourceID, "error", err)
			continue
		}
		if stale {
			e.logger.Warn("Reference content superseded, using latest version",
				"resource_id", ref.ResourceID, "display_name", ref.DisplayName)
		}
		if res.Type == store.ResourceImage {
			// Image payloads are not injectable as prompt text
			continue
		}
		if b.Len() == 0 {
			b.WriteString("Reference material:\n")
		}
		name := res.DisplayName
		if name == "" {
			name = res.ResourceID
		}
		fmt.Fprintf(&b, "--- %s ---\n%s\n", name, string(res.Data))
	}
	return b.String()
}

func (e *Engine) register(r *run) {
	e.mu.Lock()
	e.runs[r.documentID] = r
	e.mu.Unlock()
}

func (e *Engine) lookup(documentID string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[documentID]
}

func (e *Engine) newCheckpoint(documentID string) (*checkpoint.Manager, error) {
	if !e.cfg.Generation.EnableCheckpointing {
		return nil, nil
	}
	sessionDir := filepath.Join(e.cfg.Export.OutputDir, documentID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}
	return checkpoint.NewManager(sessionDir, e.cfg, e.logger), nil
}

func newStats() models.GenerationStats {
	return models.GenerationStats{StartTime: time.Now()}
}
