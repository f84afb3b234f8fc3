// Package export writes generated cards to their final destinations:
// Anki package files (.apkg), a running Anki instance via AnkiConnect,
// or plain JSON. Error cards never reach an export target.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/pkg/models"
)

// Manager dispatches export requests by format
type Manager struct {
	cfg        config.ExportConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewManager creates an export manager
func NewManager(cfg config.ExportConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Export writes cards in the requested format. Failures surface in the
// result envelope; the error return is reserved for context
// cancellation.
func (m *Manager) Export(ctx context.Context, input models.ExportInput) (models.ExportOutput, error) {
	cards := models.FilterErrorCards(input.Cards)
	if len(cards) == 0 {
		return models.ExportOutput{OK: false, Error: "no cards to export"}, nil
	}
	dropped := len(input.Cards) - len(cards)
	if dropped > 0 {
		m.logger.Info("Filtered error cards from export", "dropped", dropped)
	}

	deckName := input.DeckName
	if deckName == "" {
		deckName = m.cfg.DeckName
	}
	noteType := input.NoteType
	if noteType == "" {
		noteType = m.cfg.NoteType
	}

	switch input.Format {
	case models.ExportJSON:
		return m.exportJSON(cards, deckName)
	case models.ExportAPKG:
		return m.exportAPKG(cards, deckName, noteType)
	case models.ExportAnkiConnect:
		return m.exportAnkiConnect(ctx, cards, deckName, noteType)
	default:
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("unknown export format %q", input.Format)}, nil
	}
}

// outputPath builds a timestamped file path under the output directory
func (m *Manager) outputPath(deckName, extension string) (string, error) {
	if err := os.MkdirAll(m.cfg.OutputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}
	timestamp := time.Now().Format("2006-01-02T15-04-05")
	name := fmt.Sprintf("%s_%s.%s", sanitizeFilename(deckName), timestamp, extension)
	return filepath.Join(m.cfg.OutputDir, name), nil
}

// sanitizeFilename strips path separators and other characters that
// are unsafe in file names.
func sanitizeFilename(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_",
		"?", "_", "\"", "_", "<", "_", ">", "_", "|", "_",
	)
	cleaned := strings.TrimSpace(replacer.Replace(name))
	if cleaned == "" {
		return "deck"
	}
	return cleaned
}
