package export

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/000haoji/cardforge/pkg/models"
)

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// jsonDocument is the JSON export file shape
type jsonDocument struct {
	Deck       string        `json:"deck"`
	ExportedAt string        `json:"exported_at"`
	CardCount  int           `json:"card_count"`
	Cards      []models.Card `json:"cards"`
}

func (m *Manager) exportJSON(cards []models.Card, deckName string) (models.ExportOutput, error) {
	path, err := m.outputPath(deckName, "json")
	if err != nil {
		return models.ExportOutput{OK: false, Error: err.Error()}, nil
	}

	doc := jsonDocument{
		Deck:       deckName,
		ExportedAt: nowRFC3339(),
		CardCount:  len(cards),
		Cards:      cards,
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to marshal cards: %v", err)}, nil
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to write export file: %v", err)}, nil
	}

	m.logger.Info("Exported cards to JSON", "path", path, "cards", len(cards))
	return models.ExportOutput{OK: true, FilePath: path}, nil
}
