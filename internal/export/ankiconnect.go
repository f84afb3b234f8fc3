package export

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/000haoji/cardforge/pkg/models"
)

const ankiConnectVersion = 6

type ankiConnectRequest struct {
	Action  string `json:"action"`
	Version int    `json:"version"`
	Params  any    `json:"params,omitempty"`
}

type ankiConnectResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *string         `json:"error"`
}

type ankiNote struct {
	DeckName  string            `json:"deckName"`
	ModelName string            `json:"modelName"`
	Fields    map[string]string `json:"fields"`
	Tags      []string          `json:"tags"`
	Options   map[string]any    `json:"options"`
}

func (m *Manager) exportAnkiConnect(ctx context.Context, cards []models.Card, deckName, noteType string) (models.ExportOutput, error) {
	if _, err := m.invoke(ctx, "createDeck", map[string]any{"deck": deckName}); err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to create deck: %v", err)}, nil
	}

	notes := make([]ankiNote, 0, len(cards))
	for _, card := range cards {
		notes = append(notes, buildAnkiNote(card, deckName, noteType))
	}

	result, err := m.invoke(ctx, "addNotes", map[string]any{"notes": notes})
	if err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("failed to add notes: %v", err)}, nil
	}

	var ids []*int64
	if err := json.Unmarshal(result, &ids); err != nil {
		return models.ExportOutput{OK: false, Error: fmt.Sprintf("unexpected addNotes response: %v", err)}, nil
	}

	imported := 0
	for _, id := range ids {
		if id != nil {
			imported++
		}
	}

	m.logger.Info("Exported cards via AnkiConnect",
		"deck", deckName, "imported", imported, "skipped", len(cards)-imported)

	if imported == 0 {
		return models.ExportOutput{OK: false, Error: "no notes were imported, they may all be duplicates"}, nil
	}
	return models.ExportOutput{OK: true, ImportedCount: imported}, nil
}

// invoke performs a single AnkiConnect RPC call and unwraps its
// result/error envelope.
func (m *Manager) invoke(ctx context.Context, action string, params any) (json.RawMessage, error) {
	body, err := json.Marshal(ankiConnectRequest{Action: action, Version: ankiConnectVersion, Params: params})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.AnkiConnectURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("is Anki running with AnkiConnect installed? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("AnkiConnect returned status %d", resp.StatusCode)
	}

	var envelope ankiConnectResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if envelope.Error != nil && *envelope.Error != "" {
		return nil, fmt.Errorf("%s: %s", action, *envelope.Error)
	}
	return envelope.Result, nil
}

func buildAnkiNote(card models.Card, deckName, noteType string) ankiNote {
	fields := map[string]string{}
	if card.Text != "" || strings.EqualFold(noteType, "Cloze") {
		noteType = "Cloze"
		text := card.Text
		if text == "" {
			text = card.Front
		}
		fields["Text"] = text
		fields["Back Extra"] = card.Back
	} else {
		fields["Front"] = card.Front
		fields["Back"] = card.Back
	}

	tags := card.Tags
	if tags == nil {
		tags = []string{}
	}

	return ankiNote{
		DeckName:  deckName,
		ModelName: noteType,
		Fields:    fields,
		Tags:      tags,
		Options:   map[string]any{"allowDuplicate": false},
	}
}
