package models

import (
	"encoding/json"
	"time"
)

// Card represents a single generated flashcard
type Card struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	TemplateID string            `json:"template_id,omitempty"`
	Front      string            `json:"front"`
	Back       string            `json:"back"`
	Text       string            `json:"text,omitempty"` // Cloze-style cards carry the full text here
	Tags       []string          `json:"tags,omitempty"`
	Images     []string          `json:"images,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`

	// Error cards mark a generation failure in place of real content.
	// They must be filtered out before export.
	IsErrorCard  bool   `json:"is_error_card,omitempty"`
	ErrorContent string `json:"error_content,omitempty"`

	CreatedAt string `json:"created_at"`
}

// cardWire accepts all three historical card shapes: the current
// snake_case form, the legacy camelCase form, and the fields-map-only
// form where Front/Back live solely inside the fields map.
type cardWire struct {
	ID           string            `json:"id"`
	TaskID       string            `json:"task_id"`
	TaskIDLegacy string            `json:"taskId"`
	TemplateID   string            `json:"template_id"`
	TmplIDLegacy string            `json:"templateId"`
	Front        string            `json:"front"`
	Back         string            `json:"back"`
	Text         string            `json:"text"`
	Tags         []string          `json:"tags"`
	Images       []string          `json:"images"`
	Fields       map[string]string `json:"fields"`
	IsError      *bool             `json:"is_error_card"`
	IsErrLegacy  *bool             `json:"isErrorCard"`
	ErrContent   string            `json:"error_content"`
	ErrLegacy    string            `json:"errorContent"`
	CreatedAt    string            `json:"created_at"`
	CreatedLgcy  string            `json:"createdAt"`
}

// UnmarshalJSON decodes a card from any of the supported wire shapes.
// Resolution order per field: current name, then legacy name, then a
// value computed from the fields map. Explicit front/back always win
// over fields; fields fill in only when front/back are absent.
func (c *Card) UnmarshalJSON(data []byte) error {
	var w cardWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	c.ID = w.ID
	c.TaskID = firstNonEmpty(w.TaskID, w.TaskIDLegacy)
	c.TemplateID = firstNonEmpty(w.TemplateID, w.TmplIDLegacy)
	c.Front = w.Front
	c.Back = w.Back
	c.Text = w.Text
	c.Tags = w.Tags
	c.Images = w.Images
	c.Fields = w.Fields
	c.ErrorContent = firstNonEmpty(w.ErrContent, w.ErrLegacy)
	c.CreatedAt = firstNonEmpty(w.CreatedAt, w.CreatedLgcy)

	if w.IsError != nil {
		c.IsErrorCard = *w.IsError
	} else if w.IsErrLegacy != nil {
		c.IsErrorCard = *w.IsErrLegacy
	}

	c.Normalize()
	return nil
}

// Normalize re-establishes the front/back vs fields invariant:
// Fields always contains at least Front and Back, and the scalar
// front/back are populated from Fields when absent.
func (c *Card) Normalize() {
	if c.Front == "" {
		c.Front = c.Fields["Front"]
	}
	if c.Back == "" {
		c.Back = c.Fields["Back"]
	}
	if c.Fields == nil {
		c.Fields = make(map[string]string, 2)
	}
	if _, ok := c.Fields["Front"]; !ok || c.Front != "" {
		c.Fields["Front"] = c.Front
	}
	if _, ok := c.Fields["Back"]; !ok || c.Back != "" {
		c.Fields["Back"] = c.Back
	}
	if c.CreatedAt == "" {
		c.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
}

// FilterErrorCards returns the cards that represent real content,
// dropping error placeholders.
func FilterErrorCards(cards []Card) []Card {
	out := make([]Card, 0, len(cards))
	for _, c := range cards {
		if !c.IsErrorCard {
			out = append(out, c)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
