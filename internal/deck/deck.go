// Package deck holds the card template registry. Templates pair an
// Anki note type with the prompt used to generate cards of that shape.
package deck

import (
	"fmt"
	"sort"
	"sync"

	"github.com/000haoji/cardforge/internal/config"
	"github.com/000haoji/cardforge/internal/util"
	"github.com/000haoji/cardforge/pkg/models"
)

// PromptData carries the values substituted into a generation prompt
type PromptData struct {
	Segment            string
	MaxCards           int
	CustomRequirements string
}

// Entry is one registered template with its prompt
type Entry struct {
	models.Template
	Prompt string
}

// Registry maps template ids to entries. Built-in templates are always
// present; config may override their prompts.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry builds the registry with the built-in templates, using
// prompt overrides from cfg when set.
func NewRegistry(prompts config.PromptTemplates) *Registry {
	cardPrompt := prompts.CardGeneration
	if cardPrompt == "" {
		cardPrompt = config.DefaultCardTemplate()
	}
	clozePrompt := prompts.ClozeGeneration
	if clozePrompt == "" {
		clozePrompt = config.DefaultClozeTemplate()
	}

	r := &Registry{entries: make(map[string]Entry)}
	r.register(Entry{
		Template: models.Template{
			ID:          "basic",
			Name:        "Basic",
			Description: "Question on the front, answer on the back",
			NoteType:    "Basic",
		},
		Prompt: cardPrompt,
	})
	r.register(Entry{
		Template: models.Template{
			ID:          "basic-reversed",
			Name:        "Basic (and reversed card)",
			Description: "Front/back pair studied in both directions",
			NoteType:    "Basic (and reversed card)",
		},
		Prompt: cardPrompt,
	})
	r.register(Entry{
		Template: models.Template{
			ID:          "cloze",
			Name:        "Cloze",
			Description: "Sentence with cloze deletion markers",
			NoteType:    "Cloze",
			IsCloze:     true,
		},
		Prompt: clozePrompt,
	})
	return r
}

func (r *Registry) register(e Entry) {
	r.entries[e.ID] = e
}

// Get returns the entry for id
func (r *Registry) Get(id string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, fmt.Errorf("unknown template %q", id)
	}
	return e, nil
}

// List returns all registered templates sorted by id
func (r *Registry) List() []models.Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Template, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.Template)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// RenderPrompt renders the generation prompt for template id against
// one document segment.
func (r *Registry) RenderPrompt(id string, data PromptData) (string, error) {
	e, err := r.Get(id)
	if err != nil {
		return "", err
	}

	rendered, err := util.RenderTemplate(e.Prompt, map[string]interface{}{
		"Segment":            data.Segment,
		"MaxCards":           data.MaxCards,
		"CustomRequirements": data.CustomRequirements,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render prompt for template %q: %w", id, err)
	}
	return rendered, nil
}
