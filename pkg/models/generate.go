package models

// GenerateOptions holds per-run tuning for card generation
type GenerateOptions struct {
	DeckName           string `json:"deck_name,omitempty"`
	NoteType           string `json:"note_type,omitempty"`
	MaxConcurrency     int    `json:"max_concurrency,omitempty"`
	CustomRequirements string `json:"custom_requirements,omitempty"`
}

// GenerateInput is the argument to the generate-cards operation
type GenerateInput struct {
	Content         string          `json:"content"`
	TemplateIDs     []string        `json:"template_ids,omitempty"`
	MaxCards        int             `json:"max_cards,omitempty"`
	MaxCardsPerTask int             `json:"max_cards_per_task,omitempty"`
	Options         GenerateOptions `json:"options,omitempty"`
	References      []ContextRef    `json:"references,omitempty"`
}

// GenerateOutput is the result envelope of the generate-cards operation
type GenerateOutput struct {
	OK         bool             `json:"ok"`
	DocumentID string           `json:"document_id,omitempty"`
	Paused     bool             `json:"paused,omitempty"`
	Cancelled  bool             `json:"cancelled,omitempty"`
	Cards      []Card           `json:"cards,omitempty"`
	Stats      *GenerationStats `json:"stats,omitempty"`
	Error      string           `json:"error,omitempty"`
}

// ExportFormat selects the card export target
type ExportFormat string

const (
	ExportAPKG        ExportFormat = "apkg"
	ExportAnkiConnect ExportFormat = "anki_connect"
	ExportJSON        ExportFormat = "json"
)

// ExportInput is the argument to the export-cards operation
type ExportInput struct {
	Cards    []Card       `json:"cards"`
	Format   ExportFormat `json:"format"`
	DeckName string       `json:"deck_name,omitempty"`
	NoteType string       `json:"note_type,omitempty"`
}

// ExportOutput is the result envelope of the export-cards operation.
// APKG/JSON exports set FilePath; AnkiConnect sets ImportedCount.
type ExportOutput struct {
	OK            bool   `json:"ok"`
	FilePath      string `json:"file_path,omitempty"`
	ImportedCount int    `json:"imported_count,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Template describes a card template available for generation
type Template struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	NoteType    string `json:"note_type"`
	IsCloze     bool   `json:"is_cloze,omitempty"`
}

// AnalysisResult is the outcome of the analyze-content operation
type AnalysisResult struct {
	SuggestedCards       int      `json:"suggested_cards"`
	Topics               []string `json:"topics,omitempty"`
	RecommendedTemplates []string `json:"recommended_templates,omitempty"`
	Summary              string   `json:"summary,omitempty"`
}

// ContextRef is a reference-only pointer into the resource store.
// The hash captures the referenced payload at injection time; the
// store entry may later be superseded by a newer version.
type ContextRef struct {
	ResourceID  string `json:"resource_id"`
	Hash        string `json:"hash"`
	TypeID      string `json:"type_id"`
	DisplayName string `json:"display_name,omitempty"`
}
