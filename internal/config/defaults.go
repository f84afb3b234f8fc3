package config

// DefaultCardTemplate returns the built-in prompt for front/back card
// generation. The model must answer with a JSON array of card objects.
func DefaultCardTemplate() string {
	return `You are creating Anki flashcards from study material.

Generate up to {{.MaxCards}} high-quality flashcards from the following content.
Each card tests exactly one fact or concept. Questions must be answerable
without seeing the source text.
{{if .CustomRequirements}}
Additional requirements: {{.CustomRequirements}}
{{end}}
Content:
{{.Segment}}

Respond with ONLY a JSON array, no prose:
[{"front": "question", "back": "answer", "tags": ["topic"]}]`
}

// DefaultClozeTemplate returns the built-in prompt for cloze deletion
// cards. Cards carry the full sentence in "text" with {{c1::...}} markers.
func DefaultClozeTemplate() string {
	return `You are creating Anki cloze deletion cards from study material.

Generate up to {{.MaxCards}} cloze cards from the following content.
Each card is one sentence with the key term wrapped in a cloze marker,
for example: "The capital of France is {{"{{c1::Paris}}"}}."
{{if .CustomRequirements}}
Additional requirements: {{.CustomRequirements}}
{{end}}
Content:
{{.Segment}}

Respond with ONLY a JSON array, no prose:
[{"text": "sentence with cloze markers", "tags": ["topic"]}]`
}

// DefaultAnalysisTemplate returns the built-in prompt for pre-generation
// content analysis.
func DefaultAnalysisTemplate() string {
	return `Analyze the following study material for flashcard generation.

Content:
{{.Content}}

Respond with ONLY a JSON object, no prose:
{"suggested_cards": <int>, "topics": ["..."], "recommended_templates": ["basic"|"cloze"], "summary": "one sentence"}`
}
