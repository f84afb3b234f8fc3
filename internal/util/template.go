package util

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"text/template"
)

// templateCache holds parsed templates keyed by their source text.
// Prompt templates are rendered once per segment, so parsing dominates
// without a cache.
var templateCache sync.Map // string -> *template.Template

// RenderTemplate renders a template string with the given data.
// Includes validation to prevent template injection from user-supplied
// prompt templates.
func RenderTemplate(tmpl string, data map[string]interface{}) (string, error) {
	// Block directives that could be exploited
	forbiddenDirectives := []string{"{{call", "{{define", "{{template", "{{block"}
	for _, directive := range forbiddenDirectives {
		if strings.Contains(tmpl, directive) {
			return "", fmt.Errorf("template contains forbidden directive: %s", directive)
		}
	}

	t, err := parseCached(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to execute template: %w", err)
	}

	return buf.String(), nil
}

func parseCached(tmpl string) (*template.Template, error) {
	if cached, ok := templateCache.Load(tmpl); ok {
		return cached.(*template.Template), nil
	}

	t, err := template.New("prompt").
		Option("missingkey=error"). // Fail on missing keys rather than rendering <no value>
		Parse(tmpl)
	if err != nil {
		return nil, err
	}

	templateCache.Store(tmpl, t)
	return t, nil
}

// TruncateString truncates a string to maxLen runes (Unicode-safe)
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
