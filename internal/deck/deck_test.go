package deck

import (
	"strings"
	"testing"

	"github.com/000haoji/cardforge/internal/config"
)

func TestNewRegistry_BuiltIns(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{})

	templates := r.List()
	if len(templates) != 3 {
		t.Fatalf("Expected 3 built-in templates, got %d", len(templates))
	}

	ids := []string{templates[0].ID, templates[1].ID, templates[2].ID}
	want := []string{"basic", "basic-reversed", "cloze"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("Template %d = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestGet_ClozeFlag(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{})

	cloze, err := r.Get("cloze")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !cloze.IsCloze {
		t.Errorf("Cloze template missing IsCloze flag")
	}

	basic, err := r.Get("basic")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if basic.IsCloze {
		t.Errorf("Basic template must not be cloze")
	}
}

func TestGet_Unknown(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{})
	if _, err := r.Get("nope"); err == nil {
		t.Fatalf("Expected error for unknown template")
	}
}

func TestRenderPrompt_SubstitutesData(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{})

	prompt, err := r.RenderPrompt("basic", PromptData{
		Segment:            "The mitochondria is the powerhouse of the cell.",
		MaxCards:           5,
		CustomRequirements: "focus on definitions",
	})
	if err != nil {
		t.Fatalf("RenderPrompt failed: %v", err)
	}
	if !strings.Contains(prompt, "mitochondria") {
		t.Errorf("Segment not substituted")
	}
	if !strings.Contains(prompt, "5") {
		t.Errorf("MaxCards not substituted")
	}
	if !strings.Contains(prompt, "focus on definitions") {
		t.Errorf("CustomRequirements not substituted")
	}
}

func TestRenderPrompt_ClozeKeepsMarkers(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{})

	prompt, err := r.RenderPrompt("cloze", PromptData{Segment: "text", MaxCards: 3})
	if err != nil {
		t.Fatalf("RenderPrompt failed: %v", err)
	}
	if !strings.Contains(prompt, "{{c1::Paris}}") {
		t.Errorf("Cloze marker example lost in rendering:\n%s", prompt)
	}
}

func TestNewRegistry_PromptOverride(t *testing.T) {
	r := NewRegistry(config.PromptTemplates{CardGeneration: "custom {{.Segment}}"})

	prompt, err := r.RenderPrompt("basic", PromptData{Segment: "abc"})
	if err != nil {
		t.Fatalf("RenderPrompt failed: %v", err)
	}
	if prompt != "custom abc" {
		t.Errorf("Override not applied: %q", prompt)
	}
}
