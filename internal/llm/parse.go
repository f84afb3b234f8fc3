package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/000haoji/cardforge/internal/util"
	"github.com/000haoji/cardforge/pkg/models"
)

// ParseCards extracts a card array from raw model output. The content
// may be wrapped in markdown fences, truncated, or structurally broken;
// extraction and repair are attempted before unmarshaling. Cards come
// back normalized (front/back and fields consistent).
func ParseCards(content string) ([]models.Card, error) {
	jsonStr := util.ExtractJSON(content)
	jsonStr = util.RepairJSON(jsonStr)

	var cards []models.Card
	if err := json.Unmarshal([]byte(jsonStr), &cards); err != nil {
		// Some models answer with a single object instead of an array
		var single models.Card
		if objErr := json.Unmarshal([]byte(jsonStr), &single); objErr == nil && (single.Front != "" || single.Text != "") {
			return []models.Card{single}, nil
		}
		return nil, fmt.Errorf("failed to parse cards: %w (content: %s)", err, util.TruncateString(content, 200))
	}

	// Drop entries with no usable content
	out := cards[:0]
	for _, c := range cards {
		if strings.TrimSpace(c.Front) == "" && strings.TrimSpace(c.Text) == "" {
			continue
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("model returned no usable cards (content: %s)", util.TruncateString(content, 200))
	}

	return out, nil
}

// ParseAnalysis extracts an analysis object from raw model output.
func ParseAnalysis(content string) (*models.AnalysisResult, error) {
	jsonStr := util.ExtractJSON(content)
	jsonStr = util.RepairJSON(jsonStr)

	var result models.AnalysisResult
	if err := json.Unmarshal([]byte(jsonStr), &result); err != nil {
		return nil, fmt.Errorf("failed to parse analysis: %w (content: %s)", err, util.TruncateString(content, 200))
	}
	if result.SuggestedCards < 0 {
		result.SuggestedCards = 0
	}
	return &result, nil
}
