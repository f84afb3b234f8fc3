package util

import (
	"regexp"
	"strings"
)

// Precompiled regex patterns (compiled once at package init)
var (
	jsonCodeBlockRegex = regexp.MustCompile("```(?:json)?\\s*([\\s\\S]*?)```")
)

// ExtractJSON extracts JSON content from a model response that may wrap
// it in markdown code blocks, and attempts to close truncated arrays
// and objects. Handles both arrays [] and objects {}.
func ExtractJSON(s string) string {
	matches := jsonCodeBlockRegex.FindStringSubmatch(s)
	if len(matches) > 1 {
		s = strings.TrimSpace(matches[1])
	} else {
		s = strings.TrimSpace(s)
	}

	arrayStart := strings.Index(s, "[")
	objectStart := strings.Index(s, "{")

	// The array is the top-level value only when it opens before any
	// object. Otherwise an object response that happens to contain an
	// array field would be reduced to that field.
	if arrayStart != -1 && (objectStart == -1 || arrayStart < objectStart) {
		arrayEnd := findMatchingBracket(s, arrayStart, '[', ']')
		if arrayEnd != -1 {
			return s[arrayStart : arrayEnd+1]
		}
		// Truncated array, close it if it has content
		lastQuote := strings.LastIndex(s, "\"")
		if lastQuote > arrayStart {
			trimmed := strings.TrimRight(s[arrayStart:], " \n\t,")
			for i := 0; i < countUnmatchedBraces(trimmed, '{', '}'); i++ {
				trimmed += "}"
			}
			return trimmed + "]"
		}
	}

	if objectStart != -1 {
		objectEnd := findMatchingBracket(s, objectStart, '{', '}')
		if objectEnd != -1 {
			return s[objectStart : objectEnd+1]
		}
		// Truncated object, close the unmatched braces
		trimmed := strings.TrimRight(s[objectStart:], " \n\t,")
		for i := 0; i < countUnmatchedBraces(trimmed, '{', '}'); i++ {
			trimmed += "}"
		}
		return trimmed
	}

	return s
}

// findMatchingBracket finds the matching closing bracket for an opening
// bracket, skipping brackets inside strings and escape sequences.
// Returns -1 if no matching bracket is found.
func findMatchingBracket(s string, startPos int, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := startPos; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}

		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar {
				count--
				if count == 0 {
					return i
				}
			}
		}
	}

	return -1
}

// countUnmatchedBraces counts opening brackets without a matching close,
// ignoring brackets inside strings.
func countUnmatchedBraces(s string, openChar, closeChar rune) int {
	count := 0
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := rune(s[i])

		if escaped {
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == '"' {
			inString = !inString
			continue
		}
		if !inString {
			if ch == openChar {
				count++
			} else if ch == closeChar && count > 0 {
				count--
			}
		}
	}

	return count
}

// RepairJSON fixes the common structural defects in model-produced
// JSON: unescaped newlines inside strings, trailing and doubled commas,
// and missing commas between adjacent string elements.
func RepairJSON(s string) string {
	s = SanitizeJSON(s)

	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if inString {
			b.WriteByte(ch)
			if escaped {
				escaped = false
				continue
			}
			if ch == '\\' {
				escaped = true
				continue
			}
			if ch == '"' {
				inString = false
				// Missing comma between adjacent string elements
				j := skipSpace(s, i+1)
				if j < len(s) && s[j] == '"' {
					b.WriteString(", ")
					i = j - 1
				}
			}
			continue
		}

		switch ch {
		case '"':
			inString = true
			b.WriteByte(ch)
		case ',':
			// Collapse comma runs; drop commas that trail before a close
			j := i + 1
			for j < len(s) && (s[j] == ',' || isSpace(s[j])) {
				j++
			}
			if j < len(s) && (s[j] == ']' || s[j] == '}') {
				i = j - 1
			} else {
				b.WriteByte(',')
				b.WriteByte(' ')
				i = j - 1
			}
		default:
			b.WriteByte(ch)
		}
	}

	return b.String()
}

// SanitizeJSON escapes literal newlines that appear inside string values
func SanitizeJSON(s string) string {
	var result strings.Builder
	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		ch := s[i]

		if escaped {
			result.WriteByte(ch)
			escaped = false
			continue
		}

		if ch == '\\' {
			result.WriteByte(ch)
			escaped = true
			continue
		}

		if ch == '"' {
			result.WriteByte(ch)
			inString = !inString
			continue
		}

		if inString && (ch == '\n' || ch == '\r') {
			result.WriteString("\\n")
			// Skip \r\n pairs
			if ch == '\r' && i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			continue
		}

		result.WriteByte(ch)
	}

	return result.String()
}

func skipSpace(s string, i int) int {
	for i < len(s) && isSpace(s[i]) {
		i++
	}
	return i
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
