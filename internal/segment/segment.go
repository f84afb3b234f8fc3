// Package segment splits document content into generation-sized
// segments. Splitting is pure and deterministic: markdown headings are
// the preferred boundaries, oversized sections fall back to paragraph
// and finally hard size splits.
package segment

import (
	"strings"
)

// Segment is one contiguous slice of the source document
type Segment struct {
	Index   int
	Content string
}

// Split divides content into ordered non-empty segments of at most
// maxChars characters each. Heading boundaries are preferred; a
// section that still exceeds maxChars is split on paragraph breaks,
// and a single oversized paragraph is split on size.
func Split(content string, maxChars int) []Segment {
	if maxChars <= 0 {
		maxChars = 4000
	}

	var chunks []string
	for _, section := range splitHeadings(content) {
		chunks = append(chunks, splitOversized(section, maxChars)...)
	}

	segments := make([]Segment, 0, len(chunks))
	for _, chunk := range chunks {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		segments = append(segments, Segment{Index: len(segments), Content: chunk})
	}
	return segments
}

// splitHeadings cuts content at markdown ATX headings, keeping each
// heading with the body that follows it.
func splitHeadings(content string) []string {
	lines := strings.Split(content, "\n")

	var sections []string
	var current strings.Builder
	for _, line := range lines {
		if isHeading(line) && current.Len() > 0 {
			sections = append(sections, current.String())
			current.Reset()
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if current.Len() > 0 {
		sections = append(sections, current.String())
	}
	return sections
}

func isHeading(line string) bool {
	trimmed := strings.TrimLeft(line, " ")
	if !strings.HasPrefix(trimmed, "#") {
		return false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	// ATX headings are 1 to 6 hashes followed by a space
	return level <= 6 && level < len(trimmed) && trimmed[level] == ' '
}

// splitOversized breaks a section that exceeds maxChars, first on
// blank-line paragraph boundaries, then on raw size.
func splitOversized(section string, maxChars int) []string {
	if len(section) <= maxChars {
		return []string{section}
	}

	var chunks []string
	var current strings.Builder
	for _, para := range strings.Split(section, "\n\n") {
		if para == "" {
			continue
		}
		if current.Len() > 0 && current.Len()+len(para)+2 > maxChars {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if len(para) > maxChars {
			if current.Len() > 0 {
				chunks = append(chunks, current.String())
				current.Reset()
			}
			chunks = append(chunks, hardSplit(para, maxChars)...)
			continue
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	return chunks
}

// hardSplit cuts text into maxChars-sized pieces, preferring the last
// line break or space before the limit so words stay intact.
func hardSplit(text string, maxChars int) []string {
	var chunks []string
	for len(text) > maxChars {
		cut := maxChars
		if idx := strings.LastIndexAny(text[:maxChars], "\n "); idx > maxChars/2 {
			cut = idx
		}
		chunks = append(chunks, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
