package search

import (
	"errors"
	"strings"
)

var (
	errUnknownType     = errors.New("unknown search type")
	errVectorsDisabled = errors.New("vector search disabled")
)

// scoreKeywordMatch rates how well a message matches the tokenized
// query. Components, all clamped to [0,1]:
//
//	0.3  coverage: fraction of keywords present
//	0.3  frequency: total keyword occurrences relative to text length
//	0.2  position: earlier first match ranks higher
//	0.2  brevity: short focused messages beat walls of text
//
// An exact phrase hit adds a flat 0.3 bonus before the final clamp.
func scoreKeywordMatch(content, query string, keywords []string) float64 {
	text := strings.ToLower(content)
	if len(text) == 0 || len(keywords) == 0 {
		return 0
	}

	matched := 0
	occurrences := 0
	firstPos := -1
	for _, kw := range keywords {
		idx := strings.Index(text, kw)
		if idx < 0 {
			continue
		}
		matched++
		occurrences += strings.Count(text, kw)
		if firstPos < 0 || idx < firstPos {
			firstPos = idx
		}
	}
	if matched == 0 {
		return 0
	}

	coverage := float64(matched) / float64(len(keywords))

	// Roughly one hit per forty runes saturates the frequency term.
	freq := float64(occurrences) * 40 / float64(len([]rune(text)))
	if freq > 1 {
		freq = 1
	}

	position := 1 - float64(firstPos)/float64(len(text))

	brevity := 200 / float64(max(len([]rune(text)), 200))

	score := 0.3*coverage + 0.3*freq + 0.2*position + 0.2*brevity

	phrase := strings.ToLower(strings.TrimSpace(query))
	if phrase != "" && strings.Contains(text, phrase) {
		score += 0.3
	}
	return clamp01(score)
}
