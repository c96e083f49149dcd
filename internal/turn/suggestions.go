package turn

import (
	"encoding/json"
	"strings"
)

const maxSuggestions = 5

// rawSuggestion is one NDJSON line as the model emits it.
type rawSuggestion struct {
	OriginalSentence  string `json:"originalSentence"`
	SuggestedSentence string `json:"suggestedSentence"`
	Description       string `json:"description"`
}

// suggestionParser incrementally parses NDJSON from a token stream. Chunks
// split lines at arbitrary points, so it buffers until a newline completes
// a line. Lines that are not valid suggestion objects are skipped.
type suggestionParser struct {
	buf strings.Builder
}

func newSuggestionParser() *suggestionParser {
	return &suggestionParser{}
}

func (p *suggestionParser) empty() bool {
	return p.buf.Len() == 0
}

// feed appends a chunk and returns any suggestions completed by it.
func (p *suggestionParser) feed(chunk string) []rawSuggestion {
	p.buf.WriteString(chunk)
	data := p.buf.String()

	last := strings.LastIndexByte(data, '\n')
	if last < 0 {
		return nil
	}
	complete, rest := data[:last], data[last+1:]
	p.buf.Reset()
	p.buf.WriteString(rest)

	var out []rawSuggestion
	for _, line := range strings.Split(complete, "\n") {
		if s, ok := parseSuggestionLine(line); ok {
			out = append(out, s)
		}
	}
	return out
}

// flush parses whatever remains after the stream ends, for output that
// lacks a trailing newline.
func (p *suggestionParser) flush() []rawSuggestion {
	line := p.buf.String()
	p.buf.Reset()
	if s, ok := parseSuggestionLine(line); ok {
		return []rawSuggestion{s}
	}
	return nil
}

func parseSuggestionLine(line string) (rawSuggestion, bool) {
	line = strings.TrimSpace(line)
	// Models sometimes wrap NDJSON in a code fence.
	if line == "" || strings.HasPrefix(line, "```") {
		return rawSuggestion{}, false
	}
	var s rawSuggestion
	if err := json.Unmarshal([]byte(line), &s); err != nil {
		return rawSuggestion{}, false
	}
	if s.OriginalSentence == "" || s.SuggestedSentence == "" {
		return rawSuggestion{}, false
	}
	return s, true
}
