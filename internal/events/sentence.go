package events

import (
	"encoding/json"
	"regexp"
	"strings"
)

func unmarshalEvent(raw string, evt *Event) error {
	return json.Unmarshal([]byte(raw), evt)
}

// SentenceDetector re-chunks streamed text at sentence boundaries so each
// text.message.chunk carries a whole sentence and replay reproduces the live
// reading experience. Conservative: it only splits on [.!?] followed by
// space and a capital letter, and never after a known abbreviation.
type SentenceDetector struct {
	buf strings.Builder
}

var sentenceBoundaryRe = regexp.MustCompile(`([.!?]+)[ \t]+([A-Z])`)

var abbreviations = map[string]struct{}{
	"mr": {}, "mrs": {}, "ms": {}, "dr": {}, "prof": {}, "sr": {}, "jr": {},
	"inc": {}, "ltd": {}, "corp": {}, "co": {},
	"etc": {}, "vs": {}, "e.g": {}, "i.e": {}, "p.s": {},
	"st": {}, "ave": {}, "blvd": {}, "rd": {},
	"jan": {}, "feb": {}, "mar": {}, "apr": {}, "jun": {}, "jul": {},
	"aug": {}, "sep": {}, "oct": {}, "nov": {}, "dec": {},
	"u.s": {}, "u.k": {}, "ph.d": {}, "a.m": {}, "p.m": {},
}

// Add appends a streamed chunk and returns any completed sentences.
func (d *SentenceDetector) Add(chunk string) []string {
	d.buf.WriteString(chunk)
	text := d.buf.String()

	var sentences []string
	searchFrom := 0
	for {
		loc := sentenceBoundaryRe.FindStringSubmatchIndex(text[searchFrom:])
		if loc == nil {
			break
		}
		puncEnd := searchFrom + loc[3]
		candidate := strings.TrimSpace(text[:puncEnd])
		if isAbbreviationEnd(candidate) {
			// Not a real boundary; keep scanning past the punctuation.
			searchFrom = puncEnd
			if searchFrom >= len(text) {
				break
			}
			continue
		}
		sentences = append(sentences, candidate)
		// Drop the consumed sentence and the trailing whitespace.
		rest := text[puncEnd:]
		text = strings.TrimLeft(rest, " \t")
		searchFrom = 0
	}

	d.buf.Reset()
	d.buf.WriteString(text)
	return sentences
}

// Flush returns whatever is buffered, for end-of-stream.
func (d *SentenceDetector) Flush() string {
	out := strings.TrimSpace(d.buf.String())
	d.buf.Reset()
	return out
}

// isAbbreviationEnd reports whether the candidate sentence ends in a known
// abbreviation like "Dr." or "e.g.".
func isAbbreviationEnd(candidate string) bool {
	trimmed := strings.TrimRight(candidate, ".!?")
	idx := strings.LastIndexAny(trimmed, " \t")
	last := strings.ToLower(trimmed[idx+1:])
	_, ok := abbreviations[last]
	return ok
}
