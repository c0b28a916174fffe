// Package textnorm normalizes model text for streaming and display.
package textnorm

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// AnswerLead strips blank lines from the front of a streamed coach answer.
// Whitespace is held until the first visible character arrives; only the
// partial line that character sits on is kept, so a list opening with an
// indented bullet keeps its indent.
type AnswerLead struct {
	open    bool
	pending strings.Builder
}

// Write takes one text delta and returns the part the client should see.
func (a *AnswerLead) Write(delta string) string {
	if a.open {
		return delta
	}
	i := strings.IndexFunc(delta, visible)
	if i < 0 {
		a.pending.WriteString(delta)
		return ""
	}
	a.open = true
	lead := a.pending.String() + delta[:i]
	a.pending.Reset()
	return lead[strings.LastIndexByte(lead, '\n')+1:] + delta[i:]
}

// EndBlock closes a content block. Whitespace from a block that never showed
// anything is dropped here so it cannot indent the next block's text.
func (a *AnswerLead) EndBlock() {
	a.pending.Reset()
}

// Open reports whether visible text has been emitted.
func (a *AnswerLead) Open() bool {
	return a.open
}

func visible(r rune) bool {
	return !unicode.IsSpace(r)
}

// Preview collapses whitespace and shortens text to at most max runes, ending
// with an ellipsis when something was cut.
func Preview(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	return strings.TrimRight(string(runes[:max-1]), " ") + "…"
}
