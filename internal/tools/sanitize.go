package tools

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	MaxNoteLength = 500
	redactedText  = "[redacted]"
)

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts?|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(all\s+)?(previous|prior|above)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+`),
	regexp.MustCompile(`(?i)\b(system|assistant|human)\s*:`),
	regexp.MustCompile(`(?i)</?\s*(system|instructions?)\s*>`),
	regexp.MustCompile(`(?i)new\s+instructions\s*:`),
}

// SanitizeNote cleans user or model supplied note text before it is stored
// and later replayed inside the system prompt. Control characters are dropped,
// whitespace is collapsed, known injection phrases are replaced with
// "[redacted]" and the result is capped at maxLen runes.
func SanitizeNote(content string, maxLen int) string {
	var b strings.Builder
	for _, r := range content {
		switch {
		case r == '\n' || r == '\t':
			b.WriteRune(' ')
		case unicode.IsControl(r):
		default:
			b.WriteRune(r)
		}
	}
	cleaned := strings.Join(strings.Fields(b.String()), " ")
	for _, re := range injectionPatterns {
		cleaned = re.ReplaceAllString(cleaned, redactedText)
	}
	if maxLen > 0 {
		if runes := []rune(cleaned); len(runes) > maxLen {
			cleaned = strings.TrimSpace(string(runes[:maxLen]))
		}
	}
	return cleaned
}

func wasRedacted(s string) bool {
	return strings.Contains(s, redactedText)
}
