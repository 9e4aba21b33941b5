package utils

import "strings"

// NormalizeQuestion lowercases a market question and strips punctuation so
// near-identical questions from different venues compare equal under fuzzy
// matching.
func NormalizeQuestion(q string) string {
	var b strings.Builder
	b.Grow(len(q))
	for _, r := range strings.ToLower(q) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n':
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
