// Package stringutil provides common string utility functions.
package stringutil

// Truncate truncates a string to at most maxLen runes. Counting runes rather
// than bytes keeps multi-byte prompts from being cut mid-character.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen])
}

// TruncateWithEllipsis truncates a string to at most maxLen runes and appends
// "..." when something was cut. The result never exceeds maxLen runes.
func TruncateWithEllipsis(s string, maxLen int) string {
	if maxLen < 4 {
		return Truncate(s, maxLen)
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen-3]) + "..."
}

// ShortSHA returns the conventional 7-character prefix of a commit SHA.
// Shorter inputs are returned unchanged.
func ShortSHA(sha string) string {
	if len(sha) <= 7 {
		return sha
	}
	return sha[:7]
}

// IsBlank reports whether a string is empty or contains only whitespace.
func IsBlank(s string) bool {
	for _, r := range s {
		if r != ' ' && r != '\t' && r != '\n' && r != '\r' {
			return false
		}
	}
	return true
}
