// Package util provides small shared helpers that don't fit into
// domain-specific packages.
package util

// SafeTruncate truncates a string to maxLen characters without panicking.
// Used when logging sensitive data like codes and tokens, where only a
// prefix should be shown.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
