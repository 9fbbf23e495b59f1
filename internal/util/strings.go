// Package util provides small shared helpers used across the idp-oauth
// library. Only generic string helpers belong here; anything domain-specific
// lives in its own package.
package util

// SafeTruncate safely truncates a string to maxLen characters without
// panicking. Returns the original string if it's shorter than maxLen,
// otherwise the first maxLen characters. Used when logging secrets such as
// authorization codes and session IDs, where only a prefix may be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
