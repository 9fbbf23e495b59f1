package util

import "testing"

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "abc", 10, "abc"},
		{"exactly max", "abcdef", 6, "abcdef"},
		{"longer than max", "authorization-code-value", 8, "authoriz"},
		{"empty string", "", 5, ""},
		{"zero max", "secret", 0, ""},
		{"negative max", "secret", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}
