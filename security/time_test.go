package security

import (
	"testing"
	"time"
)

func TestIsExpired(t *testing.T) {
	tests := []struct {
		name      string
		expiresAt time.Time
		want      bool
	}{
		{"future expiry", time.Now().Add(time.Hour), false},
		{"zero time never expires", time.Time{}, false},
		{"well past expiry", time.Now().Add(-time.Hour), true},
		{"within grace period", time.Now().Add(-2 * time.Second), false},
		{"just past grace period", time.Now().Add(-DefaultClockSkewGracePeriod - time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsExpired(tt.expiresAt); got != tt.want {
				t.Errorf("IsExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsExpiredWithGracePeriod(t *testing.T) {
	expiresAt := time.Now().Add(-10 * time.Second)

	if !IsExpiredWithGracePeriod(expiresAt, 0) {
		t.Error("expired credential with zero grace period should be expired")
	}
	if IsExpiredWithGracePeriod(expiresAt, time.Minute) {
		t.Error("credential within grace period should not be expired")
	}
}
