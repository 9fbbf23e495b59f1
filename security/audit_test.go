package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func auditorWithBuffer(enabled bool) (*Auditor, *bytes.Buffer) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	return NewAuditor(logger, enabled), &buf
}

func TestAuditor_LogEventHashesUserID(t *testing.T) {
	auditor, buf := auditorWithBuffer(true)

	auditor.LogLoginSucceeded("alice@example.com", "client-1", "203.0.113.1")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("audit log contains raw user ID")
	}
	if !strings.Contains(out, EventLoginSucceeded) {
		t.Errorf("audit log missing event type, got: %s", out)
	}
	if !strings.Contains(out, "client-1") {
		t.Error("audit log missing client ID")
	}
}

func TestAuditor_Disabled(t *testing.T) {
	auditor, buf := auditorWithBuffer(false)

	auditor.LogAuthFailure("", "client-1", "203.0.113.1", "bad_secret")

	if buf.Len() != 0 {
		t.Errorf("disabled auditor wrote output: %s", buf.String())
	}
}

func TestHashForLogging(t *testing.T) {
	if got := hashForLogging(""); got != "<empty>" {
		t.Errorf("hashForLogging(\"\") = %q, want <empty>", got)
	}

	h1 := hashForLogging("user-1")
	h2 := hashForLogging("user-2")
	if h1 == h2 {
		t.Error("different inputs produced identical hashes")
	}
	if len(h1) != 16 {
		t.Errorf("hash length = %d, want 16", len(h1))
	}
}
