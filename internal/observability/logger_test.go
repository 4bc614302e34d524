package observability

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerTo(&buf)

	logger.Info("login_failed", map[string]any{"email": "a@b.com"})
	logger.Warn("lockout_record_failed", nil)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal(lines[0], &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["level"] != "info" || first["message"] != "login_failed" || first["email"] != "a@b.com" {
		t.Fatalf("unexpected first line: %v", first)
	}

	var second map[string]any
	if err := json.Unmarshal(lines[1], &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second["level"] != "warn" {
		t.Fatalf("unexpected second line: %v", second)
	}
}
