package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestLoggerWritesActionKeyedJSON(t *testing.T) {
	var buf bytes.Buffer
	lg := NewWithWriter("tracking-agent", &buf).With(map[string]any{"order_id": "ord-1"})

	lg.Error("publish_failed", errors.New("broker down"), map[string]any{"room": "ord-1"})

	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &entry); err != nil {
		t.Fatalf("not json: %v (%q)", err, buf.String())
	}
	for k, want := range map[string]any{
		"service":  "tracking-agent",
		"action":   "publish_failed",
		"message":  "publish_failed",
		"level":    "ERROR",
		"order_id": "ord-1",
		"room":     "ord-1",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %v", k, entry[k], want)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp")
	}
	errField, ok := entry["error"].(map[string]any)
	if !ok || errField["msg"] != "broker down" {
		t.Errorf("unexpected error field: %v", entry["error"])
	}
}
