package auditlog

import (
	"bytes"
	"encoding/json"
	"log"
	"strings"
	"testing"
)

func TestEmitWritesOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	l := New(log.New(&buf, "", 0))

	l.Emit(EventDeployCompleted, "app-1", map[string]any{"environment": "preview", "url": "https://preview-app-1.example.com"})

	line := strings.TrimSpace(buf.String())
	var decoded Entry
	if err := json.Unmarshal([]byte(line), &decoded); err != nil {
		t.Fatalf("expected a single valid JSON line, got %q: %v", line, err)
	}
	if decoded.Event != EventDeployCompleted || decoded.AppID != "app-1" {
		t.Fatalf("unexpected entry: %+v", decoded)
	}
	if decoded.Fields["environment"] != "preview" {
		t.Fatalf("expected fields to round-trip, got %+v", decoded.Fields)
	}
}

func TestNewDefaultsToStandardLoggerWhenNil(t *testing.T) {
	l := New(nil)
	if l.out == nil {
		t.Fatalf("expected a default logger to be installed")
	}
}
