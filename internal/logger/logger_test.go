package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestJSONOutputCarriesFields(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "info", Format: "json", Output: &buf, ServiceName: "test-svc"})

	l.WithFields(Fields{FieldJobID: "j1", FieldFile: "1-2.proof"}).WithError(errors.New("boom")).Error("job failed")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	for key, want := range map[string]string{
		"service":  "test-svc",
		"job_id":   "j1",
		"artifact": "1-2.proof",
		"error":    "boom",
		"message":  "job failed",
		"level":    "error",
	} {
		if got, _ := entry[key].(string); got != want {
			t.Errorf("field %s = %q, want %q", key, got, want)
		}
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("missing timestamp field")
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "warn", Output: &buf})
	l.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info line written at warn level: %s", buf.String())
	}
	l.Warn("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("warn line missing: %s", buf.String())
	}
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(&Config{Level: "chatty", Output: &buf})
	l.Debug("hidden")
	l.Info("shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %s", buf.String())
	}
}

func TestFileSink(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "worker.log")
	l := New(&Config{Level: "info", Output: &buf, File: path, MaxSizeMB: 1})
	l.Info("to both")
	if err := l.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Fatalf("stdout sink missing line")
	}
}

func TestContextRoundTrip(t *testing.T) {
	def := Discard()
	l := Discard().WithField(FieldJobID, "abc")
	ctx := l.WithContext(context.Background())
	if FromContext(ctx, def) != l {
		t.Fatal("logger not recovered from context")
	}
	if FromContext(context.Background(), def) != def {
		t.Fatal("expected default logger")
	}
}
