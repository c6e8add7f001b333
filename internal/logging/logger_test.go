package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"paddlecourt/engine/internal/config"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "debug")
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}

	logger.With(Int64("session_id", 42)).Info("session started", String("mode", "ranked"))

	var payload map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if payload["message"] != "session started" {
		t.Fatalf("unexpected message: %v", payload["message"])
	}
	if payload["service"] != "engine" || payload["mode"] != "ranked" {
		t.Fatalf("missing fields: %v", payload)
	}
	if payload["session_id"].(float64) != 42 {
		t.Fatalf("unexpected session id: %v", payload["session_id"])
	}
	if _, ok := payload["timestamp"]; !ok {
		t.Fatalf("expected timestamp key in %v", payload)
	}
}

func TestLoggerRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(&buf, "warn")
	if err != nil {
		t.Fatalf("NewWithWriter: %v", err)
	}
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected info to be filtered, got %q", buf.String())
	}
	logger.Warn("kept")
	if !strings.Contains(buf.String(), "kept") {
		t.Fatalf("expected warn output, got %q", buf.String())
	}
}

func TestUnknownLevelRejected(t *testing.T) {
	if _, err := NewWithWriter(&bytes.Buffer{}, "loud"); err == nil {
		t.Fatal("expected unknown level error")
	}
}

func TestContextLoggerFallsBackToGlobal(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatal("expected global logger fallback")
	}
	custom := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), custom)
	if LoggerFromContext(ctx) != custom {
		t.Fatal("expected stored logger")
	}
}

func TestHTTPTraceMiddlewarePropagatesID(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc123" || rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected trace id to propagate, got ctx=%q header=%q", seen, rec.Header().Get(TraceIDHeader))
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	if len(rec.Header().Get(TraceIDHeader)) != 32 {
		t.Fatalf("expected generated trace id, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestRotatingWriterRotatesAndCompresses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	writer.maxSize = 64

	line := []byte(strings.Repeat("x", 40) + "\n")
	for i := 0; i < 3; i++ {
		if _, err := writer.Write(line); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if err := writer.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	var rotated int
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".gz") {
			rotated++
		}
	}
	if rotated == 0 {
		t.Fatalf("expected a compressed rotated file, got %v", entries)
	}
}
