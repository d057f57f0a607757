// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.level.String(); got != tt.want {
				t.Errorf("Level.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"verbose", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_JSONToBuffer(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Service: "gateway"})
	logger.Slog().Info("request completed", "request_id", "r1")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("non-file output should default to JSON: %v (%q)", err, buf.String())
	}
	if record["service"] != "gateway" {
		t.Errorf("service = %v", record["service"])
	}
	if record["request_id"] != "r1" {
		t.Errorf("request_id = %v", record["request_id"])
	}
}

func TestNew_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Format: FormatText})
	logger.Slog().Info("hello", "k", "v")

	if !strings.Contains(buf.String(), "msg=hello") {
		t.Errorf("expected text output, got %q", buf.String())
	}
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})
	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept")

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Error("info record should be filtered at warn level")
	}
	if !strings.Contains(out, "kept") {
		t.Error("warn record should be written")
	}
}

func TestNew_RedactsSensitiveKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.Slog().Info("ask", "jwt", "eyJhbGciOi", "question", "secret plans", "doc_id", "d1")

	out := buf.String()
	for _, leaked := range []string{"eyJhbGciOi", "secret plans"} {
		if strings.Contains(out, leaked) {
			t.Errorf("log output leaked %q: %s", leaked, out)
		}
	}
	if !strings.Contains(out, "d1") {
		t.Error("non-sensitive attributes should be kept")
	}
}

func TestNew_CustomRedactKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, RedactKeys: []string{"tenant"}})
	logger.Slog().Info("x", "tenant", "acme", "question", "visible")

	out := buf.String()
	if strings.Contains(out, "acme") {
		t.Error("custom key should be redacted")
	}
	if !strings.Contains(out, "visible") {
		t.Error("custom keys replace the default set")
	}
}

func TestNew_WithLogDir(t *testing.T) {
	dir := t.TempDir()
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: dir, Service: "gateway"})
	logger.Slog().Info("to both")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	name := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("log file not created: %v", err)
	}
	if !strings.Contains(string(data), "to both") {
		t.Errorf("file missing record: %q", data)
	}
	if !strings.Contains(buf.String(), "to both") {
		t.Error("primary output missing record")
	}
}

func TestNew_WithLogDir_InvalidPath(t *testing.T) {
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	logger := New(Config{Output: &buf, LogDir: filepath.Join(file, "logs")})
	if !strings.Contains(buf.String(), "file logging disabled") {
		t.Errorf("expected a warning, got %q", buf.String())
	}
	logger.Slog().Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("logger should keep writing to primary output")
	}
}

func TestLogger_Close_NoFile(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}})
	if err := logger.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close() = %v", err)
	}
}

func TestLogger_ConcurrentUse(t *testing.T) {
	var mu sync.Mutex
	var buf bytes.Buffer
	logger := New(Config{Output: writerFunc(func(p []byte) (int, error) {
		mu.Lock()
		defer mu.Unlock()
		return buf.Write(p)
	})})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Slog().Info("concurrent", "n", n)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if got := strings.Count(buf.String(), "concurrent"); got != 20 {
		t.Errorf("expected 20 records, got %d", got)
	}
}

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) { return f(p) }

// =============================================================================
// Multi-Handler Tests
// =============================================================================

func TestMultiHandler_FansOut(t *testing.T) {
	var a, b bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewJSONHandler(&a, &slog.HandlerOptions{Level: slog.LevelInfo}),
		slog.NewJSONHandler(&b, &slog.HandlerOptions{Level: slog.LevelError}),
	}}

	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("Enabled should be true when any handler is enabled")
	}
	slog.New(h.WithAttrs([]slog.Attr{slog.String("stage", "retrieval")})).Info("only a")

	if !strings.Contains(a.String(), "only a") || !strings.Contains(a.String(), "retrieval") {
		t.Errorf("handler a = %q", a.String())
	}
	if b.Len() != 0 {
		t.Errorf("handler b should filter info, got %q", b.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
