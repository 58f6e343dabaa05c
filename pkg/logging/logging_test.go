package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"chatty":  slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupRejectsBadOptions(t *testing.T) {
	if _, err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("Setup accepted an unknown level")
	}
	if _, err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("Setup accepted an unknown format")
	}
}

func TestSetupWritesJSONToConsoleAndFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	var console bytes.Buffer
	path := filepath.Join(t.TempDir(), "bridge.log")
	closer, err := Setup(Options{Level: "info", Format: "json", Output: &console, File: path})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}

	slog.Debug("hidden")
	slog.Info("room created", "room", "dev")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	var rec map[string]any
	if err := json.Unmarshal(console.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not one JSON record: %v\n%s", err, console.String())
	}
	if rec["msg"] != "room created" || rec["room"] != "dev" {
		t.Errorf("record = %v", rec)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"room":"dev"`) {
		t.Errorf("log file missing record:\n%s", data)
	}
}
