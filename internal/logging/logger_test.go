package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/ppvctl/internal/config"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zapcore.Level{
		"debug":   zapcore.DebugLevel,
		"info":    zapcore.InfoLevel,
		"warn":    zapcore.WarnLevel,
		"error":   zapcore.ErrorLevel,
		"":        zapcore.InfoLevel,
		"verbose": zapcore.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNewRespectsLevel(t *testing.T) {
	l, err := New(config.LoggingConfig{Level: "warn", Output: "stderr"})
	if err != nil {
		t.Fatal(err)
	}
	if l.Core().Enabled(zapcore.InfoLevel) {
		t.Error("info should be disabled at warn level")
	}
	if !l.Core().Enabled(zapcore.WarnLevel) {
		t.Error("warn should be enabled")
	}
}

// readLog writes one entry through a file-backed logger and returns the file.
func readLog(t *testing.T, format string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ppvctl.log")
	l, err := New(config.LoggingConfig{
		Level:    "debug",
		Format:   format,
		Output:   path,
		Rotation: config.LogRotationConfig{MaxSize: 1, MaxBackups: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	l.Debug("Tick", zap.String("switch", "s1"), zap.Int64("threshold", 1500))
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	return string(data)
}

func TestFileOutputJSON(t *testing.T) {
	line := strings.TrimSpace(readLog(t, "json"))
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not JSON: %q", line)
	}
	if entry["msg"] != "Tick" || entry["switch"] != "s1" || entry["threshold"] != float64(1500) {
		t.Errorf("entry = %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("entry has no timestamp key")
	}
}

func TestFileOutputConsole(t *testing.T) {
	out := readLog(t, "console")
	if !strings.Contains(out, "Tick") || !strings.Contains(out, `"switch": "s1"`) {
		t.Errorf("console output = %q", out)
	}
}

func TestGlobalHelpers(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	core, logs := observer.New(zapcore.InfoLevel)
	SetGlobal(zap.New(core))

	Debug("hidden")
	Info("Starting PPV controller")
	Warn("Redis publisher disabled")
	Error("Controller stopped")
	With(zap.String("switch", "s2")).Info("Registers initialized")

	entries := logs.All()
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	wantLevels := []zapcore.Level{zapcore.InfoLevel, zapcore.WarnLevel, zapcore.ErrorLevel, zapcore.InfoLevel}
	for i, e := range entries {
		if e.Level != wantLevels[i] {
			t.Errorf("entry %d (%s): level %v, want %v", i, e.Message, e.Level, wantLevels[i])
		}
	}
	if entries[3].ContextMap()["switch"] != "s2" {
		t.Errorf("With field missing: %v", entries[3].ContextMap())
	}
}
