package applog

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	Info("indexing started", "backend", "qdrant")
	Debug("chunk detail")
	Sync()

	out := buf.String()
	if !strings.Contains(out, "indexing started") || !strings.Contains(out, `"backend"`) {
		t.Fatalf("missing structured fields: %s", out)
	}
	if strings.Contains(out, "chunk detail") {
		t.Fatalf("debug line leaked at info level: %s", out)
	}
}

func TestSetLevelTakesEffectAtRuntime(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})

	Debug("before")
	SetLevel("debug")
	Debug("after")
	Sync()

	out := buf.String()
	if strings.Contains(out, `"before"`) {
		t.Fatalf("debug line logged before SetLevel: %s", out)
	}
	if !strings.Contains(out, `"after"`) {
		t.Fatalf("debug line missing after SetLevel: %s", out)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{in: "debug", want: zapcore.DebugLevel},
		{in: " WARN ", want: zapcore.WarnLevel},
		{in: "error", want: zapcore.ErrorLevel},
		{in: "", want: zapcore.InfoLevel},
		{in: "bogus", want: zapcore.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
