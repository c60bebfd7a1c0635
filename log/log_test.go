package log

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestModuleAddsAttribute(t *testing.T) {
	var buf bytes.Buffer
	l := NewWithHandler(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l.Module("pool").Info("hello")
	out := buf.String()
	if !strings.Contains(out, `"module":"pool"`) {
		t.Fatalf("expected module attribute in output, got: %s", out)
	}
	if !strings.Contains(out, `"msg":"hello"`) {
		t.Fatalf("expected message in output, got: %s", out)
	}
}

func TestDefaultLoggerSettable(t *testing.T) {
	var buf bytes.Buffer
	custom := NewWithHandler(slog.NewJSONHandler(&buf, nil))
	SetDefault(custom)
	Default().Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Fatal("expected Default() to route through the custom logger")
	}
}

func TestSetDefaultIgnoresNil(t *testing.T) {
	prev := Default()
	SetDefault(nil)
	if Default() != prev {
		t.Fatal("SetDefault(nil) must not replace the default logger")
	}
}
