package encoderlog

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNamedAndWithCarryFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewZap(zap.New(core)).Named("encoder").With(String("session", "abc"))

	l.Warn("stall detected", Int("pending", 5), Error(errors.New("boom")))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.LoggerName != "encoder" {
		t.Errorf("logger name = %q, want encoder", e.LoggerName)
	}
	ctx := e.ContextMap()
	if ctx["session"] != "abc" {
		t.Errorf("session field = %v", ctx["session"])
	}
	if ctx["pending"] != int64(5) {
		t.Errorf("pending field = %v", ctx["pending"])
	}
	if ctx["error"] != "boom" {
		t.Errorf("error field = %v", ctx["error"])
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	if _, err := New("verbose", false); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := New("debug", true); err != nil {
		t.Fatalf("debug/development: %v", err)
	}
}

func TestReplaceGlobalIgnoresNil(t *testing.T) {
	prev := L()
	defer ReplaceGlobal(prev)

	n := Nop()
	ReplaceGlobal(n)
	ReplaceGlobal(nil)
	if L() != n {
		t.Fatal("nil replacement must keep the current logger")
	}
}
