package logging

import (
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	logger, err := New("debug", "console")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if !logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatalf("expected debug level enabled")
	}

	logger, err = New("WARN", "json")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if logger.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("info should be disabled at warn level")
	}
}

func TestNewRejectsUnknownValues(t *testing.T) {
	if _, err := New("loud", "json"); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml"); err == nil {
		t.Fatalf("expected format error")
	}
}
