package logging

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error %d", 1)
			logger.Warnf("warn %d", 2)
			logger.Infof("info %d", 3)
			logger.Debugf("debug %d", 4)

			output := buf.String()

			if got := strings.Contains(output, "ERROR error 1"); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN warn 2"); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO info 3"); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG debug 4"); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_FatalCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got atomic.Value
	logger.SetFatalHandler(func(msg string) { got.Store(msg) })
	logger.Fatalf("%sdisk full", NSFlush)

	if got.Load() != "[flush] disk full" {
		t.Errorf("handler got %v, want %q", got.Load(), "[flush] disk full")
	}
	if !strings.Contains(buf.String(), "FATAL [flush] disk full") {
		t.Errorf("output missing FATAL line: %s", buf.String())
	}
}

func TestDiscardLogger(t *testing.T) {
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
	}
}

func TestParseLevel(t *testing.T) {
	if l, err := ParseLevel("info"); err != nil || l != LevelInfo {
		t.Errorf("ParseLevel(info) = (%v, %v)", l, err)
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("ParseLevel(loud) should fail")
	}
}

func TestIsNilAndOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if !IsNil(nil) {
		t.Error("IsNil(nil) = false")
	}
	if !IsNil(typedNil) {
		t.Error("IsNil(typed nil) = false")
	}
	if IsNil(Discard) {
		t.Error("IsNil(Discard) = true")
	}
	if OrDefault(typedNil) == nil {
		t.Error("OrDefault(typed nil) returned nil")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault should keep a valid logger")
	}
}

func TestLogFormat_Standard(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelInfo)

	logger.Infof("%s%s", NSFlush, "flush started")

	output := buf.String()
	if !strings.Contains(output, "INFO [flush] flush started") {
		t.Errorf("unexpected format: %s", output)
	}
}

// =============================================================================
// ZapLogger
// =============================================================================

func TestZapLogger_ComponentField(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	logger.Infof("%sflushed %d entries", NSFlush, 42)
	logger.Warnf("no component here")

	entries := logs.All()
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].Message != "flushed 42 entries" {
		t.Errorf("message = %q", entries[0].Message)
	}
	if c := entries[0].ContextMap()["component"]; c != "flush" {
		t.Errorf("component = %v, want flush", c)
	}
	if entries[1].Level != zapcore.WarnLevel {
		t.Errorf("level = %v, want warn", entries[1].Level)
	}
	if _, ok := entries[1].ContextMap()["component"]; ok {
		t.Error("unexpected component field")
	}
}

func TestZapLogger_FatalDoesNotExit(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewZapLogger(zap.New(core))

	called := false
	logger.SetFatalHandler(func(string) { called = true })
	logger.Fatalf("%sboom", NSCompact)

	if !called {
		t.Error("fatal handler not called")
	}
	if logs.Len() != 1 || logs.All()[0].ContextMap()["fatal"] != true {
		t.Errorf("expected one fatal-tagged entry, got %v", logs.All())
	}
}

func TestZapLogger_NilIsNop(t *testing.T) {
	logger := NewZapLogger(nil)
	logger.Errorf("dropped")
	_ = logger.Sync()
}
