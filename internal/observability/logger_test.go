package observability

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name    string
		level   string
		want    zapcore.Level
		wantErr bool
	}{
		{name: "debug", level: "debug", want: zapcore.DebugLevel},
		{name: "warn uppercase", level: "WARN", want: zapcore.WarnLevel},
		{name: "padded info", level: " info ", want: zapcore.InfoLevel},
		{name: "empty defaults to info", level: "", want: zapcore.InfoLevel},
		{name: "unknown level", level: "loud", wantErr: true},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := parseLevel(tc.level)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("level=%v, want=%v", got, tc.want)
			}
		})
	}
}

func TestLoggerConfig(t *testing.T) {
	t.Parallel()

	cfg := loggerConfig(zapcore.DebugLevel)

	if cfg.Sampling != nil {
		t.Fatal("expected sampling to be disabled")
	}
	if !cfg.DisableStacktrace {
		t.Fatal("expected stacktraces to be disabled")
	}
	if cfg.EncoderConfig.TimeKey != "ts" {
		t.Fatalf("time key=%q, want=%q", cfg.EncoderConfig.TimeKey, "ts")
	}
	if cfg.EncoderConfig.MessageKey != "message" {
		t.Fatalf("message key=%q, want=%q", cfg.EncoderConfig.MessageKey, "message")
	}
	if !cfg.Level.Enabled(zapcore.DebugLevel) {
		t.Fatal("expected debug to be enabled")
	}
}

func TestNewLogger(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("info")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if logger == nil {
		t.Fatal("logger should not be nil")
	}
	if logger.Core().Enabled(zapcore.DebugLevel) {
		t.Fatal("debug should be disabled at info level")
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	t.Parallel()

	logger, err := NewLogger("not-a-level")
	if err == nil {
		t.Fatal("expected error for invalid level")
	}
	if logger != nil {
		t.Fatal("expected nil logger for invalid level")
	}
}

func TestCorrelationID_ContextHelpers(t *testing.T) {
	t.Parallel()

	ctx := WithCorrelationID(context.Background(), "cid-123")
	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		t.Fatal("expected correlation id to exist")
	}
	if correlationID != "cid-123" {
		t.Fatalf("correlation id=%q, want=%q", correlationID, "cid-123")
	}
}

func TestCorrelationID_BlankIDIgnored(t *testing.T) {
	t.Parallel()

	ctx := WithCorrelationID(context.Background(), "   ")
	if _, ok := CorrelationIDFromContext(ctx); ok {
		t.Fatal("expected blank correlation id to be ignored")
	}
}

func TestCorrelationID_MissingValue(t *testing.T) {
	t.Parallel()

	_, ok := CorrelationIDFromContext(context.Background())
	if ok {
		t.Fatal("expected correlation id to be missing")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	ctx := WithCorrelationID(context.Background(), "cid-789")
	loggerWithContext := WithContextLogger(baseLogger, ctx)
	loggerWithContext.Info("message with correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if got := entries[0].ContextMap()["correlationId"]; got != "cid-789" {
		t.Fatalf("correlationId=%v, want=%q", got, "cid-789")
	}
}

func TestWithContextLogger_NoCorrelationID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	baseLogger := zap.New(core)

	loggerWithContext := WithContextLogger(baseLogger, context.Background())
	loggerWithContext.Info("message without correlation")

	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("entries=%d, want=1", len(entries))
	}

	if _, ok := entries[0].ContextMap()["correlationId"]; ok {
		t.Fatal("expected correlationId field to be absent")
	}
}

func TestWithContextLogger_NilLogger(t *testing.T) {
	t.Parallel()

	if got := WithContextLogger(nil, context.Background()); got != nil {
		t.Fatal("expected nil logger")
	}
}
