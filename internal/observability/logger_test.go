package observability

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name      string
		level     string
		format    string
		wantErr   bool
		wantDebug bool
	}{
		{name: "debug json", level: "debug", format: "json", wantDebug: true},
		{name: "info console", level: "INFO", format: "console"},
		{name: "defaults", level: "", format: ""},
		{name: "warn hides debug", level: " warn ", format: "json"},
		{name: "unknown level", level: "verbose", format: "json", wantErr: true},
		{name: "unknown format", level: "info", format: "xml", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			logger, err := NewLogger(tc.level, tc.format)
			if tc.wantErr {
				if err == nil || logger != nil {
					t.Fatalf("NewLogger() = (%v, %v), want (nil, error)", logger, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewLogger() error = %v", err)
			}
			if got := logger.Core().Enabled(zapcore.DebugLevel); got != tc.wantDebug {
				t.Fatalf("debug enabled = %v, want %v", got, tc.wantDebug)
			}
		})
	}
}

func TestContextIDs(t *testing.T) {
	t.Parallel()

	ctx := WithRecordID(WithCorrelationID(context.Background(), "req-42"), "rec-7")

	if got, ok := CorrelationIDFromContext(ctx); !ok || got != "req-42" {
		t.Fatalf("CorrelationIDFromContext() = (%q, %v), want (req-42, true)", got, ok)
	}
	if got, ok := RecordIDFromContext(ctx); !ok || got != "rec-7" {
		t.Fatalf("RecordIDFromContext() = (%q, %v), want (rec-7, true)", got, ok)
	}

	if _, ok := RecordIDFromContext(WithRecordID(context.Background(), "")); ok {
		t.Fatal("empty record id should read as missing")
	}
	if _, ok := CorrelationIDFromContext(context.Background()); ok {
		t.Fatal("correlation id should be missing on a bare context")
	}
}

func TestWithContextLogger(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name   string
		ctx    context.Context
		fields map[string]any
	}{
		{
			name:   "both ids",
			ctx:    WithRecordID(WithCorrelationID(context.Background(), "req-1"), "rec-1"),
			fields: map[string]any{"correlationId": "req-1", "recordId": "rec-1"},
		},
		{
			name:   "record only",
			ctx:    WithRecordID(context.Background(), "rec-2"),
			fields: map[string]any{"recordId": "rec-2"},
		},
		{
			name:   "no ids",
			ctx:    context.Background(),
			fields: map[string]any{},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			core, recorded := observer.New(zapcore.InfoLevel)
			WithContextLogger(zap.New(core), tc.ctx).Info("delivering")

			entries := recorded.All()
			if len(entries) != 1 {
				t.Fatalf("entries = %d, want 1", len(entries))
			}
			got := entries[0].ContextMap()
			if len(got) != len(tc.fields) {
				t.Fatalf("fields = %v, want %v", got, tc.fields)
			}
			for key, want := range tc.fields {
				if got[key] != want {
					t.Fatalf("%s = %v, want %v", key, got[key], want)
				}
			}
		})
	}

	if WithContextLogger(nil, context.Background()) != nil {
		t.Fatal("nil logger should stay nil")
	}
}

func TestCronLogger(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.DebugLevel)
	logger := CronLogger(zap.New(core))

	logger.Info("schedule", "entry", 1)
	logger.Error(errors.New("boom"), "job panicked", "entry", 1)

	entries := recorded.All()
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	if entries[0].Level != zapcore.DebugLevel {
		t.Fatalf("info level = %s, want debug", entries[0].Level)
	}
	if entries[1].Level != zapcore.ErrorLevel || entries[1].ContextMap()["error"] != "boom" {
		t.Fatalf("error entry = %+v", entries[1])
	}
	if entries[0].LoggerName != "cron" {
		t.Fatalf("logger name = %q, want cron", entries[0].LoggerName)
	}
}
