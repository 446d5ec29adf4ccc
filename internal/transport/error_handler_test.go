package transport

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestErrorHandler(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name        string
		err         error
		wantStatus  int
		wantMessage string
		wantLevel   zapcore.Level
	}{
		{
			name:        "client error keeps message",
			err:         fiber.NewError(fiber.StatusBadRequest, "token is required"),
			wantStatus:  fiber.StatusBadRequest,
			wantMessage: "token is required",
			wantLevel:   zapcore.WarnLevel,
		},
		{
			name:        "wrapped fiber error",
			err:         errors.Join(errors.New("lookup"), fiber.NewError(fiber.StatusNotFound, "record not found")),
			wantStatus:  fiber.StatusNotFound,
			wantMessage: "lookup\nrecord not found",
			wantLevel:   zapcore.WarnLevel,
		},
		{
			name:        "plain error is hidden",
			err:         errors.New("pq: connection refused"),
			wantStatus:  fiber.StatusInternalServerError,
			wantMessage: "internal server error",
			wantLevel:   zapcore.ErrorLevel,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			core, recorded := observer.New(zapcore.DebugLevel)
			app := fiber.New(fiber.Config{ErrorHandler: ErrorHandler(zap.New(core))})
			app.Get("/v1/notifications/:id", func(c *fiber.Ctx) error {
				return tc.err
			})

			req := httptest.NewRequest("GET", "/v1/notifications/r-1", nil)
			req.Header.Set(fiber.HeaderXRequestID, "req-9")
			resp, err := app.Test(req)
			if err != nil {
				t.Fatalf("app.Test() error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tc.wantStatus {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tc.wantStatus)
			}
			var body map[string]string
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body["error"] != tc.wantMessage {
				t.Fatalf("error = %q, want %q", body["error"], tc.wantMessage)
			}

			entries := recorded.All()
			if len(entries) != 1 {
				t.Fatalf("log entries = %d, want 1", len(entries))
			}
			if entries[0].Level != tc.wantLevel {
				t.Fatalf("log level = %s, want %s", entries[0].Level, tc.wantLevel)
			}
			if got := entries[0].ContextMap()["correlationId"]; got != "req-9" {
				t.Fatalf("correlationId = %v, want req-9", got)
			}
		})
	}
}
