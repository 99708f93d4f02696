package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

// testLogEntry represents a parsed JSON log entry for testing.
type testLogEntry struct {
	Level     string `json:"level"`
	Msg       string `json:"msg"`
	Method    string `json:"method"`
	Path      string `json:"path"`
	Status    int    `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
	Size      int    `json:"size"`
	RequestID string `json:"request_id"`
	Operator  string `json:"operator"`
	ErrorCode string `json:"error_code"`
}

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

func TestLogging(t *testing.T) {
	tests := []struct {
		name      string
		handler   http.HandlerFunc
		wantLevel string
		wantCode  string
		wantOp    string
		wantSize  int
		status    int
	}{
		{
			name: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte("hello"))
			},
			wantLevel: "INFO",
			status:    http.StatusOK,
			wantSize:  5,
		},
		{
			name: "client error with code and operator",
			handler: func(w http.ResponseWriter, r *http.Request) {
				ctx := SetOperator(r.Context(), "alice")
				SetErrorCode(ctx, "invalid_geometry")
				w.WriteHeader(http.StatusUnprocessableEntity)
			},
			wantLevel: "WARN",
			status:    http.StatusUnprocessableEntity,
			wantCode:  "invalid_geometry",
			wantOp:    "alice",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				SetErrorCode(r.Context(), "compositing_failed")
				w.WriteHeader(http.StatusInternalServerError)
			},
			wantLevel: "ERROR",
			status:    http.StatusInternalServerError,
			wantCode:  "compositing_failed",
		},
		{
			name: "error code ignored on success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				SetErrorCode(r.Context(), "ignored")
				w.WriteHeader(http.StatusCreated)
			},
			wantLevel: "INFO",
			status:    http.StatusCreated,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			handler := RequestID(Logging(newTestLogger(buf))(tt.handler))

			req := httptest.NewRequest(http.MethodPost, "/v1/mockups", nil)
			req.Header.Set(RequestIDHeader, "req-42")
			handler.ServeHTTP(httptest.NewRecorder(), req)

			var entry testLogEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("failed to parse log entry %q: %v", buf.String(), err)
			}
			if entry.Msg != "request completed" || entry.Method != http.MethodPost || entry.Path != "/v1/mockups" {
				t.Errorf("entry = %+v", entry)
			}
			if entry.Level != tt.wantLevel {
				t.Errorf("level = %s, want %s", entry.Level, tt.wantLevel)
			}
			if entry.Status != tt.status {
				t.Errorf("status = %d, want %d", entry.Status, tt.status)
			}
			if entry.Size != tt.wantSize {
				t.Errorf("size = %d, want %d", entry.Size, tt.wantSize)
			}
			if entry.RequestID != "req-42" {
				t.Errorf("request_id = %q", entry.RequestID)
			}
			if entry.ErrorCode != tt.wantCode {
				t.Errorf("error_code = %q, want %q", entry.ErrorCode, tt.wantCode)
			}
			if entry.Operator != tt.wantOp {
				t.Errorf("operator = %q, want %q", entry.Operator, tt.wantOp)
			}
		})
	}
}

func TestContextHelpers_WithoutLogging(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if GetOperator(req.Context()) != "" || GetErrorCode(req.Context()) != "" {
		t.Fatal("expected empty values on a bare context")
	}

	ctx := SetErrorCode(req.Context(), "not_found")
	ctx = SetOperator(ctx, "bob")
	if GetErrorCode(ctx) != "not_found" {
		t.Errorf("GetErrorCode() = %q", GetErrorCode(ctx))
	}
	if GetOperator(ctx) != "bob" {
		t.Errorf("GetOperator() = %q", GetOperator(ctx))
	}
}

func TestResponseWriter_WriteHeaderOnce(t *testing.T) {
	rw := newResponseWriter(httptest.NewRecorder())
	rw.WriteHeader(http.StatusAccepted)
	rw.WriteHeader(http.StatusInternalServerError)
	if rw.statusCode != http.StatusAccepted {
		t.Errorf("statusCode = %d, want first value", rw.statusCode)
	}
}

func TestNewLogger(t *testing.T) {
	if _, ok := NewLogger("production").Handler().(*slog.JSONHandler); !ok {
		t.Error("production logger should use the JSON handler")
	}
	if _, ok := NewLogger("development").Handler().(*slog.TextHandler); !ok {
		t.Error("development logger should use the text handler")
	}
}
