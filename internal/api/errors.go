// Package api implements the HTTP surface of the mockup server: calibration
// template management, mockup generation and health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/geometry"
	imgcodec "github.com/onnwee/mockup/internal/image"
	"github.com/onnwee/mockup/internal/middleware"
	"github.com/onnwee/mockup/internal/mockup"
	"github.com/onnwee/mockup/internal/storage"
)

// Error codes returned in the error envelope.
const (
	// ErrCodeValidation indicates input validation failure.
	ErrCodeValidation = "validation_error"

	// ErrCodeBadRequest indicates a malformed request.
	ErrCodeBadRequest = "bad_request"

	// ErrCodeNotFound indicates the requested resource was not found.
	ErrCodeNotFound = "not_found"

	// ErrCodeMethodNotAllowed indicates an unsupported method on a known path.
	ErrCodeMethodNotAllowed = "method_not_allowed"

	// ErrCodeInvalidGeometry indicates a degenerate or out-of-bounds frame.
	ErrCodeInvalidGeometry = "invalid_geometry"

	// ErrCodeCreativeFrameCountMismatch indicates several creatives whose
	// count differs from the photo's frame count.
	ErrCodeCreativeFrameCountMismatch = "creative_frame_count_mismatch"

	// ErrCodeUnsupportedMediaType indicates a creative or photo that is not
	// an accepted image type.
	ErrCodeUnsupportedMediaType = "unsupported_media_type"

	// ErrCodePayloadTooLarge indicates an upload over the configured limit.
	ErrCodePayloadTooLarge = "payload_too_large"

	// ErrCodeUpstreamGeneration indicates the image model failed.
	ErrCodeUpstreamGeneration = "upstream_generation_failed"

	// ErrCodeCompositing indicates an unexpected rendering fault.
	ErrCodeCompositing = "compositing_failed"

	// ErrCodeTimeout indicates the request deadline passed.
	ErrCodeTimeout = "timeout"

	// ErrCodeInternal indicates an internal server error.
	ErrCodeInternal = "internal_error"
)

// ErrorResponse represents the standard error response format.
// All API errors return JSON in this structure: {"error": {"code": "...", "message": "..."}}
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains the error code and human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError writes a JSON error envelope and records code for the request log.
func WriteError(w http.ResponseWriter, ctx context.Context, status int, code, message string) {
	middleware.SetErrorCode(ctx, code)
	writeJSON(ctx, w, status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON encodes v with the given status.
func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal response", slog.String("error", err.Error()))
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("Internal server error"))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		slog.ErrorContext(ctx, "failed to write response", slog.String("error", err.Error()))
	}
}

// requestError is a client error detected by the handlers themselves, with
// a fixed status and code.
type requestError struct {
	status int
	code   string
	msg    string
}

func (e *requestError) Error() string { return e.msg }

func newRequestError(status int, code, format string, args ...any) *requestError {
	return &requestError{status: status, code: code, msg: fmt.Sprintf(format, args...)}
}

// ErrorStatus maps a service error to its HTTP status and error code.
func ErrorStatus(err error) (int, string) {
	var re *requestError
	switch {
	case errors.As(err, &re):
		return re.status, re.code
	case errors.Is(err, mockup.ErrCompositing):
		// Wrapped causes are server-side; checked before the client error cases.
		return http.StatusInternalServerError, ErrCodeCompositing
	case errors.Is(err, geometry.ErrInvalidGeometry):
		return http.StatusUnprocessableEntity, ErrCodeInvalidGeometry
	case errors.Is(err, mockup.ErrCreativeFrameCountMismatch):
		return http.StatusUnprocessableEntity, ErrCodeCreativeFrameCountMismatch
	case errors.Is(err, calibration.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, calibration.ErrInvalidKey),
		errors.Is(err, calibration.ErrNoFrames),
		errors.Is(err, mockup.ErrInvalidRequest):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, storage.ErrInvalidPhoto), errors.Is(err, imgcodec.ErrUnsupportedFormat), errors.Is(err, imgcodec.ErrEmptyImage):
		return http.StatusUnsupportedMediaType, ErrCodeUnsupportedMediaType
	case errors.Is(err, mockup.ErrUpstreamGeneration):
		return http.StatusBadGateway, ErrCodeUpstreamGeneration
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeServiceError maps err with ErrorStatus and writes the envelope.
// Server-side failures are logged and their details withheld from the client.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	status, code := ErrorStatus(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.ErrorContext(r.Context(), "request failed",
			slog.String("error_code", code),
			slog.String("error", err.Error()))
		message = http.StatusText(status)
		var ce *mockup.CompositingError
		if errors.As(err, &ce) {
			message = "Compositing failed for " + ce.Key.String()
		}
	}
	WriteError(w, r.Context(), status, code, message)
}
