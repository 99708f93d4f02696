package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/onnwee/mockup/internal/calibration"
	"github.com/onnwee/mockup/internal/middleware"
)

// ErrorCodeUnauthorized is the error code of rejected requests.
const ErrorCodeUnauthorized = "unauthorized"

// bearerToken extracts the token from an "Authorization: Bearer <token>" header.
func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// RequireOperator rejects requests without a valid operator token with 401.
// On success the token subject is attached to the request context as the
// operator (for logs and rate limiting) and as the calibration actor.
func RequireOperator(svc *JWTService, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w, r, "Missing bearer token")
				return
			}
			claims, err := svc.ValidateToken(token)
			if err != nil {
				msg := "Invalid bearer token"
				if errors.Is(err, ErrExpiredToken) {
					msg = "Bearer token has expired"
				}
				logger.DebugContext(r.Context(), "rejected operator token", slog.String("error", err.Error()))
				unauthorized(w, r, msg)
				return
			}

			ctx := middleware.SetOperator(r.Context(), claims.Subject)
			ctx = calibration.WithActor(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	middleware.SetErrorCode(r.Context(), ErrorCodeUnauthorized)
	w.Header().Set("WWW-Authenticate", `Bearer realm="mockup"`)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    ErrorCodeUnauthorized,
			"message": message,
		},
	})
}
