package core

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"fleetrelay/internal/types"
)

// adminKeyHeader is accepted as an alternative to a bearer token.
const adminKeyHeader = "X-Admin-Key"

// AdminAuthMiddleware guards the operator API with the static ADMIN_API_KEY.
// The key may be sent as "Authorization: Bearer <key>" or in X-Admin-Key and
// is compared in constant time. With no key configured every request is
// rejected, so the API is never open by accident.
func (s *Server) AdminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := s.Config.Security.AdminAPIKey.Unmask()
		if expected == "" {
			s.Logger.Warn("admin request rejected: no admin key configured",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Admin API is disabled")
			return
		}

		token := extractBearerToken(r.Header.Get("Authorization"))
		if token == "" {
			token = strings.TrimSpace(r.Header.Get(adminKeyHeader))
		}
		if token == "" {
			s.writeAuthError(w, r, types.ErrCodeAuthTokenMissing, "Missing admin key")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			s.Logger.Warn("admin request rejected: invalid key",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("remote_addr", r.RemoteAddr),
			)
			s.writeAuthError(w, r, types.ErrCodeAuthTokenInvalid, "Invalid admin key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// extractBearerToken parses the Authorization header value and returns
// the token string. It expects the format "Bearer <token>" (case-insensitive
// scheme per RFC 7235). Returns empty string if the format is invalid.
func extractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) < len(prefix) {
		return ""
	}
	if !strings.EqualFold(authHeader[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(authHeader[len(prefix):])
}

// writeAuthError writes a 401 Unauthorized JSON response with the given error code.
func (s *Server) writeAuthError(w http.ResponseWriter, r *http.Request, code types.ErrorCode, message string) {
	JSON(w, r, http.StatusUnauthorized, APIErrorResponse{
		Error: ErrorDetail{
			Code:      string(code),
			Message:   message,
			RequestID: types.GetRequestID(r.Context()),
		},
	})
}
