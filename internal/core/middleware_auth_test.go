package core

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"fleetrelay/internal/types"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name     string
		headers  map[string]string
		wantCode int
		wantErr  types.ErrorCode
	}{
		{name: "bearer token", headers: map[string]string{"Authorization": "Bearer " + testAdminKey}, wantCode: http.StatusOK},
		{name: "lowercase scheme", headers: map[string]string{"Authorization": "bearer " + testAdminKey}, wantCode: http.StatusOK},
		{name: "admin key header", headers: map[string]string{"X-Admin-Key": testAdminKey}, wantCode: http.StatusOK},
		{name: "missing", wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthTokenMissing},
		{name: "basic scheme", headers: map[string]string{"Authorization": "Basic abc"}, wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthTokenMissing},
		{name: "wrong key", headers: map[string]string{"Authorization": "Bearer nope"}, wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthTokenInvalid},
		{name: "wrong header key", headers: map[string]string{"X-Admin-Key": testAdminKey + "x"}, wantCode: http.StatusUnauthorized, wantErr: types.ErrCodeAuthTokenInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := newTestServer(t, newFakeDeadLetters())
			rec := do(t, srv, http.MethodGet, "/v1/dead-letters", "", tt.headers)
			assert.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				var body APIErrorResponse
				decodeBody(t, rec, &body)
				assert.Equal(t, string(tt.wantErr), body.Error.Code)
				assert.NotEmpty(t, body.Error.RequestID)
			}
		})
	}
}

func TestAdminAuthMiddleware_NoKeyConfigured(t *testing.T) {
	srv, logs := newTestServer(t, newFakeDeadLetters())
	srv.Config.Security.AdminAPIKey = ""

	rec := do(t, srv, http.MethodGet, "/v1/dead-letters", "", map[string]string{"Authorization": "Bearer "})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	var body APIErrorResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "Admin API is disabled", body.Error.Message)
	assert.Contains(t, logs.String(), "no admin key configured")
}

func TestExtractBearerToken(t *testing.T) {
	assert.Equal(t, "abc", extractBearerToken("Bearer abc"))
	assert.Equal(t, "abc", extractBearerToken("BEARER  abc "))
	assert.Empty(t, extractBearerToken("Bearer"))
	assert.Empty(t, extractBearerToken("Token abc"))
	assert.Empty(t, extractBearerToken(""))
}
