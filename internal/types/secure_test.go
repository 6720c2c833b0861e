package types

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec-super-secret-12345"

func TestSecretString_Formatting(t *testing.T) {
	s := SecretString(testSecret)

	for _, verb := range []string{"%s", "%v", "%+v", "%#v"} {
		out := fmt.Sprintf(verb, s)
		assert.NotContains(t, out, testSecret, "verb %s leaked the secret", verb)
	}
	assert.Equal(t, redactedPlaceholder, s.String())
}

func TestSecretString_JSONRoundTrip(t *testing.T) {
	type holder struct {
		Secret SecretString `json:"secret"`
	}

	var h holder
	require.NoError(t, json.Unmarshal([]byte(`{"secret":"`+testSecret+`"}`), &h))
	assert.Equal(t, testSecret, h.Secret.Unmask(), "decoding must keep the plaintext")

	out, err := json.Marshal(h)
	require.NoError(t, err)
	assert.JSONEq(t, `{"secret":"***REDACTED***"}`, string(out))
}

func TestSecretString_Slog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	logger.Info("config loaded", "password", SecretString(testSecret))

	assert.NotContains(t, buf.String(), testSecret)
	assert.Contains(t, buf.String(), redactedPlaceholder)
}

func TestSecretString_IsEmpty(t *testing.T) {
	assert.True(t, SecretString("").IsEmpty())
	assert.False(t, SecretString("x").IsEmpty())
}
