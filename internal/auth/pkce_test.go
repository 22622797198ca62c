package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateCodeVerifier(t *testing.T) {
	verifier, err := GenerateCodeVerifier()
	require.NoError(t, err)

	// 32 random bytes base64url-encoded without padding
	raw, err := base64.RawURLEncoding.DecodeString(verifier)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotContains(t, verifier, "=")
	assert.NotContains(t, verifier, "+")
	assert.NotContains(t, verifier, "/")
}

func TestCodeChallengeIsS256OfVerifier(t *testing.T) {
	verifier := "test-verifier-value"
	challenge := CodeChallenge(verifier)

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), challenge)
}

func TestGeneratePKCEPair(t *testing.T) {
	verifier, challenge, err := GeneratePKCEPair()
	require.NoError(t, err)
	assert.Equal(t, CodeChallenge(verifier), challenge)
	assert.NotEqual(t, verifier, challenge)

	// a fresh pair must differ
	verifier2, _, err := GeneratePKCEPair()
	require.NoError(t, err)
	assert.NotEqual(t, verifier, verifier2)
}

func TestGenerateRandomState(t *testing.T) {
	state, err := GenerateRandomState()
	require.NoError(t, err)
	assert.Len(t, state, 32) // 16 bytes hex-encoded

	state2, err := GenerateRandomState()
	require.NoError(t, err)
	assert.NotEqual(t, state, state2)
}
