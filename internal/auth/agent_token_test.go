package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAgentToken(t *testing.T) {
	token := "enroll-secret-123"

	hash, err := HashAgentToken(token)
	require.NoError(t, err)
	assert.NotEqual(t, token, hash)

	// Verify the hash is valid bcrypt format (starts with $2a$)
	assert.Equal(t, "$2a$", hash[:4])
}

func TestCheckAgentToken(t *testing.T) {
	hash, err := HashAgentToken("correct-token")
	require.NoError(t, err)

	assert.True(t, CheckAgentToken("correct-token", hash))
	assert.False(t, CheckAgentToken("wrong-token", hash))
	assert.False(t, CheckAgentToken("", hash))
	assert.False(t, CheckAgentToken("correct-token", "not-a-hash"))
}

func TestCheckAgentTokenWithKnownHash(t *testing.T) {
	// Generated with token "changeme"
	knownHash := "$2a$10$uejoNCSLZ9YkKOZriLlSGeg0pm/nuGVS3nRuSPyYuk/Z7HJHKBhGO"

	assert.True(t, CheckAgentToken("changeme", knownHash))
	assert.False(t, CheckAgentToken("root", knownHash))
}
