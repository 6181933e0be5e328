package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndValidate(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.Generate("node-2", time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, jt.Token)

	nodeID, err := tm.Validate(jt.Token)
	require.NoError(t, err)
	assert.Equal(t, "node-2", nodeID)
}

func TestValidateRejectsUnknownToken(t *testing.T) {
	tm := NewTokenManager()
	_, err := tm.Validate("does-not-exist")
	assert.Error(t, err)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.Generate("node-2", -time.Hour)
	require.NoError(t, err)

	_, err = tm.Validate(jt.Token)
	assert.Error(t, err)
}

func TestRevokeInvalidatesToken(t *testing.T) {
	tm := NewTokenManager()
	jt, err := tm.Generate("node-2", time.Hour)
	require.NoError(t, err)

	tm.Revoke(jt.Token)
	_, err = tm.Validate(jt.Token)
	assert.Error(t, err)
}

func TestCleanupExpiredRemovesOnlyExpired(t *testing.T) {
	tm := NewTokenManager()
	live, err := tm.Generate("live", time.Hour)
	require.NoError(t, err)
	_, err = tm.Generate("dead", -time.Hour)
	require.NoError(t, err)

	tm.CleanupExpired()

	tokens := tm.List()
	require.Len(t, tokens, 1)
	assert.Equal(t, live.Token, tokens[0].Token)
}
