// Package cluster manages admission to the Raft cluster underneath a
// group-coordination deployment: join tokens that gate AddVoter calls.
// It has no notion of group members; see pkg/group for that.
package cluster

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// JoinToken is a bearer credential admitting one new Raft voter.
type JoinToken struct {
	Token     string
	NodeID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// TokenManager issues and validates join tokens, grounded on
// cuemby/warren's manager.TokenManager.
type TokenManager struct {
	mu     sync.RWMutex
	tokens map[string]*JoinToken
}

// NewTokenManager creates an empty token manager.
func NewTokenManager() *TokenManager {
	return &TokenManager{tokens: make(map[string]*JoinToken)}
}

// Generate mints a new token admitting nodeID, valid for ttl.
func (tm *TokenManager) Generate(nodeID string, ttl time.Duration) (*JoinToken, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("generate join token: %w", err)
	}

	jt := &JoinToken{
		Token:     hex.EncodeToString(raw),
		NodeID:    nodeID,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	tm.mu.Lock()
	tm.tokens[jt.Token] = jt
	tm.mu.Unlock()
	return jt, nil
}

// Validate checks token and returns the node id it admits.
func (tm *TokenManager) Validate(token string) (string, error) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	jt, ok := tm.tokens[token]
	if !ok {
		return "", fmt.Errorf("invalid join token")
	}
	if time.Now().After(jt.ExpiresAt) {
		return "", fmt.Errorf("join token expired")
	}
	return jt.NodeID, nil
}

// Revoke invalidates token immediately.
func (tm *TokenManager) Revoke(token string) {
	tm.mu.Lock()
	delete(tm.tokens, token)
	tm.mu.Unlock()
}

// CleanupExpired drops every token past its expiry.
func (tm *TokenManager) CleanupExpired() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := time.Now()
	for token, jt := range tm.tokens {
		if now.After(jt.ExpiresAt) {
			delete(tm.tokens, token)
		}
	}
}

// List returns every outstanding token, active or expired.
func (tm *TokenManager) List() []*JoinToken {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	out := make([]*JoinToken, 0, len(tm.tokens))
	for _, jt := range tm.tokens {
		out = append(out, jt)
	}
	return out
}
