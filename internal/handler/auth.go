package handler

import (
	"crypto/subtle"
	"slices"
	"sync"
)

// =============================================================================
// Tokens
// =============================================================================

// TokenConfig holds token configuration.
type TokenConfig struct {
	ID     string   `yaml:"id"`
	Token  string   `yaml:"token"`
	Suites []string `yaml:"suites"` // Allowed suites (empty = all)
}

// Tokens holds the API tokens.
//
// With no token registered every request is accepted as anonymous admin,
// which is how a local single-user daemon runs.
//
// Tokens is safe for concurrent use.
type Tokens struct {
	mu     sync.RWMutex
	tokens map[string]*TokenConfig // tokenID -> config
}

// NewTokens creates a token set.
func NewTokens(cfgs []TokenConfig) *Tokens {
	t := &Tokens{tokens: make(map[string]*TokenConfig)}
	for _, cfg := range cfgs {
		t.Register(cfg)
	}
	return t
}

// Register adds or updates a token configuration.
func (t *Tokens) Register(cfg TokenConfig) {
	t.mu.Lock()
	t.tokens[cfg.ID] = &cfg
	t.mu.Unlock()
}

// Replace swaps the whole token set.
func (t *Tokens) Replace(cfgs []TokenConfig) {
	tokens := make(map[string]*TokenConfig, len(cfgs))
	for _, cfg := range cfgs {
		tokens[cfg.ID] = &cfg
	}
	t.mu.Lock()
	t.tokens = tokens
	t.mu.Unlock()
}

// Enabled reports whether any token is registered.
func (t *Tokens) Enabled() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tokens) > 0
}

// Validate validates a token and returns its config.
func (t *Tokens) Validate(token string) (*TokenConfig, bool) {
	if token == "" {
		return nil, false
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, cfg := range t.tokens {
		if subtle.ConstantTimeCompare([]byte(cfg.Token), []byte(token)) == 1 {
			return cfg, true
		}
	}
	return nil, false
}

// CanAccessSuite checks if a token can access a suite.
// A nil token is the anonymous admin of an unauthenticated daemon.
func CanAccessSuite(cfg *TokenConfig, suite string) bool {
	if cfg == nil || len(cfg.Suites) == 0 {
		return true
	}
	return slices.Contains(cfg.Suites, suite)
}

// IsAdmin reports whether a token may run cross-suite operations
// (export, SQL).
func IsAdmin(cfg *TokenConfig) bool {
	return cfg == nil || len(cfg.Suites) == 0
}
