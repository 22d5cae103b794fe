package admission

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dkirby-ms/tilemud-sub004/internal/clock"
)

// DefaultConfirmationTTL is how long a replacement confirmation token
// stays redeemable.
const DefaultConfirmationTTL = 60 * time.Second

type confirmation struct {
	characterID string
	sessionID   string
	expiresAt   time.Time
}

// ConfirmationTokens issues single-use tokens that let a client confirm
// replacement of its existing session. A token is bound to the character
// it was issued for and expires after the TTL.
type ConfirmationTokens struct {
	mu     sync.Mutex
	clk    clock.Clock
	ttl    time.Duration
	tokens map[string]confirmation
}

// NewConfirmationTokens creates an empty token cache.
//
// Precondition: clk must be non-nil.
func NewConfirmationTokens(clk clock.Clock, ttl time.Duration) *ConfirmationTokens {
	if clk == nil {
		panic("admission.NewConfirmationTokens: clk must be non-nil")
	}
	if ttl <= 0 {
		ttl = DefaultConfirmationTTL
	}
	return &ConfirmationTokens{
		clk:    clk,
		ttl:    ttl,
		tokens: make(map[string]confirmation),
	}
}

// Issue mints a token authorizing replacement of existingSessionID.
func (c *ConfirmationTokens) Issue(characterID, existingSessionID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	token := uuid.NewString()
	c.tokens[token] = confirmation{
		characterID: characterID,
		sessionID:   existingSessionID,
		expiresAt:   c.clk.Now().Add(c.ttl),
	}
	return token
}

// Consume redeems a token for the character it was issued to. Tokens are
// single-use: a successful redemption deletes the token.
//
// Postcondition: Returns the session id the token authorizes replacing,
// or ok=false for unknown, expired, or mismatched tokens.
func (c *ConfirmationTokens) Consume(token, characterID string) (sessionID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, found := c.tokens[token]
	if !found {
		return "", false
	}
	delete(c.tokens, token)
	if entry.characterID != characterID || c.clk.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.sessionID, true
}

// Sweep drops expired tokens. Called by the janitor.
func (c *ConfirmationTokens) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.clk.Now()
	removed := 0
	for token, entry := range c.tokens {
		if now.After(entry.expiresAt) {
			delete(c.tokens, token)
			removed++
		}
	}
	return removed
}
