// Package nonce derives short verification values bound to an action, a
// session token and a time window. Nonces are recomputed on verification
// rather than stored: a value is accepted during the window it was minted in
// and the one after, then silently ages out.
package nonce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"time"
)

// Generator derives and checks windowed nonces with a shared secret.
type Generator struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

// Option customizes Generator creation.
type Option func(*Generator)

// WithNowFunc overrides the clock (testing).
func WithNowFunc(now func() time.Time) Option {
	return func(g *Generator) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a Generator. lifetime is the full validity window; a nonce
// survives at most one window rollover.
func New(secret string, lifetime time.Duration, opts ...Option) *Generator {
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	g := &Generator{secret: []byte(secret), lifetime: lifetime, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Create derives the nonce for the current time window.
func (g *Generator) Create(action, sessionToken string) string {
	return g.derive(g.tick(), action, sessionToken)
}

// Verify recomputes the nonce for the current and the previous window and
// compares in constant time.
func (g *Generator) Verify(value, action, sessionToken string) bool {
	if value == "" {
		return false
	}
	tick := g.tick()
	for _, t := range []int64{tick, tick - 1} {
		if hmac.Equal([]byte(value), []byte(g.derive(t, action, sessionToken))) {
			return true
		}
	}
	return false
}

// tick counts half-lifetime windows since the epoch, so every nonce is valid
// for at least half and at most the full lifetime.
func (g *Generator) tick() int64 {
	half := g.lifetime.Seconds() / 2
	return int64(math.Ceil(float64(g.now().Unix()) / half))
}

func (g *Generator) derive(tick int64, action, sessionToken string) string {
	mac := hmac.New(sha256.New, g.secret)
	mac.Write([]byte(strconv.FormatInt(tick, 10)))
	mac.Write([]byte{'|'})
	mac.Write([]byte(action))
	mac.Write([]byte{'|'})
	mac.Write([]byte(sessionToken))
	sum := hex.EncodeToString(mac.Sum(nil))
	return sum[:10]
}
