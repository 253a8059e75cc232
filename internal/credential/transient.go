package credential

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"credbroker-go/internal/storage"
)

// transientKey is the fixed slot id of the single pending oauth grant. A
// second grant before the first is consumed silently overwrites it.
const transientKey = "oauth:pending-grant"

// transientPayload is what the grant parks for the redirect callback.
type transientPayload struct {
	Credential map[string]interface{} `json:"credential"`
	PKCE       bool                   `json:"pkce"`
	Session    string                 `json:"session"`
}

// transientSlot falls back to an in-process slot when the store has no TTL
// cache (the file backend).
type transientSlot struct {
	mu        sync.Mutex
	value     []byte
	expiresAt time.Time
}

func (s *Service) putTransient(ctx context.Context, p transientPayload) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	ttl := s.cfg.Current().TransientTTL()
	err = s.store.SetCache(ctx, transientKey, raw, ttl)
	if err == nil {
		return nil
	}
	var notSupported *storage.ErrNotSupported
	if !errors.As(err, &notSupported) {
		return err
	}

	s.transient.mu.Lock()
	s.transient.value = raw
	s.transient.expiresAt = s.now().Add(ttl)
	s.transient.mu.Unlock()
	return nil
}

// takeTransient reads and clears the pending slot. Every redirect attempt
// consumes it, successful or not.
func (s *Service) takeTransient(ctx context.Context) (transientPayload, bool) {
	var p transientPayload

	raw, err := s.store.GetCache(ctx, transientKey)
	switch {
	case err == nil:
		if derr := s.store.DeleteCache(ctx, transientKey); derr != nil {
			log.WithError(derr).Warn("Failed to clear oauth transient slot")
		}
	case storage.IsNotFound(err):
		return p, false
	default:
		var notSupported *storage.ErrNotSupported
		if !errors.As(err, &notSupported) {
			log.WithError(err).Warn("Failed to read oauth transient slot")
			return p, false
		}
		s.transient.mu.Lock()
		if s.transient.value == nil || s.now().After(s.transient.expiresAt) {
			s.transient.value = nil
			s.transient.mu.Unlock()
			return p, false
		}
		raw = s.transient.value
		s.transient.value = nil
		s.transient.mu.Unlock()
	}

	if err := json.Unmarshal(raw, &p); err != nil {
		log.WithError(err).Warn("Malformed oauth transient payload")
		return p, false
	}
	return p, true
}
