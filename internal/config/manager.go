package config

import "sync"

// Manager guards the live configuration for concurrent readers. The watcher
// installs a fresh Config via Swap; request paths read through Current.
// Returned snapshots are shared and must be treated as read-only.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager wraps cfg as the initial live configuration.
func NewManager(cfg *Config) *Manager {
	if cfg == nil {
		cfg = Default()
	}
	return &Manager{cfg: cfg}
}

// Current returns the latest configuration snapshot.
func (m *Manager) Current() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Swap installs cfg as the live configuration.
func (m *Manager) Swap(cfg *Config) {
	if cfg == nil {
		return
	}
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}
