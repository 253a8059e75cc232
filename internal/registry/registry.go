// Package registry is an explicit, injectable registry of credential and
// backend records. Host applications register entries directly; entries
// flagged transient overlay the persisted store without ever being written
// to it.
package registry

import (
	"sort"
	"strings"
	"sync"

	"credbroker-go/internal/errors"
)

// Kind distinguishes the two record families.
type Kind string

const (
	KindCredential Kind = "credential"
	KindBackend    Kind = "backend"
)

// Entry is one registered record.
type Entry struct {
	Name      string
	Kind      Kind
	Data      map[string]interface{}
	Transient bool
}

// Registry holds registered entries, keyed by kind and unique name.
type Registry struct {
	mu      sync.RWMutex
	entries map[Kind]map[string]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: map[Kind]map[string]Entry{
			KindCredential: {},
			KindBackend:    {},
		},
	}
}

// Register adds or replaces an entry under its unique name.
func (r *Registry) Register(kind Kind, name string, data map[string]interface{}, transient bool) error {
	if strings.TrimSpace(name) == "" {
		return errors.NewValidation("registry entry name is required")
	}
	byName, ok := r.entries[kind]
	if !ok {
		return errors.NewValidation("unknown registry kind " + string(kind))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	byName[name] = Entry{Name: name, Kind: kind, Data: data, Transient: transient}
	return nil
}

// FindByName looks an entry up by name.
func (r *Registry) FindByName(kind Kind, name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[kind][name]
	return e, ok
}

// List returns all entries of a kind sorted by name.
func (r *Registry) List(kind Kind) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries[kind]))
	for _, e := range r.entries[kind] {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Remove deletes an entry by name. Removing an unknown name is a no-op.
func (r *Registry) Remove(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries[kind], name)
}
