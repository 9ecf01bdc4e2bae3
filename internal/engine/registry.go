package engine

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
)

// Engine ids share a namespace with chat command words, so the words
// the dispatcher claims for itself can never name an engine.
var reservedIDs = map[string]bool{
	"help":    true,
	"status":  true,
	"start":   true,
	"cancel":  true,
	"use":     true,
	"version": true,
}

var validID = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Registry maps fixed engine ids to implementations. It is populated
// once at startup from explicit configuration; there is no discovery.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds e under its own name. Reserved words, malformed ids,
// and duplicates are rejected.
func (r *Registry) Register(e Engine) error {
	name := e.Name()
	if !validID.MatchString(name) {
		return fmt.Errorf("invalid engine id %q", name)
	}
	if reservedIDs[name] {
		return fmt.Errorf("engine id %q is a reserved command word", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.engines[name]; exists {
		return fmt.Errorf("engine %q already registered", name)
	}
	r.engines[name] = e
	return nil
}

// Get looks up an engine by id.
func (r *Registry) Get(name string) (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[name]
	return e, ok
}

// Names returns the registered engine ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.engines))
	for name := range r.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
