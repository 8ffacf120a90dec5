package recruiter

import (
	"fmt"
	"sort"
	"sync"
)

// Registry resolves recruiter variants by nickname. Variants are registered
// explicitly at startup; unknown names fail with ErrUnknownRecruiter.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Recruiter
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Recruiter)}
}

// Register adds a variant under its nickname. Later registrations replace
// earlier ones with the same name.
func (r *Registry) Register(rec Recruiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[rec.Nickname()] = rec
}

// ByName returns the variant registered under name.
func (r *Registry) ByName(name string) (Recruiter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownRecruiter, name)
	}
	return rec, nil
}

// Names lists the registered nicknames, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
