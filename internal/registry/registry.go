package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"remedy/internal/config"
	"remedy/internal/domain"
)

// Remediator executes one action against an external system for one
// observable type. Implementations must honor ctx cancellation; the executor
// runs every invocation under a bounded timeout.
type Remediator interface {
	Name() string
	ObservableType() string
	Remove(ctx context.Context, value string) (domain.Outcome, error)
	Restore(ctx context.Context, value, restoreKey string) (domain.Outcome, error)
}

// Registry maps observable types to the remediators able to act on them.
// Registration order is preserved per type; Resolve picks the first match,
// which is recorded on the request at creation time.
type Registry struct {
	mu     sync.RWMutex
	byType map[string][]Remediator
	byName map[string]Remediator
}

func New() *Registry {
	return &Registry{
		byType: map[string][]Remediator{},
		byName: map[string]Remediator{},
	}
}

func (g *Registry) Register(r Remediator) error {
	if r.Name() == "" || r.ObservableType() == "" {
		return fmt.Errorf("remediator requires a name and an observable type")
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, exists := g.byName[r.Name()]; exists {
		return fmt.Errorf("remediator %s already registered", r.Name())
	}
	g.byName[r.Name()] = r
	g.byType[r.ObservableType()] = append(g.byType[r.ObservableType()], r)
	return nil
}

// Resolve returns the first remediator registered for the observable type.
func (g *Registry) Resolve(observableType string) (Remediator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	list := g.byType[observableType]
	if len(list) == 0 {
		return nil, false
	}
	return list[0], true
}

func (g *Registry) ForType(observableType string) []Remediator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Remediator(nil), g.byType[observableType]...)
}

func (g *Registry) ForName(name string) (Remediator, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.byName[name]
	return r, ok
}

// Types lists the observable types with at least one remediator, sorted.
func (g *Registry) Types() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	types := make([]string, 0, len(g.byType))
	for t := range g.byType {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// All lists every registered remediator ordered by name.
func (g *Registry) All() []Remediator {
	g.mu.RLock()
	defer g.mu.RUnlock()
	names := make([]string, 0, len(g.byName))
	for n := range g.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	res := make([]Remediator, 0, len(names))
	for _, n := range names {
		res = append(res, g.byName[n])
	}
	return res
}

// FromConfig builds a registry from the configured remediator entries.
func FromConfig(entries []config.RemediatorConfig) (*Registry, error) {
	g := New()
	for _, e := range entries {
		var r Remediator
		switch e.Driver {
		case "log", "":
			r = NewLogRemediator(e.Name, e.Type)
		case "command":
			r = NewCommandRemediator(e.Name, e.Type, e.Command)
		case "http":
			r = NewHTTPRemediator(e)
		default:
			return nil, fmt.Errorf("remediator %s: unknown driver %q", e.Name, e.Driver)
		}
		if err := g.Register(r); err != nil {
			return nil, err
		}
	}
	return g, nil
}
