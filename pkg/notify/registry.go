// Package notify implements pluggable notification kinds and the queue
// dispatcher that fans lifecycle events out to them.
package notify

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"buildhooks/internal"
)

// Field describes one configurable attribute of a notification kind, used
// by the admin API to render settings forms.
type Field struct {
	Name     string `json:"name"`
	Pretty   string `json:"pretty"`
	Type     string `json:"type"`
	Required bool   `json:"required"`
}

// Notifier delivers one notification. Both phases must be implemented;
// kinds that ignore a phase return nil from it.
type Notifier interface {
	SendStarted(ctx context.Context, evt internal.Event) error
	SendFinished(ctx context.Context, evt internal.Event) error
}

// Descriptor declares a notification kind: its name, the event types it
// reacts to by default, its settings schema and its constructor.
type Descriptor struct {
	Name   string
	Events []string
	Schema []Field
	New    func(cfg map[string]string) (Notifier, error)
}

// DefaultEvents are the event types a kind handles when its descriptor
// leaves Events empty.
var DefaultEvents = []string{"buildset-started", "buildset-finished"}

// Registry holds the registered notification kinds. Kinds are registered
// explicitly at process start; asking for an unknown kind is a lookup
// failure, registering a broken kind is a programming error.
type Registry struct {
	mu    sync.RWMutex
	kinds map[string]Descriptor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{kinds: make(map[string]Descriptor)}
}

// Register adds a kind. It panics on a nameless kind, a nil constructor or
// a duplicate name: all three are wiring bugs that must not survive start.
func (r *Registry) Register(d Descriptor) {
	if d.Name == "" {
		panic("notify: descriptor has no name")
	}
	if d.New == nil {
		panic(fmt.Sprintf("notify: kind %q has no constructor", d.Name))
	}
	if len(d.Events) == 0 {
		d.Events = append([]string(nil), DefaultEvents...)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.kinds[d.Name]; exists {
		panic(fmt.Sprintf("notify: kind %q registered twice", d.Name))
	}
	r.kinds[d.Name] = d
}

// Get returns the descriptor for a kind name.
func (r *Registry) Get(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.kinds[name]
	return d, ok
}

// Kinds returns all descriptors sorted by name.
func (r *Registry) Kinds() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.kinds))
	for _, d := range r.kinds {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Deps carries the external services the default kinds need.
type Deps struct {
	// Email is the SMTP relay configuration.
	Email internal.EmailConfig
	// CommitStatus resolves a provider connection for a stored
	// installation id. Nil disables the commit-status kind.
	CommitStatus CommitStatusResolver
	// BaseURL is the public server URL used in notification links.
	BaseURL string
}

// RegisterDefaults registers the built-in kinds.
func RegisterDefaults(r *Registry, deps Deps) {
	r.Register(slackDescriptor(deps))
	r.Register(emailDescriptor(deps))
	r.Register(webhookDescriptor(deps))
	if deps.CommitStatus != nil {
		r.Register(commitStatusDescriptor(deps))
	}
}
