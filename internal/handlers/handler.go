package handlers

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/311labs/taskqueue/internal/domain"
	"github.com/311labs/taskqueue/internal/queue"
)

// Handler executes one run of a task. It reports the outcome through run;
// a returned error is treated as an exception by the manager.
type Handler interface {
	Handle(ctx context.Context, run *queue.Run) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, run *queue.Run) error

func (f HandlerFunc) Handle(ctx context.Context, run *queue.Run) error { return f(ctx, run) }

// Entity is a named type whose methods can be invoked as tasks. It is
// registered as "<domain>.<Entity>".
type Entity interface {
	Methods() map[string]Handler
}

type funcKey struct {
	namespace string
	function  string
}

// Registry resolves a task's namespace and function name to a Handler.
type Registry struct {
	mu       sync.RWMutex
	funcs    map[funcKey]Handler
	entities map[string]Entity
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		funcs:    make(map[funcKey]Handler),
		entities: make(map[string]Entity),
	}
}

// Register adds a free-function handler. Safe to call concurrently; a second
// registration under the same name replaces the first.
func (r *Registry) Register(namespace, function string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[funcKey{namespace, function}] = h
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(namespace, function string, fn HandlerFunc) {
	r.Register(namespace, function, fn)
}

// RegisterEntity adds an entity resolved on channels prefixed with
// domain.ChannelModelHandler. name is "<domain>.<Entity>".
func (r *Registry) RegisterEntity(name string, e Entity) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entities[name] = e
}

// Resolve returns the handler for a task on channel. Channels prefixed with
// domain.ChannelModelHandler use entity-method lookup, every other channel
// uses free-function lookup.
// Returns HandlerNotFoundError if nothing matches.
func (r *Registry) Resolve(channel, namespace, function string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	notFound := &domain.HandlerNotFoundError{Namespace: namespace, FunctionName: function}
	if !strings.HasPrefix(channel, domain.ChannelModelHandler) {
		h, ok := r.funcs[funcKey{namespace, function}]
		if !ok {
			return nil, notFound
		}
		return h, nil
	}

	app, entity, ok := strings.Cut(namespace, ".")
	if !ok || app == "" || entity == "" {
		return nil, notFound
	}
	e, ok := r.entities[namespace]
	if !ok {
		return nil, notFound
	}
	h, ok := e.Methods()[function]
	if !ok || h == nil {
		return nil, notFound
	}
	return h, nil
}

// Names lists registered handlers as "namespace.function" and entities by
// name, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs)+len(r.entities))
	for k := range r.funcs {
		out = append(out, k.namespace+"."+k.function)
	}
	for name := range r.entities {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}
