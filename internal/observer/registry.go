// Package observer provides an explicit observer registry: a list of
// (pattern, handler) registrations with copy-on-write updates, so dispatch
// never observes a list being mutated.
package observer

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Handler receives dispatched values.
type Handler[E any] func(topic string, value E)

type registration[E any] struct {
	id      string
	pattern string
	handler Handler[E]
}

// Registry maps glob patterns to an ordered list of handlers.
// Registrations are dispatched in the order they were added.
type Registry[E any] struct {
	name   string
	logger *zap.Logger

	mu   sync.Mutex // serializes writers
	regs atomic.Pointer[[]registration[E]]
	seq  atomic.Int64
}

// NewRegistry creates a registry; name prefixes generated IDs.
func NewRegistry[E any](name string, logger *zap.Logger) *Registry[E] {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry[E]{name: name, logger: logger}
	empty := make([]registration[E], 0)
	r.regs.Store(&empty)
	return r
}

// Add registers handler for topics matching pattern and returns its ID.
func (r *Registry[E]) Add(pattern string, handler Handler[E]) (string, error) {
	if handler == nil {
		return "", fmt.Errorf("observer: handler is nil")
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return "", fmt.Errorf("observer: bad pattern %q: %w", pattern, err)
	}

	id := fmt.Sprintf("%s-%d", r.name, r.seq.Add(1))

	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.regs.Load()
	next := make([]registration[E], len(old), len(old)+1)
	copy(next, old)
	next = append(next, registration[E]{id: id, pattern: pattern, handler: handler})
	r.regs.Store(&next)
	return id, nil
}

// Remove unregisters id. It reports whether a registration was removed.
func (r *Registry[E]) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := *r.regs.Load()
	for i, reg := range old {
		if reg.id != id {
			continue
		}
		next := make([]registration[E], 0, len(old)-1)
		next = append(next, old[:i]...)
		next = append(next, old[i+1:]...)
		r.regs.Store(&next)
		return true
	}
	return false
}

// Len returns the number of registrations.
func (r *Registry[E]) Len() int {
	return len(*r.regs.Load())
}

// Dispatch synchronously invokes every handler whose pattern matches topic
// and returns how many were invoked. A panicking handler is logged and does
// not stop the others.
func (r *Registry[E]) Dispatch(topic string, value E) int {
	regs := *r.regs.Load()
	n := 0
	for _, reg := range regs {
		if ok, _ := path.Match(reg.pattern, topic); !ok {
			continue
		}
		n++
		r.invoke(reg, topic, value)
	}
	return n
}

func (r *Registry[E]) invoke(reg registration[E], topic string, value E) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("observer handler panicked",
				zap.String("registry", r.name),
				zap.String("id", reg.id),
				zap.String("topic", topic),
				zap.Any("recover", rec),
			)
		}
	}()
	reg.handler(topic, value)
}
