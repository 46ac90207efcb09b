// Package registry tracks which conversations currently have an active
// handling task, so overlapping poll cycles never spawn two tasks for
// the same thread.
package registry

import (
	"sync"

	"github.com/nhle/support-agent/internal/model"
)

// Registry is an atomically-guarded set of conversation keys.
type Registry struct {
	mu     sync.Mutex
	active map[model.ConversationKey]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		active: make(map[model.ConversationKey]struct{}),
	}
}

// TryAcquire inserts key if absent and reports whether the insertion
// happened. False means a task already owns this conversation and the
// caller must skip it.
func (r *Registry) TryAcquire(key model.ConversationKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[key]; ok {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

// Release removes key. Releasing an absent key is a no-op, so a release
// on every task exit path is always safe.
func (r *Registry) Release(key model.ConversationKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.active, key)
}

// Active returns the number of conversations currently owned.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.active)
}
