package pipeline

import (
	"sync"

	"github.com/locomote-sh/server/api"
)

// Hook positions.
const (
	Pre  = "pre"
	Post = "post"
)

// Hook inspects or rewrites one record. Returning nil filters the record
// out of the stream.
type Hook func(rec *api.FileRecord, vars Vars) *api.FileRecord

type namedHook struct {
	name string
	fn   Hook
}

// HookRegistry holds record hooks keyed by (namespace, position). Hooks
// run in registration order.
type HookRegistry struct {
	mu    sync.RWMutex
	hooks map[string][]namedHook
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{hooks: make(map[string][]namedHook)}
}

func hookKey(namespace, position string) string {
	return namespace + "\x00" + position
}

// Register adds a hook under (namespace, position, name). Re-registering
// a name replaces the previous hook in place.
func (r *HookRegistry) Register(namespace, position, name string, fn Hook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := hookKey(namespace, position)
	for i, h := range r.hooks[key] {
		if h.name == name {
			r.hooks[key][i].fn = fn
			return
		}
	}
	r.hooks[key] = append(r.hooks[key], namedHook{name: name, fn: fn})
}

// Apply runs every hook for (namespace, position) over the record.
// Returns nil as soon as any hook filters the record out.
func (r *HookRegistry) Apply(namespace, position string, rec *api.FileRecord, vars Vars) *api.FileRecord {
	r.mu.RLock()
	hooks := r.hooks[hookKey(namespace, position)]
	r.mu.RUnlock()
	for _, h := range hooks {
		rec = h.fn(rec, vars)
		if rec == nil {
			return nil
		}
	}
	return rec
}
