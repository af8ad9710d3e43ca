// Package tools hosts the builtin job handlers and the plugin-aware
// registry that resolves job types to them.
package tools

import (
	"sort"
	"sync"

	"github.com/council-works/council/pkg/jobs"
)

// Tool is a named job handler.
type Tool struct {
	Name string
	Run  jobs.Handler
}

// EnabledFunc reports whether a tool is currently enabled. The plugin
// store provides this; a nil func enables everything.
type EnabledFunc func(name string) bool

// Registry maps job types to tools and implements jobs.HandlerSource.
// Disabled tools resolve to nothing, so the runner fails such jobs as
// unknown types.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	enabled EnabledFunc
}

// NewRegistry creates an empty registry.
func NewRegistry(enabled EnabledFunc) *Registry {
	return &Registry{tools: make(map[string]Tool), enabled: enabled}
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Handler resolves a job type to its handler, honoring the enable
// state. Implements jobs.HandlerSource.
func (r *Registry) Handler(jobType string) (jobs.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[jobType]
	if !ok {
		return nil, false
	}
	if r.enabled != nil && !r.enabled(t.Name) {
		return nil, false
	}
	return t.Run, true
}

// List returns the registered tool names sorted, ignoring enable state.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
