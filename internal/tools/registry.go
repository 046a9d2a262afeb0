// Package tools holds the named tool catalog and the executor that runs
// tool calls for the agent loop: allowlist enforcement, TTL result cache,
// in-flight deduplication and per-call timeouts.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool sources.
const (
	SourceBuiltin = "builtin"
	SourceMCP     = "mcp"
	SourcePlugin  = "plugin"
)

// Handler executes one tool call. groupID is empty in private sessions.
type Handler func(ctx context.Context, args map[string]interface{}, groupID string) (string, error)

// Tool is one registered tool.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	Handler     Handler
	Source      string
	Enabled     bool
	Meta        map[string]string
}

// Registry is the named tool catalog. Names are unique; registering a
// duplicate name fails so MCP collisions must be renamed by the caller.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]*Tool)}
}

func (r *Registry) Register(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tools: register: empty name")
	}
	if t.Source == "" {
		t.Source = SourceBuiltin
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("tools: register: duplicate name %q", t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Unregister removes a tool, typically when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (*Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Has reports whether name is registered, ignoring enabled state.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns enabled tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		if t.Enabled {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SourceNames returns the names of enabled tools from one source.
func (r *Registry) SourceNames(source string) []string {
	var names []string
	for _, t := range r.List() {
		if t.Source == source {
			names = append(names, t.Name)
		}
	}
	return names
}
