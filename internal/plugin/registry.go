package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"tickserver/internal/plugin/task"
)

var ErrUnknownScript = errors.New("unknown script")

// Source says where a registered script came from.
type Source string

const (
	SourceBuiltin     Source = "builtin"
	SourceInterpreted Source = "interpreted"
)

// resolveOrder lists the sources Get consults, first match wins. An
// interpreted script shadows a builtin of the same name without replacing it.
var resolveOrder = []Source{SourceInterpreted, SourceBuiltin}

// Registry maps script names to bodies. Names are case-insensitive. Each
// source keeps its own layer, so reloading one never touches the other.
type Registry struct {
	mu     sync.RWMutex
	layers map[Source]map[string]task.Script
}

func NewRegistry() *Registry {
	return &Registry{layers: make(map[Source]map[string]task.Script)}
}

func normName(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds or replaces one script in the src layer.
func (r *Registry) Register(name string, src Source, body task.Script) error {
	n := normName(name)
	if n == "" {
		return errors.New("script name is required")
	}
	if body == nil {
		return fmt.Errorf("script %q: nil body", name)
	}
	r.mu.Lock()
	l := r.layers[src]
	if l == nil {
		l = make(map[string]task.Script)
		r.layers[src] = l
	}
	l[n] = body
	r.mu.Unlock()
	return nil
}

// ReplaceSource swaps the whole src layer for the given set in one step, so
// a reload never leaves a half-populated registry.
func (r *Registry) ReplaceSource(src Source, set map[string]task.Script) {
	l := make(map[string]task.Script, len(set))
	for name, body := range set {
		if n := normName(name); n != "" && body != nil {
			l[n] = body
		}
	}
	r.mu.Lock()
	r.layers[src] = l
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (task.Script, error) {
	n := normName(name)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, src := range resolveOrder {
		if body, ok := r.layers[src][n]; ok {
			return body, nil
		}
	}
	return nil, fmt.Errorf("%q: %w", name, ErrUnknownScript)
}

// Shadowed lists builtin names currently hidden by an interpreted script.
func (r *Registry) Shadowed() []string {
	r.mu.RLock()
	var out []string
	for n := range r.layers[SourceInterpreted] {
		if _, ok := r.layers[SourceBuiltin][n]; ok {
			out = append(out, n)
		}
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ScriptInfo is one registry listing row.
type ScriptInfo struct {
	Name   string `json:"name"`
	Source Source `json:"source"`
}

// List returns one row per name with the source Get would resolve it from.
func (r *Registry) List() []ScriptInfo {
	r.mu.RLock()
	seen := make(map[string]bool)
	var out []ScriptInfo
	for _, src := range resolveOrder {
		for n := range r.layers[src] {
			if seen[n] {
				continue
			}
			seen[n] = true
			out = append(out, ScriptInfo{Name: n, Source: src})
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
