package diagnostics

import (
	"sort"
	"sync"

	"go.lsp.dev/protocol"
)

// Sink accepts the result of a complete validation pass. Implementations
// must treat the map as a full replacement of what they currently hold:
// files missing from m lose their previous diagnostics.
type Sink interface {
	Replace(m Map)
}

// Collection is an in-memory Sink. It is safe for concurrent use.
type Collection struct {
	mu    sync.RWMutex
	files Map
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{files: Map{}}
}

// Replace clears the collection and applies m in a single step.
func (c *Collection) Replace(m Map) {
	next := make(Map, len(m))
	for key, diags := range m {
		if len(diags) == 0 {
			continue
		}
		next[key] = append([]protocol.Diagnostic(nil), diags...)
	}
	c.mu.Lock()
	c.files = next
	c.mu.Unlock()
}

// Clear drops every diagnostic.
func (c *Collection) Clear() {
	c.Replace(nil)
}

// Get returns the diagnostics recorded for uri.
func (c *Collection) Get(uri protocol.DocumentURI) []protocol.Diagnostic {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]protocol.Diagnostic(nil), c.files[uri]...)
}

// URIs lists the files that currently have diagnostics, sorted.
func (c *Collection) URIs() []protocol.DocumentURI {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return SortedURIs(c.files)
}

// Len returns the number of diagnostics held.
func (c *Collection) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.files.Count()
}

// SortedURIs returns the keys of m in lexical order.
func SortedURIs(m Map) []protocol.DocumentURI {
	keys := make([]protocol.DocumentURI, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
