package server

import (
	"sync"

	"go.lsp.dev/protocol"

	"github.com/lexcodex/cuekit/diagnostics"
)

// publisher turns full diagnostic passes into publishDiagnostics
// notifications. Files published by the previous pass but absent from the
// current one are published empty so the client drops stale markers.
type publisher struct {
	mu         sync.Mutex
	notify     func(method string, params interface{}) error
	collection *diagnostics.Collection
	published  map[protocol.DocumentURI]struct{}
}

func newPublisher(notify func(method string, params interface{}) error) *publisher {
	return &publisher{
		notify:     notify,
		collection: diagnostics.NewCollection(),
		published:  map[protocol.DocumentURI]struct{}{},
	}
}

// Replace implements diagnostics.Sink.
func (p *publisher) Replace(m diagnostics.Map) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.collection.Replace(m)

	next := make(map[protocol.DocumentURI]struct{}, len(m))
	for _, uri := range p.collection.URIs() {
		next[uri] = struct{}{}
		p.send(uri, p.collection.Get(uri))
	}
	for _, uri := range diagnostics.SortedURIs(staleOnly(p.published, next)) {
		p.send(uri, []protocol.Diagnostic{})
	}
	p.published = next
}

func (p *publisher) send(uri protocol.DocumentURI, diags []protocol.Diagnostic) {
	if p.notify == nil {
		return
	}
	_ = p.notify("textDocument/publishDiagnostics", &protocol.PublishDiagnosticsParams{
		URI:         uri,
		Diagnostics: diags,
	})
}

func staleOnly(prev, next map[protocol.DocumentURI]struct{}) diagnostics.Map {
	stale := diagnostics.Map{}
	for uri := range prev {
		if _, ok := next[uri]; !ok {
			stale[uri] = nil
		}
	}
	return stale
}
