package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.lsp.dev/protocol"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

type stubRunner struct {
	mu     sync.Mutex
	vet    string
	vets   int
	format func(req framework.CommandRequest) (string, string, error)
}

func (r *stubRunner) Run(_ context.Context, req framework.CommandRequest) (string, string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(req.Args) > 1 && req.Args[1] == "vet" {
		r.vets++
		return "", r.vet, nil
	}
	if r.format != nil {
		return r.format(req)
	}
	return req.Input, "", nil
}

func (r *stubRunner) setVet(stderr string) {
	r.mu.Lock()
	r.vet = stderr
	r.mu.Unlock()
}

func (r *stubRunner) vetCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.vets
}

type stubTools struct {
	installed bool
	ensured   chan struct{}
	latest    chan struct{}
	updates   chan struct{}
}

func newStubTools(installed bool) *stubTools {
	return &stubTools{
		installed: installed,
		ensured:   make(chan struct{}, 1),
		latest:    make(chan struct{}, 1),
		updates:   make(chan struct{}, 1),
	}
}

func (s *stubTools) EnsureTools(context.Context) bool {
	s.ensured <- struct{}{}
	return s.installed
}

func (s *stubTools) EnsureLatest(context.Context) (*tools.InstallResult, error) {
	s.latest <- struct{}{}
	return &tools.InstallResult{Tag: "v0.3.0"}, nil
}

func (s *stubTools) Update(context.Context) (*tools.InstallResult, error) {
	s.updates <- struct{}{}
	return &tools.InstallResult{Tag: "v0.3.0", Installed: true}, nil
}

type harness struct {
	server *LSPServer
	client *jsonrpc2.Conn
	notes  chan *jsonrpc2.Request
	runner *stubRunner
}

func newHarness(t *testing.T, manager ToolManager) *harness {
	t.Helper()
	runner := &stubRunner{}
	srv := NewLSPServer(Config{Runner: runner, Tools: manager, Version: "test"})
	serverSide, clientSide := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, serverSide) }()

	notes := make(chan *jsonrpc2.Request, 64)
	client := jsonrpc2.NewConn(ctx,
		jsonrpc2.NewBufferedStream(clientSide, jsonrpc2.VSCodeObjectCodec{}),
		jsonrpc2.HandlerWithError(func(_ context.Context, _ *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
			if req.Notif {
				notes <- req
			}
			return nil, nil
		}))
	t.Cleanup(func() {
		client.Close()
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return &harness{server: srv, client: client, notes: notes, runner: runner}
}

func (h *harness) call(t *testing.T, method string, params, result interface{}) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Call(ctx, method, params, result)
}

func (h *harness) notify(t *testing.T, method string, params interface{}) {
	t.Helper()
	require.NoError(t, h.client.Notify(context.Background(), method, params))
}

func (h *harness) expect(t *testing.T, method string, match func(raw json.RawMessage) bool) json.RawMessage {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case req := <-h.notes:
			if req.Method != method || req.Params == nil {
				continue
			}
			if match == nil || match(*req.Params) {
				return *req.Params
			}
		case <-deadline:
			t.Fatalf("timeout waiting for %s", method)
			return nil
		}
	}
}

func (h *harness) expectDiagnostics(t *testing.T, uri protocol.DocumentURI) protocol.PublishDiagnosticsParams {
	t.Helper()
	var params protocol.PublishDiagnosticsParams
	raw := h.expect(t, "textDocument/publishDiagnostics", func(raw json.RawMessage) bool {
		var p protocol.PublishDiagnosticsParams
		return json.Unmarshal(raw, &p) == nil && p.URI == uri
	})
	require.NoError(t, json.Unmarshal(raw, &params))
	return params
}

func (h *harness) expectMessage(t *testing.T, method string) string {
	t.Helper()
	var params struct {
		Message string `json:"message"`
	}
	require.NoError(t, json.Unmarshal(h.expect(t, method, nil), &params))
	return params.Message
}

func openDocument(t *testing.T, h *harness, uri protocol.DocumentURI, lang, text string) {
	h.notify(t, "textDocument/didOpen", protocol.DidOpenTextDocumentParams{
		TextDocument: protocol.TextDocumentItem{
			URI:        uri,
			LanguageID: protocol.LanguageIdentifier(lang),
			Version:    1,
			Text:       text,
		},
	})
}

func TestInitializeAdvertisesCapabilities(t *testing.T) {
	h := newHarness(t, nil)
	root := t.TempDir()

	var result map[string]interface{}
	err := h.call(t, "initialize", map[string]interface{}{
		"rootUri":               string(diagnostics.FileURI(root)),
		"capabilities":          map[string]interface{}{},
		"initializationOptions": map[string]interface{}{"cue": map[string]interface{}{"formatTool": "cue fmt"}},
	}, &result)
	require.NoError(t, err)

	caps := result["capabilities"].(map[string]interface{})
	assert.Equal(t, true, caps["documentFormattingProvider"])
	commands := caps["executeCommandProvider"].(map[string]interface{})["commands"]
	assert.ElementsMatch(t, []interface{}{CommandLint, CommandUpdateTools}, commands)
	assert.Equal(t, framework.FormatToolCueFmt, h.server.Settings().FormatTool)
}

func TestLintOnOpenAndSaveReplacesDiagnostics(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(t.TempDir(), "doc.cue")
	uri := diagnostics.FileURI(path)
	other := diagnostics.FileURI(filepath.Join(filepath.Dir(path), "other.cue"))

	h.runner.setVet("x: conflicting values 1 and 2:\n    ./doc.cue:2:3\n    ./other.cue:1:1\n")
	openDocument(t, h, uri, "cue", "x: 1\n")

	first := h.expectDiagnostics(t, uri)
	require.Len(t, first.Diagnostics, 1)
	assert.Equal(t, "x: conflicting values 1 and 2", first.Diagnostics[0].Message)
	assert.Equal(t, uint32(1), first.Diagnostics[0].Range.Start.Line)
	assert.Equal(t, uint32(2), first.Diagnostics[0].Range.Start.Character)
	require.Len(t, h.expectDiagnostics(t, other).Diagnostics, 1)

	h.runner.setVet("")
	h.notify(t, "textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})
	assert.Empty(t, h.expectDiagnostics(t, uri).Diagnostics)
	assert.Empty(t, h.expectDiagnostics(t, other).Diagnostics)
}

func TestLintDisabledByConfiguration(t *testing.T) {
	h := newHarness(t, nil)
	uri := diagnostics.FileURI(filepath.Join(t.TempDir(), "doc.cue"))

	h.notify(t, "workspace/didChangeConfiguration", map[string]interface{}{
		"settings": map[string]interface{}{"cue": map[string]interface{}{"lintOnSave": "off"}},
	})
	openDocument(t, h, uri, "cue", "x: 1\n")
	h.notify(t, "textDocument/didSave", protocol.DidSaveTextDocumentParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	})

	// A round trip guarantees the notifications above were handled.
	var edits []protocol.TextEdit
	require.NoError(t, h.call(t, "textDocument/formatting", protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	}, &edits))
	assert.Equal(t, framework.LintOff, h.server.Settings().LintOnSave)
	assert.Equal(t, 0, h.runner.vetCount())
}

func TestNonCueDocumentsAreNotLinted(t *testing.T) {
	h := newHarness(t, nil)
	uri := diagnostics.FileURI(filepath.Join(t.TempDir(), "notes.txt"))
	openDocument(t, h, uri, "plaintext", "hello")

	var edits []protocol.TextEdit
	require.NoError(t, h.call(t, "textDocument/formatting", protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	}, &edits))
	assert.Equal(t, 0, h.runner.vetCount())
}

func TestFormattingReturnsWholeDocumentEdit(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.format = func(req framework.CommandRequest) (string, string, error) {
		require.Equal(t, tools.ToolName, req.Args[0])
		return "a: 1\n", "", nil
	}
	uri := diagnostics.FileURI(filepath.Join(t.TempDir(), "doc.txt"))
	openDocument(t, h, uri, "plaintext", "a:   1\n")
	h.notify(t, "textDocument/didChange", protocol.DidChangeTextDocumentParams{
		TextDocument:   protocol.VersionedTextDocumentIdentifier{TextDocumentIdentifier: protocol.TextDocumentIdentifier{URI: uri}, Version: 2},
		ContentChanges: []protocol.TextDocumentContentChangeEvent{{Text: "a:    1\nb: 2"}},
	})

	var edits []protocol.TextEdit
	require.NoError(t, h.call(t, "textDocument/formatting", protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	}, &edits))
	require.Len(t, edits, 1)
	assert.Equal(t, "a: 1\n", edits[0].NewText)
	assert.Equal(t, protocol.Position{Line: 1, Character: 4}, edits[0].Range.End)
}

func TestFormattingMissingToolShowsMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.runner.format = func(req framework.CommandRequest) (string, string, error) {
		return "", "", &exec.Error{Name: req.Args[0], Err: exec.ErrNotFound}
	}
	uri := diagnostics.FileURI(filepath.Join(t.TempDir(), "doc.txt"))
	openDocument(t, h, uri, "plaintext", "a: 1")

	var edits []protocol.TextEdit
	require.NoError(t, h.call(t, "textDocument/formatting", protocol.DocumentFormattingParams{
		TextDocument: protocol.TextDocumentIdentifier{URI: uri},
	}, &edits))
	assert.Empty(t, edits)
	assert.Equal(t, "cueimports not found", h.expectMessage(t, "window/showMessage"))
}

func TestExecuteCommands(t *testing.T) {
	manager := newStubTools(true)
	h := newHarness(t, manager)

	require.NoError(t, h.call(t, "workspace/executeCommand", protocol.ExecuteCommandParams{Command: CommandUpdateTools}, nil))
	select {
	case <-manager.updates:
	case <-time.After(5 * time.Second):
		t.Fatal("update never ran")
	}
	assert.Equal(t, "cueimports v0.3.0 installed", h.expectMessage(t, "window/showMessage"))

	path := filepath.Join(t.TempDir(), "doc.cue")
	h.runner.setVet("bad:\n    ./doc.cue:1:1\n")
	require.NoError(t, h.call(t, "workspace/executeCommand", protocol.ExecuteCommandParams{
		Command:   CommandLint,
		Arguments: []interface{}{string(diagnostics.FileURI(path))},
	}, nil))
	require.Len(t, h.expectDiagnostics(t, diagnostics.FileURI(path)).Diagnostics, 1)

	err := h.call(t, "workspace/executeCommand", protocol.ExecuteCommandParams{Command: CommandLint}, nil)
	var rpcErr *jsonrpc2.Error
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidParams), rpcErr.Code)
}

func TestInitializedEnsuresTools(t *testing.T) {
	manager := newStubTools(true)
	h := newHarness(t, manager)
	h.notify(t, "initialized", map[string]interface{}{})

	for _, ch := range []chan struct{}{manager.ensured, manager.latest} {
		select {
		case <-ch:
		case <-time.After(5 * time.Second):
			t.Fatal("tool check never ran")
		}
	}
}

func TestUnknownMethodAndShutdown(t *testing.T) {
	h := newHarness(t, nil)

	var rpcErr *jsonrpc2.Error
	err := h.call(t, "textDocument/hover", map[string]interface{}{}, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeMethodNotFound), rpcErr.Code)

	require.NoError(t, h.call(t, "shutdown", nil, nil))
	err = h.call(t, "textDocument/formatting", map[string]interface{}{}, nil)
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, int64(jsonrpc2.CodeInvalidRequest), rpcErr.Code)
}
