package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

// Commands advertised through workspace/executeCommand.
const (
	CommandLint        = "cue.lint"
	CommandUpdateTools = "cue.updateTools"
)

const languageID = "cue"

// ToolManager keeps external tooling installed.
type ToolManager interface {
	EnsureTools(ctx context.Context) bool
	EnsureLatest(ctx context.Context) (*tools.InstallResult, error)
	Update(ctx context.Context) (*tools.InstallResult, error)
}

// Config wires the server's collaborators.
type Config struct {
	Settings *framework.Settings
	Runner   framework.CommandRunner
	Tools    ToolManager
	Logger   *zap.Logger
	Version  string

	// Telemetry additionally receives lint events.
	Telemetry framework.Telemetry
}

// Document tracks open files from the editor.
type Document struct {
	URI        protocol.DocumentURI
	LanguageID string
	Version    int32
	Text       string
}

// LSPServer serves CUE validation and formatting over the language server protocol.
type LSPServer struct {
	logger    *zap.Logger
	linter    *tools.Linter
	formatter *tools.Formatter
	tools     ToolManager
	publisher *publisher
	version   string

	mu            sync.RWMutex
	settings      *framework.Settings
	root          string
	openDocuments map[protocol.DocumentURI]*Document
	conn          *jsonrpc2.Conn
	ctx           context.Context
	shutdown      bool

	lintMu sync.Mutex
	wg     sync.WaitGroup
}

// NewLSPServer builds a server instance.
func NewLSPServer(cfg Config) *LSPServer {
	logger := framework.LoggerOrNop(cfg.Logger)
	settings := cfg.Settings.Clone()
	settings.Normalize()
	s := &LSPServer{
		logger:        logger,
		tools:         cfg.Tools,
		version:       cfg.Version,
		settings:      settings,
		openDocuments: make(map[protocol.DocumentURI]*Document),
		ctx:           context.Background(),
	}
	s.publisher = newPublisher(s.notify)
	s.linter = tools.NewLinter(cfg.Runner, s.publisher, logger)
	s.linter.Telemetry = framework.MultiplexTelemetry{Sinks: []framework.Telemetry{
		framework.LoggerTelemetry{Logger: logger.Named("lint")},
		cfg.Telemetry,
	}}
	s.formatter = tools.NewFormatter(cfg.Runner, logger)
	return s
}

// Serve runs the protocol on rwc until the client disconnects or ctx ends.
func (s *LSPServer) Serve(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	stream := jsonrpc2.NewBufferedStream(rwc, jsonrpc2.VSCodeObjectCodec{})
	conn := jsonrpc2.NewConn(ctx, stream, jsonrpc2.HandlerWithError(s.handle))
	s.bindConn(conn)

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		conn.Close()
	}
	cancel()
	s.wg.Wait()
	return nil
}

// Settings returns a copy of the active settings.
func (s *LSPServer) Settings() *framework.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings.Clone()
}

// LogMessage writes a line to the client's output channel.
func (s *LSPServer) LogMessage(typ protocol.MessageType, message string) {
	_ = s.notify("window/logMessage", &protocol.LogMessageParams{Type: typ, Message: message})
}

// ShowMessage pops a one-shot message in the client.
func (s *LSPServer) ShowMessage(typ protocol.MessageType, message string) {
	_ = s.notify("window/showMessage", &protocol.ShowMessageParams{Type: typ, Message: message})
}

func (s *LSPServer) handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) (interface{}, error) {
	s.bindConn(conn)
	if s.isShutdown() && req.Method != "exit" {
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidRequest, Message: "server is shutting down"}
	}
	switch req.Method {
	case "initialize":
		return s.initialize(req)
	case "initialized":
		s.initialized()
		return nil, nil
	case "shutdown":
		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		return nil, nil
	case "exit":
		return nil, conn.Close()
	case "textDocument/didOpen":
		var params protocol.DidOpenTextDocumentParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return nil, s.didOpen(params)
	case "textDocument/didChange":
		var params protocol.DidChangeTextDocumentParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return nil, s.didChange(params)
	case "textDocument/didSave":
		var params protocol.DidSaveTextDocumentParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return nil, s.didSave(params)
	case "textDocument/didClose":
		var params protocol.DidCloseTextDocumentParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		s.mu.Lock()
		delete(s.openDocuments, params.TextDocument.URI)
		s.mu.Unlock()
		return nil, nil
	case "textDocument/formatting":
		var params protocol.DocumentFormattingParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return s.formatting(ctx, params)
	case "workspace/executeCommand":
		var params protocol.ExecuteCommandParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return s.executeCommand(ctx, params)
	case "workspace/didChangeConfiguration":
		var params configurationParams
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		return nil, s.applySettings(params.Settings)
	default:
		if req.Notif {
			return nil, nil
		}
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeMethodNotFound, Message: fmt.Sprintf("method %s not supported", req.Method)}
	}
}

// configurationParams keeps settings raw so both the initialize options and
// didChangeConfiguration payloads go through Settings.MergeJSON.
type configurationParams struct {
	Settings json.RawMessage `json:"settings"`
}

type initializeOptions struct {
	InitializationOptions json.RawMessage `json:"initializationOptions"`
}

func (s *LSPServer) initialize(req *jsonrpc2.Request) (interface{}, error) {
	var params protocol.InitializeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	var opts initializeOptions
	if req.Params != nil {
		_ = json.Unmarshal(*req.Params, &opts)
	}
	if err := s.applySettings(opts.InitializationOptions); err != nil {
		return nil, err
	}
	root := ""
	if params.RootURI != "" {
		root = diagnostics.URIToPath(params.RootURI)
	}
	s.mu.Lock()
	s.root = root
	s.mu.Unlock()
	s.logger.Info("initialize", zap.String("root", root))

	return &protocol.InitializeResult{
		Capabilities: protocol.ServerCapabilities{
			TextDocumentSync: &protocol.TextDocumentSyncOptions{
				OpenClose: true,
				Change:    protocol.TextDocumentSyncKindFull,
				Save:      &protocol.SaveOptions{IncludeText: false},
			},
			DocumentFormattingProvider: true,
			ExecuteCommandProvider: &protocol.ExecuteCommandOptions{
				Commands: []string{CommandLint, CommandUpdateTools},
			},
		},
		ServerInfo: &protocol.ServerInfo{Name: "cuekit", Version: s.version},
	}, nil
}

// initialized checks the tooling in the background so the handshake is not
// held up by a download.
func (s *LSPServer) initialized() {
	if s.tools == nil {
		return
	}
	ctx := s.context()
	s.goBackground(func() {
		if !s.tools.EnsureTools(ctx) {
			return
		}
		if _, err := s.tools.EnsureLatest(ctx); err != nil {
			s.logger.Warn("tool update failed", zap.Error(err))
		}
	})
}

func (s *LSPServer) didOpen(params protocol.DidOpenTextDocumentParams) error {
	doc := &Document{
		URI:        params.TextDocument.URI,
		LanguageID: string(params.TextDocument.LanguageID),
		Version:    int32(params.TextDocument.Version),
		Text:       params.TextDocument.Text,
	}
	s.mu.Lock()
	s.openDocuments[doc.URI] = doc
	s.mu.Unlock()
	s.lintInBackground(doc.URI, doc.LanguageID)
	return nil
}

func (s *LSPServer) didChange(params protocol.DidChangeTextDocumentParams) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.openDocuments[params.TextDocument.URI]
	if !ok {
		return fmt.Errorf("document %s not tracked", params.TextDocument.URI)
	}
	// Full sync: the last change carries the whole text.
	if n := len(params.ContentChanges); n > 0 {
		doc.Text = params.ContentChanges[n-1].Text
	}
	doc.Version = int32(params.TextDocument.Version)
	return nil
}

func (s *LSPServer) didSave(params protocol.DidSaveTextDocumentParams) error {
	lang := ""
	s.mu.RLock()
	if doc, ok := s.openDocuments[params.TextDocument.URI]; ok {
		lang = doc.LanguageID
	}
	s.mu.RUnlock()
	if lang == "" && strings.EqualFold(filepath.Ext(string(params.TextDocument.URI)), ".cue") {
		lang = languageID
	}
	s.lintInBackground(params.TextDocument.URI, lang)
	return nil
}

func (s *LSPServer) lintInBackground(uri protocol.DocumentURI, lang string) {
	settings := s.Settings()
	if settings.LintOnSave == framework.LintOff || lang != languageID {
		return
	}
	ctx := s.context()
	s.goBackground(func() {
		if err := s.lint(ctx, uri, settings); err != nil {
			s.logger.Debug("lint failed", zap.String("uri", string(uri)), zap.Error(err))
		}
	})
}

func (s *LSPServer) lint(ctx context.Context, uri protocol.DocumentURI, settings *framework.Settings) error {
	s.lintMu.Lock()
	defer s.lintMu.Unlock()
	mode := settings.LintOnSave
	if mode == framework.LintOff {
		mode = framework.LintPackage
	}
	_, err := s.linter.Lint(ctx, tools.LintRequest{
		Document: diagnostics.URIToPath(uri),
		Flags:    settings.LintFlags,
		Mode:     mode,
	})
	if errors.Is(err, tools.ErrToolMissing) {
		s.LogMessage(protocol.MessageTypeWarning, "cue not found. Install it from https://cuelang.org/docs/install/")
	}
	return err
}

func (s *LSPServer) formatting(ctx context.Context, params protocol.DocumentFormattingParams) ([]protocol.TextEdit, error) {
	text, err := s.documentText(params.TextDocument.URI)
	if err != nil {
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	tool := s.Settings().FormatTool
	edits, err := s.formatter.Format(ctx, tool, text)
	if err != nil {
		var ferr *tools.FormatError
		switch {
		case errors.Is(err, tools.ErrToolMissing):
			s.ShowMessage(protocol.MessageTypeError, fmt.Sprintf("%s not found", strings.Fields(tool)[0]))
		case errors.As(err, &ferr):
			s.ShowMessage(protocol.MessageTypeError, ferr.Error())
		default:
			s.LogMessage(protocol.MessageTypeError, "format failed: "+err.Error())
		}
		return []protocol.TextEdit{}, nil
	}
	if edits == nil {
		edits = []protocol.TextEdit{}
	}
	return edits, nil
}

func (s *LSPServer) executeCommand(ctx context.Context, params protocol.ExecuteCommandParams) (interface{}, error) {
	switch params.Command {
	case CommandLint:
		uri, err := commandURI(params.Arguments)
		if err != nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
		}
		if err := s.lint(ctx, uri, s.Settings()); err != nil && !errors.Is(err, tools.ErrToolMissing) {
			s.ShowMessage(protocol.MessageTypeError, "lint failed: "+err.Error())
		}
		return nil, nil
	case CommandUpdateTools:
		if s.tools == nil {
			return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInternalError, Message: "tool manager unavailable"}
		}
		bg := s.context()
		s.goBackground(func() {
			result, err := s.tools.Update(bg)
			if err != nil {
				s.ShowMessage(protocol.MessageTypeError, fmt.Sprintf("Failed to update %s: %v", tools.ToolName, err))
				return
			}
			if result != nil && result.Installed {
				s.ShowMessage(protocol.MessageTypeInfo, fmt.Sprintf("%s %s installed", tools.ToolName, result.Tag))
			}
		})
		return nil, nil
	default:
		return nil, &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "unknown command " + params.Command}
	}
}

func commandURI(args []interface{}) (protocol.DocumentURI, error) {
	if len(args) == 0 {
		return "", errors.New("document uri argument required")
	}
	raw, ok := args[0].(string)
	if !ok || raw == "" {
		return "", errors.New("document uri must be a string")
	}
	if !strings.HasPrefix(raw, "file://") {
		return diagnostics.FileURI(raw), nil
	}
	return protocol.DocumentURI(raw), nil
}

// applySettings merges editor settings, accepting either {"cue": {...}} or
// the bare settings object.
func (s *LSPServer) applySettings(raw json.RawMessage) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var wrapped struct {
		Cue json.RawMessage `json:"cue"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Cue) > 0 {
		raw = wrapped.Cue
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	next, err := s.settings.MergeJSON(raw)
	if err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "invalid settings: " + err.Error()}
	}
	s.settings = next
	s.logger.Debug("settings updated",
		zap.String("format_tool", next.FormatTool),
		zap.String("lint_on_save", next.LintOnSave),
		zap.Strings("lint_flags", next.LintFlags))
	return nil
}

func (s *LSPServer) documentText(uri protocol.DocumentURI) (string, error) {
	s.mu.RLock()
	doc, ok := s.openDocuments[uri]
	s.mu.RUnlock()
	if ok {
		return doc.Text, nil
	}
	return readDocument(diagnostics.URIToPath(uri))
}

func (s *LSPServer) notify(method string, params interface{}) error {
	s.mu.RLock()
	conn, ctx := s.conn, s.ctx
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("connection not established")
	}
	return conn.Notify(ctx, method, params)
}

func (s *LSPServer) bindConn(conn *jsonrpc2.Conn) {
	s.mu.Lock()
	if s.conn == nil {
		s.conn = conn
	}
	s.mu.Unlock()
}

func (s *LSPServer) context() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

func (s *LSPServer) isShutdown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shutdown
}

func (s *LSPServer) goBackground(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func decodeParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: "missing params"}
	}
	if err := json.Unmarshal(*req.Params, v); err != nil {
		return &jsonrpc2.Error{Code: jsonrpc2.CodeInvalidParams, Message: err.Error()}
	}
	return nil
}
