package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"time"

	"go.lsp.dev/protocol"
	"go.uber.org/zap"

	"github.com/lexcodex/cuekit/diagnostics"
	"github.com/lexcodex/cuekit/framework"
	"github.com/lexcodex/cuekit/tools"
)

// APIServer exposes lint and format over HTTP for scripts and editors that
// do not speak LSP.
type APIServer struct {
	Settings *framework.Settings
	Runner   framework.CommandRunner
	Logger   *zap.Logger
}

// LintRequest is the body of POST /api/lint.
type LintRequest struct {
	Path  string   `json:"path"`
	Mode  string   `json:"mode,omitempty"`
	Flags []string `json:"flags,omitempty"`
}

// LintResponse maps file URIs to their diagnostics.
type LintResponse struct {
	Diagnostics diagnostics.Map `json:"diagnostics"`
	Count       int             `json:"count"`
	Error       string          `json:"error,omitempty"`
}

// FormatRequest is the body of POST /api/format.
type FormatRequest struct {
	Text string `json:"text"`
	Tool string `json:"tool,omitempty"`
}

// FormatResponse carries the formatted text and the edits producing it.
type FormatResponse struct {
	Text  string              `json:"text"`
	Edits []protocol.TextEdit `json:"edits"`
	Error string              `json:"error,omitempty"`
}

// ServeContext listens on addr until ctx is cancelled.
func (s *APIServer) ServeContext(ctx context.Context, addr string) error {
	server := s.newHTTPServer(addr)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger().Info("API listening", zap.String("addr", addr))
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *APIServer) newHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Handler returns the API routes.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/lint", s.handleLint)
	mux.HandleFunc("/api/format", s.handleFormat)
	mux.HandleFunc("/api/settings", s.handleSettings)
	return mux
}

func (s *APIServer) handleLint(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req LintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Path == "" || !filepath.IsAbs(req.Path) {
		http.Error(w, "absolute path required", http.StatusBadRequest)
		return
	}
	settings := s.settings()
	flags := req.Flags
	if flags == nil {
		flags = settings.LintFlags
	}
	mode := req.Mode
	if mode == "" {
		mode = settings.LintOnSave
	}
	linter := tools.NewLinter(s.Runner, nil, s.logger())
	result, err := linter.Lint(r.Context(), tools.LintRequest{Document: req.Path, Flags: flags, Mode: mode})
	resp := LintResponse{Diagnostics: result, Count: result.Count()}
	if resp.Diagnostics == nil {
		resp.Diagnostics = diagnostics.Map{}
	}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, resp)
}

func (s *APIServer) handleFormat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req FormatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	tool := req.Tool
	if tool == "" {
		tool = s.settings().FormatTool
	}
	formatter := tools.NewFormatter(s.Runner, s.logger())
	edits, err := formatter.Format(r.Context(), tool, req.Text)
	resp := FormatResponse{Text: req.Text, Edits: edits}
	if err != nil {
		resp.Error = err.Error()
	} else if len(edits) > 0 {
		resp.Text = edits[0].NewText
	}
	if resp.Edits == nil {
		resp.Edits = []protocol.TextEdit{}
	}
	writeJSON(w, resp)
}

func (s *APIServer) handleSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.settings())
}

func (s *APIServer) settings() *framework.Settings {
	settings := s.Settings.Clone()
	settings.Normalize()
	return settings
}

func (s *APIServer) logger() *zap.Logger { return framework.LoggerOrNop(s.Logger) }

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
