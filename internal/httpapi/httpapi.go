// Package httpapi exposes the decision engine over JSON-over-HTTP/1.1:
// bearer-token auth, request parsing, mapping internal errors to HTTP
// codes, coordinating hot reload, and registering a filesystem watcher.
// The engine itself owns all decision logic; this package only
// translates wire requests into engine calls and engine results back
// into wire responses.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/policyshield/policyshield/internal/approval"
	"github.com/policyshield/policyshield/internal/engine"
	"github.com/policyshield/policyshield/internal/ruleset"
)

// Config configures the HTTP server.
type Config struct {
	Host       string
	Port       int
	RulesPath  string
	APIToken   string // empty = no auth required
	Logger     zerolog.Logger
}

// Server wraps the decision engine with an HTTP transport.
type Server struct {
	cfg    Config
	engine *engine.Engine
	http   *http.Server
	router *mux.Router
	logger zerolog.Logger
}

// New builds a Server bound to eng, registering all routes.
func New(cfg Config, eng *engine.Engine) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
		router: mux.NewRouter(),
		logger: cfg.Logger,
	}
	s.routes()
	s.http = &http.Server{
		Addr:         addr(cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func addr(host string, port int) string {
	if host == "" {
		host = "0.0.0.0"
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// checkBearer compares an Authorization header against the configured
// token in constant time. The token is an opaque shared secret, not a
// signed credential.
func checkBearer(header, token string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	got := header[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/api/v1/check", s.auth(s.handleCheck)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/post-check", s.auth(s.handlePostCheck)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/constraints", s.auth(s.handleConstraints)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reload", s.auth(s.handleReload)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/respond-approval", s.auth(s.handleRespondApproval)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/check-approval", s.auth(s.handleCheckApproval)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/pending-approvals", s.auth(s.handlePendingApprovals)).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/clear-taint", s.auth(s.handleClearTaint)).Methods(http.MethodPost)
	r.HandleFunc("/admin/kill", s.auth(s.handleKill)).Methods(http.MethodPost)
	r.HandleFunc("/admin/resume", s.auth(s.handleResume)).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/status", s.auth(s.handleStatus)).Methods(http.MethodGet)
}

// auth wraps a handler with a constant-time bearer-token check. A server
// with no configured token is open.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIToken == "" {
			next(w, r)
			return
		}
		if !checkBearer(r.Header.Get("Authorization"), s.cfg.APIToken) {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token", "AuthError")
			return
		}
		next(w, r)
	}
}

// ListenAndServe starts the HTTP listener. Blocks until Shutdown is
// called or a fatal error occurs.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// ---- request/response shapes ----

type checkRequest struct {
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args"`
	SessionID string         `json:"session_id,omitempty"`
	Sender    string         `json:"sender,omitempty"`
}

type postCheckRequest struct {
	ToolName  string `json:"tool_name"`
	Args      map[string]any `json:"args"`
	Result    any    `json:"result"`
	SessionID string `json:"session_id,omitempty"`
	RuleID    string `json:"rule_id,omitempty"`
}

type respondApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
	Approved   bool   `json:"approved"`
	Responder  string `json:"responder,omitempty"`
}

type checkApprovalRequest struct {
	ApprovalID string `json:"approval_id"`
}

type clearTaintRequest struct {
	SessionID string `json:"session_id"`
}

type killRequest struct {
	Reason string `json:"reason"`

	// Shutdown additionally asks the process to exit with the
	// kill-switch exit code after engaging the switch.
	Shutdown bool `json:"shutdown,omitempty"`
}

// ---- handlers ----

func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "RequestError")
		return
	}
	if req.ToolName == "" {
		writeError(w, http.StatusBadRequest, "tool_name is required", "RequestError")
		return
	}

	result, err := s.engine.Check(req.ToolName, req.Args, req.SessionID, req.Sender)
	if err != nil {
		s.logger.Error().Err(err).Str("tool", req.ToolName).Msg("check failed")
		writeError(w, http.StatusInternalServerError, err.Error(), "DecisionError")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"verdict":       result.Verdict,
		"rule_id":       result.RuleID,
		"message":       result.Message,
		"modified_args": result.ModifiedArgs,
		"approval_id":   result.ApprovalID,
		"pii_types":     result.PIITypes(),
	})
}

func (s *Server) handlePostCheck(w http.ResponseWriter, r *http.Request) {
	var req postCheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "RequestError")
		return
	}

	out := s.engine.PostCheck(req.SessionID, req.Result, req.RuleID)
	writeJSON(w, http.StatusOK, map[string]any{
		"pii_types":       out.PIITypes,
		"redacted_output": out.RedactedOutput,
	})
}

func (s *Server) handleConstraints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"summary": s.engine.ConstraintsSummary()})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	newRS, err := ruleset.Load(s.cfg.RulesPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "ConfigError")
		return
	}
	s.engine.Reload(newRS)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"rules_count": newRS.RulesCount(),
		"rules_hash":  newRS.Hash,
	})
}

func (s *Server) handleRespondApproval(w http.ResponseWriter, r *http.Request) {
	var req respondApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "RequestError")
		return
	}
	if req.ApprovalID == "" {
		writeError(w, http.StatusBadRequest, "approval_id is required", "RequestError")
		return
	}

	if _, err := s.engine.Approvals().Respond(req.ApprovalID, req.Approved, req.Responder); err != nil {
		mapApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCheckApproval(w http.ResponseWriter, r *http.Request) {
	var req checkApprovalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "RequestError")
		return
	}

	a, err := s.engine.Approvals().Poll(req.ApprovalID)
	if err != nil {
		mapApprovalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": a.ApprovalID,
		"status":      a.Status,
		"responder":   a.Responder,
	})
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"approvals": s.engine.Approvals().ListPending()})
}

func (s *Server) handleClearTaint(w http.ResponseWriter, r *http.Request) {
	var req clearTaintRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body", "RequestError")
		return
	}
	if req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required", "RequestError")
		return
	}
	s.engine.Sessions().Get(req.SessionID).ClearTaint()
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleKill(w http.ResponseWriter, r *http.Request) {
	var req killRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Shutdown {
		s.engine.RequestShutdown(req.Reason)
	} else {
		s.engine.KillSwitch(req.Reason)
	}
	s.logger.Warn().Str("reason", req.Reason).Bool("shutdown", req.Shutdown).Msg("kill switch engaged")
	writeJSON(w, http.StatusOK, map[string]any{"status": "killed"})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.engine.Resume()
	s.logger.Info().Msg("kill switch resumed")
	writeJSON(w, http.StatusOK, map[string]any{"status": "resumed"})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rs := s.engine.RuleSet()
	killed, _ := s.engine.Killed()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"shield_name": rs.ShieldName,
		"rules_count": rs.RulesCount(),
		"rules_hash":  rs.Hash,
		"mode":        s.engine.Mode(),
		"killed":      killed,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.engine.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "running",
		"total":    stats.Total,
		"allow":    stats.Allow,
		"block":    stats.Block,
		"redact":   stats.Redact,
		"approve":  stats.Approve,
		"sessions": stats.Sessions,
	})
}

func mapApprovalError(w http.ResponseWriter, err error) {
	switch err.(type) {
	case *approval.ErrNotFound:
		writeError(w, http.StatusNotFound, err.Error(), "ApprovalError")
	case *approval.ErrAlreadyResolved:
		writeError(w, http.StatusConflict, err.Error(), "ApprovalError")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "DecisionError")
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, kind string) {
	writeJSON(w, status, map[string]string{"error": msg, "kind": kind})
}

// Reloader watches the paths given to NewReloader for changes and
// triggers a debounced hot reload. Files pulled in by !include are watched
// only if their paths are among those given.
type Reloader struct {
	watcher *fsnotify.Watcher
	srv     *Server
}

// NewReloader builds a file watcher over paths, calling srv's reload
// logic on change.
func NewReloader(srv *Server, paths []string) (*Reloader, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			w.Close()
			return nil, err
		}
	}
	return &Reloader{watcher: w, srv: srv}, nil
}

// Run watches for file changes and reloads the ruleset. Blocks until ctx
// is cancelled.
func (rl *Reloader) Run(ctx context.Context) {
	defer rl.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return

		case event, ok := <-rl.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, func() {
					newRS, err := ruleset.Load(rl.srv.cfg.RulesPath)
					if err != nil {
						rl.srv.logger.Warn().Err(err).Msg("hot-reload failed, keeping active ruleset")
						return
					}
					rl.srv.engine.Reload(newRS)
					rl.srv.logger.Info().Int("rules", newRS.RulesCount()).Msg("hot-reload: ruleset reloaded")
				})
			}

		case err, ok := <-rl.watcher.Errors:
			if !ok {
				return
			}
			rl.srv.logger.Warn().Err(err).Msg("file watcher error")
		}
	}
}
