// Package server is the HTTP surface: a small REST API for session
// lifecycle, the /ws fan-out socket, web-push plumbing, worktree helpers
// and the MCP endpoint. The server binds loopback by default; everything
// that mutates state requires the shared token.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/tidemux/tidemux/internal/config"
	"github.com/tidemux/tidemux/internal/runtime"
	"github.com/tidemux/tidemux/internal/session"
	"github.com/tidemux/tidemux/internal/worktree"
)

// Pusher is the notify manager surface the HTTP layer needs.
type Pusher interface {
	VAPIDPublicKey() string
	Subscribe(sub *webpush.Subscription)
	Unsubscribe(endpoint string)
}

type Server struct {
	cfg       config.Config
	rt        *runtime.Runtime
	push      Pusher
	worktrees *worktree.Manager
	logger    *slog.Logger
	httpSrv   *http.Server
	version   string
}

type Config struct {
	Runtime   *runtime.Runtime
	Push      Pusher
	Worktrees *worktree.Manager
	Logger    *slog.Logger
	App       config.Config
	Version   string
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg.App,
		rt:        cfg.Runtime,
		push:      cfg.Push,
		worktrees: cfg.Worktrees,
		logger:    logger,
		version:   cfg.Version,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/session", s.handleSessionToken)
	mux.HandleFunc("GET /api/ptys", s.handleListPtys)
	mux.HandleFunc("POST /api/ptys", s.requireAuth(s.handleCreatePty))
	mux.HandleFunc("POST /api/ptys/shell", s.requireAuth(s.handleCreateShell))
	mux.HandleFunc("POST /api/ptys/attach-tmux", s.requireAuth(s.handleAttachTmux))
	mux.HandleFunc("POST /api/ptys/{id}/kill", s.requireAuth(s.handleKillPty))
	mux.HandleFunc("POST /api/triggers/reload", s.requireAuth(s.handleTriggersReload))
	mux.HandleFunc("GET /api/ready/trace", s.handleReadyTrace)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)

	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /api/settings", s.requireAuth(s.handlePutSettings))

	mux.HandleFunc("GET /api/worktrees", s.handleListWorktrees)
	mux.HandleFunc("POST /api/worktrees", s.requireAuth(s.handleCreateWorktree))
	mux.HandleFunc("DELETE /api/worktrees", s.requireAuth(s.handleRemoveWorktree))
	mux.HandleFunc("GET /api/worktrees/default-branch", s.handleDefaultBranch)

	mux.HandleFunc("GET /api/qr", s.handleQR)

	mux.HandleFunc("GET /api/push/vapid", s.handleVAPIDKey)
	mux.HandleFunc("POST /api/push/subscribe", s.requireAuth(s.handlePushSubscribe))
	mux.HandleFunc("POST /api/push/unsubscribe", s.requireAuth(s.handlePushUnsubscribe))

	mux.HandleFunc("GET /ws", s.requireAuth(s.handleWebSocket))

	mux.Handle("/mcp", s.requireAuth(s.mcpHandler().ServeHTTP))

	s.httpSrv = &http.Server{
		Handler:           s.requireLoopback(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}
	return s
}

func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server started", "addr", ln.Addr().String())
	return s.httpSrv.Serve(ln)
}

func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

func (s *Server) SetTLSConfig(tlsCfg *tls.Config) {
	s.httpSrv.TLSConfig = tlsCfg
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down...")
	return s.httpSrv.Shutdown(ctx)
}

// --- session handlers ---

func (s *Server) handleSessionToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSONResponse(w, http.StatusOK, map[string]string{"token": s.cfg.Token})
}

func (s *Server) handleListPtys(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"ptys": s.rt.List()})
}

func (s *Server) handleCreatePty(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Command string   `json:"command"`
		Args    []string `json:"args"`
		Cwd     string   `json:"cwd"`
		Env     []string `json:"env"`
		Cols    int      `json:"cols"`
		Rows    int      `json:"rows"`
		Name    string   `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "command is required")
		return
	}
	name := req.Name
	if name == "" {
		name = req.Command
	}
	sum, err := s.rt.SpawnCommand(session.Descriptor{
		Name:    name,
		Command: req.Command,
		Args:    req.Args,
		Cwd:     req.Cwd,
		Env:     req.Env,
		Cols:    req.Cols,
		Rows:    req.Rows,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"id": sum.ID})
}

func (s *Server) handleCreateShell(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Cwd string `json:"cwd"`
	}
	// body is optional
	_ = json.NewDecoder(r.Body).Decode(&req)

	sum, err := s.rt.SpawnShell(req.Cwd)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"id": sum.ID})
}

func (s *Server) handleAttachTmux(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name   string `json:"name"`
		Server string `json:"server"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "name is required")
		return
	}
	sum, err := s.rt.AttachTmux(req.Name, req.Server)
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "tmux session not found: "+req.Name)
		return
	case errors.Is(err, runtime.ErrServerMismatch):
		writeError(w, http.StatusConflict, "conflict", "session exists on a different server")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"id": sum.ID})
}

func (s *Server) handleKillPty(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.rt.Kill(id); err != nil {
		if errors.Is(err, runtime.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "session not found: "+id)
		} else {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleTriggersReload(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.ReloadTriggers(); err != nil {
		// The failure was already broadcast; the caller gets the message too.
		writeError(w, http.StatusUnprocessableEntity, "invalid_triggers", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"ok":      true,
		"version": s.rt.Loader().Version(),
	})
}

func (s *Server) handleReadyTrace(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]any{"trace": s.rt.Ready().Trace()})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.rt.AgentSessions()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"agents": agents})
}

// --- settings ---

const settingsKey = "settings"

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	found, err := s.rt.Store().GetPreference(settingsKey, &settings)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	if !found {
		settings = map[string]any{}
	}
	writeJSONResponse(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings map[string]any
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.rt.Store().SetPreference(settingsKey, settings); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- worktrees ---

func (s *Server) handleListWorktrees(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	trees, err := s.worktrees.List(repo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{"worktrees": trees})
}

func (s *Server) handleCreateWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo   string `json:"repo"`
		Path   string `json:"path"`
		Branch string `json:"branch"`
		Base   string `json:"base"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	wt, err := s.worktrees.Create(req.Repo, req.Path, req.Branch, req.Base)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, wt)
}

func (s *Server) handleRemoveWorktree(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Repo  string `json:"repo"`
		Path  string `json:"path"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if err := s.worktrees.Remove(req.Repo, req.Path, req.Force); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleDefaultBranch(w http.ResponseWriter, r *http.Request) {
	repo := r.URL.Query().Get("repo")
	branch, err := s.worktrees.DefaultBranch(repo)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"branch": branch})
}

// --- web push ---

func (s *Server) handleVAPIDKey(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]string{"publicKey": s.push.VAPIDPublicKey()})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var sub webpush.Subscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid subscription")
		return
	}
	s.push.Subscribe(&sub)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if s.push == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "push notifications not configured")
		return
	}
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid request")
		return
	}
	s.push.Unsubscribe(req.Endpoint)
	writeJSONResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// --- helpers ---

func writeJSONResponse(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSONResponse(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
