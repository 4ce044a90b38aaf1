package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"calsync/internal/config"
	"calsync/internal/ledger"
	appLog "calsync/internal/log"
	"calsync/internal/model"
	"calsync/internal/workflow"
)

// Runner triggers sync passes and remembers the last one.
type Runner interface {
	Pass(ctx context.Context, dryRun bool) (workflow.Result, error)
	Last() (workflow.Result, bool)
}

// Server exposes the operator API: ledger inspection and reset, the last
// run report and on-demand passes.
type Server struct {
	cfg    *config.Config
	ledger ledger.Store
	runner Runner
	router *mux.Router
}

func NewServer(cfg *config.Config, store ledger.Store, runner Runner) *Server {
	s := &Server{
		cfg:    cfg,
		ledger: store,
		runner: runner,
		router: mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// StartServer serves the API on cfg.Listen until ctx is cancelled, then
// shuts down gracefully.
func StartServer(ctx context.Context, cfg *config.Config, store ledger.Store, runner Runner) error {
	s := NewServer(cfg, store, runner)
	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		appLog.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.router.Use(recovery)
	s.router.Use(logging)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		s.router.Use(s.basicAuthMiddleware)
	}

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/ledger", s.handleLedgerList).Methods(http.MethodGet)
	api.HandleFunc("/ledger", s.handleLedgerClearAll).Methods(http.MethodDelete)
	api.HandleFunc("/ledger/{hash}", s.handleLedgerGet).Methods(http.MethodGet)
	api.HandleFunc("/ledger/{hash}", s.handleLedgerClear).Methods(http.MethodDelete)
	api.HandleFunc("/report", s.handleReport).Methods(http.MethodGet)
	api.HandleFunc("/run", s.handleRun).Methods(http.MethodPost)
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards every route except /health.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="calsync", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += n
	return n, err
}

func logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		appLog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"bytes", sw.size,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				appLog.Error("panic in handler", errors.New("panic"), "value", rec, "stack", string(debug.Stack()))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleLedgerList returns ledger records, newest first.
//
// GET /api/ledger?outcome=failed&limit=20
func (s *Server) handleLedgerList(w http.ResponseWriter, r *http.Request) {
	recs, err := s.ledger.List(r.Context())
	if err != nil {
		s.writeLedgerError(w, "list", err)
		return
	}

	q := r.URL.Query()
	if o := model.Outcome(q.Get("outcome")); o != "" {
		if !o.Valid() {
			writeError(w, http.StatusBadRequest, "unknown outcome")
			return
		}
		filtered := make([]model.ProcessedFileRecord, 0, len(recs))
		for _, rec := range recs {
			if rec.Outcome == o {
				filtered = append(filtered, rec)
			}
		}
		recs = filtered
	}
	if limit := parseIntDefault(q.Get("limit"), 0); limit > 0 && limit < len(recs) {
		recs = recs[:limit]
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleLedgerGet(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	rec, found, err := s.ledger.Lookup(r.Context(), hash)
	if err != nil {
		s.writeLedgerError(w, "lookup", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no ledger record for "+hash)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleLedgerClear forgets one file so the next pass processes it again.
func (s *Server) handleLedgerClear(w http.ResponseWriter, r *http.Request) {
	hash := mux.Vars(r)["hash"]
	_, found, err := s.ledger.Lookup(r.Context(), hash)
	if err != nil {
		s.writeLedgerError(w, "lookup", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "no ledger record for "+hash)
		return
	}
	if err := s.ledger.Clear(r.Context(), hash); err != nil {
		s.writeLedgerError(w, "clear", err)
		return
	}
	appLog.Info("ledger record cleared", "hash", hash)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLedgerClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.ledger.ClearAll(r.Context()); err != nil {
		s.writeLedgerError(w, "clear all", err)
		return
	}
	appLog.Info("ledger cleared")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	res, ok := s.runner.Last()
	if !ok {
		writeError(w, http.StatusNotFound, "no run yet")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleRun triggers one pass and returns its result.
//
// POST /api/run?dry_run=true
//   - dry_run: defaults to workflow.dry_run from the config
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	dryRun := s.cfg != nil && s.cfg.Workflow.DryRun
	if v := r.URL.Query().Get("dry_run"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "dry_run must be a boolean")
			return
		}
		dryRun = b
	}

	// A dropped client connection must not cancel a pass half way.
	ctx := context.WithoutCancel(r.Context())
	res, err := s.runner.Pass(ctx, dryRun)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, workflow.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrConfiguration):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		appLog.Error("run request failed", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeLedgerError(w http.ResponseWriter, op string, err error) {
	appLog.Error("ledger "+op+" failed", err)
	writeError(w, http.StatusInternalServerError, "ledger "+op+" failed")
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
