// Package api exposes the session manager over HTTP: session creation
// and inspection, approval decisions, aborts, audit queries, and live
// event streaming over SSE and websocket.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tramitebot/tramitebot/agent"
	auditstore "github.com/tramitebot/tramitebot/observe/store"
	"github.com/tramitebot/tramitebot/state"
)

type Config struct {
	Addr       string
	Agent      *agent.Agent
	StateStore state.Store
	AuditStore auditstore.Store

	// ReadHeaderTimeout bounds request header reads. Write timeouts are
	// deliberately left unset so SSE and websocket streams stay open.
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

type Server struct {
	cfg  Config
	mux  *http.ServeMux
	http *http.Server
	once sync.Once
}

func NewServer(cfg Config) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8420"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{cfg: cfg, mux: http.NewServeMux()}
	s.registerRoutes()
	s.http = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	if s == nil {
		return http.NotFoundHandler()
	}
	return s.mux
}

func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server is nil")
	}
	errCh := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received, stopping HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := s.http.Shutdown(shutdownCtx); err != nil {
			log.Printf("http shutdown error: %v", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) Close() error {
	if s == nil {
		return nil
	}
	var outErr error
	s.once.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		outErr = s.http.Shutdown(shutdownCtx)
	})
	return outErr
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("/api/v1/sessions", s.handleSessions)
	s.mux.HandleFunc("/api/v1/sessions/", s.handleSessionSubresources)
	s.mux.HandleFunc("/api/v1/metrics/summary", s.handleMetrics)
	s.mux.HandleFunc("/api/v1/stream/events", s.handleSSE)
	s.mux.HandleFunc("/api/v1/stream/ws", s.handleWebsocket)
	s.mux.HandleFunc("/api/v1/healthz", s.handleHealth)
}

type startSessionRequest struct {
	Instruction string `json:"instruction"`
}

type approvalRequest struct {
	Approved *bool  `json:"approved"`
	Feedback string `json:"feedback,omitempty"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req startSessionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request payload: %w", err))
			return
		}
		if strings.TrimSpace(req.Instruction) == "" {
			writeError(w, http.StatusBadRequest, fmt.Errorf("instruction is required"))
			return
		}
		sessionID, err := s.cfg.Agent.Start(r.Context(), req.Instruction)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		status, err := s.cfg.Agent.GetStatus(r.Context(), sessionID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusCreated, status)

	case http.MethodGet:
		if s.cfg.StateStore == nil {
			writeJSON(w, http.StatusOK, []state.SessionRecord{})
			return
		}
		records, err := s.cfg.Agent.ListSessions(r.Context(), state.ListSessionsQuery{
			Status: strings.TrimSpace(r.URL.Query().Get("status")),
			Limit:  parseInt(r.URL.Query().Get("limit"), 100),
			Offset: parseInt(r.URL.Query().Get("offset"), 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, records)

	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
	}
}

func (s *Server) handleSessionSubresources(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/"))
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("session id is required"))
		return
	}
	sessionID := parts[0]

	if len(parts) == 1 {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		status, err := s.cfg.Agent.GetStatus(r.Context(), sessionID)
		if err != nil {
			writeError(w, statusForAgentError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	switch parts[1] {
	case "approval":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		var req approvalRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request payload: %w", err))
			return
		}
		if req.Approved == nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("approved is required"))
			return
		}
		if err := s.cfg.Agent.Approve(r.Context(), sessionID, *req.Approved, req.Feedback); err != nil {
			writeError(w, statusForAgentError(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})

	case "abort":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		if err := s.cfg.Agent.Abort(r.Context(), sessionID); err != nil {
			writeError(w, statusForAgentError(err), err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})

	case "history":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		history, err := s.cfg.Agent.History(r.Context(), sessionID)
		if err != nil {
			writeError(w, statusForAgentError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, history)

	case "summary":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		summary, err := s.cfg.Agent.Summary(r.Context(), sessionID)
		if err != nil {
			writeError(w, statusForAgentError(err), err)
			return
		}
		writeJSON(w, http.StatusOK, summary)

	case "checkpoints":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		if s.cfg.StateStore == nil {
			writeJSON(w, http.StatusOK, []state.CheckpointRecord{})
			return
		}
		rows, err := s.cfg.StateStore.ListCheckpoints(r.Context(), sessionID, parseInt(r.URL.Query().Get("limit"), 50))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, rows)

	case "events":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
			return
		}
		if s.cfg.AuditStore == nil {
			writeError(w, http.StatusNotImplemented, fmt.Errorf("audit store not configured"))
			return
		}
		events, err := s.cfg.AuditStore.ListEventsBySession(r.Context(), sessionID, auditstore.ListQuery{
			Limit:  parseInt(r.URL.Query().Get("limit"), 100),
			Offset: parseInt(r.URL.Query().Get("offset"), 0),
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, events)

	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unsupported session endpoint"))
	}
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	if s.cfg.AuditStore == nil {
		writeJSON(w, http.StatusOK, auditstore.MetricsSummary{})
		return
	}
	query := auditstore.MetricsQuery{}
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since timestamp: %w", err))
			return
		}
		query.Since = &since
	}
	metrics, err := s.cfg.AuditStore.AggregateMetrics(r.Context(), query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func statusForAgentError(err error) int {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, agent.ErrNotAwaitingApproval), errors.Is(err, agent.ErrSessionTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	parts := strings.Split(trimmed, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func parseInt(raw string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, map[string]any{"error": msg})
}
