package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tramitebot/tramitebot/observe"
	auditstore "github.com/tramitebot/tramitebot/observe/store"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Deployments front this with a reverse proxy that enforces origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sessionFilter := strings.TrimSpace(r.URL.Query().Get("session_id"))
	kindFilter := strings.TrimSpace(r.URL.Query().Get("kind"))
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

	id, ch := s.cfg.Agent.Stream().Subscribe(sessionFilter, 128)
	defer s.cfg.Agent.Stream().Unsubscribe(id)

	// Push the headers out immediately so the client knows the
	// subscription is live before any event fires.
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	// Replay recent audit history first so a late subscriber sees how
	// the session got where it is.
	if s.cfg.AuditStore != nil && sessionFilter != "" {
		backlog, err := s.cfg.AuditStore.ListEventsBySession(r.Context(), sessionFilter, auditstore.ListQuery{Limit: 50})
		if err == nil {
			for _, event := range backlog {
				if !eventMatchesFilter(event, kindFilter, statusFilter) {
					continue
				}
				payload, _ := json.Marshal(event)
				_, _ = w.Write([]byte("data: "))
				_, _ = w.Write(payload)
				_, _ = w.Write([]byte("\n\n"))
			}
			flusher.Flush()
		}
	}

	ping := time.NewTicker(15 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !eventMatchesFilter(event, kindFilter, statusFilter) {
				continue
			}
			payload, _ := json.Marshal(event)
			if _, err := w.Write([]byte("data: ")); err != nil {
				return
			}
			if _, err := w.Write(payload); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	sessionFilter := strings.TrimSpace(r.URL.Query().Get("session_id"))
	kindFilter := strings.TrimSpace(r.URL.Query().Get("kind"))
	statusFilter := strings.TrimSpace(r.URL.Query().Get("status"))

	// Subscribe before the handshake completes so no event published
	// right after the client's dial returns can be missed.
	id, ch := s.cfg.Agent.Stream().Subscribe(sessionFilter, 128)
	defer s.cfg.Agent.Stream().Unsubscribe(id)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// The read pump only services control frames and detects closure.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-readerDone:
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-ch:
			if !ok {
				return
			}
			if !eventMatchesFilter(event, kindFilter, statusFilter) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		}
	}
}

func eventMatchesFilter(event observe.Event, kind, status string) bool {
	if kind != "" && string(event.Kind) != kind {
		return false
	}
	if status != "" && string(event.Status) != status {
		return false
	}
	return true
}
