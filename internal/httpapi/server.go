// Package httpapi exposes a small local control surface for the bridge:
// health, status, session management, and direct channel notification.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tatsuya-oka/claude-bridge/internal/bridge"
	"github.com/tatsuya-oka/claude-bridge/internal/gateway"
	"github.com/tatsuya-oka/claude-bridge/internal/logging"
	"github.com/tatsuya-oka/claude-bridge/internal/registry"
)

var apiLog = logging.ForComponent(logging.CompHTTP)

// Server handles the local HTTP control API. It is meant to bind to
// loopback only; there is no auth layer.
type Server struct {
	reg     *registry.Registry
	br      *bridge.Bridge
	sender  bridge.Sender
	started time.Time
}

// New creates the API server around the registry, bridge, and outbound
// sender.
func New(reg *registry.Registry, br *bridge.Bridge, sender bridge.Sender) *Server {
	return &Server{reg: reg, br: br, sender: sender, started: time.Now()}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(api chi.Router) {
		api.Get("/status", s.handleStatus)
		api.Get("/sessions", s.handleListSessions)
		api.Post("/sessions", s.handleAddSession)
		api.Delete("/sessions/{channelID}", s.handleRemoveSession)
		api.Post("/message", s.handleMessage)
		api.Post("/notify", s.handleNotify)
	})
	return r
}

// Serve runs the API until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	apiLog.Info("listening", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type sessionJSON struct {
	ChannelID      string `json:"channel_id"`
	SessionName    string `json:"session_name"`
	Ordinal        int    `json:"ordinal"`
	State          string `json:"state"`
	CreatedAt      string `json:"created_at"`
	LastActivityAt string `json:"last_activity_at"`
}

func toJSON(s registry.Session) sessionJSON {
	return sessionJSON{
		ChannelID:      s.ChannelID,
		SessionName:    s.SessionName,
		Ordinal:        s.Ordinal,
		State:          string(s.State),
		CreatedAt:      s.CreatedAt.UTC().Format(time.RFC3339),
		LastActivityAt: s.LastActivityAt.UTC().Format(time.RFC3339),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	active := 0
	for _, sess := range sessions {
		if sess.State == registry.StateActive {
			active++
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"sessions":       len(sessions),
		"active":         active,
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.reg.List()
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toJSON(sess))
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) handleAddSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		respondError(w, http.StatusBadRequest, "channel_id is required")
		return
	}

	sess, err := s.reg.Register(r.Context(), req.ChannelID)
	switch {
	case errors.Is(err, registry.ErrAlreadyRegistered):
		respondError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, registry.ErrCapacityExceeded):
		respondError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		apiLog.Error("register_failed", slog.String("channel", req.ChannelID), slog.String("error", err.Error()))
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, toJSON(sess))
}

func (s *Server) handleRemoveSession(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	err := s.br.RemoveChannel(r.Context(), channelID)
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

// handleMessage injects text into a channel's backing session, as if it
// had arrived through the chat platform. Useful for scripts on the host.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "channel_id and content are required")
		return
	}

	err := s.br.Inject(r.Context(), req.ChannelID, req.Content)
	switch {
	case errors.Is(err, registry.ErrNotRegistered):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case err != nil:
		apiLog.Error("inject_failed", slog.String("channel", req.ChannelID), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "injected"})
}

// handleNotify posts a notification into a bridged channel on the chat
// platform, bypassing the session entirely.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChannelID string `json:"channel_id"`
		Content   string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" || req.Content == "" {
		respondError(w, http.StatusBadRequest, "channel_id and content are required")
		return
	}
	if _, err := s.reg.Lookup(req.ChannelID); errors.Is(err, registry.ErrNotRegistered) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	err := s.sender.Send(r.Context(), gateway.OutboundChunk{ChannelID: req.ChannelID, Text: req.Content})
	if err != nil {
		apiLog.Error("notify_failed", slog.String("channel", req.ChannelID), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
