package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strconv"

	"github.com/ashureev/repo-ranger/internal/events"
	"github.com/ashureev/repo-ranger/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// SessionHandler serves the session endpoints.
type SessionHandler struct {
	pipeline *pipeline.Pipeline
	ws       *events.WebSocketHandler
}

// NewSessionHandler creates a SessionHandler. ws may be nil to disable the
// event stream.
func NewSessionHandler(p *pipeline.Pipeline, ws *events.WebSocketHandler) *SessionHandler {
	return &SessionHandler{pipeline: p, ws: ws}
}

// RegisterRoutes registers session routes. limit, when not nil, guards the
// endpoints that call agents or clone repositories.
func (h *SessionHandler) RegisterRoutes(r chi.Router, limit func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions/{id}", h.GetSession)
		r.Get("/sessions/{id}/history", h.GetHistory)
		r.Get("/sessions/{id}/invocations", h.Invocations)
		r.Get("/artifacts/{ref}", h.DownloadArtifact)

		r.Group(func(r chi.Router) {
			if limit != nil {
				r.Use(limit)
			}
			r.Post("/sessions/{id}/messages", h.PostMessage)
			r.Post("/sessions/{id}/ingest", h.Ingest)
		})
	})
	if h.ws != nil {
		r.Get("/ws/sessions/{id}", h.Stream)
	}
}

// CreateSession starts a new session.
func (h *SessionHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.pipeline.CreateSession(r.Context())
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	JSON(w, http.StatusCreated, pipeline.View(s))
}

// GetSession returns the session summary.
func (h *SessionHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.pipeline.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	JSON(w, http.StatusOK, view)
}

type messageRequest struct {
	Text   string `json:"text"`
	Intent string `json:"intent,omitempty"`
}

// PostMessage runs one pipeline turn.
func (h *SessionHandler) PostMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !decode(w, r, &req) {
		return
	}
	intent, err := pipeline.ParseIntent(req.Intent)
	if err != nil {
		WriteError(w, err, nil)
		return
	}

	id := chi.URLParam(r, "id")
	res, err := h.pipeline.PostMessage(r.Context(), id, req.Text, intent)
	if err != nil {
		slog.Info("Message not completed",
			"session_id", id,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err)
		var result any
		if res.SessionID != "" {
			result = res
		}
		WriteError(w, err, result)
		return
	}
	JSON(w, http.StatusOK, res)
}

// GetHistory returns every turn of the session.
func (h *SessionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := h.pipeline.GetHistory(r.Context(), id)
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"turns":      turns,
	})
}

type ingestRequest struct {
	Source string `json:"source"`
}

// Ingest loads a repository into the session.
func (h *SessionHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := h.pipeline.Ingest(r.Context(), chi.URLParam(r, "id"), req.Source)
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	JSON(w, http.StatusOK, snap)
}

// Invocations returns the audit ledger of the session.
func (h *SessionHandler) Invocations(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	records, err := h.pipeline.Invocations(r.Context(), id)
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"invocations": records,
	})
}

// DownloadArtifact streams the file behind an artifact reference.
func (h *SessionHandler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	a, data, err := h.pipeline.DownloadArtifact(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		WriteError(w, err, nil)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(a.Path)))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Debug("Failed to write artifact", "ref", a.Ref, "error", err)
	}
}

// Stream upgrades to a WebSocket carrying the session's events.
func (h *SessionHandler) Stream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := h.pipeline.GetSession(r.Context(), id); err != nil {
		WriteError(w, err, nil)
		return
	}
	h.ws.Serve(w, r, id)
}
