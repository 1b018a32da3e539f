// CytoSync - Collaborative Annotation Sync for Whole-Slide Pathology Images
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cytosync/cytosync

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/cytosync/cytosync/internal/collab"
	"github.com/cytosync/cytosync/internal/config"
	"github.com/cytosync/cytosync/internal/history"
	"github.com/cytosync/cytosync/internal/logging"
	"github.com/cytosync/cytosync/internal/metrics"
	"github.com/cytosync/cytosync/internal/persistence"
	"github.com/cytosync/cytosync/internal/validation"
)

// Handler holds the dependencies for all HTTP endpoints.
type Handler struct {
	cfg      *config.Config
	registry *collab.Registry
	saver    *persistence.Autosaver
}

// NewHandler creates the endpoint handler set.
func NewHandler(cfg *config.Config, registry *collab.Registry, saver *persistence.Autosaver) *Handler {
	return &Handler{cfg: cfg, registry: registry, saver: saver}
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]string{"status": "ok"})
}

// CollaborationID mints a fresh session id. The session itself is created
// lazily when the first member joins it over WebSocket.
func (h *Handler) CollaborationID(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, map[string]string{"id": h.registry.MintID()})
}

// Available lists the live sessions bound to an image, so a client opening a
// slide can offer joining an ongoing collaboration.
func (h *Handler) Available(w http.ResponseWriter, r *http.Request) {
	image := r.URL.Query().Get("image")
	if image == "" {
		respondError(w, http.StatusBadRequest, "missing_image", "query parameter image is required")
		return
	}
	infos := h.registry.ActiveForImage(image)
	respondSuccess(w, map[string]interface{}{"available": infos})
}

// HistoryVersions lists the revertable versions of a session's snapshot.
func (h *Handler) HistoryVersions(w http.ResponseWriter, r *http.Request) {
	image := chi.URLParam(r, "image")
	id := chi.URLParam(r, "id")
	versions, err := h.saver.Versions(id, image)
	if err != nil {
		logging.Error().Str("session", id).Str("image", image).Err(err).
			Msg("failed to list history versions")
		respondError(w, http.StatusInternalServerError, "history_error", "failed to list versions")
		return
	}
	respondSuccess(w, map[string]interface{}{"versions": versions})
}

type revertRequest struct {
	VersionID *int `json:"versionId" validate:"required"`
}

// HistoryRevert restores a session snapshot to an earlier version. The
// session picks the reverted state up on its next load; live sessions should
// be re-joined afterwards.
func (h *Handler) HistoryRevert(w http.ResponseWriter, r *http.Request) {
	image := chi.URLParam(r, "image")
	id := chi.URLParam(r, "id")

	var req revertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", "request body must be JSON")
		return
	}
	if err := validation.ValidateStruct(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	err := h.saver.Revert(id, image, *req.VersionID)
	switch {
	case err == nil:
		metrics.Reverts.WithLabelValues("success").Inc()
		respondSuccess(w, map[string]interface{}{"reverted": *req.VersionID})
	case errors.Is(err, history.ErrUnknownVersion):
		metrics.Reverts.WithLabelValues("unknown_version").Inc()
		respondError(w, http.StatusNotFound, "unknown_version", err.Error())
	default:
		metrics.Reverts.WithLabelValues("error").Inc()
		logging.Error().Str("session", id).Str("image", image).Err(err).Msg("revert failed")
		respondError(w, http.StatusInternalServerError, "revert_failed", "failed to revert")
	}
}

// getUpgrader builds a WebSocket upgrader with origin checking against the
// configured CORS origins and a handshake timeout.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates the Origin header. Browser WebSockets always
// send one; a missing header means a non-browser client, which is allowed
// since the Go client and curl have no origin to claim.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", origin).Msg("websocket connection rejected from unauthorized origin")
	return false
}

// Collaboration upgrades the connection and joins it to the session named in
// the path, creating the session on first join.
func (h *Handler) Collaboration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	image := r.URL.Query().Get("image")
	if image == "" {
		respondError(w, http.StatusBadRequest, "missing_image", "query parameter image is required")
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Unnamed member"
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		logging.Warn().Str("session", id).Err(err).Msg("websocket upgrade failed")
		return
	}

	session := h.registry.GetOrCreate(id, image)
	collab.ServeMember(session, conn, name, h.cfg.Collab.MaxMessageSize)
}
