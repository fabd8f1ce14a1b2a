package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notifyd/notifyd/internal/dispatch"
	"github.com/notifyd/notifyd/internal/storage"
)

// handleCreateNotification accepts a notification creation request and runs
// it through the dispatch pipeline. Requests are idempotent per request_id:
// retries and duplicates receive the original response unchanged.
func (s *Server) handleCreateNotification(w http.ResponseWriter, r *http.Request) {
	var req dispatch.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}

	resp, err := s.dispatcher.CreateNotification(r.Context(), &req)
	if err != nil {
		status := statusForError(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("notification creation failed",
				"request_id", req.RequestID, "error", err)
			writeError(w, status, "failed to create notification")
			return
		}
		writeError(w, status, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, resp)
}

// handleGetNotification returns one notification record by id.
func (s *Server) handleGetNotification(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error("failed to load notification", "notification_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load notification")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleGetNotificationLog returns the append-only audit trail for one
// notification.
func (s *Server) handleGetNotificationLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.store.GetByID(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "notification not found")
			return
		}
		s.logger.Error("failed to load notification", "notification_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load notification")
		return
	}

	entries, err := s.store.ListAudit(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list notification log", "notification_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list notification log")
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
