package api

import (
	"encoding/json"
	"net/http"

	"github.com/notifyd/notifyd/internal/worker"
)

// maxBulkEmails bounds one bulk request; larger batches belong on the queue.
const maxBulkEmails = 100

// handleSendEmail sends one fully rendered email synchronously, bypassing
// the queue. The response reports the per-attempt outcome.
func (s *Server) handleSendEmail(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "direct sending is not enabled")
		return
	}

	var email worker.DirectEmail
	if err := json.NewDecoder(r.Body).Decode(&email); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}
	if email.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}

	result := s.sender.SendDirect(r.Context(), email)
	if result.Status != "sent" {
		writeJSON(w, http.StatusBadGateway, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleSendBulkEmails sends a batch of emails concurrently. Items succeed
// or fail independently; the response always carries one result per item
// in input order.
func (s *Server) handleSendBulkEmails(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		writeError(w, http.StatusServiceUnavailable, "direct sending is not enabled")
		return
	}

	var emails []worker.DirectEmail
	if err := json.NewDecoder(r.Body).Decode(&emails); err != nil {
		writeError(w, http.StatusBadRequest, errInvalidJSONBody)
		return
	}
	if len(emails) == 0 {
		writeError(w, http.StatusBadRequest, "at least one email is required")
		return
	}
	if len(emails) > maxBulkEmails {
		writeError(w, http.StatusBadRequest, "too many emails in one batch")
		return
	}
	for _, e := range emails {
		if e.To == "" {
			writeError(w, http.StatusBadRequest, "every email needs a recipient")
			return
		}
	}

	results := s.sender.SendBulk(r.Context(), emails)
	sent := 0
	for _, res := range results {
		if res.Status == "sent" {
			sent++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   len(results),
		"sent":    sent,
		"failed":  len(results) - sent,
		"results": results,
	})
}
