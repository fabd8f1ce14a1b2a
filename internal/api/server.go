// Package api implements the REST surface of the notification service.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/notifyd/notifyd/internal/dispatch"
	"github.com/notifyd/notifyd/internal/failure"
	"github.com/notifyd/notifyd/internal/storage"
	"github.com/notifyd/notifyd/internal/worker"
)

const errInvalidJSONBody = "invalid JSON body"

// NotificationDispatcher is the producer-side pipeline the API forwards
// creation requests to.
type NotificationDispatcher interface {
	CreateNotification(ctx context.Context, req *dispatch.CreateRequest) (*dispatch.CreateResponse, error)
}

// DirectSender sends emails outside the queued pipeline.
type DirectSender interface {
	SendDirect(ctx context.Context, email worker.DirectEmail) worker.SendResult
	SendBulk(ctx context.Context, emails []worker.DirectEmail) []worker.SendResult
}

// BrokerHealth reports broker connectivity for the health endpoint.
type BrokerHealth interface {
	HealthCheck() bool
}

// Server holds all dependencies for the REST API handlers.
type Server struct {
	dispatcher NotificationDispatcher
	store      storage.NotificationStore
	sender     DirectSender
	broker     BrokerHealth
	db         *sql.DB
	logger     *slog.Logger
}

// New creates a new API Server. sender and broker may be nil when the
// process runs without a worker or broker connection.
func New(
	dispatcher NotificationDispatcher,
	store storage.NotificationStore,
	sender DirectSender,
	broker BrokerHealth,
	db *sql.DB,
	logger *slog.Logger,
) *Server {
	return &Server{
		dispatcher: dispatcher,
		store:      store,
		sender:     sender,
		broker:     broker,
		db:         db,
		logger:     logger,
	}
}

// Mount registers all API routes under the given router.
func (s *Server) Mount(r chi.Router) {
	r.Post("/notifications", s.handleCreateNotification)
	r.Get("/notifications/{id}", s.handleGetNotification)
	r.Get("/notifications/{id}/log", s.handleGetNotificationLog)

	r.Post("/emails", s.handleSendEmail)
	r.Post("/emails/bulk", s.handleSendBulkEmails)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps pipeline errors to HTTP status codes.
func statusForError(err error) int {
	var validation *failure.ValidationError
	var notFound *failure.NotFoundError
	var conflict *failure.ConflictError
	switch {
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &conflict):
		return http.StatusConflict
	case failure.Classify(err) == failure.ClassRetriable:
		// Broker or collaborator outage: the client may retry the same
		// request identifier safely.
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
