// File: internal/server/handlers.go
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/autoqa-cli/api/schemas"
	"github.com/xkilldash9x/autoqa-cli/internal/service"
	"github.com/xkilldash9x/autoqa-cli/internal/session"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes bounds request bodies; confirm requests carry edited cases.
const maxBodyBytes = 1 << 20

// Controller is the part of the session service the HTTP surface drives.
type Controller interface {
	Start(ctx context.Context, intent string) (string, error)
	Confirm(ctx context.Context, id string, req service.ConfirmRequest) error
	Pause(id string) error
	Resume(id string) error
	Stop(id string) error
	GetStatus(ctx context.Context, id string) (schemas.Session, error)
	List() []schemas.Session
	Subscribe(id string) (<-chan schemas.Event, func())
}

var _ Controller = (*service.Service)(nil)

// Handlers manages the HTTP request handling for the control surface.
type Handlers struct {
	log *zap.Logger
	svc Controller
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(logger *zap.Logger, svc Controller) *Handlers {
	return &Handlers{log: logger.Named("http_handlers"), svc: svc}
}

// RegisterRoutes sets up the REST routes.
func (h *Handlers) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", h.HandleHealthCheck)

	r.Route("/api/v1/sessions", func(r chi.Router) {
		r.Post("/", h.HandleStart)
		r.Get("/", h.HandleList)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.HandleGetStatus)
			r.Post("/confirm", h.HandleConfirm)
			r.Post("/pause", h.control(h.svc.Pause, "paused"))
			r.Post("/resume", h.control(h.svc.Resume, "resumed"))
			r.Post("/stop", h.control(h.svc.Stop, "stopping"))
		})
	})
}

// HandleHealthCheck is a simple handler to confirm the server is responsive.
func (h *Handlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// HandleStart creates a session from an intent.
func (h *Handlers) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if strings.TrimSpace(req.Intent) == "" {
		h.respondWithError(w, http.StatusBadRequest, "The 'intent' field is required.")
		return
	}

	id, err := h.svc.Start(r.Context(), req.Intent)
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.log.Info("Session started.", zap.String("session_id", id))
	h.respondWithStatus(w, http.StatusAccepted, "accepted", StartResponse{SessionID: id})
}

// HandleList returns every live session.
func (h *Handlers) HandleList(w http.ResponseWriter, r *http.Request) {
	h.respondWithSuccess(w, http.StatusOK, h.svc.List())
}

// HandleGetStatus returns one session.
func (h *Handlers) HandleGetStatus(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetStatus(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithSuccess(w, http.StatusOK, sess)
}

// HandleConfirm applies the operator's selection and starts execution.
func (h *Handlers) HandleConfirm(w http.ResponseWriter, r *http.Request) {
	var req service.ConfirmRequest
	if err := decodeBody(r, &req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	id := chi.URLParam(r, "sessionID")
	if err := h.svc.Confirm(r.Context(), id, req); err != nil {
		h.respondWithServiceError(w, err)
		return
	}
	h.respondWithStatus(w, http.StatusAccepted, "accepted", map[string]string{"session_id": id})
}

// control adapts a pause, resume or stop call to a handler.
func (h *Handlers) control(fn func(id string) error, verb string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "sessionID")
		if err := fn(id); err != nil {
			h.respondWithServiceError(w, err)
			return
		}
		h.respondWithSuccess(w, http.StatusOK, map[string]string{"session_id": id, "message": verb})
	}
}

// decodeBody reads a JSON body. An empty body leaves dst at its zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// respondWithServiceError maps service errors onto HTTP status codes.
func (h *Handlers) respondWithServiceError(w http.ResponseWriter, err error) {
	code := http.StatusBadRequest
	switch {
	case errors.Is(err, service.ErrSessionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, session.ErrBusy), errors.Is(err, session.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, service.ErrShuttingDown):
		code = http.StatusServiceUnavailable
	}
	h.respondWithError(w, code, err.Error())
}

// respondWithError sends a standardized JSON error response.
func (h *Handlers) respondWithError(w http.ResponseWriter, statusCode int, message string) {
	h.respondWithStatus(w, statusCode, "error", map[string]string{"error": message})
}

// respondWithSuccess sends a standardized JSON success response.
func (h *Handlers) respondWithSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	h.respondWithStatus(w, statusCode, "success", data)
}

// respondWithStatus sends a standardized JSON response with a specific status string.
func (h *Handlers) respondWithStatus(w http.ResponseWriter, statusCode int, status string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	resp := Response{Status: status}
	if errMap, ok := data.(map[string]string); ok && errMap["error"] != "" {
		resp.Error = errMap["error"]
	} else {
		resp.Data = data
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.Error("Failed to encode response", zap.Error(err))
	}
}
