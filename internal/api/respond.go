package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/logging"
	"github.com/example/storefront-orders/internal/query"
	"go.uber.org/zap"
)

// envelope is the body of every API response.
type envelope struct {
	Success    bool              `json:"success"`
	Data       any               `json:"data,omitempty"`
	Message    string            `json:"message,omitempty"`
	Pagination *query.Pagination `json:"pagination,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	writeEnvelope(w, status, envelope{Success: true, Data: data})
}

func respondPage(w http.ResponseWriter, data any, p query.Pagination) {
	writeEnvelope(w, http.StatusOK, envelope{Success: true, Data: data, Pagination: &p})
}

func respondMessage(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, envelope{Success: status < http.StatusBadRequest, Message: message})
}

func writeEnvelope(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// respondError maps err onto a status code. Domain errors carry messages
// meant for the caller; anything else is logged and hidden.
func (h *Handlers) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logging.FromContext(r.Context(), h.logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		respondMessage(w, status, "internal server error")
		return
	}
	respondMessage(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, order.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, order.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, order.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, order.ErrInsufficientStock),
		errors.Is(err, order.ErrInvalidState),
		errors.Is(err, order.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
