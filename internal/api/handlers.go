package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/example/storefront-orders/internal/api/middleware"
	"github.com/example/storefront-orders/internal/command"
	"github.com/example/storefront-orders/internal/domain/order"
	"github.com/example/storefront-orders/internal/query"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

type Handlers struct {
	cmdHandler   *command.Handler
	queryHandler *query.Handler
	logger       *zap.Logger
}

func NewHandlers(cmdHandler *command.Handler, queryHandler *query.Handler, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		cmdHandler:   cmdHandler,
		queryHandler: queryHandler,
		logger:       logger,
	}
}

// Order Handlers

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.CreateOrder
	if !h.decode(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())

	res, err := h.cmdHandler.CreateOrder(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (h *Handlers) GetMyOrders(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	res, err := h.queryHandler.ListMyOrders(r.Context(), middleware.ActorFromContext(r.Context()), page)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondPage(w, res.Orders, res.Pagination)
}

func (h *Handlers) GetOrders(w http.ResponseWriter, r *http.Request) {
	page, err := pageFromQuery(r)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := query.OrderFilter{
		Status:        q.Get("status"),
		PaymentMethod: q.Get("paymentMethod"),
	}
	if raw := q.Get("isPaid"); raw != "" {
		paid, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, r, order.InvalidRequest("isPaid must be true or false"))
			return
		}
		filter.IsPaid = &paid
	}

	res, err := h.queryHandler.ListOrders(r.Context(), middleware.ActorFromContext(r.Context()), filter, page)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondPage(w, res.Orders, res.Pagination)
}

func (h *Handlers) GetOrderStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queryHandler.Stats(r.Context(), middleware.ActorFromContext(r.Context()))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.queryHandler.GetOrder(r.Context(), middleware.ActorFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	var cmd command.CancelOrder
	if !h.decodeOptional(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())
	cmd.OrderID = chi.URLParam(r, "id")

	o, err := h.cmdHandler.CancelOrder(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) ConfirmTransfer(w http.ResponseWriter, r *http.Request) {
	o, err := h.cmdHandler.ConfirmTransfer(r.Context(), command.ConfirmTransfer{
		Actor:   middleware.ActorFromContext(r.Context()),
		OrderID: chi.URLParam(r, "id"),
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) VerifyPayment(w http.ResponseWriter, r *http.Request) {
	var cmd command.VerifyPayment
	if !h.decodeOptional(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())
	cmd.OrderID = chi.URLParam(r, "id")

	o, err := h.cmdHandler.VerifyPayment(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) MarkPaymentFailed(w http.ResponseWriter, r *http.Request) {
	var cmd command.MarkPaymentFailed
	if !h.decodeOptional(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())
	cmd.OrderID = chi.URLParam(r, "id")

	o, err := h.cmdHandler.MarkPaymentFailed(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	var cmd command.UpdateStatus
	if !h.decode(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())
	cmd.OrderID = chi.URLParam(r, "id")

	o, err := h.cmdHandler.UpdateStatus(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

// Product Handlers

func (h *Handlers) UpsertProduct(w http.ResponseWriter, r *http.Request) {
	var cmd command.UpsertProduct
	if !h.decode(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())

	p, err := h.cmdHandler.UpsertProduct(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) RestockProduct(w http.ResponseWriter, r *http.Request) {
	var cmd command.Restock
	if !h.decode(w, r, &cmd) {
		return
	}
	cmd.Actor = middleware.ActorFromContext(r.Context())
	cmd.ProductID = chi.URLParam(r, "id")

	p, err := h.cmdHandler.Restock(r.Context(), cmd)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) GetProduct(w http.ResponseWriter, r *http.Request) {
	p, err := h.queryHandler.GetProduct(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, p)
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helper functions

func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respondError(w, r, order.InvalidRequest("invalid request body"))
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func (h *Handlers) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		h.respondError(w, r, order.InvalidRequest("invalid request body"))
		return false
	}
	return true
}

func pageFromQuery(r *http.Request) (query.PageRequest, error) {
	var page query.PageRequest
	q := r.URL.Query()
	for name, dst := range map[string]*int{"page": &page.Page, "limit": &page.Limit} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return page, order.InvalidRequest("%s must be a number", name)
		}
		*dst = n
	}
	return page, nil
}
