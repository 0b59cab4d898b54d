// Package handler exposes the checkout engine over HTTP.
package handler

import (
	"context"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/checkout-engine/internal/domain/checkout"
	"github.com/xenking/checkout-engine/internal/domain/failure"
	"github.com/xenking/checkout-engine/internal/reaper"
)

// UserIDHeader identifies the caller. It takes precedence over user_id in the
// request body and keys the per-user rate limit.
const UserIDHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Checkout is the pricing pipeline served by the handler.
type Checkout interface {
	Price(ctx context.Context, d checkout.Draft) (*checkout.PricedOrder, error)
	Confirm(ctx context.Context, orderID string) error
	Cancel(ctx context.Context, orderID string) error
	Extend(ctx context.Context, orderID string) error
}

// ReaperStats exposes the reaper counters.
type ReaperStats interface {
	Stats() reaper.Stats
}

// Handler serves the checkout routes.
type Handler struct {
	checkout Checkout
	reaper   ReaperStats
}

// New constructs a Handler.
func New(c Checkout, r ReaperStats) *Handler {
	return &Handler{checkout: c, reaper: r}
}

// Register mounts the checkout routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Route("/api/checkout", func(r chi.Router) {
		r.Post("/price", h.Price)
		r.Post("/{orderID}/confirm", h.Confirm)
		r.Post("/{orderID}/cancel", h.Cancel)
		r.Post("/{orderID}/extend", h.Extend)
	})
	r.Get("/api/reaper/stats", h.ReaperStats)
}

// Price handles POST /api/checkout/price.
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, failure.InvalidInput("read body: "+err.Error()))
		return
	}
	d, err := decodeDraft(body)
	if err != nil {
		writeError(w, r, failure.InvalidInput("malformed request: "+err.Error()))
		return
	}
	if id := r.Header.Get(UserIDHeader); id != "" {
		d.UserID = id
	}

	order, err := h.checkout.Price(r.Context(), d)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	encodePricedOrder(&e, order)
	writeJSON(w, http.StatusOK, e.Bytes())
}

// Confirm handles POST /api/checkout/{orderID}/confirm.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.checkout.Confirm, string(checkout.StageConfirmed))
}

// Cancel handles POST /api/checkout/{orderID}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.checkout.Cancel, "CANCELLED")
}

// Extend handles POST /api/checkout/{orderID}/extend. The order's holds no
// longer expire afterwards.
func (h *Handler) Extend(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, h.checkout.Extend, "EXTENDED")
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error, status string) {
	orderID := chi.URLParam(r, "orderID")
	if orderID == "" {
		writeError(w, r, failure.InvalidInput("order id is required"))
		return
	}
	if err := fn(r.Context(), orderID); err != nil {
		writeError(w, r, err)
		return
	}

	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("order_id")
	e.Str(orderID)
	e.FieldStart("status")
	e.Str(status)
	e.ObjEnd()
	writeJSON(w, http.StatusOK, e.Bytes())
}

// ReaperStats handles GET /api/reaper/stats.
func (h *Handler) ReaperStats(w http.ResponseWriter, _ *http.Request) {
	var e jx.Encoder
	encodeStats(&e, h.reaper.Stats())
	writeJSON(w, http.StatusOK, e.Bytes())
}

// statusOf maps a failure kind to its HTTP status.
func statusOf(kind failure.Kind) int {
	switch kind {
	case failure.KindInvalidInput:
		return http.StatusBadRequest
	case failure.KindNotFound:
		return http.StatusNotFound
	case failure.KindInsufficientCapacity, failure.KindReservationNotActive:
		return http.StatusConflict
	case failure.KindVoucherInvalid:
		return http.StatusUnprocessableEntity
	case failure.KindReservationExpired:
		return http.StatusGone
	case failure.KindConcurrencyExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var fe *failure.Error
	if !errors.As(err, &fe) {
		zctx.From(r.Context()).Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
		fe = &failure.Error{Detail: "internal error"}
	}
	status := statusOf(fe.Kind)
	if fe.Kind == failure.KindConcurrencyExhausted {
		w.Header().Set("Retry-After", "1")
	}

	var e jx.Encoder
	encodeFailure(&e, status, fe)
	writeJSON(w, status, e.Bytes())
}

func writeJSON(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
