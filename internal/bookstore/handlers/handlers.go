package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/25x8/bookstore-rewards/internal/bookstore/middleware"
	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
	"github.com/25x8/bookstore-rewards/internal/bookstore/service"
)

// StatusQueue accepts order status notifications for background processing
type StatusQueue interface {
	Enqueue(change models.StatusChange) error
}

// Handler handles all HTTP requests
type Handler struct {
	Loyalty    *service.LoyaltyEngine
	Discounts  *service.DiscountRegistry
	Settlement *service.SettlementCoordinator
	Statuses   StatusQueue
	Logger     *zap.Logger
}

// NewHandler creates a new handler
func NewHandler(
	loyalty *service.LoyaltyEngine,
	discounts *service.DiscountRegistry,
	settlement *service.SettlementCoordinator,
	statuses StatusQueue,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		Loyalty:    loyalty,
		Discounts:  discounts,
		Settlement: settlement,
		Statuses:   statuses,
		Logger:     logger,
	}
}

// writeError maps the error taxonomy onto HTTP statuses
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, models.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, models.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, models.ErrInsufficientPoints):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, models.ErrAlreadyApplied), errors.Is(err, models.ErrInvalidState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrLimitExceeded), errors.Is(err, models.ErrInactive):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, models.ErrTransientStorage), errors.Is(err, service.ErrQueueFull),
		errors.Is(err, service.ErrProcessorStopped):
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.Logger.Error("Unhandled error",
			zap.String("path", r.URL.Path),
			zap.Error(err))
		http.Error(w, "Server error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func decode(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(models.ErrInvalidArgument, err)
	}
	return nil
}

// GetBalance returns the caller's points balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	balance, err := h.Loyalty.GetBalance(r.Context(), userID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// GetHistory returns a page of the caller's ledger
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	query := r.URL.Query()
	filter := models.HistoryFilter{Kind: models.EntryKind(query.Get("type"))}
	for name, dst := range map[string]*int{"page": &filter.Page, "limit": &filter.Limit} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "Invalid "+name, http.StatusBadRequest)
			return
		}
		*dst = n
	}

	page, err := h.Loyalty.History(r.Context(), userID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, page)
}

// Checkout settles discount and points for a new order
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.GetUserID(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req models.CheckoutRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	req.UserID = userID

	result, err := h.Settlement.SettleCheckout(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// ValidateDiscount quotes a code against an order total without using it
func (h *Handler) ValidateDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code       string          `json:"code"`
		OrderTotal decimal.Decimal `json:"order_total"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	quote, err := h.Discounts.ValidateAndApply(r.Context(), req.Code, req.OrderTotal)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, quote)
}

// CreateDiscount registers a discount code
func (h *Handler) CreateDiscount(w http.ResponseWriter, r *http.Request) {
	var spec models.DiscountSpec
	if err := decode(r, &spec); err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.Discounts.Create(r.Context(), spec)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

// ListDiscounts returns every discount code
func (h *Handler) ListDiscounts(w http.ResponseWriter, r *http.Request) {
	codes, err := h.Discounts.List(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, codes)
}

// GetDiscount returns one discount code
func (h *Handler) GetDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := h.Discounts.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// UpdateDiscount applies a partial update to a discount code
func (h *Handler) UpdateDiscount(w http.ResponseWriter, r *http.Request) {
	var patch models.DiscountPatch
	if err := decode(r, &patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.Discounts.Update(r.Context(), chi.URLParam(r, "code"), patch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ToggleDiscount flips a code between active and inactive
func (h *Handler) ToggleDiscount(w http.ResponseWriter, r *http.Request) {
	d, err := h.Discounts.ToggleActive(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// ReconcileBalance compares a user's balance with their ledger
func (h *Handler) ReconcileBalance(w http.ResponseWriter, r *http.Request) {
	balance, err := h.Loyalty.Reconcile(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, balance)
}

// ConfirmDiscount consumes a code for an order the order service created
func (h *Handler) ConfirmDiscount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code string `json:"code"`
	}
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	d, err := h.Settlement.ConfirmDiscount(r.Context(), req.Code, chi.URLParam(r, "orderID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

// OrderStatusChanged accepts a status notification for background handling
func (h *Handler) OrderStatusChanged(w http.ResponseWriter, r *http.Request) {
	var change models.StatusChange
	if err := decode(r, &change); err != nil {
		h.writeError(w, r, err)
		return
	}
	change.OrderID = chi.URLParam(r, "orderID")

	if change.UserID == "" || !change.Status.Valid() {
		http.Error(w, "user_id and a known status are required", http.StatusBadRequest)
		return
	}

	if err := h.Statuses.Enqueue(change); err != nil {
		h.writeError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Health reports that the service is up
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
