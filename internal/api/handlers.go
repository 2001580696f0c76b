/**
 * @description
 * This file contains the HTTP handlers for the billing-service's API endpoints.
 * Handlers are responsible for parsing incoming requests, calling the appropriate
 * methods on the application service, and writing the HTTP response. They act as the
 * bridge between the web layer and the business logic layer.
 *
 * @dependencies
 * - encoding/json, log, net/http: Standard Go libraries.
 * - internal/app, internal/domain, internal/store: For service logic, models, and custom errors.
 */

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/paysoko/billing-service/internal/app"
	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
)

// BillingHandlers holds the application service that handlers will use.
type BillingHandlers struct {
	service *app.Service
}

// NewBillingHandlers creates a new instance of BillingHandlers.
func NewBillingHandlers(service *app.Service) *BillingHandlers {
	return &BillingHandlers{service: service}
}

// checkoutRequest is the payload for creating an order. Reference is the
// client-chosen idempotency key; re-submitting the same reference returns the
// existing order.
type checkoutRequest struct {
	Reference     string  `json:"reference"`
	Amount        int64   `json:"amount"`
	Currency      string  `json:"currency"`
	InstrumentRef string  `json:"instrument_ref"`
	CouponID      *string `json:"coupon_id,omitempty"`
}

// orderResponse mirrors the order state the client polls while waiting for
// payment confirmation.
type orderResponse struct {
	OrderID   string  `json:"order_id"`
	Reference string  `json:"reference"`
	Status    string  `json:"status"`
	Amount    int64   `json:"amount"`
	Currency  string  `json:"currency"`
	Outcome   *string `json:"outcome,omitempty"`
}

func buildOrderResponse(order *domain.Order, outcome *domain.Outcome) orderResponse {
	resp := orderResponse{
		OrderID:   order.ID.String(),
		Reference: order.Reference,
		Status:    order.Status,
		Amount:    order.Amount,
		Currency:  order.Currency,
	}
	if outcome != nil {
		s := string(*outcome)
		resp.Outcome = &s
	}
	return resp
}

// callerID resolves the authenticated customer's UUID from the request
// context, writing the error response itself on failure.
func (h *BillingHandlers) callerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	customerIDStr, ok := GetCustomerID(r.Context())
	if !ok {
		http.Error(w, "Could not get customer ID from context", http.StatusInternalServerError)
		return uuid.Nil, false
	}
	customerID, err := uuid.Parse(customerIDStr)
	if err != nil {
		log.Printf("level=warn component=api outcome=reject reason=invalid_customer_id customer_id=%s", customerIDStr)
		http.Error(w, "Invalid customer ID format", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return customerID, true
}

// CheckoutHandler handles requests to create an order and initiate collection.
func (h *BillingHandlers) CheckoutHandler(w http.ResponseWriter, r *http.Request) {
	customerID, ok := h.callerID(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("level=warn component=api endpoint=checkout outcome=reject reason=invalid_json err=%v", err)
		http.Error(w, fmt.Sprintf("Invalid request body: %v", err), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Reference) == "" {
		h.writeError(w, http.StatusBadRequest, "reference is required")
		return
	}
	// The INV- namespace belongs to scheduler-generated invoice references;
	// webhook routing relies on it, so client-chosen references may not use it.
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(req.Reference)), "INV-") {
		h.writeError(w, http.StatusBadRequest, "reference prefix INV- is reserved for invoices")
		return
	}
	if req.Amount <= 0 {
		h.writeError(w, http.StatusBadRequest, "amount must be a positive integer in minor units")
		return
	}

	params := app.CheckoutParams{
		Reference:     strings.TrimSpace(req.Reference),
		CustomerID:    customerID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		InstrumentRef: req.InstrumentRef,
	}
	if req.CouponID != nil {
		couponID, err := uuid.Parse(*req.CouponID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "Invalid coupon ID format")
			return
		}
		params.CouponID = &couponID
	}

	log.Printf("level=info component=api endpoint=checkout outcome=accepted customer_id=%s reference=%s amount=%d", customerID, params.Reference, params.Amount)

	order, err := h.service.Checkout(r.Context(), params)
	if err != nil {
		log.Printf("level=warn component=api endpoint=checkout outcome=failed customer_id=%s reference=%s err=%v", customerID, params.Reference, err)
		h.writeError(w, http.StatusBadGateway, "Could not initiate payment collection")
		return
	}

	h.writeJSON(w, http.StatusCreated, buildOrderResponse(order, nil))
}

// GetOrderHandler returns the current state of an order.
func (h *BillingHandlers) GetOrderHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	reference := chi.URLParam(r, "reference")
	order, err := h.service.GetOrder(r.Context(), reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		log.Printf("level=error component=api endpoint=get_order msg=\"order lookup failed\" reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to load order")
		return
	}

	h.writeJSON(w, http.StatusOK, buildOrderResponse(order, nil))
}

// ProbeOrderHandler triggers a synchronous gateway status probe for an order a
// client is waiting on. Safe to call repeatedly.
func (h *BillingHandlers) ProbeOrderHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	reference := chi.URLParam(r, "reference")
	order, outcome, err := h.service.ProbeOrder(r.Context(), reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		log.Printf("level=error component=api endpoint=probe_order msg=\"probe failed\" reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to probe order")
		return
	}

	if outcome == domain.OutcomeBusy {
		// Another channel holds the order's lease; the client should retry.
		w.Header().Set("Retry-After", "1")
		h.writeJSON(w, http.StatusServiceUnavailable, buildOrderResponse(order, &outcome))
		return
	}

	h.writeJSON(w, http.StatusOK, buildOrderResponse(order, &outcome))
}

// CancelOrderHandler cancels an order still awaiting payment.
func (h *BillingHandlers) CancelOrderHandler(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.callerID(w, r); !ok {
		return
	}

	reference := chi.URLParam(r, "reference")
	order, err := h.service.CancelOrder(r.Context(), reference)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, "Order not found")
			return
		}
		if errors.Is(err, app.ErrOrderNotCancellable) {
			h.writeError(w, http.StatusConflict, "Order can no longer be cancelled")
			return
		}
		if errors.Is(err, app.ErrLeaseBusy) {
			w.Header().Set("Retry-After", "1")
			h.writeError(w, http.StatusServiceUnavailable, "Order is being reconciled; retry shortly")
			return
		}
		log.Printf("level=error component=api endpoint=cancel_order msg=\"cancel failed\" reference=%s err=%v", reference, err)
		h.writeError(w, http.StatusInternalServerError, "Unable to cancel order")
		return
	}

	h.writeJSON(w, http.StatusOK, buildOrderResponse(order, nil))
}

// writeJSON is a helper for writing JSON responses.
func (h *BillingHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *BillingHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
