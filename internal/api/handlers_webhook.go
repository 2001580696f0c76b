/**
 * @description
 * This file contains the HTTP handler for processing incoming payment webhooks
 * from the gateway. It acts as the asynchronous entry point for collection
 * results and feeds them into the reconciliation core.
 *
 * Key features:
 * - Security: Validates the HMAC signature of incoming webhooks to ensure
 *   authenticity. Validation is mandatory and fails closed: an unset secret or
 *   a missing/invalid signature always rejects the delivery.
 * - Parsing: Decodes the JSON payload and normalizes the gateway's status
 *   vocabulary at the boundary.
 * - Idempotency: Duplicate deliveries are acknowledged without re-applying;
 *   a busy reference is answered with 503 so the gateway redelivers.
 *
 * @dependencies
 * - crypto/hmac, crypto/sha256, crypto/subtle: For webhook signature validation.
 * - encoding/json: For handling JSON data.
 * - net/http: For standard HTTP server functionality.
 * - The service's internal packages for the reconciliation core and domain models.
 */
package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/paysoko/billing-service/internal/app"
	"github.com/paysoko/billing-service/internal/domain"
	"github.com/paysoko/billing-service/internal/store"
)

// gatewaySignatureHeader carries the HMAC-SHA256 signature of the raw body.
const gatewaySignatureHeader = "x-gateway-signature"

// gatewayWebhookEvent is the gateway's payment notification payload.
type gatewayWebhookEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference     string `json:"reference"`
		TransactionID string `json:"transaction_id"`
		Status        string `json:"status"`
		Amount        int64  `json:"amount"`
		Currency      string `json:"currency"`
		Reason        string `json:"reason,omitempty"`
	} `json:"data"`
}

// WebhookHandler processes incoming payment webhooks from the gateway.
type WebhookHandler struct {
	reconciler *app.Reconciler
	secret     string
}

// NewWebhookHandler creates a new handler for the webhook endpoint. The secret
// is required; deliveries are rejected when it is unset.
func NewWebhookHandler(reconciler *app.Reconciler, secret string) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		secret:     strings.TrimSpace(secret),
	}
}

// ServeHTTP implements the http.Handler interface.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		requestID = fmt.Sprintf("req_%d", time.Now().UnixNano())
	}

	// Read the raw body once; the signature covers the exact bytes sent.
	body, err := io.ReadAll(r.Body)
	if err != nil {
		log.Printf("level=warn component=webhook request_id=%s outcome=reject reason=unreadable_body err=%v", requestID, err)
		http.Error(w, "Cannot read request body", http.StatusBadRequest)
		return
	}

	if !h.isValidSignature(r.Header.Get(gatewaySignatureHeader), body) {
		log.Printf("level=warn component=webhook request_id=%s outcome=reject reason=invalid_signature", requestID)
		http.Error(w, "Invalid signature", http.StatusUnauthorized)
		return
	}

	var event gatewayWebhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		log.Printf("level=warn component=webhook request_id=%s outcome=reject reason=invalid_json err=%v", requestID, err)
		http.Error(w, "Invalid JSON payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(event.Data.Reference) == "" {
		log.Printf("level=warn component=webhook request_id=%s outcome=reject reason=missing_reference event=%s", requestID, event.Event)
		http.Error(w, "Missing payment reference", http.StatusBadRequest)
		return
	}

	paymentEvent := domain.PaymentEvent{
		RefKind:        refKindForReference(event.Data.Reference),
		Reference:      event.Data.Reference,
		GatewayTransID: event.Data.TransactionID,
		Result:         app.NormalizeResult(event.Data.Status),
		Channel:        domain.ChannelNotification,
		OccurredAt:     time.Now().UTC(),
		RawPayload:     body,
	}

	outcome, err := h.reconciler.ApplyPaymentEvent(r.Context(), paymentEvent)
	if err != nil {
		// Unknown references are acknowledged after auditing so the gateway
		// stops redelivering them.
		if errors.Is(err, store.ErrOrderNotFound) || errors.Is(err, store.ErrInvoiceNotFound) {
			log.Printf("level=warn component=webhook request_id=%s outcome=reject reason=unknown_reference reference=%s", requestID, event.Data.Reference)
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Unknown reference recorded"))
			return
		}
		log.Printf("level=error component=webhook request_id=%s msg=\"apply failed\" reference=%s err=%v", requestID, event.Data.Reference, err)
		http.Error(w, "Internal server error during event processing", http.StatusInternalServerError)
		return
	}

	if outcome == domain.OutcomeBusy {
		// The reference's lease is held; a 503 makes the gateway redeliver.
		w.Header().Set("Retry-After", "1")
		http.Error(w, "Reference busy, retry delivery", http.StatusServiceUnavailable)
		return
	}

	log.Printf("level=info component=webhook request_id=%s reference=%s result=%s outcome=%s", requestID, event.Data.Reference, paymentEvent.Result, outcome)
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Webhook received"))
}

// refKindForReference routes a gateway reference to the right ledger entity.
// Renewal invoices carry the INV- prefix the billing scheduler assigns.
func refKindForReference(reference string) string {
	if strings.HasPrefix(reference, "INV-") {
		return domain.RefKindInvoice
	}
	return domain.RefKindOrder
}

// isValidSignature validates the HMAC-SHA256 signature of the webhook. Both
// hex and base64 encodings of the digest are accepted; comparison is constant
// time. There is no bypass: an unset secret rejects every delivery.
func (h *WebhookHandler) isValidSignature(signatureHeader string, body []byte) bool {
	if h.secret == "" {
		log.Printf("level=error component=webhook msg=\"webhook secret is not configured; rejecting delivery\"")
		return false
	}

	header := strings.TrimSpace(signatureHeader)
	header = strings.TrimPrefix(strings.ToLower(header), "sha256=")
	if header == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(h.secret))
	mac.Write(body)
	expected := mac.Sum(nil)

	if decoded, err := hex.DecodeString(header); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	if decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signatureHeader)); err == nil && hmac.Equal(decoded, expected) {
		return true
	}
	return false
}
