/*
handlers.go - HTTP adapters for the two grant triggers

PURPOSE:
  Thin transport adapters over ledger.Service. Both triggers call the same
  transactionally-guarded function; neither carries any grant logic of its
  own, so nothing can bypass the lock/flag discipline.

ENDPOINTS:
  POST /api/payments/webhook   Payment provider callback
  POST /api/checkout/verify    Client post-checkout verification poll
  GET  /api/accounts/{id}/balance
  GET  /api/carts/{id}?user_id=...
  GET  /api/health

ERROR HANDLING:
  - 400: Malformed body or missing identifiers
  - 404: No cart/account for the given (cart, user) pair
  - 409: Cart not yet checked out
  - 500: Invariant violation
  - 503: Storage failure; both callers are expected to retry
    (the provider redelivers, the client re-polls)

  A 200 with already_processed=true is deliberately a success: the
  provider must ack redeliveries and the client must read it as
  "purchase confirmed".

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - ledger/service.go: The grant algorithm itself
*/
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  ledger.Store
	Grants *ledger.Service
}

// NewHandler creates a new handler over the given store and grant service.
func NewHandler(store ledger.Store, grants *ledger.Service) *Handler {
	return &Handler{Store: store, Grants: grants}
}

// =============================================================================
// TRIGGER ADAPTERS
// =============================================================================

// PaymentWebhook handles the payment provider's payment-completed
// notification. Any successful GrantResult, including already_processed,
// answers 200 so the provider acknowledges and stops redelivering.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGrantRequest(w, r)
	if !ok {
		return
	}

	result, err := h.Grants.GrantSessionsForCart(r.Context(),
		ledger.CartID(req.CartID), ledger.UserID(req.UserID), ledger.SourceWebhook)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, GrantResultDTO{
		Granted:          result.Granted,
		SessionsAdded:    result.SessionsAdded,
		AlreadyProcessed: result.AlreadyProcessed,
	})
}

// VerifyCheckout handles the browser's return from checkout. Both granted
// and already_processed surface as confirmed; sessions_added and the
// receipt are for display.
func (h *Handler) VerifyCheckout(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeGrantRequest(w, r)
	if !ok {
		return
	}

	result, err := h.Grants.GrantSessionsForCart(r.Context(),
		ledger.CartID(req.CartID), ledger.UserID(req.UserID), ledger.SourceClientVerify)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := VerifyResponse{
		Confirmed:        result.Granted || result.AlreadyProcessed,
		SessionsAdded:    result.SessionsAdded,
		AlreadyProcessed: result.AlreadyProcessed,
	}
	if cart, err := h.Store.GetCart(r.Context(),
		ledger.CartID(req.CartID), ledger.UserID(req.UserID)); err == nil {
		resp.Receipt = receiptFromCart(cart)
	}

	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// READ ADAPTERS
// =============================================================================

// GetBalance returns the user's available-session counter.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	acc, err := h.Store.GetAccount(r.Context(), ledger.UserID(userID))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:            string(acc.ID),
		AvailableSessions: acc.AvailableSessions,
	})
}

// GetCart returns a cart with its fulfillment state. Ownership is part of
// the lookup key, so user_id is required.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	cartID := chi.URLParam(r, "id")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "user_id is required"})
		return
	}

	cart, err := h.Store.GetCart(r.Context(), ledger.CartID(cartID), ledger.UserID(userID))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, cartToDTO(cart))
}

// Health is a liveness probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func decodeGrantRequest(w http.ResponseWriter, r *http.Request) (GrantRequest, bool) {
	var req GrantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return req, false
	}
	if req.CartID == "" || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "cart_id and user_id are required"})
		return req, false
	}
	return req, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error()})
	case ledger.IsClientError(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error()})
	case ledger.IsRetryable(err):
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: err.Error()})
	default:
		// Includes ErrInvariantViolation: never retryable, never a client fault.
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
	}
}
