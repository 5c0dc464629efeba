/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication, decoupling the
  internal domain model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"github.com/warp/session-ledger/ledger"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// GrantRequest is the shared body of both trigger endpoints: the payment
// provider's webhook and the client's checkout verification.
type GrantRequest struct {
	CartID string `json:"cart_id"`
	UserID string `json:"user_id"`
}

// GrantResultDTO is the outcome returned to the payment provider.
type GrantResultDTO struct {
	Granted          bool `json:"granted"`
	SessionsAdded    int  `json:"sessions_added"`
	AlreadyProcessed bool `json:"already_processed"`
}

// VerifyResponse is returned to the checkout client. Confirmed is true for
// both a fresh grant and an already-processed cart; either way the user's
// purchase is safe.
type VerifyResponse struct {
	Confirmed        bool       `json:"confirmed"`
	SessionsAdded    int        `json:"sessions_added"`
	AlreadyProcessed bool       `json:"already_processed"`
	Receipt          ReceiptDTO `json:"receipt"`
}

// ReceiptDTO is a display-only summary of the purchased packages.
type ReceiptDTO struct {
	Items []ReceiptItemDTO `json:"items"`
	Total string           `json:"total"`
}

// ReceiptItemDTO is one purchased package line.
type ReceiptItemDTO struct {
	PackageID string `json:"package_id"`
	Sessions  int    `json:"sessions"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

// BalanceDTO reports a user's available sessions.
type BalanceDTO struct {
	UserID            string `json:"user_id"`
	AvailableSessions int    `json:"available_sessions"`
}

// CartDTO represents a cart and its fulfillment state.
type CartDTO struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	IsActive        bool             `json:"is_active"`
	SessionsGranted bool             `json:"sessions_granted"`
	SessionTotal    int              `json:"session_total"`
	Items           []ReceiptItemDTO `json:"items"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func receiptFromCart(cart *ledger.Cart) ReceiptDTO {
	r := ReceiptDTO{
		Items: make([]ReceiptItemDTO, 0, len(cart.LineItems)),
		Total: cart.PriceTotal().StringFixed(2),
	}
	for _, li := range cart.LineItems {
		r.Items = append(r.Items, ReceiptItemDTO{
			PackageID: li.PackageID,
			Sessions:  li.SessionsPerUnit,
			Quantity:  li.Quantity,
			UnitPrice: li.UnitPrice.StringFixed(2),
			LineTotal: li.LineTotal().StringFixed(2),
		})
	}
	return r
}

func cartToDTO(cart *ledger.Cart) CartDTO {
	receipt := receiptFromCart(cart)
	return CartDTO{
		ID:              string(cart.ID),
		UserID:          string(cart.UserID),
		IsActive:        cart.IsActive,
		SessionsGranted: cart.SessionsGranted,
		SessionTotal:    cart.SessionTotal(),
		Items:           receipt.Items,
	}
}
