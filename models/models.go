package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"billpay-service/aggregator"
	"billpay-service/bridge"
	"billpay-service/fulfillment"
	"billpay-service/gateway"
	"billpay-service/identity"
)

// Product is the catalog entry being paid for. Only the fields the payment
// flow consumes are carried.
type Product struct {
	ID       string `json:"id" binding:"required"`
	Name     string `json:"name"`
	Currency string `json:"currency"`
	// CreditPartyIdentifiers lists identifier names; the first one names the
	// account field, e.g. AccountNumber or MeterNumber.
	CreditPartyIdentifiers []string `json:"creditPartyIdentifiers,omitempty"`
}

// BillPaymentRequest describes one bill to pay.
type BillPaymentRequest struct {
	Country       string           `json:"country"`
	Service       string           `json:"service"`
	Provider      string           `json:"provider"`
	Product       Product          `json:"product"`
	AccountNumber string           `json:"accountNumber" binding:"required"`
	Amount        *decimal.Decimal `json:"amount" binding:"required"`

	// Validation is the result of an earlier validate call. Fulfillment only
	// runs when it is VALIDATED and carries a RequestId.
	Validation *aggregator.Result `json:"validation,omitempty"`

	// Customer overrides the details derived from User.
	Customer *aggregator.CustomerDetails `json:"customer,omitempty"`
	User     *identity.UserProfile       `json:"user,omitempty"`

	DisableFulfillment bool `json:"disableFulfillment,omitempty"`
}

// ValidateBillRequest asks the aggregator whether an account can be paid.
type ValidateBillRequest struct {
	Product       Product                     `json:"product"`
	AccountNumber string                      `json:"accountNumber" binding:"required"`
	Amount        *decimal.Decimal            `json:"amount" binding:"required"`
	Customer      *aggregator.CustomerDetails `json:"customer,omitempty"`
	User          *identity.UserProfile       `json:"user,omitempty"`
}

// ResolveUserRequest carries the H5 token pair. AuthToken may be left out
// when the server can fetch one from the wallet host.
type ResolveUserRequest struct {
	Token     string `json:"token" binding:"required"`
	AuthToken string `json:"authToken"`
}

// StatusOutcome is the advisory status query result. Error is set instead of
// OrderStatus when the query failed.
type StatusOutcome struct {
	OrderStatus gateway.PaymentStatus `json:"orderStatus,omitempty"`
	Raw         json.RawMessage       `json:"raw,omitempty"`
	Error       string                `json:"error,omitempty"`
}

// PaymentResult is returned for every payment attempt, failed or not.
type PaymentResult struct {
	Success       bool                  `json:"success"`
	State         string                `json:"state"`
	TransactionID string                `json:"transactionId,omitempty"`
	PrepayID      string                `json:"prepayId,omitempty"`
	Timestamp     time.Time             `json:"timestamp"`
	PaymentStatus gateway.PaymentStatus `json:"paymentStatus,omitempty"`

	CashierResult *bridge.CashierResult `json:"cashierResult,omitempty"`
	StatusResult  *StatusOutcome        `json:"statusResult,omitempty"`
	Fulfillment   *fulfillment.Result   `json:"fulfillment,omitempty"`

	Error     string `json:"error,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
	ErrorKind string `json:"errorKind,omitempty"`
}

// ErrorResponse is the body of every failed API call.
type ErrorResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	ErrorType   string `json:"errorType,omitempty"`
	Diagnostics any    `json:"diagnostics,omitempty"`
}
