package gateway

import (
	"encoding/json"
	"strings"
)

// PaymentProduct is the product type for in-app H5 payments.
const PaymentProduct = "InAppH5"

// OrderRequest is one payment attempt's order. It is built fresh per attempt
// and not modified after CreateOrder.
type OrderRequest struct {
	MerchantID string
	AppID      string
	// OutBizID is the merchant-side unique order id, never reused.
	OutBizID string
	// AmountMinorUnits is required; nil is rejected before signing.
	AmountMinorUnits *int64
	Currency         string
	Description      string
	// CallbackMetadata is an opaque, already JSON-encoded string.
	CallbackMetadata string
	// ExpiryTimestamp may be seconds or milliseconds since the epoch; zero
	// means the client default.
	ExpiryTimestamp int64
	ProductType     string
}

// OrderPayload is the wire body of the order placement call.
type OrderPayload struct {
	MchID          string `json:"mchId"`
	AppID          string `json:"appId"`
	OutBizID       string `json:"outBizId"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Description    string `json:"description"`
	TimeExpire     int64  `json:"timeExpire"`
	CallbackInfo   string `json:"callbackInfo"`
	PaymentProduct string `json:"paymentProduct"`
	NotifyURL      string `json:"notifyUrl,omitempty"`
}

// Order is the result of CreateOrder.
type Order struct {
	PrepayID string
	OutBizID string
	// Sent is the body that was actually transmitted.
	Sent OrderPayload
}

// PaymentParams is the signed artifact handed to the wallet cashier.
type PaymentParams struct {
	RawData       string `json:"rawData"`
	Signature     string `json:"paySign"`
	SignatureType string `json:"signType"`
}

// PreparedPayment is CreateOrder plus GeneratePaymentSignature. It lives only
// for one payment attempt.
type PreparedPayment struct {
	PrepayID      string
	OutBizID      string
	PaymentParams *PaymentParams
	Order         *Order
}

// PaymentStatus is the provider's order status.
type PaymentStatus string

const (
	StatusSuccess    PaymentStatus = "SUCCESS"
	StatusProcessing PaymentStatus = "PROCESSING"
	StatusClosed     PaymentStatus = "CLOSED"
	StatusFail       PaymentStatus = "FAIL"
	StatusUnknown    PaymentStatus = ""
)

// ParsePaymentStatus converts the wire string once, at the boundary.
func ParsePaymentStatus(s string) PaymentStatus {
	switch PaymentStatus(strings.ToUpper(strings.TrimSpace(s))) {
	case StatusSuccess:
		return StatusSuccess
	case StatusProcessing:
		return StatusProcessing
	case StatusClosed:
		return StatusClosed
	case StatusFail:
		return StatusFail
	default:
		return StatusUnknown
	}
}

// StatusResult is a read-only snapshot of the provider's view of an order.
// The provider stays the source of truth.
type StatusResult struct {
	OrderStatus PaymentStatus   `json:"orderStatus"`
	Raw         json.RawMessage `json:"raw,omitempty"`
}
