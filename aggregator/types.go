package aggregator

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Status is the aggregator envelope status, parsed once at the boundary.
type Status string

const (
	StatusSuccessful       Status = "SUCCESSFUL"
	StatusFailedRepeatable Status = "FAILEDREPEATABLE"
	StatusProcessing       Status = "PROCESSING"
	StatusValidated        Status = "VALIDATED"
	StatusError            Status = "ERROR"
	StatusNotFound         Status = "NOTFOUND"
)

// ParseStatus normalizes a wire status. Unknown values are kept verbatim so
// callers can still report them; they count as terminal.
func ParseStatus(s string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(s)))
}

// Repeatable reports whether a resend with a fresh request id may succeed.
func (s Status) Repeatable() bool {
	return s == StatusFailedRepeatable || s == StatusProcessing
}

// Failed reports whether the envelope itself signals an error.
func (s Status) Failed() bool {
	return s == StatusError || s == StatusNotFound
}

// CustomerDetails identifies the paying customer.
type CustomerDetails struct {
	CustomerID   string  `json:"CustomerId" validate:"required"`
	Fullname     string  `json:"Fullname" validate:"required"`
	MobileNumber string  `json:"MobileNumber" validate:"required"`
	EmailAddress *string `json:"EmailAddress"`
}

// CreditPartyIdentifier names the account being credited, e.g.
// AccountNumber=12345.
type CreditPartyIdentifier struct {
	IdentifierFieldName  string `json:"IdentifierFieldName" validate:"required"`
	IdentifierFieldValue string `json:"IdentifierFieldValue" validate:"required"`
}

// POSDetails is the point-of-sale identity the merchant reports.
type POSDetails struct {
	StoreID    string `json:"StoreId" validate:"required"`
	TerminalID string `json:"TerminalId" validate:"required"`
	CashierID  string `json:"CashierId" validate:"required"`
}

// FulfillmentRequest is the Validate and PostPayment body. RequestID must be
// fresh for every call; the aggregator rejects a reused id as a duplicate.
type FulfillmentRequest struct {
	RequestID              string                  `json:"RequestId" validate:"required"`
	PaymentChannel         string                  `json:"PaymentChannel,omitempty"`
	PaymentReferenceNumber string                  `json:"PaymentReferenceNumber,omitempty"`
	ProductID              string                  `json:"ProductId" validate:"required"`
	BillReferenceNumber    *string                 `json:"BillReferenceNumber"`
	Quantity               string                  `json:"Quantity,omitempty"`
	Currency               string                  `json:"Currency" validate:"required"`
	Amount                 *decimal.Decimal        `json:"Amount" validate:"required"`
	CustomerDetails        *CustomerDetails        `json:"CustomerDetails" validate:"required"`
	CreditPartyIdentifiers []CreditPartyIdentifier `json:"CreditPartyIdentifiers" validate:"required,min=1,dive"`
	POSDetails             *POSDetails             `json:"POSDetails" validate:"required"`
}

// DisplayItem is one label/value pair the aggregator wants shown to the user.
type DisplayItem struct {
	Label string `json:"Label"`
	Value string `json:"Value"`
}

// Result is the decoded response envelope.
type Result struct {
	Status          Status            `json:"status"`
	ResultMessage   string            `json:"resultMessage,omitempty"`
	ReferenceNumber string            `json:"referenceNumber,omitempty"`
	RequestID       string            `json:"requestId,omitempty"`
	DisplayData     []DisplayItem     `json:"displayData,omitempty"`
	Vouchers        []json.RawMessage `json:"vouchers,omitempty"`
	ReceiptHTML     []string          `json:"receiptHtml,omitempty"`
	ReceiptSMS      []string          `json:"receiptSms,omitempty"`
}

// AccountName returns the first DisplayData value whose label mentions a
// name, or "".
func (r *Result) AccountName() string {
	if r == nil {
		return ""
	}
	for _, item := range r.DisplayData {
		if strings.Contains(strings.ToLower(item.Label), "name") && item.Value != "" {
			return item.Value
		}
	}
	return ""
}

type envelope struct {
	Status          string            `json:"Status"`
	ResultMessage   string            `json:"ResultMessage"`
	ReferenceNumber string            `json:"ReferenceNumber"`
	RequestID       string            `json:"RequestId"`
	DisplayData     []DisplayItem     `json:"DisplayData"`
	Vouchers        []json.RawMessage `json:"Vouchers"`
	ReceiptHTML     stringList        `json:"ReceiptHTML"`
	ReceiptSmses    stringList        `json:"ReceiptSmses"`
}

func (e envelope) result() *Result {
	return &Result{
		Status:          ParseStatus(e.Status),
		ResultMessage:   e.ResultMessage,
		ReferenceNumber: e.ReferenceNumber,
		RequestID:       e.RequestID,
		DisplayData:     e.DisplayData,
		Vouchers:        e.Vouchers,
		ReceiptHTML:     e.ReceiptHTML,
		ReceiptSMS:      e.ReceiptSmses,
	}
}

// stringList accepts either a JSON string or an array of strings; billers
// differ on which one they send for receipts.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*l = nil
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = stringList{s}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return err
	}
	*l = many
	return nil
}
