package service

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"billpay-service/aggregator"
	"billpay-service/apperr"
	"billpay-service/gateway"
	"billpay-service/models"
)

const (
	orderIDPrefix         = "BILL-"
	defaultIdentifierName = "AccountNumber"
	paymentTypeBill       = "Bill Payment"
)

var hundred = decimal.NewFromInt(100)

// callbackInfo is echoed back by the provider with the payment notification.
type callbackInfo struct {
	Country       string      `json:"country"`
	Service       string      `json:"service"`
	Provider      string      `json:"provider"`
	Product       string      `json:"product"`
	ProductID     string      `json:"productId"`
	AccountNumber string      `json:"accountNumber"`
	AccountName   string      `json:"accountName"`
	Amount        json.Number `json:"amount"`
	Currency      string      `json:"currency"`
	PaymentType   string      `json:"paymentType"`
}

// BuildOrderRequest turns a bill into a fresh order with a new outBizId.
func (s *PaymentService) BuildOrderRequest(req *models.BillPaymentRequest) (*gateway.OrderRequest, error) {
	if req == nil {
		return nil, apperr.NewValidation("billPayment", "is required")
	}
	if req.Amount == nil {
		return nil, apperr.NewValidation("amount", "is required")
	}
	if req.Amount.IsNegative() {
		return nil, apperr.NewValidation("amount", "must not be negative")
	}

	currency := s.currency(req.Product)
	minor := req.Amount.Mul(hundred).Round(0).IntPart()

	accountName := req.Validation.AccountName()
	if accountName == "" {
		accountName = req.AccountNumber
	}
	info := callbackInfo{
		Country:       orDefault(req.Country, "Unknown"),
		Service:       orDefault(req.Service, "Unknown"),
		Provider:      orDefault(req.Provider, "Unknown"),
		Product:       orDefault(req.Product.Name, "Unknown"),
		ProductID:     orDefault(req.Product.ID, "N/A"),
		AccountNumber: orDefault(req.AccountNumber, "N/A"),
		AccountName:   accountName,
		Amount:        json.Number(req.Amount.String()),
		Currency:      currency,
		PaymentType:   paymentTypeBill,
	}
	callback, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("encode callback info: %w", err)
	}

	now := s.now()
	return &gateway.OrderRequest{
		OutBizID:         gateway.GenerateOrderID(orderIDPrefix, now),
		AmountMinorUnits: &minor,
		Currency:         currency,
		Description:      fmt.Sprintf("Bill payment - %s for account %s", orDefault(req.Product.Name, "Bill"), orDefault(req.AccountNumber, "N/A")),
		CallbackMetadata: string(callback),
		ExpiryTimestamp:  now.Add(s.opts.OrderExpiry).UnixMilli(),
		ProductType:      gateway.PaymentProduct,
	}, nil
}

// BuildFulfillmentRequest builds the aggregator body for one attempt.
// requestID must be fresh for every call.
func (s *PaymentService) BuildFulfillmentRequest(req *models.BillPaymentRequest, transactionID, requestID string) *aggregator.FulfillmentRequest {
	identifier := defaultIdentifierName
	if len(req.Product.CreditPartyIdentifiers) > 0 && req.Product.CreditPartyIdentifiers[0] != "" {
		identifier = req.Product.CreditPartyIdentifiers[0]
	}
	var amount *decimal.Decimal
	if req.Amount != nil {
		a := *req.Amount
		amount = &a
	}
	pos := s.opts.POS

	return &aggregator.FulfillmentRequest{
		RequestID:              requestID,
		PaymentChannel:         s.opts.PaymentChannel,
		PaymentReferenceNumber: orDefault(transactionID, "N/A"),
		ProductID:              req.Product.ID,
		Quantity:               "1",
		Currency:               s.currency(req.Product),
		Amount:                 amount,
		CustomerDetails:        customerDetails(req),
		CreditPartyIdentifiers: []aggregator.CreditPartyIdentifier{{
			IdentifierFieldName:  identifier,
			IdentifierFieldValue: req.AccountNumber,
		}},
		POSDetails: &pos,
	}
}

// customerDetails prefers explicit details and falls back to the resolved
// wallet user. It returns nil when neither is known.
func customerDetails(req *models.BillPaymentRequest) *aggregator.CustomerDetails {
	if req.Customer != nil {
		c := *req.Customer
		return &c
	}
	if req.User == nil {
		return nil
	}
	msisdn := ""
	if req.User.UserInfo != nil {
		msisdn = req.User.UserInfo.Msisdn
	}
	return &aggregator.CustomerDetails{
		CustomerID:   req.User.OpenID,
		Fullname:     msisdn,
		MobileNumber: orDefault(req.User.PhoneNumber, msisdn),
	}
}

func (s *PaymentService) currency(p models.Product) string {
	if p.Currency != "" {
		return p.Currency
	}
	return s.opts.DefaultCurrency
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
