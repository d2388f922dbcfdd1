package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"billpay-service/apperr"
	"billpay-service/logging"
	"billpay-service/monitoring"
	"billpay-service/signature"
)

const (
	createOrderPath = "/v1/pay/pre-transaction/order/place"
	queryResultPath = "/v1/pay/transaction/result"

	// Expiry values below this are taken to be seconds.
	millisThreshold = 1_000_000_000_000

	defaultExpiry = 30 * time.Minute
)

// Config is the merchant identity and endpoint of the payment provider.
type Config struct {
	BaseURL       string
	MerchantID    string
	AppID         string
	SerialNo      string
	PrivateKeyPEM string
	NotifyURL     string

	HTTPClient *http.Client
	Now        func() time.Time
	Nonce      func() string
}

// Client talks to the payment provider API. It holds no per-call state and
// never retries.
type Client struct {
	baseURL    string
	merchantID string
	appID      string
	serialNo   string
	notifyURL  string

	signer *signature.RSASigner
	header *signature.HeaderBuilder
	http   *http.Client
	now    func() time.Time
	nonce  func() string
}

// NewClient validates cfg and decodes the merchant private key.
func NewClient(cfg Config) (*Client, error) {
	for name, v := range map[string]string{
		"BaseURL":       cfg.BaseURL,
		"MerchantID":    cfg.MerchantID,
		"AppID":         cfg.AppID,
		"SerialNo":      cfg.SerialNo,
		"PrivateKeyPEM": cfg.PrivateKeyPEM,
	} {
		if v == "" {
			return nil, apperr.NewValidation("gateway."+name, "is required")
		}
	}

	signer, err := signature.NewRSASigner(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   30 * time.Second,
		}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	nonce := cfg.Nonce
	if nonce == nil {
		nonce = func() string { return signature.GenerateNonce(signature.DefaultNonceLength) }
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		merchantID: cfg.MerchantID,
		appID:      cfg.AppID,
		serialNo:   cfg.SerialNo,
		notifyURL:  cfg.NotifyURL,
		signer:     signer,
		header: &signature.HeaderBuilder{
			Scheme:       signature.SchemeRSA,
			PrincipalKey: "mchid",
			Principal:    cfg.MerchantID,
			SerialNo:     cfg.SerialNo,
			Signer:       signer,
			Now:          now,
			Nonce:        nonce,
		},
		http:  httpClient,
		now:   now,
		nonce: nonce,
	}, nil
}

// NormalizeExpiry converts a seconds-looking epoch to milliseconds and leaves
// millisecond values unchanged.
func NormalizeExpiry(ts int64) int64 {
	if ts > 0 && ts < millisThreshold {
		return ts * 1000
	}
	return ts
}

// GenerateOrderID returns prefix + unix millis + a 0-999 suffix.
func GenerateOrderID(prefix string, now time.Time) string {
	return prefix + strconv.FormatInt(now.UnixMilli(), 10) + strconv.Itoa(rand.Intn(1000))
}

// CreateOrder places the order and returns the provider's prepay id.
func (c *Client) CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error) {
	if req == nil {
		return nil, apperr.NewValidation("orderRequest", "is required")
	}
	if req.AmountMinorUnits == nil {
		return nil, apperr.NewValidation("amountMinorUnits", "is required")
	}
	if req.MerchantID != "" && req.MerchantID != c.merchantID {
		return nil, apperr.NewValidation("merchantId", "does not match the signing merchant")
	}
	if req.AppID != "" && req.AppID != c.appID {
		return nil, apperr.NewValidation("appId", "does not match the configured app")
	}

	expiry := req.ExpiryTimestamp
	if expiry == 0 {
		expiry = c.now().Add(defaultExpiry).UnixMilli()
	}
	outBizID := req.OutBizID
	if outBizID == "" {
		outBizID = GenerateOrderID("BILL-", c.now())
	}
	product := req.ProductType
	if product == "" {
		product = PaymentProduct
	}

	payload := OrderPayload{
		MchID:          c.merchantID,
		AppID:          c.appID,
		OutBizID:       outBizID,
		Amount:         *req.AmountMinorUnits,
		Currency:       req.Currency,
		Description:    req.Description,
		TimeExpire:     NormalizeExpiry(expiry),
		CallbackInfo:   req.CallbackMetadata,
		PaymentProduct: product,
		NotifyURL:      c.notifyURL,
	}

	logging.Info("Creating payment order",
		zap.String("out_biz_id", payload.OutBizID),
		zap.Int64("amount", payload.Amount),
		zap.String("currency", payload.Currency),
		zap.Int64("time_expire", payload.TimeExpire),
	)

	var resp struct {
		PrepayID string `json:"prepayId"`
	}
	raw, err := c.post(ctx, "create order", createOrderPath, payload)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &apperr.GatewayError{Op: "create order", StatusCode: http.StatusOK, Body: string(raw), Err: err}
	}
	if resp.PrepayID == "" {
		return nil, &apperr.GatewayError{
			Op:         "create order",
			StatusCode: http.StatusOK,
			Body:       string(raw),
			Err:        errors.New("no prepayId in response"),
		}
	}

	logging.Info("Payment order created",
		zap.String("out_biz_id", payload.OutBizID),
		zap.Int("prepay_id_length", len(resp.PrepayID)),
	)
	return &Order{PrepayID: resp.PrepayID, OutBizID: payload.OutBizID, Sent: payload}, nil
}

// GeneratePaymentSignature signs the cashier parameters for prepayID. This
// artifact, not the order response, is what the wallet cashier receives.
func (c *Client) GeneratePaymentSignature(prepayID string) (*PaymentParams, error) {
	if prepayID == "" {
		return nil, apperr.NewValidation("prepayId", "is required")
	}

	nonce := c.nonce()
	ts := c.now().Unix()
	base := strings.Join([]string{
		c.merchantID,
		c.appID,
		nonce,
		strconv.FormatInt(ts, 10),
		c.serialNo,
		prepayID,
	}, "\n") + "\n"

	sig, err := c.signer.Sign(base)
	if err != nil {
		return nil, err
	}

	logging.Info("Payment signature computed",
		zap.String("nonce", nonce),
		zap.Int64("timestamp", ts),
	)
	return &PaymentParams{
		RawData:       encodeURIComponent(base),
		Signature:     sig,
		SignatureType: signature.SchemeRSA,
	}, nil
}

// PreparePayment creates the order and signs its cashier parameters.
func (c *Client) PreparePayment(ctx context.Context, req *OrderRequest) (*PreparedPayment, error) {
	order, err := c.CreateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	params, err := c.GeneratePaymentSignature(order.PrepayID)
	if err != nil {
		return nil, err
	}
	return &PreparedPayment{
		PrepayID:      order.PrepayID,
		OutBizID:      order.OutBizID,
		PaymentParams: params,
		Order:         order,
	}, nil
}

// QueryResult asks the provider for the settlement status of outBizID.
func (c *Client) QueryResult(ctx context.Context, outBizID string) (*StatusResult, error) {
	if outBizID == "" {
		return nil, apperr.NewValidation("outBizId", "is required")
	}

	raw, err := c.post(ctx, "query result", queryResultPath, map[string]string{"outBizId": outBizID})
	if err != nil {
		return nil, err
	}

	var body struct {
		OrderStatus string `json:"orderStatus"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, &apperr.GatewayError{Op: "query result", StatusCode: http.StatusOK, Body: string(raw), Err: err}
	}
	status := body.OrderStatus
	if status == "" {
		status = body.Status
	}
	return &StatusResult{OrderStatus: ParsePaymentStatus(status), Raw: raw}, nil
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", "payment-provider"),
		attribute.String("external.operation", op),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", op, err)
	}

	endpoint := c.baseURL + path
	signed, err := c.header.Build(http.MethodPost, endpoint, string(body))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", signed.Header)

	logging.Info("Calling payment provider",
		zap.String("operation", op),
		zap.String("endpoint", endpoint),
		zap.String("authorization", logging.Truncate(signed.Header, 80)),
	)

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	duration := time.Since(start).Seconds()
	if err != nil {
		monitoring.RecordExternalCall(ctx, "payment-provider", "error", duration)
		span.SetAttributes(attribute.String("external.status", "error"))
		return nil, &apperr.GatewayError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		monitoring.RecordExternalCall(ctx, "payment-provider", "error", duration)
		return nil, &apperr.GatewayError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordExternalCall(ctx, "payment-provider", "failed", duration)
		span.SetAttributes(
			attribute.Int("external.status_code", resp.StatusCode),
			attribute.String("external.status", "failed"),
		)
		logging.Error("Payment provider call failed",
			zap.String("operation", op),
			zap.Int("http_status", resp.StatusCode),
			zap.String("response_body", string(raw)),
		)
		return nil, &apperr.GatewayError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	monitoring.RecordExternalCall(ctx, "payment-provider", "success", duration)
	span.SetAttributes(attribute.String("external.status", "success"))
	return raw, nil
}

// encodeURIComponent matches the JavaScript function of the same name, which
// is what the cashier expects rawData to be encoded with.
func encodeURIComponent(s string) string {
	escaped := url.QueryEscape(s)
	return strings.NewReplacer(
		"+", "%20",
		"%21", "!",
		"%27", "'",
		"%28", "(",
		"%29", ")",
		"%2A", "*",
	).Replace(escaped)
}
