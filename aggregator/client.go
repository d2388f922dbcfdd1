package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"billpay-service/apperr"
	"billpay-service/logging"
	"billpay-service/monitoring"
)

const defaultAPIVersion = "V2"

func init() {
	// The aggregator expects Amount as a JSON number.
	decimal.MarshalJSONWithoutQuotes = true
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// CheckRequired enforces the fields the aggregator needs before anything is
// sent. Amount may be zero but not absent.
func CheckRequired(req *FulfillmentRequest) error {
	if req == nil {
		return apperr.NewValidation("fulfillmentRequest", "is required")
	}
	err := validate.Struct(req)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return apperr.NewValidation("fulfillmentRequest", err.Error())
	}
	fe := fieldErrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}
	msg := "is required"
	if fe.Tag() == "min" {
		msg = "must be a non-empty array"
	}
	return apperr.NewValidation(field, msg)
}

// GenerateRequestID returns a random v4 UUID.
func GenerateRequestID() string {
	return uuid.NewString()
}

// Config locates the aggregator. PostPaymentURL overrides the default
// {BaseURL}/vas/{APIVersion}/PostPayment location.
type Config struct {
	BaseURL        string
	PostPaymentURL string
	APIVersion     string
	MerchantID     string

	HTTPClient *http.Client
	Now        func() time.Time
}

// Client calls the billing aggregator's VAS API with the static MerchantId
// header. It never retries.
type Client struct {
	rest        *resty.Client
	vasBase     string
	postPayment string
	merchantID  string
	now         func() time.Time
}

// NewClient validates cfg and builds a client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" && cfg.PostPaymentURL == "" {
		return nil, apperr.NewValidation("aggregator.BaseURL", "is required")
	}
	if cfg.MerchantID == "" {
		return nil, apperr.NewValidation("aggregator.MerchantID", "is required")
	}
	version := cfg.APIVersion
	if version == "" {
		version = defaultAPIVersion
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

	vasBase := fmt.Sprintf("%s/vas/%s", strings.TrimRight(cfg.BaseURL, "/"), version)
	postURL := cfg.PostPaymentURL
	if postURL == "" {
		postURL = vasBase + "/PostPayment"
	}

	return &Client{
		rest:        resty.NewWithClient(httpClient),
		vasBase:     vasBase,
		postPayment: postURL,
		merchantID:  cfg.MerchantID,
		now:         now,
	}, nil
}

// Validate checks an account or bill reference. A VALIDATED result carries the
// RequestId that gates fulfillment.
func (c *Client) Validate(ctx context.Context, req *FulfillmentRequest) (*Result, error) {
	if err := CheckRequired(req); err != nil {
		return nil, err
	}
	return c.do(ctx, "validate", http.MethodPost, c.vasBase+"/ValidatePayment", req)
}

// PostPayment asks the aggregator to deliver a paid order.
func (c *Client) PostPayment(ctx context.Context, req *FulfillmentRequest) (*Result, error) {
	if err := CheckRequired(req); err != nil {
		return nil, err
	}
	return c.do(ctx, "post payment", http.MethodPost, c.postPayment, req)
}

// GetPaymentStatus looks up an earlier PostPayment by its request id.
func (c *Client) GetPaymentStatus(ctx context.Context, requestID string) (*Result, error) {
	if requestID == "" {
		return nil, apperr.NewValidation("requestId", "is required")
	}
	q := url.Values{"requestId": {requestID}}
	return c.do(ctx, "get payment status", http.MethodGet, c.vasBase+"/GetPaymentStatus?"+q.Encode(), nil)
}

// ReversePayment reverses an earlier PostPayment by its request id.
func (c *Client) ReversePayment(ctx context.Context, requestID string) (*Result, error) {
	if requestID == "" {
		return nil, apperr.NewValidation("requestId", "is required")
	}
	q := url.Values{"requestId": {requestID}}
	return c.do(ctx, "reverse payment", http.MethodGet, c.vasBase+"/ReversePayment?"+q.Encode(), nil)
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, payload any) (*Result, error) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", "billing-aggregator"),
		attribute.String("external.operation", op),
	)

	headers := map[string]string{
		"MerchantId": c.merchantID,
		"Accept":     "application/json",
	}
	if payload != nil {
		headers["Content-Type"] = "application/json"
	}
	diag := &apperr.Diagnostics{
		URL:            endpoint,
		Method:         method,
		RequestHeaders: headers,
		Payload:        payload,
		Timestamp:      c.now().UTC(),
	}

	req := c.rest.R().SetContext(ctx).SetHeaders(headers)
	if payload != nil {
		req.SetBody(payload)
	}

	logging.Info("Calling billing aggregator",
		zap.String("operation", op),
		zap.String("endpoint", endpoint),
	)

	start := time.Now()
	resp, err := req.Execute(method, endpoint)
	duration := time.Since(start).Seconds()
	if err != nil {
		monitoring.RecordExternalCall(ctx, "billing-aggregator", "error", duration)
		span.SetAttributes(attribute.String("external.status", "error"))
		logging.Error("Billing aggregator call failed",
			zap.String("operation", op),
			zap.Error(err),
		)
		return nil, &apperr.AggregatorError{Op: op, Message: err.Error(), Diagnostics: diag, Err: err}
	}

	body := resp.Body()
	diag.ResponseStatus = resp.StatusCode()
	diag.ResponseStatusText = http.StatusText(resp.StatusCode())
	diag.ResponseHeaders = apperr.FlattenHeaders(resp.Header())
	diag.ResponseBody = string(body)
	span.SetAttributes(attribute.Int("external.status_code", resp.StatusCode()))

	var env envelope
	decodeErr := json.Unmarshal(body, &env)

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		monitoring.RecordExternalCall(ctx, "billing-aggregator", "failed", duration)
		span.SetAttributes(attribute.String("external.status", "failed"))
		msg := fmt.Sprintf("HTTP %d", resp.StatusCode())
		if decodeErr == nil && env.ResultMessage != "" {
			msg = env.ResultMessage
		}
		logging.Error("Billing aggregator returned an HTTP error",
			zap.String("operation", op),
			zap.Int("http_status", resp.StatusCode()),
			zap.String("response_body", logging.Truncate(string(body), 500)),
		)
		return nil, &apperr.AggregatorError{Op: op, Message: msg, Diagnostics: diag}
	}

	if decodeErr != nil {
		monitoring.RecordExternalCall(ctx, "billing-aggregator", "failed", duration)
		return nil, &apperr.AggregatorError{Op: op, Message: "invalid JSON response", Diagnostics: diag, Err: decodeErr}
	}

	result := env.result()
	if result.Status.Failed() {
		monitoring.RecordExternalCall(ctx, "billing-aggregator", "failed", duration)
		span.SetAttributes(attribute.String("external.status", string(result.Status)))
		msg := result.ResultMessage
		if msg == "" {
			msg = "request failed"
		}
		logging.Warn("Billing aggregator rejected the request",
			zap.String("operation", op),
			zap.String("status", string(result.Status)),
			zap.String("result_message", result.ResultMessage),
		)
		return nil, &apperr.AggregatorError{Op: op, Status: string(result.Status), Message: msg, Diagnostics: diag}
	}

	monitoring.RecordExternalCall(ctx, "billing-aggregator", "success", duration)
	span.SetAttributes(attribute.String("external.status", string(result.Status)))
	logging.Info("Billing aggregator responded",
		zap.String("operation", op),
		zap.String("status", string(result.Status)),
		zap.String("request_id", result.RequestID),
		zap.String("reference_number", result.ReferenceNumber),
	)
	return result, nil
}
