// Package bridge forwards cashier calls to the wallet host. The host shows its
// own cashier UI and answers once the user has finished with it.
package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"billpay-service/apperr"
	"billpay-service/gateway"
	"billpay-service/logging"
	"billpay-service/monitoring"
)

// CashierResult is what the host reports after the cashier closes.
type CashierResult struct {
	Status  string          `json:"status,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"msg,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// payOrderRequest is exactly the three signed fields. The host rejects calls
// carrying anything else.
type payOrderRequest struct {
	RawData  string `json:"rawData"`
	PaySign  string `json:"paySign"`
	SignType string `json:"signType"`
}

// HTTPBridge talks to a host bridge endpoint over HTTP.
type HTTPBridge struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBridge returns a bridge for baseURL. An empty baseURL yields a bridge
// whose every call fails with a BridgeError.
func NewHTTPBridge(baseURL string, client *http.Client) *HTTPBridge {
	if client == nil {
		// The cashier waits on a human; the orchestrator's step deadline
		// bounds it, not the client.
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	return &HTTPBridge{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Available reports whether a host bridge is configured.
func (b *HTTPBridge) Available() bool {
	return b != nil && b.baseURL != ""
}

// PayOrder hands the signed cashier parameters to the host.
func (b *HTTPBridge) PayOrder(ctx context.Context, params gateway.PaymentParams) (*CashierResult, error) {
	req := payOrderRequest{
		RawData:  params.RawData,
		PaySign:  params.Signature,
		SignType: params.SignatureType,
	}
	raw, err := b.call(ctx, "payOrder", req)
	if err != nil {
		return nil, err
	}

	result := &CashierResult{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return nil, &apperr.BridgeError{Message: "invalid cashier response", Err: err}
		}
	}
	result.Raw = raw
	return result, nil
}

// GetAuthToken asks the host for a one-time auth token for appID.
func (b *HTTPBridge) GetAuthToken(ctx context.Context, appID string) (string, error) {
	if appID == "" {
		return "", apperr.NewValidation("appId", "is required")
	}
	raw, err := b.call(ctx, "getAuthToken", map[string]string{"appId": appID})
	if err != nil {
		return "", err
	}
	var resp struct {
		Token     string `json:"token"`
		AuthToken string `json:"authToken"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &apperr.BridgeError{Message: "invalid auth token response", Err: err}
	}
	token := resp.Token
	if token == "" {
		token = resp.AuthToken
	}
	if token == "" {
		return "", &apperr.BridgeError{Message: "host returned no auth token"}
	}
	return token, nil
}

func (b *HTTPBridge) call(ctx context.Context, method string, payload any) ([]byte, error) {
	if !b.Available() {
		return nil, &apperr.BridgeError{Message: "wallet bridge is not available"}
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("external.service", "wallet-bridge"),
		attribute.String("external.operation", method),
	)

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", method, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/"+method, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	logging.Info("Calling wallet bridge", zap.String("method", method))

	start := time.Now()
	resp, err := b.client.Do(httpReq)
	duration := time.Since(start).Seconds()
	if err != nil {
		monitoring.RecordExternalCall(ctx, "wallet-bridge", "error", duration)
		span.SetAttributes(attribute.String("external.status", "error"))
		return nil, &apperr.BridgeError{Message: method + " failed", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		monitoring.RecordExternalCall(ctx, "wallet-bridge", "error", duration)
		return nil, &apperr.BridgeError{Message: "read " + method + " response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		monitoring.RecordExternalCall(ctx, "wallet-bridge", "failed", duration)
		span.SetAttributes(
			attribute.Int("external.status_code", resp.StatusCode),
			attribute.String("external.status", "failed"),
		)
		var hostErr struct {
			Code    string `json:"code"`
			Message string `json:"msg"`
			Error   string `json:"error"`
		}
		_ = json.Unmarshal(raw, &hostErr)
		msg := hostErr.Message
		if msg == "" {
			msg = hostErr.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("host returned HTTP %d", resp.StatusCode)
		}
		logging.Warn("Wallet bridge rejected the call",
			zap.String("method", method),
			zap.Int("http_status", resp.StatusCode),
			zap.String("code", hostErr.Code),
			zap.String("message", msg),
		)
		return nil, &apperr.BridgeError{Code: hostErr.Code, Message: msg}
	}

	monitoring.RecordExternalCall(ctx, "wallet-bridge", "success", duration)
	span.SetAttributes(attribute.String("external.status", "success"))
	return raw, nil
}
