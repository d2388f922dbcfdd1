package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ValidationError reports malformed caller input. It is always raised before
// anything is sent over the wire.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

// NewValidation returns a ValidationError for field.
func NewValidation(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

// SignatureError reports a key or signing primitive failure.
type SignatureError struct {
	Op  string
	Err error
}

func (e *SignatureError) Error() string {
	return fmt.Sprintf("signature %s: %v", e.Op, e.Err)
}

func (e *SignatureError) Unwrap() error { return e.Err }

// GatewayError reports a non-2xx or malformed response from the payment
// provider. Body holds the raw response text for diagnostics.
type GatewayError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *GatewayError) Error() string {
	switch {
	case e.Err != nil && e.StatusCode == 0:
		return fmt.Sprintf("gateway %s: %v", e.Op, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("gateway %s: HTTP %d: %v", e.Op, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("gateway %s: HTTP %d: %s", e.Op, e.StatusCode, e.Body)
	}
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Diagnostics is the request/response bundle attached to every aggregator
// failure so operators can inspect exactly what was exchanged.
type Diagnostics struct {
	URL                string            `json:"url"`
	Method             string            `json:"method"`
	RequestHeaders     map[string]string `json:"requestHeaders"`
	Payload            any               `json:"payload,omitempty"`
	ResponseStatus     int               `json:"responseStatus,omitempty"`
	ResponseStatusText string            `json:"responseStatusText,omitempty"`
	ResponseHeaders    map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody       string            `json:"responseBody,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
}

// FlattenHeaders copies h into a single-valued map.
func FlattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = strings.Join(v, ", ")
	}
	return out
}

// AggregatorError reports an HTTP failure or an ERROR/NOTFOUND envelope from
// the billing aggregator. Status is the envelope status when one was decoded.
type AggregatorError struct {
	Op          string
	Status      string
	Message     string
	Diagnostics *Diagnostics
	Err         error
}

func (e *AggregatorError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status != "" {
		return fmt.Sprintf("aggregator %s: %s: %s", e.Op, e.Status, msg)
	}
	return fmt.Sprintf("aggregator %s: %s", e.Op, msg)
}

func (e *AggregatorError) Unwrap() error { return e.Err }

// TimeoutError reports a step that exceeded its deadline.
type TimeoutError struct {
	Step    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout after %s", e.Step, e.Timeout)
}

// BridgeError reports that the wallet host rejected the cashier call or is
// not available.
type BridgeError struct {
	Code    string
	Message string
	Err     error
}

func (e *BridgeError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("wallet bridge: %s (code %s)", e.Message, e.Code)
	}
	return "wallet bridge: " + e.Message
}

func (e *BridgeError) Unwrap() error { return e.Err }

// DiagnosticsOf returns the aggregator diagnostics carried anywhere in err's
// chain, or nil.
func DiagnosticsOf(err error) *Diagnostics {
	var aggErr *AggregatorError
	if errors.As(err, &aggErr) {
		return aggErr.Diagnostics
	}
	return nil
}

// Kind names the taxonomy bucket of err for responses and log fields.
func Kind(err error) string {
	var (
		validationErr *ValidationError
		signatureErr  *SignatureError
		gatewayErr    *GatewayError
		aggregatorErr *AggregatorError
		timeoutErr    *TimeoutError
		bridgeErr     *BridgeError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &validationErr):
		return "VALIDATION"
	case errors.As(err, &signatureErr):
		return "SIGNATURE"
	case errors.As(err, &timeoutErr):
		return "TIMEOUT"
	case errors.As(err, &bridgeErr):
		return "BRIDGE"
	case errors.As(err, &gatewayErr):
		return "GATEWAY"
	case errors.As(err, &aggregatorErr):
		return "AGGREGATOR"
	default:
		return "INTERNAL"
	}
}
