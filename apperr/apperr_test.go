package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"validation", NewValidation("amount", "required"), "VALIDATION"},
		{"wrapped signature", fmt.Errorf("prepare: %w", &SignatureError{Op: "sign", Err: errors.New("bad key")}), "SIGNATURE"},
		{"gateway", &GatewayError{Op: "create order", StatusCode: 500}, "GATEWAY"},
		{"aggregator", &AggregatorError{Op: "post payment"}, "AGGREGATOR"},
		{"timeout", &TimeoutError{Step: "cashier", Timeout: time.Second}, "TIMEOUT"},
		{"bridge", &BridgeError{Message: "unavailable"}, "BRIDGE"},
		{"plain", errors.New("boom"), "INTERNAL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Kind(tt.err))
		})
	}
}

func TestDiagnosticsOf(t *testing.T) {
	diag := &Diagnostics{URL: "https://aggregator.test/vas/V2/PostPayment", Method: http.MethodPost}
	err := fmt.Errorf("attempt 1: %w", &AggregatorError{Op: "post payment", Diagnostics: diag})

	require.NotNil(t, DiagnosticsOf(err))
	assert.Equal(t, diag.URL, DiagnosticsOf(err).URL)
	assert.Nil(t, DiagnosticsOf(errors.New("other")))
}

func TestGatewayErrorMessage(t *testing.T) {
	err := &GatewayError{Op: "create order", StatusCode: 401, Body: `{"code":"SIGN_ERROR"}`}
	assert.Equal(t, `gateway create order: HTTP 401: {"code":"SIGN_ERROR"}`, err.Error())
}

func TestFlattenHeaders(t *testing.T) {
	h := http.Header{}
	h.Add("X-Trace", "a")
	h.Add("X-Trace", "b")
	h.Set("MerchantId", "m-1")

	got := FlattenHeaders(h)
	assert.Equal(t, "a, b", got["X-Trace"])
	assert.Equal(t, "m-1", got["Merchantid"])
}
