package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setCredentials(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"BILLPAY_GATEWAY_BASE_URL":       "https://pay.example.test",
		"BILLPAY_GATEWAY_MERCHANT_ID":    "MCH-1",
		"BILLPAY_GATEWAY_APP_ID":         "APP-1",
		"BILLPAY_GATEWAY_SERIAL_NO":      "SER-1",
		"BILLPAY_GATEWAY_PRIVATE_KEY":    "pem",
		"BILLPAY_IDENTITY_BASE_URL":      "https://id.example.test",
		"BILLPAY_IDENTITY_APP_ID":        "APP-2",
		"BILLPAY_IDENTITY_SERIAL_NO":     "SER-2",
		"BILLPAY_IDENTITY_SECRET_KEY":    "c2VjcmV0c2VjcmV0c2VjcmV0",
		"BILLPAY_AGGREGATOR_BASE_URL":    "https://agg.example.test",
		"BILLPAY_AGGREGATOR_MERCHANT_ID": "agg-merchant",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BILLPAY_CONFIG_FILE", "")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "billpay-service", cfg.ServiceName)
	assert.Equal(t, 2*time.Minute, cfg.Flow.StepTimeout)
	assert.Equal(t, 5, cfg.Flow.FulfillmentAttempts)
	assert.Equal(t, 3*time.Second, cfg.Flow.FulfillmentDelay)
	assert.Equal(t, "SuperApp", cfg.Aggregator.StoreID)
	assert.Equal(t, "V2", cfg.Aggregator.APIVersion)
}

func TestLoadReadsEnvironment(t *testing.T) {
	setCredentials(t)
	t.Setenv("BILLPAY_FLOW_FULFILLMENT_DELAY", "250ms")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "MCH-1", cfg.Gateway.MerchantID)
	assert.Equal(t, "agg-merchant", cfg.Aggregator.MerchantID)
	assert.Equal(t, 250*time.Millisecond, cfg.Flow.FulfillmentDelay)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	setCredentials(t)
	path := filepath.Join(t.TempDir(), "billpay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: \"9090\"\nflow:\n  fulfillment_attempts: 3\n"), 0o600))
	t.Setenv("BILLPAY_CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 3, cfg.Flow.FulfillmentAttempts)
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := &Config{Flow: FlowConfig{FulfillmentAttempts: 5, StepTimeout: time.Minute}}

	err := cfg.Validate()
	require.Error(t, err)
	for _, key := range []string{"gateway.merchant_id", "gateway.private_key", "identity.secret_key", "aggregator.merchant_id"} {
		assert.Contains(t, err.Error(), key)
	}
}

func TestPostPaymentEndpoint(t *testing.T) {
	a := AggregatorConfig{BaseURL: "https://agg.example.test/", APIVersion: "V2"}
	assert.Equal(t, "https://agg.example.test/vas/V2/PostPayment", a.PostPaymentEndpoint())

	a.PostPaymentURL = "https://other.example.test/billpayments/v2/postpayment"
	assert.Equal(t, a.PostPaymentURL, a.PostPaymentEndpoint())
}
