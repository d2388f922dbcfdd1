package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration. Credentials have no defaults and
// must come from the environment, a .env file or the file named by
// BILLPAY_CONFIG_FILE.
type Config struct {
	ServiceName  string `mapstructure:"service_name"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`
	Port         string `mapstructure:"port"`

	Gateway     GatewayConfig    `mapstructure:"gateway"`
	Identity    IdentityConfig   `mapstructure:"identity"`
	Aggregator  AggregatorConfig `mapstructure:"aggregator"`
	Bridge      BridgeConfig     `mapstructure:"bridge"`
	Flow        FlowConfig       `mapstructure:"flow"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	CORSOrigins []string         `mapstructure:"cors_origins"`
}

// GatewayConfig is the payment provider merchant identity.
type GatewayConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	MerchantID    string `mapstructure:"merchant_id"`
	AppID         string `mapstructure:"app_id"`
	SerialNo      string `mapstructure:"serial_no"`
	PrivateKeyPEM string `mapstructure:"private_key"`
	NotifyURL     string `mapstructure:"notify_url"`
}

// IdentityConfig is the H5 app identity used for openId and user info.
type IdentityConfig struct {
	BaseURL   string `mapstructure:"base_url"`
	AppID     string `mapstructure:"app_id"`
	SerialNo  string `mapstructure:"serial_no"`
	SecretKey string `mapstructure:"secret_key"`
}

// AggregatorConfig is the billing aggregator endpoint and merchant.
type AggregatorConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	PostPaymentURL string `mapstructure:"post_payment_url"`
	APIVersion     string `mapstructure:"api_version"`
	MerchantID     string `mapstructure:"merchant_id"`
	StoreID        string `mapstructure:"store_id"`
	TerminalID     string `mapstructure:"terminal_id"`
	CashierID      string `mapstructure:"cashier_id"`
	PaymentChannel string `mapstructure:"payment_channel"`
}

// BridgeConfig locates the wallet host bridge.
type BridgeConfig struct {
	URL string `mapstructure:"url"`
}

// FlowConfig tunes the payment orchestration.
type FlowConfig struct {
	StepTimeout         time.Duration `mapstructure:"step_timeout"`
	FulfillmentAttempts int           `mapstructure:"fulfillment_attempts"`
	FulfillmentDelay    time.Duration `mapstructure:"fulfillment_delay"`
	OrderExpiry         time.Duration `mapstructure:"order_expiry"`
	DisableFulfillment  bool          `mapstructure:"disable_fulfillment"`
	DefaultCurrency     string        `mapstructure:"default_currency"`
}

// RateLimitConfig bounds inbound requests per client IP.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

var defaults = map[string]any{
	"service_name":               "billpay-service",
	"otel_endpoint":              "localhost:4317",
	"port":                       "8081",
	"aggregator.api_version":     "V2",
	"aggregator.store_id":        "SuperApp",
	"aggregator.terminal_id":     "SuperApp",
	"aggregator.cashier_id":      "SuperApp",
	"aggregator.payment_channel": "SuperApp",
	"flow.step_timeout":          2 * time.Minute,
	"flow.fulfillment_attempts":  5,
	"flow.fulfillment_delay":     3 * time.Second,
	"flow.order_expiry":          30 * time.Minute,
	"flow.default_currency":      "USD",
	"rate_limit.rps":             5.0,
	"rate_limit.burst":           10,
	"cors_origins":               []string{"*"},
}

// keys without defaults that still need an env binding
var required = []string{
	"gateway.base_url",
	"gateway.merchant_id",
	"gateway.app_id",
	"gateway.serial_no",
	"gateway.private_key",
	"gateway.notify_url",
	"identity.base_url",
	"identity.app_id",
	"identity.serial_no",
	"identity.secret_key",
	"aggregator.base_url",
	"aggregator.post_payment_url",
	"aggregator.merchant_id",
	"bridge.url",
}

// Load loads configuration from .env, the environment and an optional
// config file. Environment keys are BILLPAY_ prefixed, e.g.
// BILLPAY_GATEWAY_MERCHANT_ID.
func Load() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("BILLPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	// Unmarshal only sees keys viper knows about.
	for _, k := range required {
		if err := v.BindEnv(k); err != nil {
			return nil, err
		}
	}
	// The standard OTLP variable wins when set.
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		v.Set("otel_endpoint", endpoint)
	}

	if path := os.Getenv("BILLPAY_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// Validate reports every missing credential or endpoint at once.
func (c *Config) Validate() error {
	var errs []error
	need := func(name, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}

	need("gateway.base_url", c.Gateway.BaseURL)
	need("gateway.merchant_id", c.Gateway.MerchantID)
	need("gateway.app_id", c.Gateway.AppID)
	need("gateway.serial_no", c.Gateway.SerialNo)
	need("gateway.private_key", c.Gateway.PrivateKeyPEM)
	need("identity.base_url", c.Identity.BaseURL)
	need("identity.app_id", c.Identity.AppID)
	need("identity.serial_no", c.Identity.SerialNo)
	need("identity.secret_key", c.Identity.SecretKey)
	need("aggregator.base_url", c.Aggregator.BaseURL)
	need("aggregator.merchant_id", c.Aggregator.MerchantID)

	if c.Flow.FulfillmentAttempts < 1 {
		errs = append(errs, errors.New("flow.fulfillment_attempts must be at least 1"))
	}
	if c.Flow.StepTimeout <= 0 {
		errs = append(errs, errors.New("flow.step_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// PostPaymentEndpoint returns the PostPayment URL, which the aggregator may
// host apart from the other VAS endpoints.
func (a AggregatorConfig) PostPaymentEndpoint() string {
	if a.PostPaymentURL != "" {
		return a.PostPaymentURL
	}
	return fmt.Sprintf("%s/vas/%s/PostPayment", strings.TrimRight(a.BaseURL, "/"), a.APIVersion)
}
