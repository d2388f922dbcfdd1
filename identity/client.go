// Package identity resolves the wallet user behind an H5 auth token. Requests
// are signed with the AES authorization scheme.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"billpay-service/apperr"
	"billpay-service/logging"
	"billpay-service/monitoring"
	"billpay-service/signature"
)

const (
	openIDPath   = "/v1/pay/credential/openid"
	userInfoPath = "/v1/pay/credential/user/info"

	successCode = "SUC"
)

// Config is the H5 app identity.
type Config struct {
	BaseURL   string
	AppID     string
	SerialNo  string
	SecretKey string

	HTTPClient *http.Client
	Now        func() time.Time
	Nonce      func() string
}

// Client calls the identity API.
type Client struct {
	baseURL string
	header  *signature.HeaderBuilder
	rest    *resty.Client
}

// NewClient validates cfg and decodes the AES secret.
func NewClient(cfg Config) (*Client, error) {
	switch {
	case cfg.BaseURL == "":
		return nil, apperr.NewValidation("identity.BaseURL", "is required")
	case cfg.AppID == "":
		return nil, apperr.NewValidation("identity.AppID", "is required")
	case cfg.SerialNo == "":
		return nil, apperr.NewValidation("identity.SerialNo", "is required")
	}
	signer, err := signature.NewAESSigner(cfg.SecretKey)
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

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		header: &signature.HeaderBuilder{
			Scheme:       signature.SchemeAES,
			PrincipalKey: "appid",
			Principal:    cfg.AppID,
			SerialNo:     cfg.SerialNo,
			Signer:       signer,
			Now:          cfg.Now,
			Nonce:        cfg.Nonce,
		},
		rest: resty.NewWithClient(httpClient),
	}, nil
}

// UserInfo is the user/info response. Fields holds the full decoded body for
// callers that need more than the phone number.
type UserInfo struct {
	Code   string         `json:"code"`
	Msg    string         `json:"msg,omitempty"`
	Msisdn string         `json:"msisdn"`
	Fields map[string]any `json:"-"`
}

// UserProfile is everything Resolve learns about the user.
type UserProfile struct {
	OpenID      string    `json:"openId"`
	PhoneNumber string    `json:"phoneNumber,omitempty"`
	UserInfo    *UserInfo `json:"userInfo"`
}

// GetOpenID exchanges an H5 token for the user's openId.
func (c *Client) GetOpenID(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", apperr.NewValidation("token", "is required")
	}
	var resp struct {
		Code   string `json:"code"`
		Msg    string `json:"msg"`
		OpenID string `json:"openId"`
	}
	raw, err := c.post(ctx, "get openid", openIDPath, map[string]string{"token": token})
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", &apperr.GatewayError{Op: "get openid", StatusCode: http.StatusOK, Body: string(raw), Err: err}
	}
	if resp.Code != successCode || resp.OpenID == "" {
		return "", &apperr.GatewayError{
			Op:         "get openid",
			StatusCode: http.StatusOK,
			Body:       string(raw),
			Err:        fmt.Errorf("%s (code: %s)", orUnknown(resp.Msg), resp.Code),
		}
	}
	return resp.OpenID, nil
}

// GetUserInfo fetches the user's profile. A response without msisdn is
// treated as a failure.
func (c *Client) GetUserInfo(ctx context.Context, authToken, openID string) (*UserInfo, error) {
	if authToken == "" {
		return nil, apperr.NewValidation("authToken", "is required")
	}
	if openID == "" {
		return nil, apperr.NewValidation("openId", "is required")
	}
	raw, err := c.post(ctx, "get user info", userInfoPath, map[string]string{"openId": openID, "authToken": authToken})
	if err != nil {
		return nil, err
	}

	info := &UserInfo{}
	if err := json.Unmarshal(raw, info); err != nil {
		return nil, &apperr.GatewayError{Op: "get user info", StatusCode: http.StatusOK, Body: string(raw), Err: err}
	}
	if err := json.Unmarshal(raw, &info.Fields); err != nil {
		return nil, &apperr.GatewayError{Op: "get user info", StatusCode: http.StatusOK, Body: string(raw), Err: err}
	}
	if info.Code != successCode || info.Msisdn == "" {
		return nil, &apperr.GatewayError{
			Op:         "get user info",
			StatusCode: http.StatusOK,
			Body:       string(raw),
			Err:        fmt.Errorf("%s (code: %s)", orUnknown(info.Msg), info.Code),
		}
	}
	return info, nil
}

// Resolve runs the openId and user info lookups and extracts the phone number.
func (c *Client) Resolve(ctx context.Context, token, authToken string) (*UserProfile, error) {
	openID, err := c.GetOpenID(ctx, token)
	if err != nil {
		return nil, err
	}
	info, err := c.GetUserInfo(ctx, authToken, openID)
	if err != nil {
		return nil, err
	}
	phone := ExtractPhoneNumber(info.Fields)
	logging.Info("User resolved",
		zap.String("open_id", openID),
		zap.Bool("has_phone", phone != ""),
	)
	return &UserProfile{OpenID: openID, PhoneNumber: phone, UserInfo: info}, nil
}

var phoneFields = []string{"msisdn", "phone", "phoneNumber", "mobile", "mobileNumber", "tel"}

// ExtractPhoneNumber looks for a phone number in the usual top-level fields,
// then in profile.phone and contact.phone. It returns "" when none is set.
func ExtractPhoneNumber(fields map[string]any) string {
	for _, name := range phoneFields {
		if s := stringField(fields, name); s != "" {
			return s
		}
	}
	for _, parent := range []string{"profile", "contact"} {
		if nested, ok := fields[parent].(map[string]any); ok {
			if s := stringField(nested, "phone"); s != "" {
				return s
			}
		}
	}
	return ""
}

func stringField(m map[string]any, key string) string {
	switch v := m[key].(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return ""
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown error"
	}
	return s
}

func (c *Client) post(ctx context.Context, op, path string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", op, err)
	}
	endpoint := c.baseURL + path
	signed, err := c.header.Build(http.MethodPost, endpoint, string(body))
	if err != nil {
		return nil, err
	}

	logging.Info("Calling identity API",
		zap.String("operation", op),
		zap.String("endpoint", endpoint),
		zap.String("authorization", logging.Truncate(signed.Header, 60)),
	)

	start := time.Now()
	resp, err := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Authorization", signed.Header).
		SetBody(body).
		Post(endpoint)
	duration := time.Since(start).Seconds()
	if err != nil {
		monitoring.RecordExternalCall(ctx, "identity", "error", duration)
		return nil, &apperr.GatewayError{Op: op, Err: err}
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		monitoring.RecordExternalCall(ctx, "identity", "failed", duration)
		logging.Error("Identity API call failed",
			zap.String("operation", op),
			zap.Int("http_status", resp.StatusCode()),
			zap.String("response_body", logging.Truncate(string(resp.Body()), 500)),
		)
		return nil, &apperr.GatewayError{
			Op:         op,
			StatusCode: resp.StatusCode(),
			Body:       string(resp.Body()),
			Err:        errors.New(http.StatusText(resp.StatusCode())),
		}
	}
	monitoring.RecordExternalCall(ctx, "identity", "success", duration)
	return resp.Body(), nil
}
