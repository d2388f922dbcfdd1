package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billpay-service/aggregator"
	"billpay-service/apperr"
	"billpay-service/identity"
	"billpay-service/models"
)

type fakePayments struct {
	validateRes *aggregator.Result
	validateErr error
	payRes      *models.PaymentResult
	payErr      error
	gotPay      *models.BillPaymentRequest
	gotValidate *models.ValidateBillRequest
	statusRes   *aggregator.Result
	reverseRes  *aggregator.Result
	lookupErr   error
	gotLookup   string
	gotReverse  string
}

func (f *fakePayments) ValidateBill(_ context.Context, req *models.ValidateBillRequest) (*aggregator.Result, error) {
	f.gotValidate = req
	return f.validateRes, f.validateErr
}

func (f *fakePayments) FulfillmentStatus(_ context.Context, requestID string) (*aggregator.Result, error) {
	f.gotLookup = requestID
	return f.statusRes, f.lookupErr
}

func (f *fakePayments) ReverseFulfillment(_ context.Context, requestID string) (*aggregator.Result, error) {
	f.gotReverse = requestID
	return f.reverseRes, f.lookupErr
}

type fakeTokens struct {
	token string
	err   error
	appID string
}

func (f *fakeTokens) GetAuthToken(_ context.Context, appID string) (string, error) {
	f.appID = appID
	return f.token, f.err
}

func (f *fakePayments) ExecutePayment(_ context.Context, req *models.BillPaymentRequest) (*models.PaymentResult, error) {
	f.gotPay = req
	return f.payRes, f.payErr
}

type fakeUsers struct {
	profile *identity.UserProfile
	err     error
	token   string
	auth    string
}

func (f *fakeUsers) Resolve(_ context.Context, token, authToken string) (*identity.UserProfile, error) {
	f.token, f.auth = token, authToken
	return f.profile, f.err
}

func newRouter(p *fakePayments, u *fakeUsers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	NewPaymentHandler(p, u).Register(r)
	return r
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

const payBody = `{"product":{"id":"PRD-1","name":"Units"},"accountNumber":"0123","amount":25.5}`

func TestHealthCheck(t *testing.T) {
	w := do(newRouter(&fakePayments{}, &fakeUsers{}), http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"success":true,"status":"healthy"}`, w.Body.String())
}

func TestValidateBill(t *testing.T) {
	p := &fakePayments{validateRes: &aggregator.Result{Status: aggregator.StatusValidated, RequestID: "req-1"}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/validate", payBody)

	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Success    bool              `json:"success"`
		Validation aggregator.Result `json:"validation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, aggregator.StatusValidated, got.Validation.Status)
	assert.Equal(t, "req-1", got.Validation.RequestID)
}

func TestValidateBillAggregatorErrorCarriesDiagnostics(t *testing.T) {
	p := &fakePayments{validateErr: &apperr.AggregatorError{
		Op:      "validate",
		Status:  "ERROR",
		Message: "Invalid meter",
		Diagnostics: &apperr.Diagnostics{
			URL:            "https://agg.test/vas/V2/ValidatePayment",
			Method:         http.MethodPost,
			ResponseStatus: http.StatusOK,
		},
	}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/validate", payBody)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, false, got["success"])
	assert.Contains(t, got["error"], "Invalid meter")
	diag, ok := got["diagnostics"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "https://agg.test/vas/V2/ValidatePayment", diag["url"])
}

func TestValidateBillRejectsMissingAccount(t *testing.T) {
	p := &fakePayments{}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/validate", `{"product":{"id":"PRD-1"}}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")
}

func TestProcessPayment(t *testing.T) {
	p := &fakePayments{payRes: &models.PaymentResult{Success: true, State: "DONE", TransactionID: "BILL-1"}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/pay", payBody)

	require.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p.gotPay)
	assert.Equal(t, "25.5", p.gotPay.Amount.String())
	assert.Equal(t, "PRD-1", p.gotPay.Product.ID)

	var got models.PaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, "BILL-1", got.TransactionID)
}

func TestProcessPaymentTimeout(t *testing.T) {
	p := &fakePayments{
		payRes: &models.PaymentResult{State: "ERROR", Error: "cashier timeout after 2m0s", ErrorType: "TIMEOUT"},
		payErr: &apperr.TimeoutError{Step: "cashier", Timeout: 2 * time.Minute},
	}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/pay", payBody)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	var got models.PaymentResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.False(t, got.Success)
	assert.Equal(t, "ERROR", got.State)
	assert.Equal(t, "TIMEOUT", got.ErrorType)
}

func TestProcessPaymentValidationFailure(t *testing.T) {
	p := &fakePayments{
		payRes: &models.PaymentResult{State: "ERROR", ErrorKind: "VALIDATION"},
		payErr: apperr.NewValidation("amount", "must not be negative"),
	}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/pay", payBody)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestResolveUser(t *testing.T) {
	u := &fakeUsers{profile: &identity.UserProfile{OpenID: "open-1", PhoneNumber: "260971234567"}}

	w := do(newRouter(&fakePayments{}, u), http.MethodPost, "/api/users/resolve", `{"token":"t1","authToken":"a1"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "t1", u.token)
	assert.Equal(t, "a1", u.auth)
	assert.Contains(t, w.Body.String(), `"success":true`)
	assert.Contains(t, w.Body.String(), `"openId":"open-1"`)
}

func TestResolveUserGatewayFailure(t *testing.T) {
	u := &fakeUsers{err: &apperr.GatewayError{Op: "get openid", StatusCode: 401, Body: "Unauthorized"}}

	w := do(newRouter(&fakePayments{}, u), http.MethodPost, "/api/users/resolve", `{"token":"t1","authToken":"a1"}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), `"errorType":"UNAUTHORIZED"`)
}

func TestResolveUserRequiresBothTokens(t *testing.T) {
	u := &fakeUsers{}

	w := do(newRouter(&fakePayments{}, u), http.MethodPost, "/api/users/resolve", `{"token":"t1"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, u.token)
}

func TestResolveUserFetchesAuthToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	u := &fakeUsers{profile: &identity.UserProfile{OpenID: "open-1"}}
	tokens := &fakeTokens{token: "fetched"}
	r := gin.New()
	NewPaymentHandler(&fakePayments{}, u).WithAuthTokens(tokens, "app-1").Register(r)

	w := do(r, http.MethodPost, "/api/users/resolve", `{"token":"t1"}`)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "app-1", tokens.appID)
	assert.Equal(t, "fetched", u.auth)
}

func TestResolveUserAuthTokenFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	u := &fakeUsers{}
	tokens := &fakeTokens{err: &apperr.BridgeError{Code: "NO_TOKEN", Message: "not signed in"}}
	r := gin.New()
	NewPaymentHandler(&fakePayments{}, u).WithAuthTokens(tokens, "app-1").Register(r)

	w := do(r, http.MethodPost, "/api/users/resolve", `{"token":"t1"}`)

	assert.NotEqual(t, http.StatusOK, w.Code)
	assert.Empty(t, u.token)
}

func TestProcessPaymentRequiresAmount(t *testing.T) {
	p := &fakePayments{}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/pay",
		`{"product":{"id":"PRD-1","name":"Units"},"accountNumber":"0123"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "VALIDATION")
	assert.Nil(t, p.gotPay)
}

func TestValidateBillRequiresAmount(t *testing.T) {
	p := &fakePayments{}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/validate",
		`{"product":{"id":"PRD-1"},"accountNumber":"0123"}`)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, p.gotValidate)
}

func TestProcessPaymentAcceptsZeroAmount(t *testing.T) {
	p := &fakePayments{payRes: &models.PaymentResult{Success: true}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/pay",
		`{"product":{"id":"PRD-1"},"accountNumber":"0123","amount":0}`)

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, p.gotPay)
	assert.True(t, p.gotPay.Amount.IsZero())
}

func TestFulfillmentStatusRoute(t *testing.T) {
	p := &fakePayments{statusRes: &aggregator.Result{Status: aggregator.StatusSuccessful, ReferenceNumber: "REF-1"}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodGet, "/api/bill-payments/fulfillments/req-9", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-9", p.gotLookup)
	var got struct {
		Success     bool              `json:"success"`
		Fulfillment aggregator.Result `json:"fulfillment"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, aggregator.StatusSuccessful, got.Fulfillment.Status)
	assert.Equal(t, "REF-1", got.Fulfillment.ReferenceNumber)
}

func TestFulfillmentStatusRouteNotFound(t *testing.T) {
	p := &fakePayments{lookupErr: &apperr.AggregatorError{Op: "get payment status", Status: "NOTFOUND", Message: "Unknown request"}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodGet, "/api/bill-payments/fulfillments/req-9", "")

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Contains(t, w.Body.String(), "Unknown request")
}

func TestReverseFulfillmentRoute(t *testing.T) {
	p := &fakePayments{reverseRes: &aggregator.Result{Status: aggregator.StatusSuccessful}}

	w := do(newRouter(p, &fakeUsers{}), http.MethodPost, "/api/bill-payments/fulfillments/req-4/reverse", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "req-4", p.gotReverse)
	assert.Contains(t, w.Body.String(), `"reversal"`)
}

func TestRateLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(1, 2))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(r, http.MethodGet, "/ping", "").Code)
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)

	// A different client has its own budget.
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "10.0.0.2:5555"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestRateLimitDisabled(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RateLimit(0, 0))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	for i := 0; i < 20; i++ {
		assert.Equal(t, http.StatusNoContent, do(r, http.MethodGet, "/ping", "").Code)
	}
}
