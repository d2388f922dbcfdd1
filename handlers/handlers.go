package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"billpay-service/aggregator"
	"billpay-service/apperr"
	"billpay-service/identity"
	"billpay-service/logging"
	"billpay-service/models"
	"billpay-service/service"
)

// BillPayments is the payment flow the handlers expose.
type BillPayments interface {
	ValidateBill(ctx context.Context, req *models.ValidateBillRequest) (*aggregator.Result, error)
	ExecutePayment(ctx context.Context, req *models.BillPaymentRequest) (*models.PaymentResult, error)
	FulfillmentStatus(ctx context.Context, requestID string) (*aggregator.Result, error)
	ReverseFulfillment(ctx context.Context, requestID string) (*aggregator.Result, error)
}

// UserResolver turns the H5 token pair into a wallet user.
type UserResolver interface {
	Resolve(ctx context.Context, token, authToken string) (*identity.UserProfile, error)
}

// AuthTokenSource issues a one-time user auth token for an app.
type AuthTokenSource interface {
	GetAuthToken(ctx context.Context, appID string) (string, error)
}

// PaymentHandler handles HTTP requests for bill payments
type PaymentHandler struct {
	payments BillPayments
	users    UserResolver
	tokens   AuthTokenSource
	appID    string
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(payments BillPayments, users UserResolver) *PaymentHandler {
	return &PaymentHandler{
		payments: payments,
		users:    users,
	}
}

// WithAuthTokens lets user resolution fetch the auth token from src when the
// caller sends only the H5 token.
func (h *PaymentHandler) WithAuthTokens(src AuthTokenSource, appID string) *PaymentHandler {
	h.tokens = src
	h.appID = appID
	return h
}

// Register mounts the API routes on r.
func (h *PaymentHandler) Register(r gin.IRouter) {
	r.GET("/health", h.HealthCheck)

	api := r.Group("/api")
	api.POST("/bill-payments/validate", h.ValidateBill)
	api.POST("/bill-payments/pay", h.ProcessPayment)
	api.GET("/bill-payments/fulfillments/:requestId", h.FulfillmentStatus)
	api.POST("/bill-payments/fulfillments/:requestId/reverse", h.ReverseFulfillment)
	api.POST("/users/resolve", h.ResolveUser)
}

// ValidateBill checks an account with the billing aggregator
func (h *PaymentHandler) ValidateBill(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.ValidateBillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), ErrorType: "VALIDATION"})
		return
	}

	res, err := h.payments.ValidateBill(ctx, &req)
	if err != nil {
		logging.WithTraceContext(span).Error("Bill validation failed",
			zap.Error(err),
			zap.String("product_id", req.Product.ID),
			zap.String("account_number", req.AccountNumber),
		)
		writeError(c, err)
		return
	}

	span.SetAttributes(attribute.String("validation.request_id", res.RequestID))
	c.JSON(http.StatusOK, gin.H{"success": true, "validation": res})
}

// ProcessPayment runs one bill payment attempt
func (h *PaymentHandler) ProcessPayment(c *gin.Context) {
	ctx := c.Request.Context()
	span := trace.SpanFromContext(ctx)

	var req models.BillPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), ErrorType: "VALIDATION"})
		return
	}

	res, err := h.payments.ExecutePayment(ctx, &req)
	if err != nil {
		logging.WithTraceContext(span).Error("Bill payment failed",
			zap.Error(err),
			zap.String("product_id", req.Product.ID),
			zap.String("amount", req.Amount.String()),
		)
		if res == nil {
			writeError(c, err)
			return
		}
		c.JSON(statusFor(err), res)
		return
	}

	span.AddEvent("bill_payment_processed")
	c.JSON(http.StatusOK, res)
}

// ResolveUser exchanges the H5 token pair for the wallet user profile
func (h *PaymentHandler) ResolveUser(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.ResolveUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: err.Error(), ErrorType: "VALIDATION"})
		return
	}

	authToken := req.AuthToken
	if authToken == "" {
		if h.tokens == nil {
			writeError(c, apperr.NewValidation("authToken", "is required"))
			return
		}
		token, err := h.tokens.GetAuthToken(ctx, h.appID)
		if err != nil {
			logging.WithTraceContext(trace.SpanFromContext(ctx)).Error("Auth token request failed", zap.Error(err))
			writeError(c, err)
			return
		}
		authToken = token
	}

	profile, err := h.users.Resolve(ctx, req.Token, authToken)
	if err != nil {
		logging.WithTraceContext(trace.SpanFromContext(ctx)).Error("User resolution failed", zap.Error(err))
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "user": profile})
}

// FulfillmentStatus reports how an earlier aggregator post ended
func (h *PaymentHandler) FulfillmentStatus(c *gin.Context) {
	res, err := h.payments.FulfillmentStatus(c.Request.Context(), c.Param("requestId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "fulfillment": res})
}

// ReverseFulfillment reverses an earlier aggregator post
func (h *PaymentHandler) ReverseFulfillment(c *gin.Context) {
	ctx := c.Request.Context()

	res, err := h.payments.ReverseFulfillment(ctx, c.Param("requestId"))
	if err != nil {
		logging.WithTraceContext(trace.SpanFromContext(ctx)).Error("Fulfillment reversal failed",
			zap.Error(err),
			zap.String("request_id", c.Param("requestId")),
		)
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "reversal": res})
}

// HealthCheck handles health check requests
func (h *PaymentHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "status": "healthy"})
}

func writeError(c *gin.Context, err error) {
	resp := models.ErrorResponse{
		Error:     err.Error(),
		ErrorType: service.ClassifyError(err),
	}
	// Only aggregator failures carry diagnostics.
	if d := apperr.DiagnosticsOf(err); d != nil {
		resp.Diagnostics = d
	}
	c.JSON(statusFor(err), resp)
}

func statusFor(err error) int {
	switch apperr.Kind(err) {
	case "VALIDATION":
		return http.StatusBadRequest
	case "TIMEOUT":
		return http.StatusGatewayTimeout
	case "INTERNAL":
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
