package service

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"billpay-service/aggregator"
	"billpay-service/apperr"
	"billpay-service/bridge"
	"billpay-service/fulfillment"
	"billpay-service/gateway"
	"billpay-service/logging"
	"billpay-service/models"
	"billpay-service/monitoring"
	"billpay-service/signature"
)

// State is a step of one payment attempt.
type State string

const (
	StateInit            State = "INIT"
	StateOrderCreated    State = "ORDER_CREATED"
	StateAwaitingCashier State = "AWAITING_CASHIER"
	StateStatusQueried   State = "STATUS_QUERIED"
	StateFulfilling      State = "FULFILLING"
	StateDone            State = "DONE"
	StateError           State = "ERROR"
)

// Reasons a fulfillment was skipped.
const (
	SkipMissingRequestID fulfillment.SkipReason = "MISSING_REQUEST_ID"
	SkipDisabled         fulfillment.SkipReason = "DISABLED"
	SkipNotPaid          fulfillment.SkipReason = "NOT_PAID"
)

// PaymentGateway creates and queries provider orders.
type PaymentGateway interface {
	PreparePayment(ctx context.Context, req *gateway.OrderRequest) (*gateway.PreparedPayment, error)
	QueryResult(ctx context.Context, outBizID string) (*gateway.StatusResult, error)
}

// WalletBridge opens the host cashier. It must receive exactly the three
// signed fields.
type WalletBridge interface {
	PayOrder(ctx context.Context, params gateway.PaymentParams) (*bridge.CashierResult, error)
}

// Aggregator validates accounts, accepts fulfillment posts and answers for
// earlier ones.
type Aggregator interface {
	fulfillment.Poster
	fulfillment.StatusChecker
	Validate(ctx context.Context, req *aggregator.FulfillmentRequest) (*aggregator.Result, error)
	ReversePayment(ctx context.Context, requestID string) (*aggregator.Result, error)
}

// Options tunes a PaymentService. Zero values take the defaults.
type Options struct {
	StepTimeout        time.Duration
	OrderExpiry        time.Duration
	DefaultCurrency    string
	DisableFulfillment bool
	PaymentChannel     string
	POS                aggregator.POSDetails

	FulfillmentAttempts int
	FulfillmentDelay    time.Duration
	RetryTimer          backoff.Timer
	NewRequestID        func() string
	Now                 func() time.Time
}

// PaymentService runs bill payments end to end: order, cashier, status and
// fulfillment, one step at a time.
type PaymentService struct {
	tracer     trace.Tracer
	gateway    PaymentGateway
	wallet     WalletBridge
	aggregator Aggregator
	policy     *fulfillment.Policy
	opts       Options
	now        func() time.Time
}

// NewPaymentService creates a new payment service
func NewPaymentService(tracer trace.Tracer, gw PaymentGateway, wallet WalletBridge, agg Aggregator, opts Options) *PaymentService {
	if tracer == nil {
		tracer = otel.Tracer("billpay-service")
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = DefaultStepTimeout
	}
	if opts.OrderExpiry <= 0 {
		opts.OrderExpiry = 30 * time.Minute
	}
	if opts.DefaultCurrency == "" {
		opts.DefaultCurrency = "USD"
	}
	if opts.NewRequestID == nil {
		opts.NewRequestID = aggregator.GenerateRequestID
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	policy := fulfillment.NewPolicy(agg)
	if opts.FulfillmentAttempts > 0 {
		policy.MaxAttempts = opts.FulfillmentAttempts
	}
	if opts.FulfillmentDelay > 0 {
		policy.Delay = opts.FulfillmentDelay
	}
	policy.Timer = opts.RetryTimer
	policy.NewRequestID = opts.NewRequestID
	if agg != nil {
		policy.Checker = agg
	}

	return &PaymentService{
		tracer:     tracer,
		gateway:    gw,
		wallet:     wallet,
		aggregator: agg,
		policy:     policy,
		opts:       opts,
		now:        now,
	}
}

type attempt struct {
	state  State
	span   trace.Span
	logger *zap.Logger
}

func (a *attempt) enter(next State) {
	a.logger.Info("Payment state changed",
		zap.String("from", string(a.state)),
		zap.String("to", string(next)),
	)
	a.span.AddEvent("payment.state", trace.WithAttributes(attribute.String("state", string(next))))
	a.state = next
}

// ExecutePayment runs one payment attempt. Failures while preparing the order
// or in the cashier end the attempt and are returned alongside a result in
// state ERROR. Status query and fulfillment failures are reported inside a
// successful result.
func (s *PaymentService) ExecutePayment(ctx context.Context, req *models.BillPaymentRequest) (*models.PaymentResult, error) {
	ctx, span := s.tracer.Start(ctx, "execute_bill_payment")
	defer span.End()

	logger := logging.WithTraceContext(span)
	a := &attempt{state: StateInit, span: span, logger: logger}
	result := &models.PaymentResult{State: string(StateInit), Timestamp: s.now().UTC()}

	fail := func(err error) (*models.PaymentResult, error) {
		failedAt := a.state
		a.enter(StateError)
		result.State = string(StateError)
		result.Error = err.Error()
		result.ErrorType = ClassifyError(err)
		result.ErrorKind = apperr.Kind(err)

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		monitoring.PaymentCounter.Add(ctx, 1,
			metric.WithAttributes(
				attribute.String("status", "failed"),
				attribute.String("step", string(failedAt)),
			),
		)
		logger.Error("Bill payment failed",
			zap.Error(err),
			zap.String("failed_at", string(failedAt)),
			zap.String("error_type", result.ErrorType),
			zap.String("error_kind", result.ErrorKind),
			zap.String("transaction_id", result.TransactionID),
		)
		return result, err
	}

	order, err := s.BuildOrderRequest(req)
	if err != nil {
		return fail(err)
	}
	span.SetAttributes(
		attribute.String("payment.out_biz_id", order.OutBizID),
		attribute.String("payment.product_id", req.Product.ID),
		attribute.String("payment.currency", order.Currency),
		attribute.Int64("payment.amount_minor", *order.AmountMinorUnits),
	)
	logger.Info("Processing bill payment",
		zap.String("out_biz_id", order.OutBizID),
		zap.String("product_id", req.Product.ID),
		zap.String("amount", req.Amount.String()),
		zap.String("currency", order.Currency),
	)

	prepared, err := s.PreparePayment(ctx, order)
	if err != nil {
		return fail(err)
	}
	a.enter(StateOrderCreated)
	result.State = string(StateOrderCreated)
	result.TransactionID = prepared.OutBizID
	result.PrepayID = prepared.PrepayID

	a.enter(StateAwaitingCashier)
	result.State = string(StateAwaitingCashier)
	cashier, err := s.ShowCashier(ctx, prepared)
	if err != nil {
		return fail(err)
	}
	result.CashierResult = cashier

	status := s.QueryStatus(ctx, prepared.OutBizID)
	a.enter(StateStatusQueried)
	result.State = string(StateStatusQueried)
	result.StatusResult = status

	paymentStatus := status.OrderStatus
	if paymentStatus == gateway.StatusUnknown && cashier != nil {
		paymentStatus = gateway.ParsePaymentStatus(cashier.Status)
	}
	result.PaymentStatus = paymentStatus

	if s.fulfillmentGate(req, paymentStatus) == "" {
		a.enter(StateFulfilling)
		result.State = string(StateFulfilling)
	}
	result.Fulfillment = s.Fulfill(ctx, req, prepared.OutBizID, paymentStatus)

	a.enter(StateDone)
	result.State = string(StateDone)
	result.Success = true

	monitoring.PaymentCounter.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", "success"),
			attribute.String("payment_status", string(paymentStatus)),
		),
	)
	amount, _ := req.Amount.Float64()
	monitoring.PaymentAmount.Record(ctx, amount,
		metric.WithAttributes(attribute.String("currency", order.Currency)),
	)
	span.SetAttributes(
		attribute.String("payment.status", string(paymentStatus)),
		attribute.Bool("payment.fulfilled", result.Fulfillment.Success),
	)
	logger.Info("Bill payment completed",
		zap.String("transaction_id", result.TransactionID),
		zap.String("payment_status", string(paymentStatus)),
		zap.Bool("fulfilled", result.Fulfillment.Success),
		zap.String("fulfillment_status", string(result.Fulfillment.Status)),
	)
	return result, nil
}

// PreparePayment creates the order and signs the cashier parameters within
// the step deadline.
func (s *PaymentService) PreparePayment(ctx context.Context, order *gateway.OrderRequest) (*gateway.PreparedPayment, error) {
	ctx, span := s.tracer.Start(ctx, "prepare_payment")
	defer span.End()

	prepared, err := RunWithDeadline(ctx, "payment preparation", s.opts.StepTimeout,
		func(ctx context.Context) (*gateway.PreparedPayment, error) {
			return s.gateway.PreparePayment(ctx, order)
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if prepared == nil || prepared.PaymentParams == nil {
		return nil, apperr.NewValidation("paymentParams", "missing from prepared payment")
	}
	return prepared, nil
}

// ShowCashier hands the signed parameters to the wallet and waits for the
// user within the step deadline.
func (s *PaymentService) ShowCashier(ctx context.Context, prepared *gateway.PreparedPayment) (*bridge.CashierResult, error) {
	ctx, span := s.tracer.Start(ctx, "show_cashier")
	defer span.End()

	if prepared == nil || prepared.PaymentParams == nil {
		return nil, apperr.NewValidation("paymentParams", "missing from prepared payment")
	}
	if s.wallet == nil {
		return nil, &apperr.BridgeError{Message: "wallet bridge is not available"}
	}

	params := gateway.PaymentParams{
		RawData:       prepared.PaymentParams.RawData,
		Signature:     prepared.PaymentParams.Signature,
		SignatureType: prepared.PaymentParams.SignatureType,
	}
	if params.SignatureType == "" {
		params.SignatureType = signature.SchemeRSA
	}
	logging.Info("Opening wallet cashier",
		zap.Int("raw_data_length", len(params.RawData)),
		zap.Int("signature_length", len(params.Signature)),
		zap.String("sign_type", params.SignatureType),
	)

	res, err := RunWithDeadline(ctx, "cashier", s.opts.StepTimeout,
		func(ctx context.Context) (*bridge.CashierResult, error) {
			return s.wallet.PayOrder(ctx, params)
		})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// QueryStatus asks the provider how the order settled. The answer is advisory,
// so a failure becomes an outcome carrying Error rather than an error.
func (s *PaymentService) QueryStatus(ctx context.Context, outBizID string) *models.StatusOutcome {
	ctx, span := s.tracer.Start(ctx, "query_payment_status")
	defer span.End()

	res, err := s.gateway.QueryResult(ctx, outBizID)
	if err != nil {
		logging.Warn("Payment status query failed, continuing without it",
			zap.String("out_biz_id", outBizID),
			zap.Error(err),
		)
		span.RecordError(err)
		return &models.StatusOutcome{Error: "status query failed: " + err.Error()}
	}
	return &models.StatusOutcome{OrderStatus: res.OrderStatus, Raw: res.Raw}
}

// fulfillmentGate returns the reason fulfillment must be skipped, or "".
func (s *PaymentService) fulfillmentGate(req *models.BillPaymentRequest, paymentStatus gateway.PaymentStatus) fulfillment.SkipReason {
	switch {
	case paymentStatus != gateway.StatusSuccess:
		return SkipNotPaid
	case s.opts.DisableFulfillment || req.DisableFulfillment:
		return SkipDisabled
	case req.Validation == nil,
		aggregator.ParseStatus(string(req.Validation.Status)) != aggregator.StatusValidated,
		req.Validation.RequestID == "":
		return SkipMissingRequestID
	default:
		return ""
	}
}

// Fulfill posts a paid order to the aggregator when the payment succeeded,
// fulfillment is enabled and the account was validated. Otherwise it returns
// a skipped result without calling the aggregator. It never fails the
// payment.
func (s *PaymentService) Fulfill(ctx context.Context, req *models.BillPaymentRequest, transactionID string, paymentStatus gateway.PaymentStatus) (res *fulfillment.Result) {
	if reason := s.fulfillmentGate(req, paymentStatus); reason != "" {
		logging.Info("Skipping fulfillment",
			zap.String("reason", string(reason)),
			zap.String("transaction_id", transactionID),
		)
		return &fulfillment.Result{Skipped: true, SkipReason: reason}
	}

	ctx, span := s.tracer.Start(ctx, "fulfill_bill_payment")
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("fulfillment panicked: %v", r)
			span.RecordError(err)
			logging.Error("Fulfillment aborted", zap.Error(err))
			res = &fulfillment.Result{Error: err.Error()}
		}
	}()

	res = s.policy.Run(ctx, func(requestID string) *aggregator.FulfillmentRequest {
		return s.BuildFulfillmentRequest(req, transactionID, requestID)
	})
	span.SetAttributes(
		attribute.Int("fulfillment.attempts", res.Attempts),
		attribute.String("fulfillment.status", string(res.Status)),
	)
	return res
}

// ValidateBill checks the account with the aggregator under a fresh request
// id. The returned result is what ExecutePayment later needs as Validation.
func (s *PaymentService) ValidateBill(ctx context.Context, req *models.ValidateBillRequest) (*aggregator.Result, error) {
	ctx, span := s.tracer.Start(ctx, "validate_bill")
	defer span.End()

	if req == nil {
		return nil, apperr.NewValidation("validateRequest", "is required")
	}
	if s.aggregator == nil {
		return nil, fmt.Errorf("billing aggregator is not configured")
	}

	bill := &models.BillPaymentRequest{
		Product:       req.Product,
		AccountNumber: req.AccountNumber,
		Amount:        req.Amount,
		Customer:      req.Customer,
		User:          req.User,
	}
	requestID := s.opts.NewRequestID()
	res, err := s.aggregator.Validate(ctx, s.BuildFulfillmentRequest(bill, "", requestID))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	// Carry our id forward when the aggregator does not echo one.
	if res.RequestID == "" {
		res.RequestID = requestID
	}
	span.SetAttributes(attribute.String("validation.status", string(res.Status)))
	return res, nil
}

// FulfillmentStatus asks the aggregator how an earlier PostPayment request
// ended.
func (s *PaymentService) FulfillmentStatus(ctx context.Context, requestID string) (*aggregator.Result, error) {
	ctx, span := s.tracer.Start(ctx, "fulfillment_status")
	defer span.End()

	if requestID == "" {
		return nil, apperr.NewValidation("requestId", "is required")
	}
	if s.aggregator == nil {
		return nil, fmt.Errorf("billing aggregator is not configured")
	}
	span.SetAttributes(attribute.String("fulfillment.request_id", requestID))
	res, err := s.aggregator.GetPaymentStatus(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return res, nil
}

// ReverseFulfillment asks the aggregator to reverse an earlier PostPayment
// request.
func (s *PaymentService) ReverseFulfillment(ctx context.Context, requestID string) (*aggregator.Result, error) {
	ctx, span := s.tracer.Start(ctx, "reverse_fulfillment")
	defer span.End()

	if requestID == "" {
		return nil, apperr.NewValidation("requestId", "is required")
	}
	if s.aggregator == nil {
		return nil, fmt.Errorf("billing aggregator is not configured")
	}
	span.SetAttributes(attribute.String("fulfillment.request_id", requestID))
	res, err := s.aggregator.ReversePayment(ctx, requestID)
	if err != nil {
		span.RecordError(err)
		logging.WithTraceContext(span).Error("Fulfillment reversal failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return nil, err
	}
	logging.WithTraceContext(span).Info("Fulfillment reversed",
		zap.String("request_id", requestID),
		zap.String("status", string(res.Status)),
	)
	return res, nil
}
