package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"billpay-service/aggregator"
	"billpay-service/apperr"
	"billpay-service/logging"
	"billpay-service/monitoring"
)

const (
	DefaultMaxAttempts = 5
	DefaultDelay       = 3 * time.Second
)

var errRepeatable = errors.New("repeatable aggregator status")

// SkipReason says why fulfillment was never attempted.
type SkipReason string

// Poster is the aggregator call the policy drives.
type Poster interface {
	PostPayment(ctx context.Context, req *aggregator.FulfillmentRequest) (*aggregator.Result, error)
}

// StatusChecker looks up how an earlier PostPayment request ended.
type StatusChecker interface {
	GetPaymentStatus(ctx context.Context, requestID string) (*aggregator.Result, error)
}

// Policy posts a paid order to the aggregator with a bounded number of
// sequential attempts, each under a brand new request id.
type Policy struct {
	Poster       Poster
	MaxAttempts  int
	Delay        time.Duration
	NewRequestID func() string
	// Timer drives the wait between attempts. Nil uses a real timer.
	Timer backoff.Timer
	// Checker, when set, is asked once about a run that ends on PROCESSING.
	Checker StatusChecker
}

// NewPolicy returns a policy with the standard budget of 5 attempts 3s apart.
func NewPolicy(poster Poster) *Policy {
	return &Policy{
		Poster:       poster,
		MaxAttempts:  DefaultMaxAttempts,
		Delay:        DefaultDelay,
		NewRequestID: aggregator.GenerateRequestID,
	}
}

// Result is the outcome of a fulfillment run. It is attached to the payment
// result and never fails the payment itself.
type Result struct {
	Success    bool              `json:"success"`
	Status     aggregator.Status `json:"status,omitempty"`
	Repeatable bool              `json:"isFailedRepeatable"`
	// Skipped is set when the caller never ran the policy.
	Skipped    bool       `json:"skipped,omitempty"`
	SkipReason SkipReason `json:"skipReason,omitempty"`
	// Exhausted is set when every attempt was used without a final answer.
	Exhausted       bool                     `json:"exhausted,omitempty"`
	Attempts        int                      `json:"attempts"`
	RequestIDs      []string                 `json:"requestIds,omitempty"`
	RequestID       string                   `json:"requestId,omitempty"`
	ReferenceNumber string                   `json:"referenceNumber,omitempty"`
	ResultMessage   string                   `json:"resultMessage,omitempty"`
	DisplayData     []aggregator.DisplayItem `json:"displayData,omitempty"`
	Vouchers        []json.RawMessage        `json:"vouchers,omitempty"`
	ReceiptHTML     []string                 `json:"receiptHtml,omitempty"`
	ReceiptSMS      []string                 `json:"receiptSms,omitempty"`
	Error           string                   `json:"error,omitempty"`
	Diagnostics     *apperr.Diagnostics      `json:"diagnostics,omitempty"`
}

// Run builds and posts one request per attempt. build is called with a fresh
// request id each time and must not reuse anything id-bearing from earlier
// attempts.
//
// SUCCESSFUL stops immediately. FAILEDREPEATABLE, PROCESSING and any failed
// call, including an ERROR or NOTFOUND envelope, wait Delay and try again.
// Any other status and a request that fails local validation stop without
// retrying. When the last attempt is still PROCESSING and a Checker is set,
// its status is looked up once more before giving up.
func (p *Policy) Run(ctx context.Context, build func(requestID string) *aggregator.FulfillmentRequest) *Result {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	newID := p.NewRequestID
	if newID == nil {
		newID = aggregator.GenerateRequestID
	}

	out := &Result{}
	var (
		last          *aggregator.Result
		lastRequestID string
		lastErr       error
		terminalRes   *aggregator.Result
		terminalErr   error
	)

	operation := func() error {
		out.Attempts++
		attempt := out.Attempts
		requestID := newID()
		out.RequestIDs = append(out.RequestIDs, requestID)

		logging.Info("Posting payment to aggregator",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.String("request_id", requestID),
		)

		res, err := p.Poster.PostPayment(ctx, build(requestID))
		if err == nil && res == nil {
			err = errors.New("empty aggregator response")
		}
		if err != nil {
			var validationErr *apperr.ValidationError
			if errors.As(err, &validationErr) {
				recordAttempt(ctx, "terminal_error")
				terminalErr = err
				return backoff.Permanent(err)
			}
			recordAttempt(ctx, "error")
			lastErr = err
			logging.Warn("Aggregator post failed, will retry if attempts remain",
				zap.Int("attempt", attempt),
				zap.Int("attempts_remaining", maxAttempts-attempt),
				zap.Error(err),
			)
			return err
		}

		last, lastRequestID, lastErr = res, requestID, nil
		switch {
		case res.Status == aggregator.StatusSuccessful:
			recordAttempt(ctx, "success")
			return nil
		case res.Status.Repeatable():
			recordAttempt(ctx, "repeatable")
			logging.Warn("Aggregator returned a repeatable status",
				zap.Int("attempt", attempt),
				zap.String("status", string(res.Status)),
				zap.String("result_message", res.ResultMessage),
				zap.Int("attempts_remaining", maxAttempts-attempt),
			)
			return errRepeatable
		default:
			recordAttempt(ctx, "terminal")
			terminalRes = res
			return backoff.Permanent(errors.New("terminal aggregator status " + string(res.Status)))
		}
	}

	// WithMaxRetries treats zero as unlimited.
	var b backoff.BackOff = &backoff.StopBackOff{}
	if maxAttempts > 1 {
		b = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(maxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	notify := func(err error, wait time.Duration) {
		logging.Info("Waiting before next aggregator attempt", zap.Duration("wait", wait))
	}

	err := backoff.RetryNotifyWithTimer(operation, b, notify, p.Timer)

	switch {
	case err == nil:
		out.fill(last)
		out.Success = true
		logging.Info("Fulfillment completed",
			zap.Int("attempts", out.Attempts),
			zap.String("reference_number", out.ReferenceNumber),
		)

	case terminalRes != nil || terminalErr != nil:
		if terminalRes != nil {
			out.fill(terminalRes)
		} else {
			out.Error = terminalErr.Error()
		}
		logging.Error("Fulfillment failed with a non-repeatable outcome",
			zap.Int("attempts", out.Attempts),
			zap.String("status", string(out.Status)),
			zap.String("error", out.Error),
		)

	case ctx.Err() != nil:
		out.Repeatable = true
		out.Error = ctx.Err().Error()

	case last != nil && lastErr == nil && last.Status == aggregator.StatusProcessing && p.settled(ctx, lastRequestID, out):
		logging.Info("Fulfillment settled after the last attempt",
			zap.Int("attempts", out.Attempts),
			zap.String("request_id", lastRequestID),
		)

	case last != nil:
		out.fill(last)
		out.Repeatable = true
		out.Exhausted = true
		if lastErr != nil {
			out.Error = lastErr.Error()
			out.Diagnostics = apperr.DiagnosticsOf(lastErr)
		}
		logging.Error("Fulfillment attempts exhausted",
			zap.Int("attempts", out.Attempts),
			zap.String("status", string(out.Status)),
		)

	default:
		out.Repeatable = true
		out.Exhausted = true
		out.Error = "all retry attempts failed: " + lastErr.Error()
		var aggErr *apperr.AggregatorError
		if errors.As(lastErr, &aggErr) {
			out.Status = aggregator.ParseStatus(aggErr.Status)
			out.ResultMessage = aggErr.Message
			out.Diagnostics = aggErr.Diagnostics
		}
		logging.Error("Fulfillment attempts exhausted",
			zap.Int("attempts", out.Attempts),
			zap.Error(lastErr),
		)
	}
	return out
}

// settled asks the aggregator how requestID ended and fills out when it
// turned out SUCCESSFUL.
func (p *Policy) settled(ctx context.Context, requestID string, out *Result) bool {
	if p.Checker == nil {
		return false
	}
	res, err := p.Checker.GetPaymentStatus(ctx, requestID)
	if err != nil {
		logging.Warn("Fulfillment status lookup failed",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		return false
	}
	if res == nil || res.Status != aggregator.StatusSuccessful {
		return false
	}
	recordAttempt(ctx, "settled")
	out.fill(res)
	if out.RequestID == "" {
		out.RequestID = requestID
	}
	out.Success = true
	return true
}

func (r *Result) fill(res *aggregator.Result) {
	r.Status = res.Status
	r.Repeatable = res.Status.Repeatable()
	r.RequestID = res.RequestID
	r.ReferenceNumber = res.ReferenceNumber
	r.ResultMessage = res.ResultMessage
	r.DisplayData = res.DisplayData
	r.Vouchers = res.Vouchers
	r.ReceiptHTML = res.ReceiptHTML
	r.ReceiptSMS = res.ReceiptSMS
}

func recordAttempt(ctx context.Context, outcome string) {
	monitoring.FulfillmentAttempts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("outcome", outcome)),
	)
}
