package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"billpay-service/apperr"
)

// DefaultStepTimeout bounds the prepare and cashier steps.
const DefaultStepTimeout = 120 * time.Second

// RunWithDeadline runs fn under a timeout. fn receives a context that is
// cancelled when the deadline passes; if fn ignores it and finishes late, its
// result is dropped. A missed deadline is reported as a TimeoutError naming
// step. A panic in fn comes back as an error.
func RunWithDeadline[T any](ctx context.Context, step string, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		timeout = DefaultStepTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		value T
		err   error
	}
	// Buffered so a late fn never blocks after we stop listening.
	done := make(chan outcome, 1)

	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o.err = fmt.Errorf("%s panicked: %v", step, r)
			}
			done <- o
		}()
		o.value, o.err = fn(ctx)
	}()

	var zero T
	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &apperr.TimeoutError{Step: step, Timeout: timeout}
		}
		return o.value, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, &apperr.TimeoutError{Step: step, Timeout: timeout}
		}
		return zero, ctx.Err()
	}
}
