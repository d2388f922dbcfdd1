package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billpay-service/apperr"
)

func TestRunWithDeadlineReturnsValue(t *testing.T) {
	got, err := RunWithDeadline(context.Background(), "prepare", time.Second,
		func(context.Context) (string, error) { return "ok", nil })

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
}

func TestRunWithDeadlinePassesErrorsThrough(t *testing.T) {
	boom := errors.New("boom")
	_, err := RunWithDeadline(context.Background(), "prepare", time.Second,
		func(context.Context) (int, error) { return 0, boom })

	assert.ErrorIs(t, err, boom)
}

func TestRunWithDeadlineDropsLateResult(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})

	start := time.Now()
	got, err := RunWithDeadline(context.Background(), "cashier", 20*time.Millisecond,
		func(context.Context) (string, error) {
			defer close(finished)
			<-release
			return "late", nil
		})

	var timeoutErr *apperr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "cashier", timeoutErr.Step)
	assert.Equal(t, 20*time.Millisecond, timeoutErr.Timeout)
	assert.Empty(t, got)
	assert.Less(t, time.Since(start), time.Second)

	// The late call must still be able to finish without blocking.
	close(release)
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("late call never finished")
	}
}

func TestRunWithDeadlineMapsCancelledCallToTimeout(t *testing.T) {
	_, err := RunWithDeadline(context.Background(), "payment preparation", 10*time.Millisecond,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})

	var timeoutErr *apperr.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "payment preparation timeout after 10ms", err.Error())
}

func TestRunWithDeadlineParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := RunWithDeadline(ctx, "cashier", time.Second,
		func(ctx context.Context) (int, error) {
			<-ctx.Done()
			return 0, ctx.Err()
		})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunWithDeadlineRecoversPanic(t *testing.T) {
	_, err := RunWithDeadline(context.Background(), "cashier", time.Second,
		func(context.Context) (int, error) { panic("bridge exploded") })

	require.Error(t, err)
	assert.Contains(t, err.Error(), "cashier panicked: bridge exploded")
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ErrorUnknown},
		{errors.New(""), ErrorUnknown},
		{errors.New("Permission check failed"), ErrorPermissionDenied},
		{errors.New("access denied"), ErrorPermissionDenied},
		{errors.New("HTTP 403 Forbidden"), ErrorForbidden},
		{errors.New("401 Unauthorized"), ErrorUnauthorized},
		{errors.New("operation not allowed for merchant"), ErrorNotAllowed},
		{&apperr.TimeoutError{Step: "cashier", Timeout: time.Minute}, ErrorTimeout},
		{errors.New("connection refused"), ErrorOther},
	}

	for _, tt := range tests {
		name := "nil"
		if tt.err != nil {
			name = tt.err.Error()
		}
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyError(tt.err))
		})
	}
}
