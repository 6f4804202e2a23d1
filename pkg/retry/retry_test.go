package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/pkg"
)

func TestDo(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  []error // error per attempt, nil thereafter
		wantCalls int
		wantErr   error
	}{
		{
			name:      "first attempt succeeds",
			attempts:  10,
			wantCalls: 1,
		},
		{
			name:      "recovers after transport errors",
			attempts:  10,
			failures:  []error{pkg.ErrStall, pkg.ErrTimeout, pkg.ErrPoolExhausted},
			wantCalls: 4,
		},
		{
			name:      "exhausts bound",
			attempts:  10,
			failures:  repeat(pkg.ErrTimeout, 20),
			wantCalls: 10,
			wantErr:   pkg.ErrProtocol,
		},
		{
			name:      "single attempt bound",
			attempts:  1,
			failures:  []error{pkg.ErrBabble},
			wantCalls: 1,
			wantErr:   pkg.ErrProtocol,
		},
		{
			name:      "permanent error not retried",
			attempts:  10,
			failures:  []error{pkg.ErrProtocolViolation},
			wantCalls: 1,
			wantErr:   pkg.ErrProtocolViolation,
		},
		{
			name:      "permanent after transient",
			attempts:  10,
			failures:  []error{pkg.ErrNAK, pkg.ErrProtocolViolation},
			wantCalls: 2,
			wantErr:   pkg.ErrProtocolViolation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := require.New(t)

			calls := 0
			err := Do(context.Background(), tt.attempts, nil, func(attempt int) error {
				calls++
				assert.Equal(calls, attempt)
				if attempt <= len(tt.failures) {
					return tt.failures[attempt-1]
				}
				return nil
			})

			assert.Equal(tt.wantCalls, calls)
			if tt.wantErr == nil {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, tt.wantErr)
		})
	}
}

func TestDo_ExhaustedWrapsAttempts(t *testing.T) {
	assert := require.New(t)

	errs := []error{pkg.ErrStall, pkg.ErrTimeout, pkg.ErrCRC}
	err := Do(context.Background(), len(errs), nil, func(attempt int) error {
		return errs[attempt-1]
	})

	assert.ErrorIs(err, pkg.ErrProtocol)
	for _, e := range errs {
		assert.ErrorIs(err, e)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	assert := require.New(t)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Do(ctx, 10, nil, func(int) error {
		calls++
		cancel()
		return pkg.ErrTimeout
	})

	assert.Equal(1, calls)
	assert.ErrorIs(err, context.Canceled)
	assert.NotErrorIs(err, pkg.ErrProtocol)
}

func TestDo_CustomPredicate(t *testing.T) {
	assert := require.New(t)

	calls := 0
	err := Do(context.Background(), 5, func(err error) bool {
		return errors.Is(err, pkg.ErrBusy)
	}, func(int) error {
		calls++
		return pkg.ErrStall
	})

	assert.Equal(1, calls)
	assert.ErrorIs(err, pkg.ErrStall)
}

func TestDo_InvalidBound(t *testing.T) {
	err := Do(context.Background(), 0, nil, func(int) error { return nil })
	require.ErrorIs(t, err, pkg.ErrInvalidParameter)
}

func repeat(err error, n int) []error {
	out := make([]error, n)
	for i := range out {
		out[i] = err
	}
	return out
}
