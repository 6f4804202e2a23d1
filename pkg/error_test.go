package pkg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransferStatus_String(t *testing.T) {
	tests := []struct {
		status TransferStatus
		want   string
	}{
		{TransferStatusSuccess, "success"},
		{TransferStatusError, "error"},
		{TransferStatusStall, "stall"},
		{TransferStatusNAK, "nak"},
		{TransferStatusTimeout, "timeout"},
		{TransferStatusCancelled, "cancelled"},
		{TransferStatusOverrun, "overrun"},
		{TransferStatusUnderrun, "underrun"},
		{TransferStatusBabble, "babble"},
		{TransferStatus(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.status.String())
		})
	}
}

func TestTransferStatus_ErrorRoundTrip(t *testing.T) {
	for _, s := range []TransferStatus{
		TransferStatusSuccess,
		TransferStatusStall,
		TransferStatusNAK,
		TransferStatusTimeout,
		TransferStatusCancelled,
		TransferStatusOverrun,
		TransferStatusUnderrun,
		TransferStatusBabble,
	} {
		t.Run(s.String(), func(t *testing.T) {
			assert.Equal(t, s, StatusOf(s.Error()))
		})
	}

	assert.ErrorIs(t, TransferStatusError.Error(), ErrProtocol)
	assert.Equal(t, TransferStatusError, StatusOf(ErrCRC))
}

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrStall,
		ErrNAK,
		ErrTimeout,
		ErrOverrun,
		ErrUnderrun,
		ErrBabble,
		ErrCRC,
		ErrBitStuff,
		ErrNoDevice,
		ErrCancelled,
		ErrProtocol,
		ErrProtocolViolation,
		ErrPoolExhausted,
		ErrInvalidRelease,
		ErrCommandFailed,
		ErrWriteProtected,
		ErrInvalidEndpoint,
		ErrInvalidState,
		ErrBufferTooSmall,
		ErrNotSupported,
		ErrBusy,
		ErrNoMemory,
		ErrDescriptorTooShort,
		ErrInvalidParameter,
		ErrClosed,
		ErrNoDriver,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transport bool
		retryable bool
	}{
		{"nil", nil, false, false},
		{"stall", ErrStall, true, true},
		{"wrapped timeout", fmt.Errorf("bulk in: %w", ErrTimeout), true, true},
		{"babble", ErrBabble, true, true},
		{"pool exhausted", ErrPoolExhausted, false, true},
		{"protocol violation", ErrProtocolViolation, false, false},
		{"invalid parameter", ErrInvalidParameter, false, false},
		{"cancelled", ErrCancelled, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transport, IsTransportError(tt.err))
			assert.Equal(t, tt.retryable, IsRetryable(tt.err))
		})
	}
}
