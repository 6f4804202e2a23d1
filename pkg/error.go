package pkg

import "errors"

// USB transport errors reported by a controller for a single transfer.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates a NAK response (device busy).
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrOverrun indicates a data overrun condition.
	ErrOverrun = errors.New("data overrun")

	// ErrUnderrun indicates a data underrun condition.
	ErrUnderrun = errors.New("data underrun")

	// ErrBabble indicates the device transmitted past the end of a packet.
	ErrBabble = errors.New("babble detected")

	// ErrCRC indicates a CRC error.
	ErrCRC = errors.New("CRC error")

	// ErrBitStuff indicates a bit stuffing error.
	ErrBitStuff = errors.New("bit stuffing error")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")
)

// Protocol and usage errors raised by the host core itself.
var (
	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrProtocol indicates a protocol error. Exhausted retries and malformed
	// class responses surface as this error.
	ErrProtocol = errors.New("protocol error")

	// ErrProtocolViolation indicates a framing mismatch between a command and
	// its status, such as a bad CSW signature or tag. It is never retried.
	ErrProtocolViolation = errors.New("protocol violation")

	// ErrPoolExhausted indicates a buffer pool has no free slot. Callers treat
	// it as backpressure and may retry.
	ErrPoolExhausted = errors.New("buffer pool exhausted")

	// ErrInvalidRelease indicates a slot handle that is foreign to the pool,
	// stale, or already released.
	ErrInvalidRelease = errors.New("invalid buffer release")

	// ErrCommandFailed indicates a device reported a failed command status.
	ErrCommandFailed = errors.New("command failed")

	// ErrWriteProtected indicates a write to read-only media.
	ErrWriteProtected = errors.New("medium write protected")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an invalid state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is busy or the device is not ready.
	ErrBusy = errors.New("resource busy")

	// ErrNoMemory indicates insufficient memory.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrDescriptorTooShort indicates the descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrClosed indicates use of a pipe, pool or registry after Close.
	ErrClosed = errors.New("use of closed resource")

	// ErrNoDriver indicates no registered driver accepted an interface.
	ErrNoDriver = errors.New("no matching driver")
)

// transportErrors are the failures a controller may report for one transfer.
var transportErrors = [...]error{
	ErrStall,
	ErrNAK,
	ErrTimeout,
	ErrOverrun,
	ErrUnderrun,
	ErrBabble,
	ErrCRC,
	ErrBitStuff,
	ErrNoDevice,
}

// IsTransportError reports whether err is a controller-reported failure of a
// single transfer (stall, timeout, babble, ...).
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range transportErrors {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether the operation that returned err may succeed if
// reattempted unchanged: transport failures and buffer pool backpressure.
func IsRetryable(err error) bool {
	return IsTransportError(err) || errors.Is(err, ErrPoolExhausted)
}

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNAK                             // NAK received
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
	TransferStatusUnderrun                        // Data underrun
	TransferStatusBabble                          // Babble detected
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	case TransferStatusUnderrun:
		return "underrun"
	case TransferStatusBabble:
		return "babble"
	default:
		return "unknown"
	}
}

// Error returns the corresponding error for the transfer status.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusOverrun:
		return ErrOverrun
	case TransferStatusUnderrun:
		return ErrUnderrun
	case TransferStatusBabble:
		return ErrBabble
	default:
		return ErrProtocol
	}
}

// StatusOf maps an error back to the transfer status a controller would
// record for it.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNAK):
		return TransferStatusNAK
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimeout
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	case errors.Is(err, ErrUnderrun):
		return TransferStatusUnderrun
	case errors.Is(err, ErrBabble):
		return TransferStatusBabble
	default:
		return TransferStatusError
	}
}
