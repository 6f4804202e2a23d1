package hal

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/dma"
)

// transfer is the state shared by synchronous and asynchronous transfers.
type transfer struct {
	pipe   PipeInfo
	slot   dma.Slot
	offset int // start of the data stage within the slot
	length int

	actual   atomic.Int64
	complete atomic.Bool
	errored  atomic.Bool

	mu  sync.Mutex
	err error
}

func (t *transfer) init(p PipeInfo, slot dma.Slot, offset, length int) error {
	if p == nil || !slot.Valid() {
		return fmt.Errorf("%w: transfer needs a pipe and a buffer slot", pkg.ErrInvalidParameter)
	}
	if length < 0 || offset+length > len(slot.Bytes()) {
		return fmt.Errorf("%w: %d-byte transfer in %d-byte slot",
			pkg.ErrBufferTooSmall, offset+length, len(slot.Bytes()))
	}
	t.pipe = p
	t.slot = slot
	t.offset = offset
	t.length = length
	return nil
}

// Pipe returns the pipe that issued the transfer.
func (t *transfer) Pipe() PipeInfo { return t.pipe }

// Slot returns the buffer slot owned by the transfer.
func (t *transfer) Slot() dma.Slot { return t.slot }

// Buffer returns the whole transfer buffer, including any setup header.
func (t *transfer) Buffer() []byte { return t.slot.Bytes()[:t.offset+t.length] }

// Data returns the data-stage region of the buffer.
func (t *transfer) Data() []byte { return t.slot.Bytes()[t.offset : t.offset+t.length] }

// DataPhys returns the physical address of the data stage.
func (t *transfer) DataPhys() uintptr { return t.slot.Phys() + uintptr(t.offset) }

// Phys returns the physical address of the buffer.
func (t *transfer) Phys() uintptr { return t.slot.Phys() }

// Length returns the requested data-stage length.
func (t *transfer) Length() int { return t.length }

// Actual returns the number of data-stage bytes moved by the last completion.
func (t *transfer) Actual() int { return int(t.actual.Load()) }

// IsComplete reports whether the controller has finished the transfer. A
// completed transfer may still carry an error.
func (t *transfer) IsComplete() bool { return t.complete.Load() }

// ErrorOccurred reports whether the last completion failed.
func (t *transfer) ErrorOccurred() bool { return t.errored.Load() }

// Err returns the error of the last completion.
func (t *transfer) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *transfer) record(n int, err error) {
	if n < 0 {
		n = 0
	}
	if n > t.length {
		n = t.length
	}
	t.actual.Store(int64(n))
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.errored.Store(err != nil)
	t.complete.Store(true)
}

// SyncTransfer is a control or bulk transfer whose submitter blocks until the
// controller completes it.
type SyncTransfer struct {
	transfer
	setup  *SetupPacket
	toggle bool
}

// NewSyncTransfer builds a transfer of length data-stage bytes in slot. A
// non-nil setup makes it a control transfer: the packet is written to the
// head of the buffer and the data stage starts at SetupPacketSize.
func NewSyncTransfer(p PipeInfo, slot dma.Slot, setup *SetupPacket, length int) (*SyncTransfer, error) {
	t := &SyncTransfer{toggle: p != nil && p.DataToggle()}

	offset := 0
	if p != nil && p.Type() == TransferControl {
		if setup == nil {
			return nil, fmt.Errorf("%w: control transfer without setup packet", pkg.ErrInvalidParameter)
		}
		offset = SetupPacketSize
	}
	if err := t.init(p, slot, offset, length); err != nil {
		return nil, err
	}
	if setup != nil {
		s := *setup
		s.Length = uint16(length)
		s.MarshalTo(slot.Bytes())
		t.setup = &s
	}
	return t, nil
}

// Setup returns the setup packet of a control transfer, or nil.
func (t *SyncTransfer) Setup() *SetupPacket { return t.setup }

// Toggle returns the data toggle the transfer must be framed with.
func (t *SyncTransfer) Toggle() bool { return t.toggle }

// Complete records the controller's result.
func (t *SyncTransfer) Complete(n int, err error) { t.record(n, err) }

// CompletionFunc receives the result of one poll of an asynchronous transfer.
// data aliases the transfer buffer and is valid only until the function
// returns. The function must not block or cancel its own transfer.
type CompletionFunc func(data []byte, err error)

// AsyncTransfer is an interrupt transfer that the controller re-arms at the
// pipe's poll interval until cancelled.
type AsyncTransfer struct {
	transfer
	callback CompletionFunc
	toggle   atomic.Bool

	cbMu      sync.Mutex // held while the callback runs
	cancelled bool
}

// NewAsyncTransfer builds an asynchronous transfer of length bytes in slot.
func NewAsyncTransfer(p PipeInfo, slot dma.Slot, length int, cb CompletionFunc) (*AsyncTransfer, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: asynchronous transfer without callback", pkg.ErrInvalidParameter)
	}
	t := &AsyncTransfer{callback: cb}
	if err := t.init(p, slot, 0, length); err != nil {
		return nil, err
	}
	t.toggle.Store(p.DataToggle())
	return t, nil
}

// Toggle returns the data toggle the next poll must be framed with.
func (t *AsyncTransfer) Toggle() bool { return t.toggle.Load() }

// Complete records the result of one poll and runs the callback unless the
// transfer has been cancelled. It returns false once cancelled, telling the
// controller to stop re-arming.
func (t *AsyncTransfer) Complete(n int, err error) bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	if t.cancelled {
		return false
	}

	t.record(n, err)
	switch {
	case err == nil:
		t.toggle.Store(!t.toggle.Load())
	case errors.Is(err, pkg.ErrStall):
		t.toggle.Store(false)
	}

	t.callback(t.Data()[:t.Actual()], err)
	return true
}

// Cancel marks the transfer cancelled. After Cancel returns the callback is
// never invoked again. It waits for a callback already running.
func (t *AsyncTransfer) Cancel() {
	t.cbMu.Lock()
	t.cancelled = true
	t.cbMu.Unlock()
}

// Cancelled reports whether Cancel has been called.
func (t *AsyncTransfer) Cancelled() bool {
	t.cbMu.Lock()
	defer t.cbMu.Unlock()
	return t.cancelled
}
