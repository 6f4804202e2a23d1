package msc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/retry"
)

// DefaultRetries is the number of times a command exchange is attempted
// before it is reported as a protocol error.
const DefaultRetries = 10

// Option configures a Handle.
type Option func(*Handle)

// WithRetries sets the number of attempts per command. Values below one are
// ignored.
func WithRetries(n int) Option {
	return func(h *Handle) {
		if n > 0 {
			h.retries = n
		}
	}
}

// WithInitialTag sets the tag of the first command.
func WithInitialTag(tag uint32) Option {
	return func(h *Handle) { h.tag = tag }
}

// Handle speaks the Bulk-Only Transport to one mass-storage interface. It
// owns the interface's bulk pipes for the duration of each command, so
// commands issued through one Handle never interleave.
type Handle struct {
	dev   *host.Device
	iface *host.Interface
	in    *host.BulkInPipe
	out   *host.BulkOutPipe

	retries int

	mu  sync.Mutex
	tag uint32
}

// NewHandle binds a Handle to an open interface of dev.
func NewHandle(dev *host.Device, iface *host.Interface, opts ...Option) (*Handle, error) {
	in, err := iface.BulkInPipe()
	if err != nil {
		return nil, fmt.Errorf("msc: %w", err)
	}
	out, err := iface.BulkOutPipe()
	if err != nil {
		return nil, fmt.Errorf("msc: %w", err)
	}

	h := &Handle{
		dev:     dev,
		iface:   iface,
		in:      in,
		out:     out,
		retries: DefaultRetries,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Device returns the device the handle talks to.
func (h *Handle) Device() *host.Device { return h.dev }

// Interface returns the mass-storage interface.
func (h *Handle) Interface() *host.Interface { return h.iface }

// Retries returns the number of attempts per command.
func (h *Handle) Retries() int { return h.retries }

// NextTag returns the tag the next command will carry.
func (h *Handle) NextTag() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tag
}

// GetMaxLUN asks the device for its highest logical unit number. A stalled
// request means the device has a single LUN. An empty response is a protocol
// error.
func (h *Handle) GetMaxLUN(ctx context.Context) (uint8, error) {
	var buf [1]byte
	n, err := h.dev.ControlTransfer(ctx, RequestTypeClassIn, RequestGetMaxLUN,
		0, uint16(h.iface.Number()), buf[:])
	if err != nil {
		if errors.Is(err, pkg.ErrStall) {
			pkg.LogDebug(pkg.ComponentMSC, "get max LUN stalled, assuming one LUN",
				"device", h.dev.Address())
			return 0, nil
		}
		return 0, fmt.Errorf("msc: get max LUN: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("msc: get max LUN: %w: empty response", pkg.ErrProtocol)
	}

	pkg.LogDebug(pkg.ComponentMSC, "max LUN", "device", h.dev.Address(), "lun", buf[0])
	return buf[0], nil
}

// Reset performs a Bulk-Only Mass Storage Reset and clears the halt on both
// bulk endpoints.
func (h *Handle) Reset(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, err := h.dev.ControlTransfer(ctx, RequestTypeClassOut, RequestBulkOnlyMassStorageReset,
		0, uint16(h.iface.Number()), nil); err != nil {
		return fmt.Errorf("msc: reset: %w", err)
	}
	if err := h.dev.ClearEndpointHalt(ctx, h.in.EndpointAddress()); err != nil {
		return fmt.Errorf("msc: reset: %w", err)
	}
	if err := h.dev.ClearEndpointHalt(ctx, h.out.EndpointAddress()); err != nil {
		return fmt.Errorf("msc: reset: %w", err)
	}
	pkg.LogInfo(pkg.ComponentMSC, "bulk-only reset", "device", h.dev.Address())
	return nil
}

// TryCommand runs one SCSI command: CBW out, an optional data stage of
// len(buf) bytes in direction dir, then CSW in. Transport failures restart
// the exchange with the same tag up to the handle's retry bound, after which
// an error matching pkg.ErrProtocol is returned. A malformed CSW or one
// carrying the wrong tag yields pkg.ErrProtocolViolation without retry. A
// well-formed CSW is returned as-is whatever its status.
func (h *Handle) TryCommand(ctx context.Context, cdb CDB, lun uint8, dir hal.Direction, buf []byte) (CSWStatus, error) {
	csw, err := h.exchange(ctx, cdb, lun, dir, buf)
	if err != nil {
		return 0, err
	}
	return csw.Status, nil
}

// exchange is TryCommand returning the whole CSW.
func (h *Handle) exchange(ctx context.Context, cdb CDB, lun uint8, dir hal.Direction, buf []byte) (*CommandStatusWrapper, error) {
	if cdb.Size() > CBWMaxCBLength {
		return nil, fmt.Errorf("msc: %w: %d-byte command block", pkg.ErrInvalidParameter, cdb.Size())
	}
	if len(buf) > 0 && dir != hal.DirectionIn && dir != hal.DirectionOut {
		return nil, fmt.Errorf("msc: %w: data stage needs a direction", pkg.ErrInvalidParameter)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	tag := h.tag
	h.tag++

	cbw := NewCBW(tag, uint32(len(buf)), dir == hal.DirectionIn, lun, cdb)
	var wire [CBWSize]byte
	cbw.MarshalTo(wire[:])

	var csw CommandStatusWrapper
	err := retry.Do(ctx, h.retries, nil, func(attempt int) error {
		if _, err := h.out.BulkOutTransfer(ctx, wire[:]); err != nil {
			return h.recover(ctx, h.out.Pipe, err)
		}

		if len(buf) > 0 {
			var err error
			if dir == hal.DirectionIn {
				_, err = h.in.BulkInTransfer(ctx, buf)
			} else {
				_, err = h.out.BulkOutTransfer(ctx, buf)
			}
			if err != nil {
				if dir == hal.DirectionIn {
					return h.recover(ctx, h.in.Pipe, err)
				}
				return h.recover(ctx, h.out.Pipe, err)
			}
		}

		var status [CSWSize]byte
		n, err := h.in.BulkInTransfer(ctx, status[:])
		if err != nil {
			return h.recover(ctx, h.in.Pipe, err)
		}
		if !ParseCSW(status[:n], &csw) {
			return fmt.Errorf("%w: malformed %d-byte CSW", pkg.ErrProtocolViolation, n)
		}
		if csw.Tag != tag {
			return fmt.Errorf("%w: CSW tag %#08x, CBW tag %#08x", pkg.ErrProtocolViolation, csw.Tag, tag)
		}
		return nil
	})
	if err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "command failed",
			"device", h.dev.Address(),
			"opcode", fmt.Sprintf("%#02x", cbw.CB[0]),
			"tag", tag,
			"error", err)
		return nil, fmt.Errorf("msc: command %#02x: %w", cbw.CB[0], err)
	}

	pkg.LogDebug(pkg.ComponentMSC, "command complete",
		"opcode", fmt.Sprintf("%#02x", cbw.CB[0]),
		"tag", tag,
		"length", len(buf),
		"residue", csw.DataResidue,
		"status", csw.Status.String())
	return &csw, nil
}

// recover clears a stalled endpoint so the next attempt can proceed and
// returns the original error.
func (h *Handle) recover(ctx context.Context, p *host.Pipe, err error) error {
	if errors.Is(err, pkg.ErrStall) {
		if cerr := h.dev.ClearEndpointHalt(ctx, p.EndpointAddress()); cerr != nil {
			pkg.LogDebug(pkg.ComponentMSC, "clear halt failed",
				"endpoint", fmt.Sprintf("%#02x", p.EndpointAddress()),
				"error", cerr)
		}
	}
	return err
}
