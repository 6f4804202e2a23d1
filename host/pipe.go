package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/dma"
)

// Pipe defaults.
const (
	// DefaultPoolDepth is the number of buffer slots owned by a pipe.
	DefaultPoolDepth = 16

	// DefaultSlotSize is the size of each buffer slot.
	DefaultSlotSize = dma.PageSize
)

type pipeConfig struct {
	interval time.Duration
	depth    int
	slotSize int
	kind     dma.Kind
	alloc    dma.PageAllocator
}

// PipeOption configures a Pipe at creation.
type PipeOption func(*pipeConfig)

// WithPollInterval sets the poll interval of an interrupt pipe.
func WithPollInterval(d time.Duration) PipeOption {
	return func(c *pipeConfig) { c.interval = d }
}

// WithPoolDepth sets the number of buffer slots, which bounds the number of
// transfers a pipe can have outstanding.
func WithPoolDepth(n int) PipeOption {
	return func(c *pipeConfig) { c.depth = n }
}

// WithSlotSize sets the size of each buffer slot. Control pipes need room
// for the setup packet ahead of the data stage.
func WithSlotSize(n int) PipeOption {
	return func(c *pipeConfig) { c.slotSize = n }
}

// WithPoolKind selects regular or DMA-addressable pool memory.
func WithPoolKind(k dma.Kind) PipeOption {
	return func(c *pipeConfig) { c.kind = k }
}

// WithAllocator sets the page allocator of the pipe's pool.
func WithAllocator(a dma.PageAllocator) PipeOption {
	return func(c *pipeConfig) { c.alloc = a }
}

// Pipe is a logical channel to one endpoint of one device. It owns a buffer
// pool and serializes synchronous submissions so that at most one
// transaction per pipe is in flight and the data toggle stays consistent.
type Pipe struct {
	ctrl      hal.Controller
	typ       hal.TransferType
	dir       hal.Direction
	device    hal.DeviceAddress
	endpoint  uint8
	maxPacket uint16
	interval  time.Duration
	pool      *dma.Pool

	mu     sync.Mutex // held across submit-and-wait
	toggle atomic.Bool
	closed atomic.Bool

	asyncMu sync.Mutex
	async   map[*hal.AsyncTransfer]struct{}
}

// NewPipe creates a pipe bound to endpoint of device. Control pipes are
// always bidirectional; the direction bit of endpoint is derived from dir
// for the other types.
func NewPipe(ctrl hal.Controller, typ hal.TransferType, dir hal.Direction,
	device hal.DeviceAddress, endpoint uint8, maxPacket uint16, opts ...PipeOption,
) (*Pipe, error) {
	if ctrl == nil {
		return nil, fmt.Errorf("%w: nil controller", pkg.ErrInvalidParameter)
	}

	cfg := pipeConfig{
		depth:    DefaultPoolDepth,
		slotSize: DefaultSlotSize,
		kind:     dma.KindDMA,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	number := endpoint & hal.EndpointNumberMask
	switch {
	case typ == hal.TransferControl:
		dir = hal.DirectionBidirectional
		endpoint = number
	case dir == hal.DirectionIn:
		endpoint = number | hal.EndpointDirectionIn
	case dir == hal.DirectionOut:
		endpoint = number
	default:
		return nil, fmt.Errorf("%w: %s pipe cannot be %s",
			pkg.ErrInvalidParameter, typ, dir)
	}
	if typ == hal.TransferControl && cfg.slotSize <= hal.SetupPacketSize {
		return nil, fmt.Errorf("%w: control slot of %d bytes", pkg.ErrInvalidParameter, cfg.slotSize)
	}

	poolOpts := []dma.Option{dma.WithName(fmt.Sprintf("dev%d-ep%02x", device, endpoint))}
	if cfg.alloc != nil {
		poolOpts = append(poolOpts, dma.WithAllocator(cfg.alloc))
	}
	pool, err := dma.New(cfg.depth, cfg.slotSize, cfg.kind, poolOpts...)
	if err != nil {
		return nil, err
	}

	p := &Pipe{
		ctrl:      ctrl,
		typ:       typ,
		dir:       dir,
		device:    device,
		endpoint:  endpoint,
		maxPacket: maxPacket,
		interval:  cfg.interval,
		pool:      pool,
		async:     make(map[*hal.AsyncTransfer]struct{}),
	}

	pkg.LogDebug(pkg.ComponentPipe, "pipe created",
		"type", typ.String(),
		"direction", dir.String(),
		"device", device,
		"endpoint", fmt.Sprintf("%#02x", endpoint),
		"maxPacket", maxPacket)

	return p, nil
}

// NewPipeFromEndpoint creates a pipe from an endpoint descriptor. The type
// comes from bmAttributes, the direction from the address and the poll
// interval from bInterval unless overridden by opts.
func NewPipeFromEndpoint(ctrl hal.Controller, device hal.DeviceAddress, ep *EndpointDescriptor, opts ...PipeOption) (*Pipe, error) {
	opts = append([]PipeOption{WithPollInterval(ep.PollInterval())}, opts...)
	return NewPipe(ctrl, ep.TransferType(), ep.Direction(), device, ep.EndpointAddress, ep.MaxPacketSize, opts...)
}

// Type returns the transfer type of the pipe.
func (p *Pipe) Type() hal.TransferType { return p.typ }

// Direction returns the data direction of the pipe.
func (p *Pipe) Direction() hal.Direction { return p.dir }

// DeviceAddress returns the address of the device the pipe is bound to.
func (p *Pipe) DeviceAddress() hal.DeviceAddress { return p.device }

// EndpointAddress returns the endpoint address including the direction bit.
func (p *Pipe) EndpointAddress() uint8 { return p.endpoint }

// MaxPacketSize returns the endpoint's maximum packet size.
func (p *Pipe) MaxPacketSize() uint16 { return p.maxPacket }

// PollInterval returns the interrupt poll interval.
func (p *Pipe) PollInterval() time.Duration { return p.interval }

// DataToggle returns the toggle the next data packet will carry.
func (p *Pipe) DataToggle() bool { return p.toggle.Load() }

// ResetDataToggle sets the toggle back to DATA0, as after a cleared halt.
func (p *Pipe) ResetDataToggle() { p.toggle.Store(false) }

// PoolStats returns the occupancy of the pipe's buffer pool.
func (p *Pipe) PoolStats() dma.Stats { return p.pool.Stats() }

func (p *Pipe) String() string {
	return fmt.Sprintf("%s %s pipe dev %d ep %#02x", p.typ, p.dir, p.device, p.endpoint)
}

// submit performs one synchronous transfer. For OUT transfers data is
// copied into the slot before submission; for IN transfers the received
// bytes are copied back into data.
func (p *Pipe) submit(ctx context.Context, setup *hal.SetupPacket, data []byte, in bool) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed.Load() {
		return 0, fmt.Errorf("%s: %w", p, pkg.ErrClosed)
	}

	slot, err := p.pool.Take()
	if err != nil {
		return 0, fmt.Errorf("%s: %w", p, err)
	}
	defer p.release(slot)

	t, err := hal.NewSyncTransfer(p, slot, setup, len(data))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", p, err)
	}
	if !in {
		copy(t.Data(), data)
	}

	var n int
	if p.typ == hal.TransferControl {
		n, err = p.ctrl.SubmitControlTransfer(ctx, t)
	} else {
		n, err = p.ctrl.SubmitBulkTransfer(ctx, t)
	}
	t.Complete(n, err)

	if err != nil {
		if p.typ != hal.TransferControl && errors.Is(err, pkg.ErrStall) {
			p.toggle.Store(false)
		}
		pkg.LogDebug(pkg.ComponentPipe, "transfer failed",
			"pipe", p.String(),
			"length", len(data),
			"status", pkg.StatusOf(err).String(),
			"error", err)
		return t.Actual(), fmt.Errorf("%s: %w", p, err)
	}

	if p.typ != hal.TransferControl {
		p.toggle.Store(!t.Toggle())
	}
	if in {
		copy(data, t.Data()[:t.Actual()])
	}
	return t.Actual(), nil
}

func (p *Pipe) release(slot dma.Slot) {
	// A failed release is already logged by the pool.
	_ = p.pool.Release(slot)
}

// submitAsync arms an interrupt transfer of length bytes.
func (p *Pipe) submitAsync(length int, interval time.Duration, cb hal.CompletionFunc) (*hal.AsyncTransfer, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("%s: %w", p, pkg.ErrClosed)
	}
	if interval <= 0 {
		interval = p.interval
	}

	slot, err := p.pool.Take()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p, err)
	}
	t, err := hal.NewAsyncTransfer(p, slot, length, cb)
	if err != nil {
		p.release(slot)
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	p.asyncMu.Lock()
	p.async[t] = struct{}{}
	p.asyncMu.Unlock()

	if err := p.ctrl.SubmitAsyncInterruptTransfer(t, interval); err != nil {
		p.asyncMu.Lock()
		delete(p.async, t)
		p.asyncMu.Unlock()
		p.release(slot)
		return nil, fmt.Errorf("%s: %w", p, err)
	}

	pkg.LogDebug(pkg.ComponentPipe, "interrupt transfer armed",
		"pipe", p.String(),
		"length", length,
		"interval", interval)
	return t, nil
}

// cancelAsync stops an interrupt transfer. No callback runs after it
// returns. The slot is reclaimed only once the controller has quiesced.
func (p *Pipe) cancelAsync(t *hal.AsyncTransfer) error {
	p.asyncMu.Lock()
	_, ok := p.async[t]
	delete(p.async, t)
	p.asyncMu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w: transfer not pending on this pipe", p, pkg.ErrInvalidParameter)
	}

	t.Cancel()
	if err := p.ctrl.CancelAsyncTransfer(t); err != nil {
		pkg.LogWarn(pkg.ComponentPipe, "cancel not confirmed, slot withheld",
			"pipe", p.String(),
			"error", err)
		return fmt.Errorf("%s: %w", p, err)
	}
	p.toggle.Store(t.Toggle())
	p.release(t.Slot())
	return nil
}

// Close cancels pending interrupt transfers and frees the buffer pool.
func (p *Pipe) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	p.asyncMu.Lock()
	pending := make([]*hal.AsyncTransfer, 0, len(p.async))
	for t := range p.async {
		pending = append(pending, t)
	}
	p.asyncMu.Unlock()

	var merr *multierror.Error
	for _, t := range pending {
		if err := p.cancelAsync(t); err != nil {
			merr = multierror.Append(merr, err)
		}
	}

	// Wait for an in-flight synchronous transfer.
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.pool.Close(); err != nil {
		merr = multierror.Append(merr, err)
	}
	return merr.ErrorOrNil()
}

// ControlPipe is the bidirectional pipe of a control endpoint.
type ControlPipe struct{ *Pipe }

// NewControlPipe creates the control pipe of endpoint 0 of a device.
func NewControlPipe(ctrl hal.Controller, device hal.DeviceAddress, maxPacket uint16, opts ...PipeOption) (*ControlPipe, error) {
	p, err := NewPipe(ctrl, hal.TransferControl, hal.DirectionBidirectional, device, 0, maxPacket, opts...)
	if err != nil {
		return nil, err
	}
	return &ControlPipe{p}, nil
}

// ControlTransfer issues a control request. len(data) is the data-stage
// length: for device-to-host requests data receives the response, otherwise
// it is sent. It returns the data-stage byte count.
func (p *ControlPipe) ControlTransfer(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) (int, error) {
	setup := hal.SetupPacket{
		RequestType: requestType,
		Request:     request,
		Value:       value,
		Index:       index,
		Length:      uint16(len(data)),
	}
	return p.submit(ctx, &setup, data, setup.IsIn())
}

// BulkInPipe reads from a bulk IN endpoint.
type BulkInPipe struct{ *Pipe }

// NewBulkInPipe creates a bulk IN pipe.
func NewBulkInPipe(ctrl hal.Controller, device hal.DeviceAddress, endpoint uint8, maxPacket uint16, opts ...PipeOption) (*BulkInPipe, error) {
	p, err := NewPipe(ctrl, hal.TransferBulk, hal.DirectionIn, device, endpoint, maxPacket, opts...)
	if err != nil {
		return nil, err
	}
	return &BulkInPipe{p}, nil
}

// BulkInTransfer reads up to len(data) bytes. A short read is not an error.
func (p *BulkInPipe) BulkInTransfer(ctx context.Context, data []byte) (int, error) {
	return p.submit(ctx, nil, data, true)
}

// BulkOutPipe writes to a bulk OUT endpoint.
type BulkOutPipe struct{ *Pipe }

// NewBulkOutPipe creates a bulk OUT pipe.
func NewBulkOutPipe(ctrl hal.Controller, device hal.DeviceAddress, endpoint uint8, maxPacket uint16, opts ...PipeOption) (*BulkOutPipe, error) {
	p, err := NewPipe(ctrl, hal.TransferBulk, hal.DirectionOut, device, endpoint, maxPacket, opts...)
	if err != nil {
		return nil, err
	}
	return &BulkOutPipe{p}, nil
}

// BulkOutTransfer writes data.
func (p *BulkOutPipe) BulkOutTransfer(ctx context.Context, data []byte) (int, error) {
	return p.submit(ctx, nil, data, false)
}

// InterruptInPipe polls an interrupt IN endpoint.
type InterruptInPipe struct{ *Pipe }

// NewInterruptInPipe creates an interrupt IN pipe polled every interval.
func NewInterruptInPipe(ctrl hal.Controller, device hal.DeviceAddress, endpoint uint8, maxPacket uint16, interval time.Duration, opts ...PipeOption) (*InterruptInPipe, error) {
	opts = append([]PipeOption{WithPollInterval(interval)}, opts...)
	p, err := NewPipe(ctrl, hal.TransferInterrupt, hal.DirectionIn, device, endpoint, maxPacket, opts...)
	if err != nil {
		return nil, err
	}
	return &InterruptInPipe{p}, nil
}

// InterruptTransfer arms an asynchronous read of length bytes, re-armed
// every interval (the pipe's interval when zero) until cancelled. It
// returns immediately.
func (p *InterruptInPipe) InterruptTransfer(length int, interval time.Duration, cb hal.CompletionFunc) (*hal.AsyncTransfer, error) {
	return p.submitAsync(length, interval, cb)
}

// CancelAsyncTransfer stops t. The callback is not invoked after it returns.
func (p *InterruptInPipe) CancelAsyncTransfer(t *hal.AsyncTransfer) error {
	return p.cancelAsync(t)
}

// InterruptOutPipe writes to an interrupt OUT endpoint.
type InterruptOutPipe struct{ *Pipe }

// NewInterruptOutPipe creates an interrupt OUT pipe.
func NewInterruptOutPipe(ctrl hal.Controller, device hal.DeviceAddress, endpoint uint8, maxPacket uint16, interval time.Duration, opts ...PipeOption) (*InterruptOutPipe, error) {
	opts = append([]PipeOption{WithPollInterval(interval)}, opts...)
	p, err := NewPipe(ctrl, hal.TransferInterrupt, hal.DirectionOut, device, endpoint, maxPacket, opts...)
	if err != nil {
		return nil, err
	}
	return &InterruptOutPipe{p}, nil
}

// InterruptOutTransfer writes data synchronously.
func (p *InterruptOutPipe) InterruptOutTransfer(ctx context.Context, data []byte) (int, error) {
	return p.submit(ctx, nil, data, false)
}

// typed views of a Pipe, checked against its type and direction

func (p *Pipe) asBulkIn() (*BulkInPipe, error) {
	if p.typ != hal.TransferBulk || p.dir != hal.DirectionIn {
		return nil, p.mismatch("bulk in")
	}
	return &BulkInPipe{p}, nil
}

func (p *Pipe) asBulkOut() (*BulkOutPipe, error) {
	if p.typ != hal.TransferBulk || p.dir != hal.DirectionOut {
		return nil, p.mismatch("bulk out")
	}
	return &BulkOutPipe{p}, nil
}

func (p *Pipe) asInterruptIn() (*InterruptInPipe, error) {
	if p.typ != hal.TransferInterrupt || p.dir != hal.DirectionIn {
		return nil, p.mismatch("interrupt in")
	}
	return &InterruptInPipe{p}, nil
}

func (p *Pipe) asInterruptOut() (*InterruptOutPipe, error) {
	if p.typ != hal.TransferInterrupt || p.dir != hal.DirectionOut {
		return nil, p.mismatch("interrupt out")
	}
	return &InterruptOutPipe{p}, nil
}

func (p *Pipe) mismatch(want string) error {
	return fmt.Errorf("%w: %s is not a %s pipe", pkg.ErrInvalidEndpoint, p, want)
}
