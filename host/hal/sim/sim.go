package sim

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// ControlHandler answers a control request addressed to a device. For IN
// requests it fills data; for OUT requests data holds the host's payload.
// It returns the data-stage byte count.
type ControlHandler func(setup hal.SetupPacket, data []byte) (int, error)

// EndpointHandler services one data transfer on a non-control endpoint. For
// IN endpoints it fills data. It returns the byte count.
type EndpointHandler func(data []byte) (int, error)

// Submission records one transfer as the controller saw it.
type Submission struct {
	Type     hal.TransferType
	Device   hal.DeviceAddress
	Endpoint uint8
	Length   int
	Toggle   bool
	Setup    hal.SetupPacket // control transfers only
	Data     []byte          // data stage after completion
	Actual   int
	Err      error
	Status   pkg.TransferStatus
}

type fault struct {
	endpoint uint8
	any      bool
	count    int
	err      error
}

type device struct {
	control   ControlHandler
	endpoints map[uint8]EndpointHandler
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is an in-process hal.Controller. Devices are modeled as
// handlers keyed by device and endpoint address.
type Controller struct {
	mu      sync.Mutex
	devices map[hal.DeviceAddress]*device
	faults  []fault
	log     []Submission
	pollers map[*hal.AsyncTransfer]*poller
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a simulated controller with no devices.
func New() *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Controller{
		devices: make(map[hal.DeviceAddress]*device),
		pollers: make(map[*hal.AsyncTransfer]*poller),
		ctx:     gctx,
		cancel:  cancel,
		group:   g,
	}
}

func (c *Controller) deviceLocked(addr hal.DeviceAddress) *device {
	d, ok := c.devices[addr]
	if !ok {
		d = &device{endpoints: make(map[uint8]EndpointHandler)}
		c.devices[addr] = d
	}
	return d
}

// HandleControl installs the control request handler of a device.
func (c *Controller) HandleControl(addr hal.DeviceAddress, h ControlHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceLocked(addr).control = h
}

// HandleEndpoint installs the handler of one endpoint of a device.
func (c *Controller) HandleEndpoint(addr hal.DeviceAddress, endpoint uint8, h EndpointHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceLocked(addr).endpoints[endpoint] = h
}

// Unplug removes a device. Later submissions fail with pkg.ErrNoDevice.
func (c *Controller) Unplug(addr hal.DeviceAddress) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.devices, addr)
}

// FailNext makes the next count submissions fail with err before reaching a
// handler.
func (c *Controller) FailNext(count int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{any: true, count: count, err: err})
}

// FailEndpoint makes the next count submissions on endpoint fail with err.
func (c *Controller) FailEndpoint(endpoint uint8, count int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, fault{endpoint: endpoint, count: count, err: err})
}

// Submissions returns a copy of the submission log.
func (c *Controller) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.log...)
}

// ResetLog clears the submission log.
func (c *Controller) ResetLog() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// takeFaultLocked consumes a matching fault, if any.
func (c *Controller) takeFaultLocked(endpoint uint8) error {
	for i := range c.faults {
		f := &c.faults[i]
		if f.count == 0 || (!f.any && f.endpoint != endpoint) {
			continue
		}
		f.count--
		err := f.err
		if f.count == 0 {
			c.faults = append(c.faults[:i], c.faults[i+1:]...)
		}
		return err
	}
	return nil
}

// SubmitControlTransfer implements hal.Controller.
func (c *Controller) SubmitControlTransfer(ctx context.Context, t *hal.SyncTransfer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := t.Pipe()
	setup := *t.Setup()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, pkg.ErrClosed
	}
	var h ControlHandler
	d, ok := c.devices[p.DeviceAddress()]
	if ok {
		h = d.control
	}
	ferr := c.takeFaultLocked(p.EndpointAddress())
	c.mu.Unlock()

	var (
		n   int
		err error
	)
	switch {
	case ferr != nil:
		err = ferr
	case !ok:
		err = pkg.ErrNoDevice
	case h == nil:
		err = pkg.ErrStall
	default:
		n, err = h(setup, t.Data())
		n, err = clampActual(n, err, t.Length())
	}

	c.record(Submission{
		Type:     hal.TransferControl,
		Device:   p.DeviceAddress(),
		Endpoint: p.EndpointAddress(),
		Length:   t.Length(),
		Toggle:   t.Toggle(),
		Setup:    setup,
		Data:     append([]byte(nil), t.Data()[:n]...),
		Actual:   n,
		Err:      err,
	})
	return n, err
}

// SubmitBulkTransfer implements hal.Controller.
func (c *Controller) SubmitBulkTransfer(ctx context.Context, t *hal.SyncTransfer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := t.Pipe()
	n, err := c.dispatch(p, t.Data())

	c.record(Submission{
		Type:     p.Type(),
		Device:   p.DeviceAddress(),
		Endpoint: p.EndpointAddress(),
		Length:   t.Length(),
		Toggle:   t.Toggle(),
		Data:     append([]byte(nil), t.Data()[:n]...),
		Actual:   n,
		Err:      err,
	})
	return n, err
}

// dispatch runs the handler of the pipe's endpoint.
func (c *Controller) dispatch(p hal.PipeInfo, data []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, pkg.ErrClosed
	}
	var h EndpointHandler
	d, ok := c.devices[p.DeviceAddress()]
	if ok {
		h = d.endpoints[p.EndpointAddress()]
	}
	ferr := c.takeFaultLocked(p.EndpointAddress())
	c.mu.Unlock()

	switch {
	case ferr != nil:
		return 0, ferr
	case !ok:
		return 0, pkg.ErrNoDevice
	case h == nil:
		return 0, fmt.Errorf("%w: %#02x on device %d",
			pkg.ErrInvalidEndpoint, p.EndpointAddress(), p.DeviceAddress())
	}
	n, err := h(data)
	return clampActual(n, err, len(data))
}

// clampActual reports babble when a handler claims more bytes than fit.
func clampActual(n int, err error, limit int) (int, error) {
	if n < 0 {
		n = 0
	}
	if n > limit {
		return limit, pkg.ErrBabble
	}
	return n, err
}

func (c *Controller) record(s Submission) {
	s.Status = pkg.StatusOf(s.Err)
	c.mu.Lock()
	c.log = append(c.log, s)
	c.mu.Unlock()
	pkg.LogDebug(pkg.ComponentHAL, "transfer",
		"type", s.Type.String(),
		"device", s.Device,
		"endpoint", s.Endpoint,
		"length", s.Length,
		"actual", s.Actual,
		"toggle", s.Toggle,
		"status", s.Status.String(),
		"error", s.Err)
}

// SubmitAsyncInterruptTransfer implements hal.Controller. The endpoint's
// handler is polled every interval; pkg.ErrNAK results are not reported.
func (c *Controller) SubmitAsyncInterruptTransfer(t *hal.AsyncTransfer, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Millisecond
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return pkg.ErrClosed
	}
	if _, ok := c.pollers[t]; ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: transfer already armed", pkg.ErrBusy)
	}
	ctx, cancel := context.WithCancel(c.ctx)
	pl := &poller{cancel: cancel, done: make(chan struct{})}
	c.pollers[t] = pl
	c.mu.Unlock()

	c.group.Go(func() error {
		defer close(pl.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			if t.Cancelled() {
				return nil
			}
			n, err := c.dispatch(t.Pipe(), t.Data())
			if errors.Is(err, pkg.ErrNAK) {
				continue
			}
			c.record(Submission{
				Type:     hal.TransferInterrupt,
				Device:   t.Pipe().DeviceAddress(),
				Endpoint: t.Pipe().EndpointAddress(),
				Length:   t.Length(),
				Toggle:   t.Toggle(),
				Data:     append([]byte(nil), t.Data()[:n]...),
				Actual:   n,
				Err:      err,
			})
			if !t.Complete(n, err) {
				return nil
			}
		}
	})
	return nil
}

// CancelAsyncTransfer implements hal.Controller. It returns after the
// transfer's poller has exited.
func (c *Controller) CancelAsyncTransfer(t *hal.AsyncTransfer) error {
	t.Cancel()

	c.mu.Lock()
	pl, ok := c.pollers[t]
	delete(c.pollers, t)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	pl.cancel()
	<-pl.done
	return nil
}

// Close stops every poller and rejects further submissions.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	armed := c.pollers
	c.pollers = make(map[*hal.AsyncTransfer]*poller)
	c.mu.Unlock()

	for t := range armed {
		t.Cancel()
	}
	c.cancel()
	return c.group.Wait()
}

var _ hal.Controller = (*Controller)(nil)
