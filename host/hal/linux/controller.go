//go:build linux

package linux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Standard request fields recognised by SubmitControlTransfer.
const (
	requestTypeEndpointOut = 0x02 // host to device, standard, endpoint
	requestClearFeature    = 0x01
	featureEndpointHalt    = 0x00
)

// Option configures a Controller.
type Option func(*Controller)

// WithTimeout bounds synchronous transfers without a context deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithPollTimeout bounds each poll of an armed interrupt transfer.
func WithPollTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.pollTimeout = d
		}
	}
}

// deviceConn is an opened usbfs node. mu is held shared for the duration
// of every ioctl and exclusively while the node is closed, so a descriptor
// is never used after close or after its number is reused.
type deviceConn struct {
	fd      int
	path    string
	claimed map[uint8]bool

	mu     sync.RWMutex
	closed bool
}

// use runs fn with the node's descriptor.
func (d *deviceConn) use(fn func(fd int) error) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return fmt.Errorf("%w: %s closed", pkg.ErrNoDevice, d.path)
	}
	return fn(d.fd)
}

type poller struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Controller is a hal.Controller driving devices through usbfs.
type Controller struct {
	timeout     time.Duration
	pollTimeout time.Duration

	mu      sync.Mutex
	devices map[hal.DeviceAddress]*deviceConn
	pollers map[*hal.AsyncTransfer]*poller
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New creates a controller with no open devices.
func New(opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	c := &Controller{
		timeout:     DefaultTimeout,
		pollTimeout: DefaultPollTimeout,
		devices:     make(map[hal.DeviceAddress]*deviceConn),
		pollers:     make(map[*hal.AsyncTransfer]*poller),
		ctx:         gctx,
		cancel:      cancel,
		group:       g,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open opens the usbfs node of info and returns the address the device is
// reachable at, which is its kernel device number.
func (c *Controller) Open(info DeviceInfo) (hal.DeviceAddress, error) {
	addr := hal.DeviceAddress(info.DevNum)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, pkg.ErrClosed
	}
	if conn, ok := c.devices[addr]; ok {
		return 0, fmt.Errorf("%w: address %d already open as %s", pkg.ErrBusy, addr, conn.path)
	}

	fd, err := openDevice(info.DevfsPath)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", info.DevfsPath, err)
	}
	c.devices[addr] = &deviceConn{fd: fd, path: info.DevfsPath, claimed: make(map[uint8]bool)}

	pkg.LogInfo(pkg.ComponentHAL, "device opened",
		"path", info.DevfsPath,
		"address", addr,
		"vendor", fmt.Sprintf("%04x", info.VendorID),
		"product", fmt.Sprintf("%04x", info.ProductID))
	return addr, nil
}

// CloseDevice releases every interface claimed on addr and closes its node.
func (c *Controller) CloseDevice(addr hal.DeviceAddress) error {
	c.mu.Lock()
	conn, ok := c.devices[addr]
	delete(c.devices, addr)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.closeConn(addr, conn)
}

func (c *Controller) closeConn(addr hal.DeviceAddress, conn *deviceConn) error {
	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closed {
		return nil
	}
	conn.closed = true

	var merr *multierror.Error
	for iface := range conn.claimed {
		if err := c.release(conn, iface); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if err := unix.Close(conn.fd); err != nil {
		merr = multierror.Append(merr, fmt.Errorf("close %s: %w", conn.path, err))
	}
	pkg.LogDebug(pkg.ComponentHAL, "device closed", "address", addr)
	return merr.ErrorOrNil()
}

// conn returns an open device.
func (c *Controller) conn(addr hal.DeviceAddress) (*deviceConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, pkg.ErrClosed
	}
	conn, ok := c.devices[addr]
	if !ok {
		return nil, fmt.Errorf("%w: address %d not open", pkg.ErrNoDevice, addr)
	}
	return conn, nil
}

// timeoutMillis derives the ioctl timeout from the context deadline, capped
// at limit. usbfs treats zero as no timeout, so the result is at least 1.
func timeoutMillis(ctx context.Context, limit time.Duration) uint32 {
	d := limit
	if deadline, ok := ctx.Deadline(); ok {
		if remain := time.Until(deadline); remain < d {
			d = remain
		}
	}
	ms := d.Milliseconds()
	if ms < 1 {
		ms = 1
	}
	return uint32(ms)
}

// isClearHalt reports whether s is CLEAR_FEATURE(ENDPOINT_HALT).
func isClearHalt(s *hal.SetupPacket) bool {
	return s.RequestType == requestTypeEndpointOut &&
		s.Request == requestClearFeature &&
		s.Value == featureEndpointHalt &&
		s.Length == 0
}

// SubmitControlTransfer implements hal.Controller.
func (c *Controller) SubmitControlTransfer(ctx context.Context, t *hal.SyncTransfer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	conn, err := c.conn(t.Pipe().DeviceAddress())
	if err != nil {
		return 0, err
	}
	setup := t.Setup()
	if t.Length() > MaxControlTransferSize {
		return 0, fmt.Errorf("%w: %d-byte control data stage", pkg.ErrInvalidParameter, t.Length())
	}

	var n int
	err = conn.use(func(fd int) (err error) {
		if isClearHalt(setup) {
			return clearHalt(fd, uint8(setup.Index))
		}
		n, err = doControlTransfer(fd, setup.RequestType, setup.Request,
			setup.Value, setup.Index, t.Data(), timeoutMillis(ctx, c.timeout))
		return err
	})
	err = mapErrno(err)

	pkg.LogDebug(pkg.ComponentHAL, "control transfer",
		"device", t.Pipe().DeviceAddress(),
		"request", setup.Request,
		"length", t.Length(),
		"actual", n,
		"error", err)
	return n, err
}

// SubmitBulkTransfer implements hal.Controller.
func (c *Controller) SubmitBulkTransfer(ctx context.Context, t *hal.SyncTransfer) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p := t.Pipe()
	conn, err := c.conn(p.DeviceAddress())
	if err != nil {
		return 0, err
	}

	var n int
	err = conn.use(func(fd int) (err error) {
		n, err = doBulkTransfer(fd, p.EndpointAddress(), t.Data(), timeoutMillis(ctx, c.timeout))
		return err
	})
	err = mapErrno(err)

	pkg.LogDebug(pkg.ComponentHAL, "bulk transfer",
		"device", p.DeviceAddress(),
		"endpoint", p.EndpointAddress(),
		"length", t.Length(),
		"actual", n,
		"error", err)
	return n, err
}

// SubmitAsyncInterruptTransfer implements hal.Controller. Each poll blocks in
// the kernel for at most the poll timeout; polls that time out are not
// reported.
func (c *Controller) SubmitAsyncInterruptTransfer(t *hal.AsyncTransfer, interval time.Duration) error {
	p := t.Pipe()
	if _, err := c.conn(p.DeviceAddress()); err != nil {
		return err
	}

	c.mu.Lock()
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
		for {
			if ctx.Err() != nil || t.Cancelled() {
				return nil
			}
			conn, err := c.conn(p.DeviceAddress())
			if err != nil {
				t.Complete(0, err)
				return nil
			}
			var n int
			err = conn.use(func(fd int) (err error) {
				n, err = doBulkTransfer(fd, p.EndpointAddress(), t.Data(), timeoutMillis(ctx, c.pollTimeout))
				return err
			})
			err = mapErrno(err)
			if errors.Is(err, pkg.ErrTimeout) {
				continue
			}
			if !t.Complete(n, err) || errors.Is(err, pkg.ErrNoDevice) {
				return nil
			}
			if interval > 0 {
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(interval):
				}
			}
		}
	})
	return nil
}

// CancelAsyncTransfer implements hal.Controller. It returns after the
// transfer's poller has exited, which may take up to the poll timeout.
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

// ClaimInterface implements hal.InterfaceClaimer. A kernel driver bound to
// the interface is detached first.
func (c *Controller) ClaimInterface(device hal.DeviceAddress, iface uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.devices[device]
	if !ok {
		return fmt.Errorf("%w: address %d not open", pkg.ErrNoDevice, device)
	}
	if conn.claimed[iface] {
		return nil
	}
	if err := disconnectDriver(conn.fd, iface); err != nil {
		return fmt.Errorf("detach driver from interface %d: %w", iface, mapErrno(err))
	}
	if err := claimInterface(conn.fd, iface); err != nil {
		return fmt.Errorf("claim interface %d: %w", iface, mapErrno(err))
	}
	conn.claimed[iface] = true
	pkg.LogDebug(pkg.ComponentHAL, "interface claimed", "device", device, "interface", iface)
	return nil
}

// ReleaseInterface implements hal.InterfaceClaimer. The kernel is asked to
// rebind its driver afterwards.
func (c *Controller) ReleaseInterface(device hal.DeviceAddress, iface uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	conn, ok := c.devices[device]
	if !ok || !conn.claimed[iface] {
		return nil
	}
	return c.release(conn, iface)
}

func (c *Controller) release(conn *deviceConn, iface uint8) error {
	delete(conn.claimed, iface)
	if err := releaseInterface(conn.fd, iface); err != nil {
		return fmt.Errorf("release interface %d: %w", iface, mapErrno(err))
	}
	if err := connectDriver(conn.fd, iface); err != nil {
		pkg.LogDebug(pkg.ComponentHAL, "driver not rebound", "interface", iface, "error", err)
	}
	return nil
}

// Close stops every poller and closes every open device.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	armed := c.pollers
	c.pollers = make(map[*hal.AsyncTransfer]*poller)
	devices := c.devices
	c.devices = make(map[hal.DeviceAddress]*deviceConn)
	c.mu.Unlock()

	for t := range armed {
		t.Cancel()
	}
	c.cancel()

	var merr *multierror.Error
	if err := c.group.Wait(); err != nil {
		merr = multierror.Append(merr, err)
	}
	for addr, conn := range devices {
		if err := c.closeConn(addr, conn); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

var (
	_ hal.Controller       = (*Controller)(nil)
	_ hal.InterfaceClaimer = (*Controller)(nil)
)
