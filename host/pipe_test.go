package host

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/host/hal/sim"
	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/dma"
)

const testAddr hal.DeviceAddress = 3

func newSim(t *testing.T) *sim.Controller {
	t.Helper()
	ctrl := sim.New()
	t.Cleanup(func() { _ = ctrl.Close() })
	return ctrl
}

func sink(data []byte) (int, error) { return len(data), nil }

// =============================================================================
// Construction Tests
// =============================================================================

func TestNewPipe_Identity(t *testing.T) {
	tests := []struct {
		name     string
		typ      hal.TransferType
		dir      hal.Direction
		endpoint uint8
		wantDir  hal.Direction
		wantAddr uint8
	}{
		{"control forced bidirectional", hal.TransferControl, hal.DirectionIn, 0x80, hal.DirectionBidirectional, 0x00},
		{"bulk in sets direction bit", hal.TransferBulk, hal.DirectionIn, 0x01, hal.DirectionIn, 0x81},
		{"bulk out clears direction bit", hal.TransferBulk, hal.DirectionOut, 0x82, hal.DirectionOut, 0x02},
		{"interrupt in", hal.TransferInterrupt, hal.DirectionIn, 0x03, hal.DirectionIn, 0x83},
	}

	ctrl := newSim(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := require.New(t)
			p, err := NewPipe(ctrl, tt.typ, tt.dir, testAddr, tt.endpoint, 64, WithPoolDepth(2))
			assert.NoError(err)
			defer p.Close()

			assert.Equal(tt.wantDir, p.Direction())
			assert.Equal(tt.wantAddr, p.EndpointAddress())
			assert.Equal(testAddr, p.DeviceAddress())
			assert.Equal(uint16(64), p.MaxPacketSize())
			assert.False(p.DataToggle())
		})
	}
}

func TestNewPipe_Invalid(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	_, err := NewPipe(nil, hal.TransferBulk, hal.DirectionIn, testAddr, 1, 64)
	assert.ErrorIs(err, pkg.ErrInvalidParameter)

	_, err = NewPipe(ctrl, hal.TransferBulk, hal.DirectionBidirectional, testAddr, 1, 64)
	assert.ErrorIs(err, pkg.ErrInvalidParameter)

	_, err = NewPipe(ctrl, hal.TransferControl, hal.DirectionBidirectional, testAddr, 0, 64,
		WithSlotSize(hal.SetupPacketSize))
	assert.ErrorIs(err, pkg.ErrInvalidParameter)

	_, err = NewPipe(ctrl, hal.TransferBulk, hal.DirectionIn, testAddr, 1, 64,
		WithSlotSize(dma.PageSize+1))
	assert.ErrorIs(err, pkg.ErrInvalidParameter)
}

func TestNewPipeFromEndpoint(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	ep := EndpointDescriptor{
		EndpointAddress: 0x81,
		Attributes:      EndpointTypeInterrupt,
		MaxPacketSize:   8,
		Interval:        10,
	}
	p, err := NewPipeFromEndpoint(ctrl, testAddr, &ep)
	assert.NoError(err)
	defer p.Close()

	assert.Equal(hal.TransferInterrupt, p.Type())
	assert.Equal(hal.DirectionIn, p.Direction())
	assert.Equal(uint8(0x81), p.EndpointAddress())
	assert.Equal(10*time.Millisecond, p.PollInterval())

	// Explicit option wins over bInterval.
	q, err := NewPipeFromEndpoint(ctrl, testAddr, &ep, WithPollInterval(time.Millisecond))
	assert.NoError(err)
	defer q.Close()
	assert.Equal(time.Millisecond, q.PollInterval())
}

// =============================================================================
// Synchronous Transfer Tests
// =============================================================================

func TestBulkOutPipe_ToggleAlternates(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x02, sink)

	p, err := NewBulkOutPipe(ctrl, testAddr, 0x02, 64)
	assert.NoError(err)
	defer p.Close()

	for i := 0; i < 4; i++ {
		n, err := p.BulkOutTransfer(context.Background(), []byte{byte(i), 1, 2})
		assert.NoError(err)
		assert.Equal(3, n)
	}

	subs := ctrl.Submissions()
	assert.Len(subs, 4)
	for i, s := range subs {
		assert.Equal(i%2 == 1, s.Toggle, "submission %d", i)
		assert.Equal([]byte{byte(i), 1, 2}, s.Data)
	}
	assert.False(p.DataToggle())
	assert.Equal(0, p.PoolStats().Capacity-p.PoolStats().Free)
}

func TestBulkInPipe_ShortRead(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x81, func(data []byte) (int, error) {
		return copy(data, "hello"), nil
	})

	p, err := NewBulkInPipe(ctrl, testAddr, 1, 64)
	assert.NoError(err)
	defer p.Close()

	buf := make([]byte, 64)
	n, err := p.BulkInTransfer(context.Background(), buf)
	assert.NoError(err)
	assert.Equal(5, n)
	assert.Equal("hello", string(buf[:n]))
	assert.True(p.DataToggle())
}

func TestBulkPipe_StallResetsToggle(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x02, sink)

	p, err := NewBulkOutPipe(ctrl, testAddr, 2, 64)
	assert.NoError(err)
	defer p.Close()

	_, err = p.BulkOutTransfer(context.Background(), []byte{1})
	assert.NoError(err)
	assert.True(p.DataToggle())

	ctrl.FailEndpoint(0x02, 1, pkg.ErrStall)
	_, err = p.BulkOutTransfer(context.Background(), []byte{2})
	assert.ErrorIs(err, pkg.ErrStall)
	assert.False(p.DataToggle())
	assert.Equal(p.PoolStats().Capacity, p.PoolStats().Free)

	// A timeout leaves the toggle alone.
	_, err = p.BulkOutTransfer(context.Background(), []byte{3})
	assert.NoError(err)
	ctrl.FailEndpoint(0x02, 1, pkg.ErrTimeout)
	_, err = p.BulkOutTransfer(context.Background(), []byte{4})
	assert.ErrorIs(err, pkg.ErrTimeout)
	assert.True(p.DataToggle())
}

func TestBulkPipe_TooLarge(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x02, sink)

	p, err := NewBulkOutPipe(ctrl, testAddr, 2, 64, WithSlotSize(512))
	assert.NoError(err)
	defer p.Close()

	_, err = p.BulkOutTransfer(context.Background(), make([]byte, 513))
	assert.ErrorIs(err, pkg.ErrBufferTooSmall)
	assert.Empty(ctrl.Submissions())
	assert.Equal(p.PoolStats().Capacity, p.PoolStats().Free)
}

func TestControlPipe_Transfer(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	var got hal.SetupPacket
	ctrl.HandleControl(testAddr, func(setup hal.SetupPacket, data []byte) (int, error) {
		got = setup
		if setup.IsIn() {
			return copy(data, []byte{0x2A}), nil
		}
		return len(data), nil
	})

	p, err := NewControlPipe(ctrl, testAddr, 64)
	assert.NoError(err)
	defer p.Close()

	buf := make([]byte, 1)
	n, err := p.ControlTransfer(context.Background(), 0xA1, 0xFE, 0, 2, buf)
	assert.NoError(err)
	assert.Equal(1, n)
	assert.Equal(byte(0x2A), buf[0])
	assert.Equal(hal.SetupPacket{RequestType: 0xA1, Request: 0xFE, Index: 2, Length: 1}, got)

	n, err = p.ControlTransfer(context.Background(), 0x21, 0xFF, 0, 0, nil)
	assert.NoError(err)
	assert.Zero(n)
	assert.False(p.DataToggle())

	for _, s := range ctrl.Submissions() {
		assert.Equal(hal.TransferControl, s.Type)
		assert.False(s.Toggle)
	}
}

func TestControlPipe_Stall(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleControl(testAddr, nil)

	p, err := NewControlPipe(ctrl, testAddr, 64)
	assert.NoError(err)
	defer p.Close()

	_, err = p.ControlTransfer(context.Background(), 0x80, 0x06, 0x0100, 0, make([]byte, 18))
	assert.ErrorIs(err, pkg.ErrStall)
}

func TestPipe_ConcurrentSubmitsSerialize(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	var inFlight, peak atomic.Int32
	ctrl.HandleEndpoint(testAddr, 0x02, func(data []byte) (int, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return len(data), nil
	})

	p, err := NewBulkOutPipe(ctrl, testAddr, 2, 64)
	assert.NoError(err)
	defer p.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.BulkOutTransfer(context.Background(), []byte{1})
			assert.NoError(err)
		}()
	}
	wg.Wait()

	assert.Equal(int32(1), peak.Load())
	assert.False(p.DataToggle()) // eight flips
}

func TestPipe_ClosedRejects(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	p, err := NewBulkInPipe(ctrl, testAddr, 1, 64)
	assert.NoError(err)
	assert.NoError(p.Close())
	assert.NoError(p.Close())

	_, err = p.BulkInTransfer(context.Background(), make([]byte, 4))
	assert.ErrorIs(err, pkg.ErrClosed)
}

// =============================================================================
// Asynchronous Transfer Tests
// =============================================================================

func TestInterruptInPipe_PollAndCancel(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	var seq atomic.Int32
	ctrl.HandleEndpoint(testAddr, 0x81, func(data []byte) (int, error) {
		data[0] = byte(seq.Add(1))
		return 1, nil
	})

	p, err := NewInterruptInPipe(ctrl, testAddr, 1, 8, time.Millisecond, WithPoolDepth(2))
	assert.NoError(err)
	defer p.Close()

	var (
		mu       sync.Mutex
		reports  []byte
		received = make(chan struct{}, 64)
	)
	tr, err := p.InterruptTransfer(8, 0, func(data []byte, err error) {
		mu.Lock()
		if err == nil && len(data) == 1 {
			reports = append(reports, data[0])
		}
		mu.Unlock()
		select {
		case received <- struct{}{}:
		default:
		}
	})
	assert.NoError(err)
	assert.Equal(1, p.PoolStats().Capacity-p.PoolStats().Free)

	for i := 0; i < 3; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatal("no interrupt completion")
		}
	}

	assert.NoError(p.CancelAsyncTransfer(tr))
	mu.Lock()
	count := len(reports)
	mu.Unlock()

	// No callback after cancel returns.
	time.Sleep(10 * time.Millisecond)
	mu.Lock()
	assert.Equal(count, len(reports))
	assert.Equal(byte(1), reports[0])
	mu.Unlock()

	assert.Equal(p.PoolStats().Capacity, p.PoolStats().Free)
	assert.Equal(count%2 == 1, p.DataToggle())

	assert.ErrorIs(p.CancelAsyncTransfer(tr), pkg.ErrInvalidParameter)
}

func TestInterruptInPipe_PoolExhausted(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x81, func([]byte) (int, error) { return 0, pkg.ErrNAK })

	p, err := NewInterruptInPipe(ctrl, testAddr, 1, 8, time.Millisecond, WithPoolDepth(1))
	assert.NoError(err)
	defer p.Close()

	noop := func([]byte, error) {}
	tr, err := p.InterruptTransfer(8, 0, noop)
	assert.NoError(err)

	_, err = p.InterruptTransfer(8, 0, noop)
	assert.ErrorIs(err, pkg.ErrPoolExhausted)
	assert.True(pkg.IsRetryable(err))

	assert.NoError(p.CancelAsyncTransfer(tr))
	tr, err = p.InterruptTransfer(8, 0, noop)
	assert.NoError(err)
	assert.NotNil(tr)
}

func TestInterruptInPipe_CloseCancelsPending(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)

	var calls atomic.Int32
	ctrl.HandleEndpoint(testAddr, 0x81, func(data []byte) (int, error) { return 1, nil })

	p, err := NewInterruptInPipe(ctrl, testAddr, 1, 8, time.Millisecond)
	assert.NoError(err)

	tr, err := p.InterruptTransfer(1, 0, func([]byte, error) { calls.Add(1) })
	assert.NoError(err)
	assert.NoError(p.Close())
	assert.True(tr.Cancelled())

	after := calls.Load()
	time.Sleep(5 * time.Millisecond)
	assert.Equal(after, calls.Load())
}

func TestInterruptOutPipe_Write(t *testing.T) {
	assert := require.New(t)
	ctrl := newSim(t)
	ctrl.HandleEndpoint(testAddr, 0x04, sink)

	p, err := NewInterruptOutPipe(ctrl, testAddr, 4, 8, time.Millisecond)
	assert.NoError(err)
	defer p.Close()

	n, err := p.InterruptOutTransfer(context.Background(), []byte{1, 2})
	assert.NoError(err)
	assert.Equal(2, n)

	subs := ctrl.Submissions()
	assert.Len(subs, 1)
	assert.Equal(hal.TransferInterrupt, subs[0].Type)
	assert.True(p.DataToggle())
}
