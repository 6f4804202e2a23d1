package hal

import (
	"context"
	"time"
)

// SetupPacket represents a USB SETUP packet in the HAL layer.
type SetupPacket struct {
	RequestType uint8  // Request characteristics
	Request     uint8  // Specific request
	Value       uint16 // Request-specific value
	Index       uint16 // Request-specific index
	Length      uint16 // Number of bytes to transfer
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// ParseSetupPacket parses raw bytes into a SetupPacket.
// Returns false if data is too short.
func ParseSetupPacket(data []byte, out *SetupPacket) bool {
	if len(data) < SetupPacketSize {
		return false
	}
	out.RequestType = data[0]
	out.Request = data[1]
	out.Value = uint16(data[2]) | uint16(data[3])<<8
	out.Index = uint16(data[4]) | uint16(data[5])<<8
	out.Length = uint16(data[6]) | uint16(data[7])<<8
	return true
}

// MarshalTo writes the setup packet to buf.
// Returns the number of bytes written (8), or 0 if buf is too small.
func (s *SetupPacket) MarshalTo(buf []byte) int {
	if len(buf) < SetupPacketSize {
		return 0
	}
	buf[0] = s.RequestType
	buf[1] = s.Request
	buf[2] = byte(s.Value)
	buf[3] = byte(s.Value >> 8)
	buf[4] = byte(s.Index)
	buf[5] = byte(s.Index >> 8)
	buf[6] = byte(s.Length)
	buf[7] = byte(s.Length >> 8)
	return SetupPacketSize
}

// IsIn reports whether the data stage, if any, flows device to host.
func (s *SetupPacket) IsIn() bool {
	return s.RequestType&0x80 != 0
}

// TransferType indicates the type of USB transfer.
type TransferType uint8

// Transfer type constants, matching bmAttributes bits 1..0.
const (
	TransferControl     TransferType = 0 // Control transfer
	TransferIsochronous TransferType = 1 // Isochronous transfer
	TransferBulk        TransferType = 2 // Bulk transfer
	TransferInterrupt   TransferType = 3 // Interrupt transfer
)

// String returns a string representation of the transfer type.
func (t TransferType) String() string {
	switch t {
	case TransferControl:
		return "control"
	case TransferIsochronous:
		return "isochronous"
	case TransferBulk:
		return "bulk"
	case TransferInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Direction is the data flow of a pipe.
type Direction uint8

// Pipe directions. Control pipes are always bidirectional.
const (
	DirectionOut           Direction = iota // Host to device
	DirectionIn                             // Device to host
	DirectionBidirectional                  // Both (control)
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case DirectionOut:
		return "out"
	case DirectionIn:
		return "in"
	case DirectionBidirectional:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// DeviceAddress represents a USB device address (0-127).
type DeviceAddress uint8

// Endpoint address fields.
const (
	EndpointNumberMask   = 0x0F
	EndpointDirectionIn  = 0x80
	MaxEndpointAddresses = 32
)

// PipeInfo is the identity and framing state a controller needs to execute a
// transfer on a pipe.
type PipeInfo interface {
	Type() TransferType
	Direction() Direction
	DeviceAddress() DeviceAddress
	EndpointAddress() uint8
	MaxPacketSize() uint16
	PollInterval() time.Duration

	// DataToggle is the DATA0/DATA1 state the next data packet must carry.
	DataToggle() bool
}

// Controller executes transfers on behalf of pipes.
//
// Synchronous submissions block until the transaction completes and return
// the byte count of the data stage. Short transfers are not errors. Transport
// failures are reported as the pkg sentinel errors (ErrStall, ErrTimeout,
// ErrBabble, ...); a stall tells the pipe to reset its data toggle.
type Controller interface {
	// SubmitControlTransfer executes the setup, data and status stages of t.
	// The setup packet occupies the first SetupPacketSize bytes of the
	// transfer buffer and the data stage follows it.
	SubmitControlTransfer(ctx context.Context, t *SyncTransfer) (int, error)

	// SubmitBulkTransfer executes a single data-stage transfer on a bulk
	// pipe, or on an interrupt OUT pipe written synchronously.
	SubmitBulkTransfer(ctx context.Context, t *SyncTransfer) (int, error)

	// SubmitAsyncInterruptTransfer arms t and re-arms it every interval until
	// cancelled, calling t.Complete after each poll.
	SubmitAsyncInterruptTransfer(t *AsyncTransfer, interval time.Duration) error

	// CancelAsyncTransfer stops re-arming t. It returns once the controller
	// no longer touches t's buffer.
	CancelAsyncTransfer(t *AsyncTransfer) error
}

// InterfaceClaimer is implemented by controllers that must take ownership of
// an interface from the operating system before its endpoints can be used.
type InterfaceClaimer interface {
	ClaimInterface(device DeviceAddress, iface uint8) error
	ReleaseInterface(device DeviceAddress, iface uint8) error
}
