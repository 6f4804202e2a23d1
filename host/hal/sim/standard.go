package sim

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// Standard request codes answered by Descriptors.
const (
	requestGetStatus        = 0x00
	requestClearFeature     = 0x01
	requestGetDescriptor    = 0x06
	requestGetConfiguration = 0x08
	requestSetConfiguration = 0x09
	requestSetInterface     = 0x0B

	descriptorDevice        = 0x01
	descriptorConfiguration = 0x02
	descriptorString        = 0x03

	requestTypeMask     = 0x60
	recipientMask       = 0x1F
	recipientEndpoint   = 0x02
	featureEndpointHalt = 0x00
)

// Descriptors answers the standard requests of a device from canned
// descriptor bytes. Its zero value stalls every descriptor request.
type Descriptors struct {
	Device        []byte
	Configuration []byte // full tree, wTotalLength bytes
	Strings       map[uint8]string

	// ClearHalt, if set, is told which endpoint had its halt cleared.
	ClearHalt func(endpoint uint8)

	mu     sync.Mutex
	config uint8
}

// Configured returns the value of the last SET_CONFIGURATION.
func (d *Descriptors) Configured() uint8 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.config
}

// Handler returns a ControlHandler for standard requests. Class and vendor
// requests are passed to next; with no next they stall.
func (d *Descriptors) Handler(next ControlHandler) ControlHandler {
	return func(setup hal.SetupPacket, data []byte) (int, error) {
		if setup.RequestType&requestTypeMask != 0 {
			if next == nil {
				return 0, pkg.ErrStall
			}
			return next(setup, data)
		}

		switch setup.Request {
		case requestGetDescriptor:
			return d.descriptor(setup, data)

		case requestGetConfiguration:
			if len(data) < 1 {
				return 0, nil
			}
			data[0] = d.Configured()
			return 1, nil

		case requestSetConfiguration:
			d.mu.Lock()
			d.config = uint8(setup.Value)
			d.mu.Unlock()
			return 0, nil

		case requestSetInterface:
			return 0, nil

		case requestGetStatus:
			if len(data) < 2 {
				return 0, nil
			}
			binary.LittleEndian.PutUint16(data, 0)
			return 2, nil

		case requestClearFeature:
			if setup.RequestType&recipientMask == recipientEndpoint &&
				setup.Value == featureEndpointHalt {
				if d.ClearHalt != nil {
					d.ClearHalt(uint8(setup.Index))
				}
				return 0, nil
			}
			return 0, pkg.ErrStall
		}
		return 0, pkg.ErrStall
	}
}

func (d *Descriptors) descriptor(setup hal.SetupPacket, data []byte) (int, error) {
	index := uint8(setup.Value)
	var src []byte
	switch uint8(setup.Value >> 8) {
	case descriptorDevice:
		src = d.Device
	case descriptorConfiguration:
		if index == 0 {
			src = d.Configuration
		}
	case descriptorString:
		if index == 0 {
			src = []byte{4, descriptorString, 0x09, 0x04}
		} else if s, ok := d.Strings[index]; ok {
			src = encodeString(s)
		}
	}
	if src == nil {
		return 0, pkg.ErrStall
	}
	return copy(data, src), nil
}

// encodeString builds a string descriptor holding s as UTF-16LE.
func encodeString(s string) []byte {
	b := make([]byte, 2, 2+2*len(s))
	for _, r := range s {
		b = binary.LittleEndian.AppendUint16(b, uint16(r))
	}
	b[0] = byte(len(b))
	b[1] = descriptorString
	return b
}
