package msc

import "encoding/binary"

// CommandBlockWrapper represents a Command Block Wrapper in Bulk-Only Transport.
type CommandBlockWrapper struct {
	Signature          uint32   // Must be CBWSignature (0x43425355)
	Tag                uint32   // Echoed in the CSW
	DataTransferLength uint32   // Number of bytes to transfer in data phase
	Flags              uint8    // Direction flag (bit 7: 0=Out, 1=In)
	LUN                uint8    // Logical Unit Number (bits 0-3)
	CBLength           uint8    // Command block length (1-16)
	CB                 [16]byte // Command block (SCSI CDB)
}

// NewCBW wraps cdb in a Command Block Wrapper. in selects a device-to-host
// data stage.
func NewCBW(tag uint32, length uint32, in bool, lun uint8, cdb CDB) *CommandBlockWrapper {
	cbw := &CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: length,
		LUN:                lun & 0x0F,
	}
	if in {
		cbw.Flags = CBWFlagDataIn
	}
	cbw.CBLength = uint8(cdb.MarshalTo(cbw.CB[:])) & 0x1F
	return cbw
}

// ParseCBW parses a Command Block Wrapper from raw bytes.
// Returns false if data is too short or signature is invalid.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CBWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F // Only bits 0-3
	out.CBLength = data[14] & 0x1F // Only bits 0-4
	copy(out.CB[:], data[15:31])

	return true
}

// MarshalTo writes the Command Block Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], cbw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN & 0x0F
	buf[14] = cbw.CBLength & 0x1F
	copy(buf[15:31], cbw.CB[:])

	return CBWSize
}

// IsDataIn returns true if the data phase is device-to-host (IN).
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// Command returns the valid bytes of the command block.
func (cbw *CommandBlockWrapper) Command() []byte {
	n := int(cbw.CBLength)
	if n > len(cbw.CB) {
		n = len(cbw.CB)
	}
	return cbw.CB[:n]
}

// CSWStatus is the bCSWStatus field of a Command Status Wrapper.
type CSWStatus uint8

// Command status values.
const (
	CSWStatusPassed     CSWStatus = 0x00 // Command passed
	CSWStatusFailed     CSWStatus = 0x01 // Command failed
	CSWStatusPhaseError CSWStatus = 0x02 // Phase error occurred
)

// String returns a string representation of the status.
func (s CSWStatus) String() string {
	switch s {
	case CSWStatusPassed:
		return "Passed"
	case CSWStatusFailed:
		return "Failed"
	case CSWStatusPhaseError:
		return "PhaseError"
	default:
		return "Unknown"
	}
}

// CommandStatusWrapper represents a Command Status Wrapper in Bulk-Only Transport.
type CommandStatusWrapper struct {
	Signature   uint32    // Must be CSWSignature (0x53425355)
	Tag         uint32    // Must match the CBW tag
	DataResidue uint32    // Difference between expected and actual data transfer
	Status      CSWStatus // Command status
}

// ParseCSW parses a Command Status Wrapper from raw bytes. Returns false if
// data is not exactly CSWSize bytes or the signature is invalid.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) != CSWSize {
		return false
	}

	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	if out.Signature != CSWSignature {
		return false
	}

	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = CSWStatus(data[12])

	return true
}

// MarshalTo writes the Command Status Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}

	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = uint8(csw.Status)

	return CSWSize
}

// NewCSW creates a new Command Status Wrapper with the given parameters.
func NewCSW(tag uint32, residue uint32, status CSWStatus) *CommandStatusWrapper {
	return &CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         tag,
		DataResidue: residue,
		Status:      status,
	}
}
