package msc

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// CDB is a SCSI Command Descriptor Block. Multi-byte fields are big-endian
// on the wire.
type CDB interface {
	// Size returns the encoded length: 6, 10, 12 or 16.
	Size() int

	// MarshalTo writes the CDB to buf and returns Size, or 0 if buf is
	// too small.
	MarshalTo(buf []byte) int
}

// CDB6 is a 6-byte command block.
type CDB6 struct {
	Opcode  uint8
	Misc    uint8  // byte 1; bits 4..0 extend Address on READ(6)
	Address uint16 // bytes 2-3: LBA, or page code and subpage
	Length  uint8  // transfer, parameter list or allocation length
	Control uint8
}

// Size implements CDB.
func (c CDB6) Size() int { return 6 }

// MarshalTo implements CDB.
func (c CDB6) MarshalTo(buf []byte) int {
	if len(buf) < 6 {
		return 0
	}
	buf[0] = c.Opcode
	buf[1] = c.Misc
	binary.BigEndian.PutUint16(buf[2:4], c.Address)
	buf[4] = c.Length
	buf[5] = c.Control
	return 6
}

// ParseCDB6 parses a 6-byte command block.
func ParseCDB6(data []byte, out *CDB6) bool {
	if len(data) < 6 {
		return false
	}
	out.Opcode = data[0]
	out.Misc = data[1]
	out.Address = binary.BigEndian.Uint16(data[2:4])
	out.Length = data[4]
	out.Control = data[5]
	return true
}

// CDB10 is a 10-byte command block.
type CDB10 struct {
	Opcode  uint8
	Misc    uint8 // bits 7..5 flags, 4..0 service action
	LBA     uint32
	Group   uint8
	Length  uint16
	Control uint8
}

// Size implements CDB.
func (c CDB10) Size() int { return 10 }

// MarshalTo implements CDB.
func (c CDB10) MarshalTo(buf []byte) int {
	if len(buf) < 10 {
		return 0
	}
	buf[0] = c.Opcode
	buf[1] = c.Misc
	binary.BigEndian.PutUint32(buf[2:6], c.LBA)
	buf[6] = c.Group
	binary.BigEndian.PutUint16(buf[7:9], c.Length)
	buf[9] = c.Control
	return 10
}

// ParseCDB10 parses a 10-byte command block.
func ParseCDB10(data []byte, out *CDB10) bool {
	if len(data) < 10 {
		return false
	}
	out.Opcode = data[0]
	out.Misc = data[1]
	out.LBA = binary.BigEndian.Uint32(data[2:6])
	out.Group = data[6]
	out.Length = binary.BigEndian.Uint16(data[7:9])
	out.Control = data[9]
	return true
}

// CDB12 is a 12-byte command block.
type CDB12 struct {
	Opcode  uint8
	Misc    uint8
	LBA     uint32
	Length  uint32
	Group   uint8
	Control uint8
}

// Size implements CDB.
func (c CDB12) Size() int { return 12 }

// MarshalTo implements CDB.
func (c CDB12) MarshalTo(buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	buf[0] = c.Opcode
	buf[1] = c.Misc
	binary.BigEndian.PutUint32(buf[2:6], c.LBA)
	binary.BigEndian.PutUint32(buf[6:10], c.Length)
	buf[10] = c.Group
	buf[11] = c.Control
	return 12
}

// ParseCDB12 parses a 12-byte command block.
func ParseCDB12(data []byte, out *CDB12) bool {
	if len(data) < 12 {
		return false
	}
	out.Opcode = data[0]
	out.Misc = data[1]
	out.LBA = binary.BigEndian.Uint32(data[2:6])
	out.Length = binary.BigEndian.Uint32(data[6:10])
	out.Group = data[10]
	out.Control = data[11]
	return true
}

// CDB16 is a 16-byte command block.
type CDB16 struct {
	Opcode  uint8
	Misc    uint8
	LBA     uint64
	Length  uint32
	Group   uint8
	Control uint8
}

// Size implements CDB.
func (c CDB16) Size() int { return 16 }

// MarshalTo implements CDB.
func (c CDB16) MarshalTo(buf []byte) int {
	if len(buf) < 16 {
		return 0
	}
	buf[0] = c.Opcode
	buf[1] = c.Misc
	binary.BigEndian.PutUint64(buf[2:10], c.LBA)
	binary.BigEndian.PutUint32(buf[10:14], c.Length)
	buf[14] = c.Group
	buf[15] = c.Control
	return 16
}

// ParseCDB16 parses a 16-byte command block.
func ParseCDB16(data []byte, out *CDB16) bool {
	if len(data) < 16 {
		return false
	}
	out.Opcode = data[0]
	out.Misc = data[1]
	out.LBA = binary.BigEndian.Uint64(data[2:10])
	out.Length = binary.BigEndian.Uint32(data[10:14])
	out.Group = data[14]
	out.Control = data[15]
	return true
}

// Command builders.

// TestUnitReady builds TEST UNIT READY.
func TestUnitReady() CDB6 {
	return CDB6{Opcode: SCSITestUnitReady}
}

// RequestSense builds REQUEST SENSE for a fixed-format response.
func RequestSense() CDB6 {
	return CDB6{Opcode: SCSIRequestSense, Length: RequestSenseSize}
}

// Inquiry builds a standard INQUIRY.
func Inquiry() CDB6 {
	return CDB6{Opcode: SCSIInquiry, Length: InquiryStandardSize}
}

// ModeSense6 builds MODE SENSE (6) for page with the given allocation length.
func ModeSense6(page, length uint8) CDB6 {
	return CDB6{Opcode: SCSIModeSense6, Address: uint16(page&0x3F) << 8, Length: length}
}

// ReadCapacity10 builds READ CAPACITY (10).
func ReadCapacity10() CDB10 {
	return CDB10{Opcode: SCSIReadCapacity10}
}

// Read10 builds READ (10) of blocks starting at lba.
func Read10(lba uint32, blocks uint16) CDB10 {
	return CDB10{Opcode: SCSIRead10, LBA: lba, Length: blocks}
}

// Write10 builds WRITE (10) of blocks starting at lba.
func Write10(lba uint32, blocks uint16) CDB10 {
	return CDB10{Opcode: SCSIWrite10, LBA: lba, Length: blocks}
}

// Read12 builds READ (12) of blocks starting at lba.
func Read12(lba, blocks uint32) CDB12 {
	return CDB12{Opcode: SCSIRead12, LBA: lba, Length: blocks}
}

// Write12 builds WRITE (12) of blocks starting at lba.
func Write12(lba, blocks uint32) CDB12 {
	return CDB12{Opcode: SCSIWrite12, LBA: lba, Length: blocks}
}

// Read16 builds READ (16) of blocks starting at lba.
func Read16(lba uint64, blocks uint32) CDB16 {
	return CDB16{Opcode: SCSIRead16, LBA: lba, Length: blocks}
}

// Write16 builds WRITE (16) of blocks starting at lba.
func Write16(lba uint64, blocks uint32) CDB16 {
	return CDB16{Opcode: SCSIWrite16, LBA: lba, Length: blocks}
}

// Responses.

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType       uint8    // Peripheral device type
	RMB              uint8    // Removable media bit (bit 7)
	Version          uint8    // SCSI version
	ResponseFormat   uint8    // Response data format
	AdditionalLength uint8    // Additional length (n-4)
	Flags            [3]uint8 // Various flags
	VendorID         [8]byte  // Vendor identification (ASCII)
	ProductID        [16]byte // Product identification (ASCII)
	ProductRev       [4]byte  // Product revision (ASCII)
}

// ParseInquiryResponse parses standard INQUIRY data.
func ParseInquiryResponse(data []byte, out *InquiryResponse) bool {
	if len(data) < InquiryStandardSize {
		return false
	}
	out.DeviceType = data[0] & 0x1F
	out.RMB = data[1] & InquiryRMB
	out.Version = data[2]
	out.ResponseFormat = data[3]
	out.AdditionalLength = data[4]
	copy(out.Flags[:], data[5:8])
	copy(out.VendorID[:], data[8:16])
	copy(out.ProductID[:], data[16:32])
	copy(out.ProductRev[:], data[32:36])
	return true
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	buf[0] = r.DeviceType
	buf[1] = r.RMB
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = r.AdditionalLength
	copy(buf[5:8], r.Flags[:])
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// Vendor returns the vendor identification without padding.
func (r *InquiryResponse) Vendor() string { return trimField(r.VendorID[:]) }

// Product returns the product identification without padding.
func (r *InquiryResponse) Product() string { return trimField(r.ProductID[:]) }

// Revision returns the product revision without padding.
func (r *InquiryResponse) Revision() string { return trimField(r.ProductRev[:]) }

// Removable reports whether the medium is removable.
func (r *InquiryResponse) Removable() bool { return r.RMB&InquiryRMB != 0 }

func (r *InquiryResponse) String() string {
	return fmt.Sprintf("%.8s  %.16s  %.4s", r.VendorID[:], r.ProductID[:], r.ProductRev[:])
}

// NewInquiryResponse creates a standard INQUIRY response.
func NewInquiryResponse(deviceType uint8, removable bool, vendor, product, revision string) *InquiryResponse {
	resp := &InquiryResponse{
		DeviceType:       deviceType,
		Version:          InquiryVersionSPC4,
		ResponseFormat:   InquiryResponseFormatSPC,
		AdditionalLength: InquiryStandardSize - 5,
	}

	if removable {
		resp.RMB = InquiryRMB
	}

	// Copy strings with padding
	copy(resp.VendorID[:], padString(vendor, 8))
	copy(resp.ProductID[:], padString(product, 16))
	copy(resp.ProductRev[:], padString(revision, 4))

	return resp
}

// ReadCapacity10Response represents READ CAPACITY (10) response data.
type ReadCapacity10Response struct {
	// Blocks is the first field. Conforming devices report the last LBA in
	// it; the block count is taken as this value.
	Blocks      uint32
	BlockLength uint32 // Block length in bytes
}

// ParseReadCapacity10Response decodes the big-endian response.
func ParseReadCapacity10Response(data []byte, out *ReadCapacity10Response) bool {
	if len(data) < ReadCapacity10Size {
		return false
	}
	out.Blocks = binary.BigEndian.Uint32(data[0:4])
	out.BlockLength = binary.BigEndian.Uint32(data[4:8])
	return true
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.Blocks)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return ReadCapacity10Size
}

// RequestSenseResponse represents REQUEST SENSE response (fixed format).
type RequestSenseResponse struct {
	ResponseCode     uint8  // Response code (0x70 = current, 0x72 = descriptor)
	SenseKey         uint8  // Sense key (bits 0-3)
	Information      uint32 // Information field
	AdditionalLength uint8  // Additional sense length (n-7)
	ASC              uint8  // Additional sense code
	ASCQ             uint8  // Additional sense code qualifier
}

// ParseRequestSenseResponse parses fixed-format sense data.
func ParseRequestSenseResponse(data []byte, out *RequestSenseResponse) bool {
	if len(data) < 14 {
		return false
	}
	out.ResponseCode = data[0] & 0x7F
	out.SenseKey = data[2] & 0x0F
	out.Information = binary.BigEndian.Uint32(data[3:7])
	out.AdditionalLength = data[7]
	out.ASC = data[12]
	out.ASCQ = data[13]
	return true
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *RequestSenseResponse) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}

	clear(buf[:RequestSenseSize])

	buf[0] = r.ResponseCode
	buf[2] = r.SenseKey & 0x0F
	binary.BigEndian.PutUint32(buf[3:7], r.Information)
	buf[7] = r.AdditionalLength
	buf[12] = r.ASC
	buf[13] = r.ASCQ

	return RequestSenseSize
}

// NewRequestSenseResponse creates a REQUEST SENSE response.
func NewRequestSenseResponse(key, asc, ascq uint8) *RequestSenseResponse {
	return &RequestSenseResponse{
		ResponseCode:     0x70, // Current errors, fixed format
		SenseKey:         key & 0x0F,
		AdditionalLength: 10, // Fixed format has 10 additional bytes
		ASC:              asc,
		ASCQ:             ascq,
	}
}

// ModeSense6Header represents the MODE SENSE (6) parameter header.
type ModeSense6Header struct {
	ModeDataLength uint8 // Mode data length (excluding this field)
	MediumType     uint8 // Medium type
	DeviceParam    uint8 // Device-specific parameter
	BlockDescLen   uint8 // Block descriptor length
}

// ParseModeSense6Header parses the parameter header.
func ParseModeSense6Header(data []byte, out *ModeSense6Header) bool {
	if len(data) < ModeSense6Size {
		return false
	}
	out.ModeDataLength = data[0]
	out.MediumType = data[1]
	out.DeviceParam = data[2]
	out.BlockDescLen = data[3]
	return true
}

// MarshalTo writes the response header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ModeSense6Header) MarshalTo(buf []byte) int {
	if len(buf) < ModeSense6Size {
		return 0
	}

	buf[0] = r.ModeDataLength
	buf[1] = r.MediumType
	buf[2] = r.DeviceParam
	buf[3] = r.BlockDescLen

	return ModeSense6Size
}

// WriteProtected reports the WP bit: bit 7 of the device-specific parameter
// (byte 2 of the header). The medium type byte is not consulted.
func (r *ModeSense6Header) WriteProtected() bool {
	return r.DeviceParam&ModeWriteProtect != 0
}

// padString pads or truncates a string to the specified length.
func padString(s string, length int) []byte {
	result := bytes.Repeat([]byte{' '}, length)
	copy(result, s)
	return result
}

func trimField(b []byte) string {
	return string(bytes.TrimRight(bytes.TrimRight(b, "\x00"), " "))
}
