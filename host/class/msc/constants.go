package msc

// USB Mass Storage Class codes.
const (
	ClassMSC = 0x08 // Mass Storage Class
)

// MSC Subclass codes.
const (
	SubclassNotReported = 0x00 // SCSI command set not reported
	SubclassRBC         = 0x01 // Reduced Block Commands
	SubclassMMC5        = 0x02 // Multi-Media Commands (CD/DVD)
	SubclassUFI         = 0x04 // USB Floppy Interface
	SubclassSCSI        = 0x06 // SCSI Transparent Command Set
	SubclassLSDFS       = 0x07 // LSD FS
	SubclassIEEE1667    = 0x08 // IEEE 1667
	SubclassVendor      = 0xFF // Vendor specific
)

// MSC Protocol codes.
const (
	ProtocolCBI      = 0x00 // Control/Bulk/Interrupt
	ProtocolCBICmpl  = 0x01 // CBI with command completion interrupt
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
	ProtocolUAS      = 0x62 // USB Attached SCSI
)

// Bulk-Only Transport request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Request types of the class requests (class, interface recipient).
const (
	RequestTypeClassIn  = 0xA1
	RequestTypeClassOut = 0x21
)

// QEMU's usb-storage reports an interface descriptor that does not identify
// it as mass storage; these IDs identify it instead.
const (
	QEMUVendorID  = 0x46F4
	QEMUProductID = 0x0001
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
	CBWMaxCBLength = 16         // Command block capacity
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature = 0x53425355 // "USBS" signature
	CSWSize      = 13         // Fixed CSW size in bytes
)

// SCSI operation codes (commonly used subset).
const (
	SCSITestUnitReady        = 0x00 // Test if unit is ready
	SCSIRequestSense         = 0x03 // Request sense data
	SCSIInquiry              = 0x12 // Get device information
	SCSIModeSense6           = 0x1A // Get mode parameters (6-byte)
	SCSIStartStopUnit        = 0x1B // Start/stop unit
	SCSIPreventAllowRemoval  = 0x1E // Prevent/allow medium removal
	SCSIReadFormatCapacities = 0x23 // Read format capacities
	SCSIReadCapacity10       = 0x25 // Read capacity (10-byte)
	SCSIRead10               = 0x28 // Read blocks (10-byte)
	SCSIWrite10              = 0x2A // Write blocks (10-byte)
	SCSIVerify10             = 0x2F // Verify blocks (10-byte)
	SCSISynchronizeCache10   = 0x35 // Synchronize cache (10-byte)
	SCSIModeSense10          = 0x5A // Get mode parameters (10-byte)
	SCSIRead16               = 0x88 // Read blocks (16-byte)
	SCSIWrite16              = 0x8A // Write blocks (16-byte)
	SCSIRead12               = 0xA8 // Read blocks (12-byte)
	SCSIWrite12              = 0xAA // Write blocks (12-byte)
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseRecoveredError = 0x01 // Recovered error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
	SenseBlankCheck     = 0x08 // Blank check
	SenseAbortedCommand = 0x0B // Aborted command
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo      = 0x00 // No additional sense information
	ASCInvalidCommand        = 0x20 // Invalid command operation code
	ASCLBAOutOfRange         = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB     = 0x24 // Invalid field in CDB
	ASCWriteProtected        = 0x27 // Write protected
	ASCNotReadyToReadyChange = 0x28 // Not ready to ready change
	ASCMediumNotPresent      = 0x3A // Medium not present
)

// SCSI peripheral device types.
const (
	DeviceTypeDisk  = 0x00 // Direct access block device (disk)
	DeviceTypeCDROM = 0x05 // CD-ROM device
	DeviceTypeRBC   = 0x0E // Simplified direct-access device
)

// INQUIRY response constants.
const (
	InquiryStandardSize      = 36   // Standard INQUIRY data length
	InquiryVersionSPC4       = 0x06 // SPC-4 version
	InquiryResponseFormatSPC = 0x02 // SPC-compliant response format
	InquiryRMB               = 0x80 // Removable media bit
)

// Response sizes.
const (
	ReadCapacity10Size = 8
	RequestSenseSize   = 18
	ModeSense6Size     = 4 // header only
)

// Mode sense parameters.
const (
	ModePageAllPages    = 0x3F // All mode pages
	ModeSenseAllocation = 192  // Allocation length of the all-pages request
	ModeWriteProtect    = 0x80 // WP bit of the device-specific parameter
)

// DefaultBlockSize is the block size assumed before discovery.
const DefaultBlockSize = 512
