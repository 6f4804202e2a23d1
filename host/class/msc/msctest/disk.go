// Package msctest provides a simulated Bulk-Only SCSI disk served by the
// hal/sim controller, for exercising the mass-storage stack end to end.
package msctest

import (
	"sync"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/class/msc"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/host/hal/sim"
	"github.com/ardnew/usbcore/pkg"
)

// Endpoint addresses of the disk's bulk pipes.
const (
	BulkIn        = 0x81
	BulkOut       = 0x02
	MaxPacketSize = 512
)

// Config describes a Disk.
type Config struct {
	VendorID  uint16
	ProductID uint16

	// INQUIRY identity.
	Vendor   string
	Product  string
	Revision string

	Blocks    uint32
	BlockSize uint32
	ReadOnly  bool
	Removable bool

	// NotReady fails TEST UNIT READY with NOT READY sense.
	NotReady bool

	MaxLUN      uint8
	MaxLUNStall bool // stall GET MAX LUN
	MaxLUNEmpty bool // answer GET MAX LUN with no data

	// Undeclared reports a vendor-specific interface instead of SCSI over
	// Bulk-Only Transport.
	Undeclared bool
}

// Defaults applied by New to zero fields.
const (
	DefaultVendorID  = 0x1209
	DefaultProductID = 0x0001
	DefaultBlocks    = 4096
)

type phase int

const (
	phaseCommand phase = iota
	phaseDataIn
	phaseDataOut
	phaseStatus
)

// Disk is a simulated mass-storage device. It decodes each CBW written to
// its bulk OUT endpoint, runs the SCSI command against its MemoryStorage
// and answers with data and a CSW on its bulk IN endpoint.
type Disk struct {
	cfg         Config
	storage     *MemoryStorage
	descriptors *sim.Descriptors

	mutex    sync.Mutex
	phase    phase
	cbw      msc.CommandBlockWrapper
	pending  []byte
	received []byte
	status   msc.CSWStatus
	sent     uint32

	senseKey, asc, ascq uint8

	commands []msc.CommandBlockWrapper
	resets   int
	halts    int

	badTags       int
	badSignatures int
	forced        map[uint8]msc.CSWStatus

	dataBuf [64 * 1024]byte
}

// New creates a disk.
func New(cfg Config) *Disk {
	if cfg.VendorID == 0 && cfg.ProductID == 0 {
		cfg.VendorID = DefaultVendorID
		cfg.ProductID = DefaultProductID
	}
	if cfg.Blocks == 0 {
		cfg.Blocks = DefaultBlocks
	}
	if cfg.BlockSize == 0 {
		cfg.BlockSize = msc.DefaultBlockSize
	}
	if cfg.Vendor == "" {
		cfg.Vendor = "usbcore"
	}
	if cfg.Product == "" {
		cfg.Product = "VirtualDisk"
	}
	if cfg.Revision == "" {
		cfg.Revision = "1.0"
	}

	d := &Disk{
		cfg:     cfg,
		storage: NewMemoryStorage(cfg.Blocks, cfg.BlockSize),
		forced:  make(map[uint8]msc.CSWStatus),
	}
	d.storage.SetReadOnly(cfg.ReadOnly)
	d.storage.SetPresent(!cfg.NotReady)
	d.descriptors = &sim.Descriptors{
		Device:        DeviceDescriptor(cfg),
		Configuration: ConfigurationDescriptor(cfg),
		Strings: map[uint8]string{
			1: cfg.Vendor,
			2: cfg.Product,
			3: "0123456789AB",
		},
		ClearHalt: d.clearHalt,
	}
	return d
}

// DeviceDescriptor returns the device descriptor of a disk.
func DeviceDescriptor(cfg Config) []byte {
	desc := host.DeviceDescriptor{
		USBVersion:        0x0200,
		MaxPacketSize0:    64,
		VendorID:          cfg.VendorID,
		ProductID:         cfg.ProductID,
		DeviceVersion:     0x0100,
		ManufacturerIndex: 1,
		ProductIndex:      2,
		SerialNumberIndex: 3,
		NumConfigurations: 1,
	}
	buf := make([]byte, host.DeviceDescriptorSize)
	desc.MarshalTo(buf)
	return buf
}

// ConfigurationDescriptor returns the full configuration tree of a disk:
// one interface with a bulk endpoint in each direction.
func ConfigurationDescriptor(cfg Config) []byte {
	total := host.ConfigurationDescriptorSize + host.InterfaceDescriptorSize + 2*host.EndpointDescriptorSize
	buf := make([]byte, total)

	config := host.ConfigurationDescriptor{
		TotalLength:        uint16(total),
		NumInterfaces:      1,
		ConfigurationValue: 1,
		Attributes:         0x80,
		MaxPower:           50,
	}
	iface := host.InterfaceDescriptor{
		NumEndpoints:      2,
		InterfaceClass:    msc.ClassMSC,
		InterfaceSubClass: msc.SubclassSCSI,
		InterfaceProtocol: msc.ProtocolBulkOnly,
	}
	if cfg.Undeclared {
		iface.InterfaceClass = host.ClassVendor
		iface.InterfaceSubClass = 0
		iface.InterfaceProtocol = 0
	}
	in := host.EndpointDescriptor{EndpointAddress: BulkIn, Attributes: host.EndpointTypeBulk, MaxPacketSize: MaxPacketSize}
	out := host.EndpointDescriptor{EndpointAddress: BulkOut, Attributes: host.EndpointTypeBulk, MaxPacketSize: MaxPacketSize}

	off := config.MarshalTo(buf)
	off += iface.MarshalTo(buf[off:])
	off += in.MarshalTo(buf[off:])
	out.MarshalTo(buf[off:])
	return buf
}

// Plug attaches the disk to c at addr.
func (d *Disk) Plug(c *sim.Controller, addr hal.DeviceAddress) {
	c.HandleControl(addr, d.descriptors.Handler(d.classRequest))
	c.HandleEndpoint(addr, BulkOut, d.bulkOut)
	c.HandleEndpoint(addr, BulkIn, d.bulkIn)
}

// Storage returns the disk's medium.
func (d *Disk) Storage() *MemoryStorage { return d.storage }

// Config returns the disk's configuration after defaults.
func (d *Disk) Config() Config { return d.cfg }

// Commands returns every CBW the disk accepted, in order.
func (d *Disk) Commands() []msc.CommandBlockWrapper {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return append([]msc.CommandBlockWrapper(nil), d.commands...)
}

// Resets returns the number of Bulk-Only Mass Storage Resets received.
func (d *Disk) Resets() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.resets
}

// CorruptTags makes the next n CSWs carry a tag that does not match their
// CBW.
func (d *Disk) CorruptTags(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.badTags = n
}

// CorruptSignatures makes the next n CSWs carry an invalid signature.
func (d *Disk) CorruptSignatures(n int) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.badSignatures = n
}

// ForceStatus makes the next command with opcode complete with status. The
// sense data reports an aborted command.
func (d *Disk) ForceStatus(opcode uint8, status msc.CSWStatus) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.forced[opcode] = status
}

// SetReady inserts or removes the medium.
func (d *Disk) SetReady(ready bool) {
	d.storage.SetPresent(ready)
}

// Configured returns the active configuration value.
func (d *Disk) Configured() uint8 { return d.descriptors.Configured() }

func (d *Disk) classRequest(setup hal.SetupPacket, data []byte) (int, error) {
	switch {
	case setup.RequestType == msc.RequestTypeClassIn && setup.Request == msc.RequestGetMaxLUN:
		if d.cfg.MaxLUNStall {
			return 0, pkg.ErrStall
		}
		if d.cfg.MaxLUNEmpty || len(data) == 0 {
			return 0, nil
		}
		data[0] = d.cfg.MaxLUN
		return 1, nil

	case setup.RequestType == msc.RequestTypeClassOut && setup.Request == msc.RequestBulkOnlyMassStorageReset:
		d.mutex.Lock()
		d.resets++
		d.resetLocked()
		d.mutex.Unlock()
		pkg.LogDebug(pkg.ComponentMSC, "disk reset")
		return 0, nil
	}
	return 0, pkg.ErrStall
}

func (d *Disk) clearHalt(uint8) {
	d.mutex.Lock()
	d.halts++
	d.mutex.Unlock()
}

// HaltsCleared returns the number of CLEAR_FEATURE(ENDPOINT_HALT) requests
// received.
func (d *Disk) HaltsCleared() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.halts
}

func (d *Disk) resetLocked() {
	d.phase = phaseCommand
	d.pending = nil
	d.received = nil
}

// bulkOut receives CBWs and data-out stages.
func (d *Disk) bulkOut(data []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.phase == phaseDataOut && !d.isCBW(data) {
		d.received = append(d.received, data...)
		if uint32(len(d.received)) >= d.cbw.DataTransferLength {
			d.finishDataOut()
		}
		return len(data), nil
	}

	// A CBW in any other phase abandons the previous command.
	var cbw msc.CommandBlockWrapper
	if len(data) != msc.CBWSize || !msc.ParseCBW(data, &cbw) {
		return 0, pkg.ErrStall
	}
	d.resetLocked()
	d.cbw = cbw
	d.commands = append(d.commands, cbw)
	d.execute()
	return len(data), nil
}

func (d *Disk) isCBW(data []byte) bool {
	var cbw msc.CommandBlockWrapper
	return len(data) == msc.CBWSize &&
		d.cbw.DataTransferLength != msc.CBWSize &&
		msc.ParseCBW(data, &cbw)
}

// bulkIn sends data-in stages and CSWs.
func (d *Disk) bulkIn(data []byte) (int, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	switch d.phase {
	case phaseDataIn:
		n := copy(data, d.pending)
		d.sent = uint32(n)
		d.pending = nil
		d.phase = phaseStatus
		return n, nil

	case phaseStatus:
		csw := msc.NewCSW(d.cbw.Tag, d.cbw.DataTransferLength-d.sent, d.status)
		if d.badTags > 0 {
			d.badTags--
			csw.Tag++
		}
		if d.badSignatures > 0 {
			d.badSignatures--
			csw.Signature = 0
		}
		var wire [msc.CSWSize]byte
		csw.MarshalTo(wire[:])
		d.phase = phaseCommand
		return copy(data, wire[:]), nil
	}
	return 0, pkg.ErrStall
}

// execute runs the current CBW up to its data stage.
func (d *Disk) execute() {
	opcode := d.cbw.CB[0]
	d.sent = 0

	if status, ok := d.forced[opcode]; ok {
		delete(d.forced, opcode)
		d.setSense(msc.SenseAbortedCommand, msc.ASCNoAdditionalInfo, 0)
		d.complete(status, nil)
		return
	}

	if d.cbw.LUN > d.cfg.MaxLUN {
		d.setSense(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB, 0)
		d.complete(msc.CSWStatusFailed, nil)
		return
	}

	pkg.LogDebug(pkg.ComponentMSC, "disk command",
		"opcode", opcode,
		"tag", d.cbw.Tag,
		"length", d.cbw.DataTransferLength)

	switch opcode {
	case msc.SCSITestUnitReady:
		d.testUnitReady()
	case msc.SCSIRequestSense:
		d.requestSense()
	case msc.SCSIInquiry:
		d.inquiry()
	case msc.SCSIReadCapacity10:
		d.readCapacity10()
	case msc.SCSIModeSense6:
		d.modeSense6()
	case msc.SCSIRead10:
		d.read10()
	case msc.SCSIWrite10:
		d.write10()
	default:
		d.setSense(msc.SenseIllegalRequest, msc.ASCInvalidCommand, 0)
		d.complete(msc.CSWStatusFailed, nil)
	}
}

// complete queues response as the data-in stage, if the CBW declared one,
// followed by a CSW carrying status.
func (d *Disk) complete(status msc.CSWStatus, response []byte) {
	d.status = status
	switch {
	case d.cbw.DataTransferLength == 0:
		d.phase = phaseStatus
	case d.cbw.IsDataIn():
		if uint32(len(response)) > d.cbw.DataTransferLength {
			response = response[:d.cbw.DataTransferLength]
		}
		d.pending = response
		d.phase = phaseDataIn
	default:
		d.phase = phaseDataOut
	}
}

func (d *Disk) setSense(key, asc, ascq uint8) {
	d.senseKey, d.asc, d.ascq = key, asc, ascq
}

func (d *Disk) notReady() bool {
	if d.storage.IsPresent() {
		return false
	}
	d.setSense(msc.SenseNotReady, msc.ASCMediumNotPresent, 0)
	d.complete(msc.CSWStatusFailed, nil)
	return true
}

func (d *Disk) testUnitReady() {
	if d.notReady() {
		return
	}
	d.setSense(msc.SenseNoSense, msc.ASCNoAdditionalInfo, 0)
	d.complete(msc.CSWStatusPassed, nil)
}

func (d *Disk) requestSense() {
	resp := msc.NewRequestSenseResponse(d.senseKey, d.asc, d.ascq)
	n := resp.MarshalTo(d.dataBuf[:])
	d.setSense(msc.SenseNoSense, msc.ASCNoAdditionalInfo, 0)
	d.complete(msc.CSWStatusPassed, d.dataBuf[:n])
}

func (d *Disk) inquiry() {
	resp := msc.NewInquiryResponse(msc.DeviceTypeDisk, d.cfg.Removable,
		d.cfg.Vendor, d.cfg.Product, d.cfg.Revision)
	n := resp.MarshalTo(d.dataBuf[:])
	d.complete(msc.CSWStatusPassed, d.dataBuf[:n])
}

// readCapacity10 reports the block count in the first field, as the host
// stack reads it.
func (d *Disk) readCapacity10() {
	if d.notReady() {
		return
	}
	resp := msc.ReadCapacity10Response{
		Blocks:      d.storage.BlockCount(),
		BlockLength: d.storage.BlockSize(),
	}
	n := resp.MarshalTo(d.dataBuf[:])
	d.complete(msc.CSWStatusPassed, d.dataBuf[:n])
}

func (d *Disk) modeSense6() {
	resp := msc.ModeSense6Header{ModeDataLength: msc.ModeSense6Size - 1}
	if d.storage.IsReadOnly() {
		resp.DeviceParam = msc.ModeWriteProtect
	}
	n := resp.MarshalTo(d.dataBuf[:])
	d.complete(msc.CSWStatusPassed, d.dataBuf[:n])
}

// span validates a READ (10) or WRITE (10) and returns its byte length.
func (d *Disk) span() (msc.CDB10, uint32, bool) {
	var cdb msc.CDB10
	if !msc.ParseCDB10(d.cbw.Command(), &cdb) {
		d.setSense(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB, 0)
		d.complete(msc.CSWStatusFailed, nil)
		return cdb, 0, false
	}
	if uint64(cdb.LBA)+uint64(cdb.Length) > uint64(d.storage.BlockCount()) {
		d.setSense(msc.SenseIllegalRequest, msc.ASCLBAOutOfRange, 0)
		d.complete(msc.CSWStatusFailed, nil)
		return cdb, 0, false
	}
	length := uint32(cdb.Length) * d.storage.BlockSize()
	if length > uint32(len(d.dataBuf)) || length > d.cbw.DataTransferLength {
		d.setSense(msc.SenseIllegalRequest, msc.ASCInvalidFieldInCDB, 0)
		d.complete(msc.CSWStatusPhaseError, nil)
		return cdb, 0, false
	}
	return cdb, length, true
}

func (d *Disk) read10() {
	if d.notReady() {
		return
	}
	cdb, length, ok := d.span()
	if !ok {
		return
	}
	if _, err := d.storage.Read(cdb.LBA, uint32(cdb.Length), d.dataBuf[:length]); err != nil {
		d.setSense(msc.SenseMediumError, msc.ASCNoAdditionalInfo, 0)
		d.complete(msc.CSWStatusFailed, nil)
		return
	}
	d.complete(msc.CSWStatusPassed, d.dataBuf[:length])
}

func (d *Disk) write10() {
	if d.notReady() {
		return
	}
	if d.storage.IsReadOnly() {
		d.setSense(msc.SenseDataProtect, msc.ASCWriteProtected, 0)
		d.complete(msc.CSWStatusFailed, nil)
		return
	}
	if _, _, ok := d.span(); !ok {
		return
	}
	d.complete(msc.CSWStatusPassed, nil)
}

// finishDataOut commits a received WRITE (10) data stage.
func (d *Disk) finishDataOut() {
	d.sent = uint32(len(d.received))
	if d.sent > d.cbw.DataTransferLength {
		d.sent = d.cbw.DataTransferLength
	}
	d.phase = phaseStatus

	if d.status != msc.CSWStatusPassed || d.cbw.CB[0] != msc.SCSIWrite10 {
		d.received = nil
		return
	}
	var cdb msc.CDB10
	msc.ParseCDB10(d.cbw.Command(), &cdb)
	if _, err := d.storage.Write(cdb.LBA, uint32(cdb.Length), d.received); err != nil {
		d.setSense(msc.SenseMediumError, msc.ASCNoAdditionalInfo, 0)
		d.status = msc.CSWStatusFailed
	}
	d.received = nil
}
