package msc

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// CommandError is returned when a device completes a command with a Failed
// or PhaseError status. Sense holds the device's REQUEST SENSE data when it
// could be fetched.
type CommandError struct {
	Op     string
	LBA    uint32
	Status CSWStatus
	Sense  *RequestSenseResponse
}

func (e *CommandError) Error() string {
	if e.Sense == nil {
		return fmt.Sprintf("msc: %s lba %d: %s", e.Op, e.LBA, e.Status)
	}
	return fmt.Sprintf("msc: %s lba %d: %s (sense %#02x asc %#02x ascq %#02x)",
		e.Op, e.LBA, e.Status, e.Sense.SenseKey, e.Sense.ASC, e.Sense.ASCQ)
}

// Is matches pkg.ErrCommandFailed.
func (e *CommandError) Is(target error) bool {
	return target == pkg.ErrCommandFailed
}

// StorageDevice is a discovered SCSI direct-access unit behind a Handle.
// Reads and writes are single-block; callers split larger requests.
type StorageDevice struct {
	handle *Handle
	lun    uint8

	MaxLUN     uint8
	Vendor     string
	Product    string
	Revision   string
	Removable  bool
	BlockSize  uint32
	BlockCount uint32
	ReadOnly   bool
}

// Attach runs the discovery sequence on h: GET MAX LUN, TEST UNIT READY,
// INQUIRY, READ CAPACITY (10) and MODE SENSE (6) of all pages. A unit that
// does not pass TEST UNIT READY fails with pkg.ErrBusy. Any other failure
// aborts with the underlying error.
func Attach(ctx context.Context, h *Handle) (*StorageDevice, error) {
	maxLUN, err := h.GetMaxLUN(ctx)
	if err != nil {
		return nil, err
	}
	if maxLUN > 0 {
		pkg.LogInfo(pkg.ComponentMSC, "multiple logical units, using LUN 0",
			"device", h.Device().Address(),
			"maxLUN", maxLUN)
	}

	s := &StorageDevice{handle: h, MaxLUN: maxLUN}

	status, err := h.TryCommand(ctx, TestUnitReady(), s.lun, hal.DirectionOut, nil)
	if err != nil {
		return nil, err
	}
	if status != CSWStatusPassed {
		return nil, fmt.Errorf("msc: test unit ready: %s: %w", status, pkg.ErrBusy)
	}

	var inquiry [InquiryStandardSize]byte
	if err := s.command(ctx, "inquiry", 0, Inquiry(), hal.DirectionIn, inquiry[:]); err != nil {
		return nil, err
	}
	var ir InquiryResponse
	ParseInquiryResponse(inquiry[:], &ir)
	s.Vendor = ir.Vendor()
	s.Product = ir.Product()
	s.Revision = ir.Revision()
	s.Removable = ir.Removable()

	var capacity [ReadCapacity10Size]byte
	if err := s.command(ctx, "read capacity", 0, ReadCapacity10(), hal.DirectionIn, capacity[:]); err != nil {
		return nil, err
	}
	var rc ReadCapacity10Response
	ParseReadCapacity10Response(capacity[:], &rc)
	if rc.BlockLength == 0 {
		return nil, fmt.Errorf("msc: read capacity: %w: zero block length", pkg.ErrProtocol)
	}
	s.BlockCount = rc.Blocks
	s.BlockSize = rc.BlockLength

	var mode [ModeSenseAllocation]byte
	if err := s.command(ctx, "mode sense", 0,
		ModeSense6(ModePageAllPages, ModeSenseAllocation), hal.DirectionIn, mode[:]); err != nil {
		return nil, err
	}
	var mh ModeSense6Header
	ParseModeSense6Header(mode[:], &mh)
	s.ReadOnly = mh.WriteProtected()

	pkg.LogInfo(pkg.ComponentMSC, "storage attached",
		"device", h.Device().Address(),
		"vendor", s.Vendor,
		"product", s.Product,
		"blocks", s.BlockCount,
		"blockSize", s.BlockSize,
		"readOnly", s.ReadOnly)
	return s, nil
}

// Handle returns the transport handle.
func (s *StorageDevice) Handle() *Handle { return s.handle }

// LUN returns the logical unit in use.
func (s *StorageDevice) LUN() uint8 { return s.lun }

// Capacity returns the medium size in bytes.
func (s *StorageDevice) Capacity() uint64 {
	return uint64(s.BlockCount) * uint64(s.BlockSize)
}

func (s *StorageDevice) String() string {
	return fmt.Sprintf("%s %s (%d x %d bytes)", s.Vendor, s.Product, s.BlockCount, s.BlockSize)
}

// Read reads the block at lba into buf, which must hold BlockSize bytes.
func (s *StorageDevice) Read(ctx context.Context, lba uint32, buf []byte) error {
	if err := s.checkBlock(lba, buf); err != nil {
		return err
	}
	return s.command(ctx, "read", lba, Read10(lba, 1), hal.DirectionIn, buf[:s.BlockSize])
}

// Write writes the block at lba from buf, which must hold BlockSize bytes.
// A write-protected medium fails with pkg.ErrWriteProtected.
func (s *StorageDevice) Write(ctx context.Context, lba uint32, buf []byte) error {
	if s.ReadOnly {
		return fmt.Errorf("msc: write lba %d: %w", lba, pkg.ErrWriteProtected)
	}
	if err := s.checkBlock(lba, buf); err != nil {
		return err
	}
	return s.command(ctx, "write", lba, Write10(lba, 1), hal.DirectionOut, buf[:s.BlockSize])
}

func (s *StorageDevice) checkBlock(lba uint32, buf []byte) error {
	if uint32(len(buf)) < s.BlockSize {
		return fmt.Errorf("msc: %w: %d-byte buffer for %d-byte block",
			pkg.ErrBufferTooSmall, len(buf), s.BlockSize)
	}
	if lba >= s.BlockCount {
		return fmt.Errorf("msc: %w: lba %d of %d", pkg.ErrInvalidParameter, lba, s.BlockCount)
	}
	return nil
}

// command runs cdb and turns a non-Passed status into a CommandError. When
// the exchange exhausts its retries the device is reset so later commands
// start from a clean state.
func (s *StorageDevice) command(ctx context.Context, op string, lba uint32, cdb CDB, dir hal.Direction, buf []byte) error {
	status, err := s.handle.TryCommand(ctx, cdb, s.lun, dir, buf)
	if err != nil {
		if errors.Is(err, pkg.ErrProtocol) && !errors.Is(err, pkg.ErrProtocolViolation) {
			if rerr := s.handle.Reset(ctx); rerr != nil {
				pkg.LogWarn(pkg.ComponentMSC, "reset failed", "error", rerr)
			}
		}
		return err
	}
	if status == CSWStatusPassed {
		return nil
	}

	cerr := &CommandError{Op: op, LBA: lba, Status: status}
	if status == CSWStatusFailed {
		cerr.Sense = s.requestSense(ctx)
	}
	pkg.LogWarn(pkg.ComponentMSC, "command error", "error", cerr.Error())
	return cerr
}

// requestSense fetches sense data, or nil if the device cannot supply it.
func (s *StorageDevice) requestSense(ctx context.Context) *RequestSenseResponse {
	var buf [RequestSenseSize]byte
	status, err := s.handle.TryCommand(ctx, RequestSense(), s.lun, hal.DirectionIn, buf[:])
	if err != nil || status != CSWStatusPassed {
		return nil
	}
	var sense RequestSenseResponse
	if !ParseRequestSenseResponse(buf[:], &sense) {
		return nil
	}
	return &sense
}
