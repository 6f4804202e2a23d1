// Package msc implements the host side of the USB Mass Storage Class using
// the Bulk-Only Transport (BOT) protocol with the SCSI transparent command
// set.
//
// # Architecture
//
// The package is layered in three parts:
//
//  1. Handle - Frames SCSI commands in CBW/CSW exchanges on an interface's
//     bulk pipes and issues the class requests on the control pipe
//  2. StorageDevice - Discovers a logical unit and performs block I/O
//  3. Driver - Binds matching interfaces through a host.Registry
//
// # Bulk-Only Transport (BOT) Protocol
//
// Each command is three stages on the bulk pipes:
//
//  1. Command Stage - Host sends a 31-byte Command Block Wrapper (CBW)
//  2. Data Stage - Optional transfer in the direction the CBW declares
//  3. Status Stage - Device returns a 13-byte Command Status Wrapper (CSW)
//
// A transport failure in any stage restarts the exchange with the same CBW,
// up to DefaultRetries attempts, after which the command fails with an error
// matching pkg.ErrProtocol. A CSW with a bad signature, a bad length or a
// foreign tag fails with pkg.ErrProtocolViolation and is not retried. A
// well-formed CSW is returned whatever its status.
//
// # Discovery
//
// Attach asks for the highest LUN and then issues TEST UNIT READY, INQUIRY,
// READ CAPACITY (10) and MODE SENSE (6) of all pages. A unit that is not
// ready fails with pkg.ErrBusy.
//
// # Usage Example
//
//	dev, _ := host.Enumerate(ctx, ctrl, addr)
//	iface := dev.Interface(0)
//	_ = iface.Open()
//
//	h, _ := msc.NewHandle(dev, iface)
//	disk, err := msc.Attach(ctx, h)
//	if err != nil {
//	    return err
//	}
//
//	block := make([]byte, disk.BlockSize)
//	err = disk.Read(ctx, 0, block)
//
// # References
//
//   - USB Mass Storage Class Bulk-Only Transport 1.0
//   - SCSI Primary Commands (SPC-4)
//   - SCSI Block Commands (SBC-3)
package msc
