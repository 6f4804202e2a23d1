package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/class/msc"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/pkg"
)

// blockFlags are shared by every command that performs block I/O.
func blockFlags() []cli.Flag {
	return []cli.Flag{
		&cli.UintFlag{
			Name:  "lba",
			Usage: "logical block to read",
		},
		&cli.StringFlag{
			Name:  "write",
			Usage: "write `TEXT` (zero-padded to one block) to the block before reading it",
		},
		&cli.IntFlag{
			Name:  "retries",
			Value: msc.DefaultRetries,
			Usage: "attempts per Bulk-Only command",
		},
	}
}

// blockOp is the I/O requested on the command line.
type blockOp struct {
	lba     uint32
	write   []byte
	retries int
}

func parseBlockOp(c *cli.Context) blockOp {
	op := blockOp{lba: uint32(c.Uint("lba")), retries: c.Int("retries")}
	if c.IsSet("write") {
		op.write = []byte(c.String("write"))
	}
	return op
}

// attachDisk enumerates the device at addr and binds the mass-storage driver
// to it through a registry. The returned registry owns the device and the
// controller; on failure both are closed.
func attachDisk(ctx context.Context, ctrl hal.Controller, addr hal.DeviceAddress, retries int) (*host.Registry, *msc.StorageDevice, error) {
	reg := host.NewRegistry()
	if err := reg.RegisterController(ctrl); err != nil {
		if c, ok := ctrl.(io.Closer); ok {
			_ = c.Close()
		}
		return nil, nil, err
	}
	drv := msc.NewDriver(msc.WithRetries(retries))
	if err := reg.RegisterDriver(drv); err != nil {
		_ = reg.Close()
		return nil, nil, err
	}

	dev, err := host.Enumerate(ctx, ctrl, addr)
	if err != nil {
		_ = reg.Close()
		return nil, nil, fmt.Errorf("enumerate device %d: %w", addr, err)
	}
	if _, err := reg.Attach(ctx, dev); err != nil {
		_ = dev.Close()
		_ = reg.Close()
		return nil, nil, err
	}

	devices := drv.Devices()
	if len(devices) == 0 {
		_ = reg.Close()
		return nil, nil, fmt.Errorf("device %d: %w", addr, pkg.ErrNoDriver)
	}
	return reg, devices[0], nil
}

// runBlockOp performs op on disk and prints the block that was read.
func runBlockOp(ctx context.Context, w io.Writer, disk *msc.StorageDevice, op blockOp) error {
	fmt.Fprintf(w, "%s\n", disk)
	if disk.ReadOnly {
		fmt.Fprintln(w, "medium is write-protected")
	}

	block := make([]byte, disk.BlockSize)
	if op.write != nil {
		if len(op.write) > len(block) {
			return fmt.Errorf("%w: %d bytes of data for a %d-byte block",
				pkg.ErrInvalidParameter, len(op.write), len(block))
		}
		copy(block, op.write)
		if err := disk.Write(ctx, op.lba, block); err != nil {
			return fmt.Errorf("write block %d: %w", op.lba, err)
		}
		fmt.Fprintf(w, "wrote block %d\n", op.lba)
	}

	if err := disk.Read(ctx, op.lba, block); err != nil {
		var cerr *msc.CommandError
		if errors.As(err, &cerr) && cerr.Sense != nil {
			pkg.LogError(pkg.ComponentMSC, "read failed",
				"lba", op.lba,
				"senseKey", cerr.Sense.SenseKey,
				"asc", cerr.Sense.ASC,
				"ascq", cerr.Sense.ASCQ)
		}
		return fmt.Errorf("read block %d: %w", op.lba, err)
	}
	fmt.Fprintf(w, "block %d:\n%s", op.lba, hex.Dump(block))
	return nil
}
