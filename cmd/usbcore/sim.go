package main

import (
	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/usbcore/host/class/msc/msctest"
	"github.com/ardnew/usbcore/host/hal"
	"github.com/ardnew/usbcore/host/hal/sim"
)

// simAddress is the address the simulated disk is plugged in at.
const simAddress hal.DeviceAddress = 1

func simCommand() *cli.Command {
	return &cli.Command{
		Name:  "sim",
		Usage: "attach a RAM disk served by the simulated controller",
		Flags: append([]cli.Flag{
			&cli.UintFlag{
				Name:  "blocks",
				Value: msctest.DefaultBlocks,
				Usage: "number of logical blocks",
			},
			&cli.UintFlag{
				Name:  "block-size",
				Value: 512,
				Usage: "logical block length in bytes",
			},
			&cli.StringFlag{
				Name:  "vendor",
				Value: "usbcore",
				Usage: "INQUIRY vendor identification",
			},
			&cli.StringFlag{
				Name:  "product",
				Value: "RAM disk",
				Usage: "INQUIRY product identification",
			},
			&cli.BoolFlag{
				Name:  "read-only",
				Usage: "report the medium as write-protected",
			},
		}, blockFlags()...),
		Action: runSim,
	}
}

func runSim(c *cli.Context) error {
	ctrl := sim.New()
	msctest.New(msctest.Config{
		Vendor:    c.String("vendor"),
		Product:   c.String("product"),
		Blocks:    uint32(c.Uint("blocks")),
		BlockSize: uint32(c.Uint("block-size")),
		ReadOnly:  c.Bool("read-only"),
	}).Plug(ctrl, simAddress)

	op := parseBlockOp(c)
	reg, disk, err := attachDisk(c.Context, ctrl, simAddress, op.retries)
	if err != nil {
		return err
	}
	defer reg.Close()

	return runBlockOp(c.Context, c.App.Writer, disk, op)
}
