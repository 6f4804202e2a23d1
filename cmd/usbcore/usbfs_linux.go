//go:build linux

package main

import (
	"fmt"
	"text/tabwriter"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/usbcore/host"
	"github.com/ardnew/usbcore/host/hal/linux"
	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/usbid"
)

func platformCommands() []*cli.Command {
	return []*cli.Command{listCommand(), usbfsCommand()}
}

func sysfsFlag() cli.Flag {
	return &cli.StringFlag{
		Name:  "sysfs",
		Value: linux.SysfsUSBPath,
		Usage: "sysfs USB device directory",
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "list USB devices found in sysfs",
		Flags: []cli.Flag{
			sysfsFlag(),
			&cli.BoolFlag{
				Name:  "storage",
				Usage: "only devices with a mass-storage interface",
			},
			&cli.StringSliceFlag{
				Name:  "usb-ids",
				Value: cli.NewStringSlice(usbid.DefaultPaths...),
				Usage: "usb.ids databases naming devices without string descriptors",
			},
		},
		Action: runList,
	}
}

func runList(c *cli.Context) error {
	devices, err := linux.ScanDevices(c.String("sysfs"))
	if err != nil {
		return err
	}

	// Names are optional; a missing database leaves them to sysfs.
	names, err := usbid.Open(c.StringSlice("usb-ids")...)
	if err != nil {
		pkg.LogDebug(pkg.ComponentHost, "no usb.ids database", "error", err)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BUS\tDEV\tID\tSPEED\tINTERFACES\tPRODUCT")
	for _, d := range devices {
		if c.Bool("storage") && !d.HasInterfaceClass(host.ClassMassStorage) {
			continue
		}
		ifaces := ""
		for i, iface := range d.Interfaces {
			if i > 0 {
				ifaces += ","
			}
			ifaces += fmt.Sprintf("%02x", iface.Class)
			if iface.Driver != "" {
				ifaces += "(" + iface.Driver + ")"
			}
		}
		vendor, product := d.Manufacturer, d.Product
		if vendor == "" {
			vendor = names.Vendor(d.VendorID)
		}
		if product == "" {
			product = names.Product(d.VendorID, d.ProductID)
		}
		fmt.Fprintf(w, "%03d\t%03d\t%04x:%04x\t%s\t%s\t%s %s\n",
			d.Bus, d.DevNum, d.VendorID, d.ProductID, d.Speed, ifaces, vendor, product)
	}
	return w.Flush()
}

func usbfsCommand() *cli.Command {
	return &cli.Command{
		Name:  "usbfs",
		Usage: "attach a mass-storage device through /dev/bus/usb",
		Flags: append([]cli.Flag{
			sysfsFlag(),
			&cli.UintFlag{
				Name:  "bus",
				Usage: "bus number of the device (default: first mass-storage device)",
			},
			&cli.UintFlag{
				Name:  "device",
				Usage: "device number on the bus",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: linux.DefaultTimeout,
				Usage: "per-transfer timeout",
			},
			&cli.BoolFlag{
				Name:  "force",
				Usage: "allow --write to modify a physical medium",
			},
		}, blockFlags()...),
		Action: runUsbfs,
	}
}

// selectDevice picks the device named by --bus/--device, or the first one
// with a mass-storage interface.
func selectDevice(c *cli.Context) (linux.DeviceInfo, error) {
	devices, err := linux.FindDevices(c.String("sysfs"), host.ClassMassStorage)
	if err != nil {
		return linux.DeviceInfo{}, err
	}
	for _, d := range devices {
		if !c.IsSet("bus") || (uint(d.Bus) == c.Uint("bus") && uint(d.DevNum) == c.Uint("device")) {
			return d, nil
		}
	}
	return linux.DeviceInfo{}, fmt.Errorf("%w: no matching mass-storage device", pkg.ErrNoDevice)
}

func runUsbfs(c *cli.Context) error {
	op := parseBlockOp(c)
	if op.write != nil && !c.Bool("force") {
		return fmt.Errorf("%w: --write on a physical device needs --force", pkg.ErrInvalidParameter)
	}

	info, err := selectDevice(c)
	if err != nil {
		return err
	}

	ctrl := linux.New(linux.WithTimeout(c.Duration("timeout")))
	addr, err := ctrl.Open(info)
	if err != nil {
		_ = ctrl.Close()
		return err
	}

	reg, disk, err := attachDisk(c.Context, ctrl, addr, op.retries)
	if err != nil {
		return err
	}
	defer reg.Close()

	return runBlockOp(c.Context, c.App.Writer, disk, op)
}
