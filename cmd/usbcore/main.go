// Command usbcore attaches a USB mass-storage device through the host stack
// and performs single-block I/O on it.
//
// The sim command serves a RAM disk from the in-process simulated
// controller. On Linux, list shows the devices found in sysfs and usbfs
// drives a real device through /dev/bus/usb.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v2"

	"github.com/ardnew/usbcore/pkg"
	"github.com/ardnew/usbcore/pkg/prof"
)

const (
	appName = "usbcore"
	version = "v0.1.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", appName, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = version
	app.Usage = "USB mass-storage host over simulated or usbfs controllers"
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			EnvVars: []string{"USBCORE_LOG_LEVEL"},
			Value:   "warn",
			Usage:   "minimum log level (debug, info, warn, error)",
		},
		&cli.StringFlag{
			Name:    "log-format",
			EnvVars: []string{"USBCORE_LOG_FORMAT"},
			Value:   "text",
			Usage:   "log output format (text, json)",
		},
		&cli.StringFlag{
			Name:      "cpuprofile",
			Usage:     "write a CPU profile to `FILE`",
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:      "memprofile",
			Usage:     "write a heap profile to `FILE` on exit",
			TakesFile: true,
		},
	}

	var session *prof.Session
	app.Before = func(c *cli.Context) error {
		if err := configureLogging(c); err != nil {
			return err
		}
		s, err := prof.Start(prof.Config{CPU: c.String("cpuprofile"), Heap: c.String("memprofile")})
		session = s
		return err
	}
	app.After = func(*cli.Context) error {
		if session == nil {
			return nil
		}
		return session.Stop()
	}
	app.Commands = append([]*cli.Command{simCommand()}, platformCommands()...)
	return app
}

// configureLogging applies the global log flags to the pkg logger.
func configureLogging(c *cli.Context) error {
	level, err := pkg.ParseLogLevel(c.String("log-level"))
	if err != nil {
		return err
	}
	format, err := pkg.ParseLogFormat(c.String("log-format"))
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)
	return nil
}
