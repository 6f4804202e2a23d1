//go:build !linux

package main

import cli "github.com/urfave/cli/v2"

func platformCommands() []*cli.Command { return nil }
