// cmdbridge exposes shell-command driven devices to HomeKit, MQTT and a
// REST/WebSocket API, keeping their on/off state in sync across all of them.
//
// Usage:
//
//	cmdbridge [--config path] run          start the service (default)
//	cmdbridge [--config path] check        validate the configuration and devices
//	cmdbridge [--config path] query NAME   run a device's state command once
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "cmdbridge",
		Usage:   "sync shell-command devices with HomeKit, MQTT and HTTP front ends",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the YAML (or JSON) configuration file",
				Value:   defaultConfigPath,
				EnvVars: []string{"CMDBRIDGE_CONFIG"},
			},
		},
		Action: func(c *cli.Context) error {
			return run(c.Context, c.String("config"))
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the service and run until interrupted",
				Action: func(c *cli.Context) error {
					return run(c.Context, c.String("config"))
				},
			},
			{
				Name:  "check",
				Usage: "validate the configuration and every device entry",
				Action: func(c *cli.Context) error {
					return check(c.App.Writer, c.String("config"))
				},
			},
			{
				Name:      "query",
				Usage:     "run a device's state command once and print the result",
				ArgsUsage: "NAME",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("query needs exactly one device name", 2)
					}
					return query(c.Context, c.App.Writer, c.String("config"), c.Args().First())
				},
			},
		},
	}
}
