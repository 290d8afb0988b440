package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"devbridge/internal/qr"
)

var version = "dev"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "devbridge: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "devbridge",
		Usage:   "share one device's console, video, power and keyboard with web clients",
		Version: version,
		Commands: []*cli.Command{
			serveCommand(),
			qrCommand(),
			versionCommand(),
		},
	}
}

func qrCommand() *cli.Command {
	return &cli.Command{
		Name:      "qr",
		Usage:     "print a URL as a terminal QR code",
		ArgsUsage: "<url>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("usage: devbridge qr <url>")
			}
			return qr.PrintURL(c.App.Writer, c.Args().First())
		},
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "print the version",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "devbridge %s\n", version)
			return err
		},
	}
}
