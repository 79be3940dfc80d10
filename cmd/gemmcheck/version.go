package main

import (
	"fmt"
	"runtime"

	"github.com/common-nighthawk/go-figure"
	"github.com/urfave/cli/v2"
)

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Show version",
		Action: func(c *cli.Context) error {
			banner := figure.NewFigure("gemmcheck", "", true)
			fmt.Fprintln(c.App.Writer, banner.String())
			fmt.Fprintf(c.App.Writer, "gemmcheck %s (%s/%s, %s)\n", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
			return nil
		},
	}
}
