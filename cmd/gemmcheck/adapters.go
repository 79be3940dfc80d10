package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/backend/software"
	"github.com/born-ml/gemmcheck/internal/backend/webgpu"
	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/fault"
)

func adaptersCommand(e *env) *cli.Command {
	return &cli.Command{
		Name:  "adapters",
		Usage: "List the devices a session can run on",
		Action: func(c *cli.Context) error {
			adapters, err := webgpu.ListAdapters()
			if err != nil {
				if !errors.Is(err, fault.ErrDeviceUnavailable) {
					return err
				}
				e.log.Warn("no WebGPU adapter", zap.Error(err))
			}

			sw := software.New(e.log)
			adapters = append(adapters, sw.Info())
			limits := sw.Limits()
			if err := sw.Close(); err != nil {
				return err
			}
			return printAdapters(c, adapters, limits)
		},
	}
}

func printAdapters(c *cli.Context, adapters []compute.AdapterInfo, limits compute.Limits) error {
	tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tVENDOR\tBACKEND\tDESCRIPTION")
	for _, a := range adapters {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.Vendor, a.Backend, a.Description)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "\ndefault limits: max buffer %d bytes, max storage binding %d bytes, %d workgroups per dimension\n",
		limits.MaxBufferSize, limits.MaxStorageBindingSize, limits.MaxWorkgroupsPerDimension)
	return nil
}
