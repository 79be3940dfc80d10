package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli/v2"

	"github.com/born-ml/gemmcheck/internal/numeric"
	"github.com/born-ml/gemmcheck/internal/serialization"
)

func inspectCommand(_ *env) *cli.Command {
	return &cli.Command{
		Name:      "inspect",
		Usage:     "Print the header of a .gmx file and the first rows of its matrix",
		ArgsUsage: "<file.gmx>",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "rows", Value: 8, Usage: "Rows to print, 0 for all"},
			&cli.IntFlag{Name: "cols", Value: 8, Usage: "Columns to print, 0 for all"},
			&cli.BoolFlag{Name: "skip-checksum", Usage: "Do not validate the payload checksum"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return cli.Exit("inspect needs exactly one file", 1)
			}
			f, err := readFile(c.Args().First(), c.Bool("skip-checksum"))
			if err != nil {
				return err
			}
			w := c.App.Writer
			printHeader(w, f)
			switch f.Header.Element {
			case numeric.Uint32:
				return printMatrix[uint32](w, f, c.Int("rows"), c.Int("cols"))
			default:
				return printMatrix[float32](w, f, c.Int("rows"), c.Int("cols"))
			}
		},
	}
}

func readFile(path string, skipChecksum bool) (*serialization.File, error) {
	if !skipChecksum {
		return serialization.ReadFile(path)
	}
	return serialization.ReadFileWithOptions(path, serialization.ReaderOptions{SkipChecksumValidation: true})
}

func printHeader(w io.Writer, f *serialization.File) {
	h := f.Header
	fmt.Fprintf(w, "format:   %s v%d\n", serialization.MagicBytes, h.Version)
	fmt.Fprintf(w, "element:  %s\n", h.Element)
	fmt.Fprintf(w, "shape:    %s\n", h.Dim())
	fmt.Fprintf(w, "payload:  %s\n", humanize.IBytes(h.PayloadSize))
	fmt.Fprintf(w, "checksum: %s\n", serialization.ChecksumHex(h.Checksum))

	m := f.Metadata
	if m.Kernel != "" {
		fmt.Fprintf(w, "kernel:   %s\n", m.Kernel)
	}
	if m.Adapter != "" {
		fmt.Fprintf(w, "adapter:  %s\n", m.Adapter)
	}
	if m.Verified != nil {
		fmt.Fprintf(w, "verified: %t (tolerance %g)\n", *m.Verified, m.Tolerance)
	}
	if !m.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created:  %s (%s)\n", m.CreatedAt.Format("2006-01-02 15:04:05 MST"), humanize.Time(m.CreatedAt))
	}
	keys := make([]string, 0, len(m.Extra))
	for k := range m.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, m.Extra[k])
	}
	fmt.Fprintln(w)
}

func printMatrix[T numeric.Element](w io.Writer, f *serialization.File, rows, cols int) error {
	m, err := serialization.Decode[T](f)
	if err != nil {
		return err
	}
	return m.Format(w, rows, cols)
}
