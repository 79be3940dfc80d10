// Command gemmcheck offloads matrix multiplication and element-wise kernels to a
// WebGPU device and verifies the results against a host reference.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/born-ml/gemmcheck/internal/config"
	"github.com/born-ml/gemmcheck/internal/logger"
)

const version = "v0.1.0"

// env is populated by the Before hook and read by every command.
type env struct {
	cfg *config.Config
	log *zap.Logger
}

func main() {
	var configPath string
	e := &env{}

	app := &cli.App{
		Name:    "gemmcheck",
		Usage:   "Run compute kernels on the GPU and verify them on the CPU",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to the YAML configuration file",
				EnvVars:     []string{"GEMMCHECK_CONFIG"},
				Destination: &configPath,
			},
			&cli.StringFlag{
				Name:    "backend",
				Usage:   "Device backend: auto, webgpu or software",
				EnvVars: []string{"GEMMCHECK_BACKEND"},
			},
			&cli.StringFlag{
				Name:    "verbosity",
				Usage:   "Log level: debug, info, warn or error",
				EnvVars: []string{"GEMMCHECK_VERBOSITY"},
			},
		},
		Before: func(c *cli.Context) error {
			var err error
			e.cfg, err = loadConfig(configPath, c)
			if err != nil {
				return err
			}
			e.log, err = newLogger(e.cfg.Logger.Verbosity)
			if err != nil {
				return err
			}
			e.log = e.log.Named("cli")
			return nil
		},
		After: func(*cli.Context) error {
			if e.log != nil {
				_ = e.log.Sync()
			}
			return nil
		},
		Commands: []*cli.Command{
			matmulCommand(e),
			vecaddCommand(e),
			scaleCommand(e),
			adaptersCommand(e),
			inspectCommand(e),
			versionCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string, c *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if c.IsSet("backend") {
		cfg.Device.Backend = c.String("backend")
	}
	if c.IsSet("verbosity") {
		cfg.Logger.Verbosity = c.String("verbosity")
	}
	return cfg, cfg.Validate()
}

// newLogger logs human-readable lines to a terminal and JSON otherwise.
func newLogger(verbosity string) (*zap.Logger, error) {
	if term.IsTerminal(int(os.Stderr.Fd())) { //nolint:gosec // G115: file descriptors fit in int
		return logger.NewDevelopment(verbosity)
	}
	return logger.New(verbosity)
}
