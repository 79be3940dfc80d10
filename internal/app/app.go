// Package app wires configuration, logging, metrics and the compute session with fx.
package app

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/born-ml/gemmcheck/internal/backend/software"
	"github.com/born-ml/gemmcheck/internal/backend/webgpu"
	"github.com/born-ml/gemmcheck/internal/compute"
	"github.com/born-ml/gemmcheck/internal/config"
	"github.com/born-ml/gemmcheck/internal/fault"
	"github.com/born-ml/gemmcheck/internal/logger"
	"github.com/born-ml/gemmcheck/internal/metrics"
)

// Module provides the metrics registry and the compute session. It expects a
// *config.Config and a *zap.Logger to be supplied.
var Module = fx.Module("gemmcheck",
	fx.Provide(
		metrics.New,
		NewSession,
	),
	fx.Invoke(serveMetrics),
)

// Deps is everything a command needs to run jobs.
type Deps struct {
	fx.In

	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Session compute.Session
}

// NewSession opens the session selected by cfg and closes it when the app stops.
func NewSession(lc fx.Lifecycle, cfg *config.Config, log *zap.Logger) (compute.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Device.PollTimeout)
	defer cancel()

	session, err := OpenSession(ctx, cfg.Device.Backend, log)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return session.Close()
		},
	})
	return session, nil
}

// OpenSession acquires a session for backend. The auto backend tries WebGPU first
// and falls back to the software session when no device is available.
func OpenSession(ctx context.Context, backend string, log *zap.Logger) (compute.Session, error) {
	log = logger.OrNop(log)
	switch backend {
	case config.BackendSoftware:
		return software.New(log), nil
	case config.BackendWebGPU:
		return webgpu.Acquire(ctx, log)
	case config.BackendAuto:
		session, err := webgpu.Acquire(ctx, log)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, fault.ErrDeviceUnavailable) {
			return nil, err
		}
		log.Warn("WebGPU unavailable, falling back to software session", zap.Error(err))
		return software.New(log), nil
	default:
		return nil, fault.New(fault.ErrConfig, "app.OpenSession", "unknown backend %q", backend)
	}
}

func serveMetrics(lc fx.Lifecycle, cfg *config.Config, m *metrics.Metrics, log *zap.Logger) {
	addr := cfg.Metrics.ListenAddress
	if addr == "" {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := m.Serve(ctx, addr, log.Named("metrics")); err != nil {
					log.Error("metrics endpoint stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
}

// Run starts the application, hands its dependencies to fn and stops it once fn returns.
func Run(ctx context.Context, cfg *config.Config, log *zap.Logger, fn func(context.Context, Deps) error) (err error) {
	log = logger.OrNop(log)
	var deps Deps
	a := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx").WithOptions(zap.IncreaseLevel(zap.WarnLevel))}
		}),
		fx.Supply(cfg, log),
		Module,
		fx.Invoke(func(d Deps) { deps = d }),
	)
	if err := a.Err(); err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), a.StopTimeout())
		defer cancel()
		if stopErr := a.Stop(stopCtx); stopErr != nil {
			err = errors.Join(err, stopErr)
		}
	}()

	return fn(ctx, deps)
}
