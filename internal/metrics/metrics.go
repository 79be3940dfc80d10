// Package metrics exposes Prometheus instrumentation for compute jobs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics groups the collectors recorded by compute jobs and the verifier.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	Transitions   *prometheus.CounterVec
	Jobs          *prometheus.CounterVec
	JobDuration   *prometheus.HistogramVec
	StagedBytes   prometheus.Gauge
	MatMulGFLOPS  prometheus.Gauge
	Verifications *prometheus.CounterVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemmcheck_job_transitions_total",
			Help: "Compute job state transitions by kernel and target state",
		}, []string{"kernel", "state"}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemmcheck_jobs_total",
			Help: "Finished compute jobs by kernel and outcome",
		}, []string{"kernel", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gemmcheck_job_duration_ms",
			Help:    "End-to-end compute job duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15), // 1ms to ~32s
		}, []string{"kernel"}),
		StagedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gemmcheck_staged_bytes",
			Help: "Device memory staged by the last compute job in bytes",
		}),
		MatMulGFLOPS: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gemmcheck_matmul_gflops",
			Help: "Throughput of the last matrix multiplication in GFLOPS",
		}),
		Verifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gemmcheck_verifications_total",
			Help: "Verifier verdicts",
		}, []string{"result"}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveTransition counts a job entering state.
func (m *Metrics) ObserveTransition(kernel, state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(kernel, state).Inc()
}

// ObserveJob records a finished job.
func (m *Metrics) ObserveJob(kernel string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	outcome := "completed"
	if !ok {
		outcome = "failed"
	}
	m.Jobs.WithLabelValues(kernel, outcome).Inc()
	m.JobDuration.WithLabelValues(kernel).Observe(float64(d.Microseconds()) / 1000)
}

// SetStagedBytes records the device memory staged by a job.
func (m *Metrics) SetStagedBytes(n uint64) {
	if m == nil {
		return
	}
	m.StagedBytes.Set(float64(n))
}

// ObserveMatMul records throughput of an n×n multiplication that took d.
func (m *Metrics) ObserveMatMul(n int, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	flops := 2 * float64(n) * float64(n) * float64(n)
	m.MatMulGFLOPS.Set(flops / d.Seconds() / 1e9)
}

// ObserveVerification counts a verifier verdict.
func (m *Metrics) ObserveVerification(passed bool) {
	if m == nil {
		return
	}
	result := "pass"
	if !passed {
		result = "fail"
	}
	m.Verifications.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler exposing the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, log *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("serving metrics", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
