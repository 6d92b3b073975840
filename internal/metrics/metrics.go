package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DefaultBuckets are tick duration buckets in seconds.
var DefaultBuckets = []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1}

// Collector tracks controller metrics on its own registry. A nil *Collector
// is valid and records nothing.
type Collector struct {
	registry *prometheus.Registry

	rulesInstalled *prometheus.CounterVec   // switch, table
	provisionFails *prometheus.CounterVec   // switch, table
	ticksTotal     *prometheus.CounterVec   // switch
	tickDuration   *prometheus.HistogramVec // switch
	threshold      *prometheus.GaugeVec     // switch
	binsDrained    *prometheus.CounterVec   // switch
	fabricErrors   *prometheus.CounterVec   // switch, op
	published      *prometheus.CounterVec   // sink, result
}

// NewCollector creates a collector with Go runtime and process collectors
// registered alongside the controller metrics.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		rulesInstalled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "provision",
			Name:      "rules_installed_total",
			Help:      "Rules and meter configurations applied at startup",
		}, []string{"switch", "table"}),
		provisionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "provision",
			Name:      "failures_total",
			Help:      "Provisioning commands that failed",
		}, []string{"switch", "table"}),
		ticksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "control",
			Name:      "ticks_total",
			Help:      "Completed control ticks per switch",
		}, []string{"switch"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ppv",
			Subsystem: "control",
			Name:      "tick_duration_seconds",
			Help:      "Time spent rotating bins and decaying the threshold of one switch",
			Buckets:   DefaultBuckets,
		}, []string{"switch"}),
		threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ppv",
			Subsystem: "control",
			Name:      "threshold",
			Help:      "Last observed minimum_ppv_reg value before decay",
		}, []string{"switch"}),
		binsDrained: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "control",
			Name:      "bin_counts_drained_total",
			Help:      "Sum of future_bins counts moved to old_bins",
		}, []string{"switch"}),
		fabricErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "fabric",
			Name:      "errors_total",
			Help:      "Failed register operations",
		}, []string{"switch", "op"}),
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ppv",
			Subsystem: "history",
			Name:      "published_total",
			Help:      "Samples handed to live sinks",
		}, []string{"sink", "result"}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.rulesInstalled, c.provisionFails,
		c.ticksTotal, c.tickDuration, c.threshold, c.binsDrained,
		c.fabricErrors, c.published,
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordRule records an applied provisioning command.
func (c *Collector) RecordRule(sw, table string, err error) {
	if c == nil {
		return
	}
	if err != nil {
		c.provisionFails.WithLabelValues(sw, table).Inc()
		return
	}
	c.rulesInstalled.WithLabelValues(sw, table).Inc()
}

// RecordTick records one completed switch tick.
func (c *Collector) RecordTick(sw string, threshold int64, drained int64, d time.Duration) {
	if c == nil {
		return
	}
	c.ticksTotal.WithLabelValues(sw).Inc()
	c.tickDuration.WithLabelValues(sw).Observe(d.Seconds())
	c.threshold.WithLabelValues(sw).Set(float64(threshold))
	if drained > 0 {
		c.binsDrained.WithLabelValues(sw).Add(float64(drained))
	}
}

// RecordFabricError records a failed register operation.
func (c *Collector) RecordFabricError(sw, op string) {
	if c == nil {
		return
	}
	c.fabricErrors.WithLabelValues(sw, op).Inc()
}

// RecordPublish records the outcome of handing a sample to a sink.
func (c *Collector) RecordPublish(sink string, err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.published.WithLabelValues(sink, result).Inc()
}

// Handler returns the exposition handler for this collector.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes the metrics on addr until ctx is cancelled.
func (c *Collector) Serve(ctx context.Context, addr, path string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Metrics server shutdown error", zap.Error(err))
		}
	}()

	logger.Info("Metrics server started", zap.String("address", addr), zap.String("path", path))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
