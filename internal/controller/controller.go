// Package controller assembles the PPV controller: it connects to the
// switches, provisions their tables and runs the threshold loop.
package controller

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/ppvctl/internal/config"
	"github.com/wudi/ppvctl/internal/control"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/history"
	"github.com/wudi/ppvctl/internal/metrics"
	"github.com/wudi/ppvctl/internal/provision"
)

// Controller owns the fabric connections, history logs and control loop of
// one run.
type Controller struct {
	cfg     *config.Config
	runID   string
	logger  *zap.Logger
	metrics *metrics.Collector

	devices map[string]fabric.Device

	mu      sync.Mutex
	history *history.Set
	fanout  *history.Fanout
	loop    *control.Loop
}

// Option customizes a Controller.
type Option func(*Controller)

// WithDevices uses the given fabric connections instead of dialing.
func WithDevices(devices map[string]fabric.Device) Option {
	return func(c *Controller) { c.devices = devices }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(collector *metrics.Collector) Option {
	return func(c *Controller) { c.metrics = collector }
}

// New creates a controller for a validated configuration.
func New(cfg *config.Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		runID: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = metrics.NewCollector()
	}
	c.logger = c.logger.With(zap.String("run_id", c.runID))
	return c
}

// RunID identifies this controller run in logs and published samples.
func (c *Controller) RunID() string {
	return c.runID
}

// Metrics returns the collector.
func (c *Controller) Metrics() *metrics.Collector {
	return c.metrics
}

// Connect dials every switch unless devices were supplied.
func (c *Controller) Connect(ctx context.Context) error {
	if c.devices != nil {
		return nil
	}
	devices, err := OpenDevices(ctx, c.cfg, c.logger)
	if err != nil {
		return err
	}
	c.devices = devices
	return nil
}

// Provision plans and installs the startup rules.
func (c *Controller) Provision(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		return err
	}
	plan, err := provision.Plan(c.cfg)
	if err != nil {
		return err
	}
	tables := make(map[string]fabric.Tables, len(c.devices))
	for sw, d := range c.devices {
		tables[sw] = d
	}
	return provision.New(tables, c.logger, c.metrics).Apply(ctx, plan)
}

// Loop opens the history logs and live sinks and returns the control loop.
// It is built once per controller.
func (c *Controller) Loop(ctx context.Context) (*control.Loop, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loop != nil {
		return c.loop, nil
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	metered := c.cfg.MeteredSwitches()
	set, err := history.OpenSet(metered, c.cfg.HistoryPath)
	if err != nil {
		return nil, err
	}

	var switches []control.Switch
	for _, sw := range metered {
		switches = append(switches, control.Switch{
			Name:      sw,
			Registers: c.devices[sw],
			UsedBins:  c.cfg.Metering.UsedBins[sw],
		})
	}

	opts := control.Options{
		Interval:   c.cfg.Control.Interval,
		Concurrent: c.cfg.Control.Concurrent,
		Logger:     c.logger,
		Metrics:    c.metrics,
		Flush:      func() { _ = c.logger.Sync() },
	}
	if pubs := c.publishers(ctx); len(pubs) > 0 {
		c.fanout = history.NewFanout(pubs, 0, c.logger, c.metrics)
		opts.Publisher = c.fanout
	}

	loop, err := control.New(switches, set, opts)
	if err != nil {
		_ = set.Close()
		return nil, err
	}
	c.history = set
	c.loop = loop
	c.logger.Info("History logs opened", zap.Strings("files", set.Paths()))
	return loop, nil
}

// publishers connects the enabled live sinks. A sink that cannot connect is
// skipped with a warning.
func (c *Controller) publishers(ctx context.Context) []history.Publisher {
	var pubs []history.Publisher
	if rc := c.cfg.Publish.Redis; rc.Enabled {
		p, err := history.NewRedisPublisher(ctx, rc)
		if err != nil {
			c.logger.Warn("Redis publisher disabled", zap.Error(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	if mc := c.cfg.Publish.MQTT; mc.Enabled {
		p, err := history.NewMQTTPublisher(mc, c.logger)
		if err != nil {
			c.logger.Warn("MQTT publisher disabled", zap.Error(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	return pubs
}

// Run runs the control loop, and the metrics endpoint when enabled, until ctx
// is cancelled or either fails.
func (c *Controller) Run(ctx context.Context) error {
	loop, err := c.Loop(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if mc := c.cfg.Metrics; mc.Enabled {
		g.Go(func() error {
			return c.metrics.Serve(gctx, mc.Address, mc.Path, c.logger)
		})
	}
	g.Go(func() error {
		return loop.Run(gctx)
	})
	return g.Wait()
}

// Close releases the history logs, sinks and fabric connections.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	if c.fanout != nil {
		errs = append(errs, c.fanout.Close())
	}
	if c.history != nil {
		errs = append(errs, c.history.Close())
	}
	for _, d := range c.devices {
		errs = append(errs, d.Close())
	}
	return errors.Join(errs...)
}
