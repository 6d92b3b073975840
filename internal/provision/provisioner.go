package provision

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/metrics"
)

// Provisioner executes a plan against per-switch table backends.
type Provisioner struct {
	devices map[string]fabric.Tables
	logger  *zap.Logger
	metrics *metrics.Collector
}

// New creates a provisioner. collector may be nil.
func New(devices map[string]fabric.Tables, logger *zap.Logger, collector *metrics.Collector) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provisioner{
		devices: devices,
		logger:  logger,
		metrics: collector,
	}
}

// Apply runs the commands in order. The first failure aborts with a
// ProvisioningError naming the switch, table and action; rules already
// installed are left in place.
func (p *Provisioner) Apply(ctx context.Context, plan []Command) error {
	start := time.Now()
	counts := make(map[Stage]int)

	for i, cmd := range plan {
		if err := ctx.Err(); err != nil {
			return cerrors.Provisioning(err, "provision", cmd.Switch).
				WithDetails(fmt.Sprintf("cancelled before command %d of %d", i+1, len(plan)))
		}
		dev, ok := p.devices[cmd.Switch]
		if !ok {
			return cerrors.New(cerrors.KindProvisioning, "provision", cmd.Switch).
				WithDetails("no fabric connection for switch")
		}

		err := p.apply(ctx, dev, cmd)
		p.metrics.RecordRule(cmd.Switch, cmd.Table(), err)
		if err != nil {
			p.logger.Error("Provisioning failed",
				zap.String("switch", cmd.Switch),
				zap.Stringer("stage", cmd.Stage),
				zap.String("table", cmd.Table()),
				zap.String("action", cmd.Action()),
				zap.Error(err),
			)
			return cerrors.Provisioning(err, cmd.Action(), cmd.Switch+"/"+cmd.Table()).
				WithDetails(cmd.String())
		}
		counts[cmd.Stage]++
		p.logger.Debug("Applied", zap.String("command", cmd.String()))
	}

	fields := []zap.Field{zap.Int("commands", len(plan)), zap.Duration("duration", time.Since(start))}
	for s := StageForwarding; s <= StageMetering; s++ {
		fields = append(fields, zap.Int(s.String(), counts[s]))
	}
	p.logger.Info("Provisioning complete", fields...)
	return nil
}

func (p *Provisioner) apply(ctx context.Context, dev fabric.Tables, cmd Command) error {
	switch {
	case cmd.Rule != nil:
		return dev.InstallRule(ctx, *cmd.Rule)
	case cmd.Meter != nil:
		return dev.SetMeterRates(ctx, cmd.Meter.Name, cmd.Meter.Rates)
	default:
		return fmt.Errorf("empty command")
	}
}
