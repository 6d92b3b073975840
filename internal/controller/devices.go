package controller

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/ppvctl/internal/config"
	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/fabric/p4rt"
	bmthrift "github.com/wudi/ppvctl/internal/fabric/thrift"
)

// attemptTimeout bounds a single dial; the overall budget is
// fabric.connect_timeout.
const attemptTimeout = 5 * time.Second

// OpenDevices connects to every declared switch with the configured table and
// register backends. On failure the devices opened so far are closed.
func OpenDevices(ctx context.Context, cfg *config.Config, logger *zap.Logger) (map[string]fabric.Device, error) {
	devices := make(map[string]fabric.Device)
	closeAll := func() {
		for _, d := range devices {
			_ = d.Close()
		}
	}

	for _, sw := range cfg.SwitchNames() {
		dev, err := openDevice(ctx, cfg, sw, logger)
		if err != nil {
			closeAll()
			return nil, err
		}
		devices[sw] = dev
	}
	return devices, nil
}

func openDevice(ctx context.Context, cfg *config.Config, sw string, logger *zap.Logger) (fabric.Device, error) {
	tablesKind, regsKind := cfg.Fabric.Tables, cfg.Fabric.Registers
	if tablesKind == config.BackendMemory && regsKind == config.BackendMemory {
		return fabric.NewMemory(), nil
	}

	tables, err := openBackend(ctx, cfg, sw, tablesKind, logger)
	if err != nil {
		return nil, err
	}
	if regsKind == tablesKind {
		return tables, nil
	}
	regs, err := openBackend(ctx, cfg, sw, regsKind, logger)
	if err != nil {
		_ = tables.Close()
		return nil, err
	}
	return &fabric.Split{TableDevice: tables, RegisterDevice: regs}, nil
}

func openBackend(ctx context.Context, cfg *config.Config, sw, kind string, logger *zap.Logger) (fabric.Device, error) {
	ep := cfg.Topology.Endpoints[sw]
	timeout := cfg.Fabric.ConnectTimeout

	switch kind {
	case config.BackendMemory:
		return fabric.NewMemory(), nil

	case config.BackendThrift:
		dev, err := fabric.Connect(ctx, timeout, logger, sw, func(ctx context.Context) (*bmthrift.Client, error) {
			return bmthrift.Dial(ctx, ep.Thrift, attemptTimeout)
		})
		if err != nil {
			return nil, cerrors.Fabric(err, "connect thrift", sw+" "+ep.Thrift)
		}
		logger.Info("Connected to Thrift runtime", zap.String("switch", sw), zap.String("address", ep.Thrift))
		return dev, nil

	case config.BackendP4Runtime:
		opts := p4rt.Options{
			DeviceID:           ep.DeviceID,
			ElectionID:         cfg.Fabric.ElectionID,
			P4InfoFile:         ep.P4Info,
			DeviceConfigFile:   ep.DeviceConfig,
			ArbitrationTimeout: attemptTimeout,
			Logger:             logger.With(zap.String("switch", sw)),
		}
		dev, err := fabric.Connect(ctx, timeout, logger, sw, func(ctx context.Context) (*p4rt.Client, error) {
			return p4rt.Dial(ctx, ep.GRPC, opts)
		})
		if err != nil {
			return nil, cerrors.Fabric(err, "connect p4runtime", sw+" "+ep.GRPC)
		}
		logger.Info("Connected to P4Runtime server", zap.String("switch", sw), zap.String("address", ep.GRPC))
		return dev, nil

	default:
		return nil, cerrors.Configuration("open fabric", fmt.Sprintf("unknown backend %q", kind))
	}
}
