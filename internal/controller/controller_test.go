package controller

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/ppvctl/internal/config"
	"github.com/wudi/ppvctl/internal/control"
	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/fabric"
	"github.com/wudi/ppvctl/internal/provision"
)

// scenarioConfig is one switch with two gold (marked) and two silver
// (demarked) hosts and two used bin groups.
func scenarioConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Fabric.Tables = config.BackendMemory
	cfg.Fabric.Registers = config.BackendMemory
	cfg.Topology = config.TopologyConfig{
		Switches: 1,
		Hosts:    4,
		Programs: map[string]string{"s1": "switch_program.p4"},
		Links:    []config.Link{{"s1", "h1"}, {"s1", "h2"}, {"s1", "h3"}, {"s1", "h4"}},
		NextHop:  map[string]map[string]int{"s1": {"h1": 1, "h2": 2, "h3": 3, "h4": 4}},
	}
	cfg.Marking.Markers = []config.PrefixAssignment{{Switch: "s1", Prefix: "10.0.0.1/32"}, {Switch: "s1", Prefix: "10.0.0.2/32"}}
	cfg.Marking.Demarkers = []config.PrefixAssignment{{Switch: "s1", Prefix: "10.0.0.3/32"}, {Switch: "s1", Prefix: "10.0.0.4/32"}}
	cfg.Metering.Rates = map[string]config.MeterRateSpec{"s1": {CIR: 125000, PIR: 250000, CBurst: 1500, PBurst: 3000}}
	cfg.Metering.UsedBins = map[string]int{"s1": 2}
	cfg.Control.HistoryFile = filepath.Join(t.TempDir(), "reg_history.csv")
	cfg.Control.Interval = time.Millisecond
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("scenario config invalid: %v", err)
	}
	return cfg
}

func TestEndToEndScenario(t *testing.T) {
	cfg := scenarioConfig(t)
	mem := fabric.NewMemory()
	core, logs := observer.New(zap.InfoLevel)
	c := New(cfg, WithDevices(map[string]fabric.Device{"s1": mem}), WithLogger(zap.New(core)))
	ctx := context.Background()

	if err := c.Provision(ctx); err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if n := len(mem.Entries(provision.TableMarker)); n != 4 {
		t.Errorf("marking entries = %d, want 4", n)
	}
	if n := len(mem.Entries(provision.TableDemarker)); n != 2 {
		t.Errorf("demarking entries = %d, want 2", n)
	}

	loop, err := c.Loop(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := loop.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if n := mem.RegisterLen(control.RegisterFuture); n != 10 {
		t.Errorf("future_bins length = %d, want 10", n)
	}
	if n := mem.RegisterLen(control.RegisterOld); n != 10 {
		t.Errorf("old_bins length = %d, want 10", n)
	}
	v, err := mem.ReadRegister(ctx, control.RegisterThreshold, 0)
	if err != nil || v != 0 {
		t.Fatalf("threshold after provisioning = %d, %v", v, err)
	}

	if err := loop.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(cfg.Control.HistoryFile)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("history rows = %q", lines)
	}
	if lines[0] != "timestamp,new_reg" || !strings.HasSuffix(lines[1], ",0") {
		t.Errorf("history = %q", lines)
	}

	for _, entry := range logs.All() {
		if entry.ContextMap()["run_id"] != c.RunID() {
			t.Errorf("log %q missing run_id", entry.Message)
		}
	}
}

func TestRunUntilCancelled(t *testing.T) {
	cfg := scenarioConfig(t)
	mem := fabric.NewMemory()
	c := New(cfg, WithDevices(map[string]fabric.Device{"s1": mem}))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	loop, _ := c.Loop(ctx)
	if loop.State() != control.StateStopped || loop.Ticks() == 0 {
		t.Errorf("state = %s after %d ticks", loop.State(), loop.Ticks())
	}
}

func TestRunReportsFabricFailure(t *testing.T) {
	cfg := scenarioConfig(t)
	mem := fabric.NewMemory()
	mem.FailWith(func(op, target string) error {
		if op == "read" && target == control.RegisterFuture {
			return errors.New("connection refused")
		}
		return nil
	})
	c := New(cfg, WithDevices(map[string]fabric.Device{"s1": mem}))
	defer c.Close()

	err := c.Run(context.Background())
	if !cerrors.IsKind(err, cerrors.KindFabricCommunication) {
		t.Fatalf("expected FabricCommunicationError, got %v", err)
	}
	if cerrors.ExitCode(err) != 4 {
		t.Errorf("exit code = %d", cerrors.ExitCode(err))
	}
}

func TestHistoryOpenFailure(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Control.HistoryFile = filepath.Join(t.TempDir(), "no", "such", "dir.csv")
	c := New(cfg, WithDevices(map[string]fabric.Device{"s1": fabric.NewMemory()}))
	defer c.Close()

	if _, err := c.Loop(context.Background()); !cerrors.IsKind(err, cerrors.KindResource) {
		t.Fatalf("expected ResourceError, got %v", err)
	}
}

func TestOpenDevicesMemory(t *testing.T) {
	cfg := scenarioConfig(t)
	devices, err := OpenDevices(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := devices["s1"].(*fabric.Memory); !ok {
		t.Errorf("expected memory device, got %T", devices["s1"])
	}
}

func TestOpenDevicesUnreachable(t *testing.T) {
	cfg := scenarioConfig(t)
	cfg.Fabric.Tables = config.BackendThrift
	cfg.Fabric.Registers = config.BackendThrift
	cfg.Fabric.ConnectTimeout = 300 * time.Millisecond
	cfg.Topology.Endpoints = map[string]config.Endpoint{"s1": {Thrift: "127.0.0.1:1"}}

	_, err := OpenDevices(context.Background(), cfg, zap.NewNop())
	if !cerrors.IsKind(err, cerrors.KindFabricCommunication) {
		t.Fatalf("expected FabricCommunicationError, got %v", err)
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("error should name the endpoint: %v", err)
	}
}
