package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/wudi/ppvctl/internal/config"
	"github.com/wudi/ppvctl/internal/controller"
	cerrors "github.com/wudi/ppvctl/internal/errors"
	"github.com/wudi/ppvctl/internal/logging"
	"github.com/wudi/ppvctl/internal/provision"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "configs/ppvctl.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	printPlan := flag.Bool("plan", false, "Print the provisioning commands and exit")
	dryRun := flag.Bool("dry-run", false, "Use in-memory switches instead of the fabric")
	flag.Parse()

	if *showVersion {
		fmt.Printf("ppvctl %s (built %s)\n", version, buildTime)
		return 0
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return cerrors.ExitCode(err)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		return 0
	}

	if *printPlan {
		plan, err := provision.Plan(cfg)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to plan provisioning: %v\n", err)
			return cerrors.ExitCode(err)
		}
		for _, cmd := range plan {
			fmt.Println(cmd.String())
		}
		return 0
	}

	if *dryRun {
		cfg.Fabric.Tables = config.BackendMemory
		cfg.Fabric.Registers = config.BackendMemory
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	logging.SetGlobal(logger)
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := controller.New(cfg, controller.WithLogger(logger.WithOptions(zap.AddCallerSkip(-1))))
	defer func() {
		if err := c.Close(); err != nil {
			logging.Warn("Shutdown error", zap.Error(err))
		}
	}()

	logging.Info("Starting PPV controller",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("run_id", c.RunID()),
		zap.String("tables", cfg.Fabric.Tables),
		zap.String("registers", cfg.Fabric.Registers),
		zap.Strings("metered", cfg.MeteredSwitches()),
	)

	if err := c.Provision(ctx); err != nil {
		logging.Error("Provisioning failed", zap.Error(err))
		return cerrors.ExitCode(err)
	}

	if err := c.Run(ctx); err != nil {
		logging.Error("Controller stopped", zap.Error(err))
		return cerrors.ExitCode(err)
	}
	logging.Info("Controller stopped")
	return 0
}
