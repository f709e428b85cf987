// Package main runs the membership registry.
//
// The registry appends every registration to an in-memory history and
// answers the registering node, and only that node, with the full history.
//
// Configuration is read from an optional YAML file (-config) and AIRGRID_*
// environment variables; see internal/config. -print-config writes the
// effective configuration and exits.
//
// Example usage:
//
//	AIRGRID_REGISTRY_LISTEN=:12345 AIRGRID_ADMIN_ADDR=:9100 ./registry
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/config"
	"github.com/dreamware/airgrid/internal/logging"
	"github.com/dreamware/airgrid/internal/metrics"
	"github.com/dreamware/airgrid/internal/registry"
	"github.com/dreamware/airgrid/internal/service"
)

// logFatal is a variable to allow mocking log.Fatalf in tests.
var logFatal = log.Fatalf

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	printConfig := flag.Bool("print-config", false, "print the effective config and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logFatal("config: %v", err)
		return
	}
	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			logFatal("render config: %v", err)
			return
		}
		os.Stdout.Write(out)
		return
	}

	logr, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		logFatal("logger: %v", err)
		return
	}
	defer logr.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logr, nil); err != nil {
		logr.Error("registry failed", zap.Error(err))
		logFatal("registry: %v", err)
	}
}

// run serves until ctx is cancelled. ready, when set, receives the bound address.
func run(ctx context.Context, cfg *config.Config, logr *zap.Logger, ready chan<- string) error {
	reg := service.NewRegistry()
	m := metrics.NewRegistryMetrics(reg)

	proc, err := service.Listen(service.Options{
		Listen:     cfg.Registry.Listen,
		AdminAddr:  cfg.Admin.Addr,
		Net:        cfg.Net,
		Registry:   reg,
		ConnErrors: m.ConnErrors,
	}, logr.Named("server"))
	if err != nil {
		return err
	}

	r := registry.New(registry.NewMembershipStore(cfg.Registry.ElectionSeed), logr, m)
	r.Routes(proc.Router)
	proc.Info("/nodes", func() any { return r.Snapshot() })

	if ready != nil {
		ready <- proc.Addr()
	}
	err = proc.Run(ctx)
	logr.Info("registry stopped", zap.Int("members", len(r.Snapshot().Nodes)))
	return err
}
