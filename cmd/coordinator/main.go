// Package main runs the coordinator, the analytics metadata node.
//
// On startup the coordinator registers with the registry, takes every
// analytics node registered so far as its worker rotation and sends each
// of them Init Analytics. Workers must therefore be started first.
//
// The coordinator then accepts:
//   - ingestion                  - forwarded round-robin as analytics
//   - analytics acknowledgment   - correlated with the forwarded batch
//   - query                      - forwarded round-robin, same cursor
//   - query response             - correlated and logged
//
// Admin endpoints (admin.addr): /health, /metrics, /workers.
//
// Example usage:
//
//	AIRGRID_COORDINATOR_LISTEN=:12459 \
//	AIRGRID_COORDINATOR_REGISTRY=127.0.0.1:12345 \
//	./coordinator
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
	"github.com/dreamware/airgrid/internal/coordinator"
	"github.com/dreamware/airgrid/internal/logging"
	"github.com/dreamware/airgrid/internal/metrics"
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
		logr.Error("coordinator failed", zap.Error(err))
		logFatal("coordinator: %v", err)
	}
}

// workersView is the /workers admin response.
type workersView struct {
	Workers []string                          `json:"workers"`
	Health  map[string]coordinator.NodeHealth `json:"health"`
}

// run registers, serves until ctx is cancelled and then shuts down.
// ready, when set, receives the coordinator once it is serving.
func run(ctx context.Context, cfg *config.Config, logr *zap.Logger, ready chan<- *coordinator.Coordinator) error {
	reg := service.NewRegistry()
	m := metrics.NewCoordinatorMetrics(reg)

	proc, err := service.Listen(service.Options{
		Listen:     cfg.Coordinator.Listen,
		AdminAddr:  cfg.Admin.Addr,
		Net:        cfg.Net,
		Registry:   reg,
		ConnErrors: m.ConnErrors,
	}, logr.Named("server"))
	if err != nil {
		return err
	}

	c := coordinator.New(coordinator.Config{
		Advertise:    proc.Advertise(cfg.Coordinator.Advertise),
		Registry:     cfg.Coordinator.Registry,
		Capacity:     cfg.Coordinator.Capacity,
		JoinAttempts: cfg.Coordinator.JoinAttempts,
		PendingTTL:   cfg.Coordinator.PendingTTL,
	}, service.Transport(cfg.Net), logr, m)
	c.Routes(proc.Router)

	monitor := coordinator.NewHealthMonitor(cfg.Coordinator.HealthInterval, cfg.Net.DialTimeout, logr)
	monitor.OnChange(func(healthy int) { m.HealthyWorkers.Set(float64(healthy)) })
	proc.Info("/workers", func() any {
		return workersView{Workers: c.Workers(), Health: monitor.GetAllNodeHealth()}
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- proc.Run(ctx) }()

	if err := c.Start(ctx); err != nil {
		cancel()
		<-errc
		return err
	}
	if len(c.Workers()) == 0 {
		logr.Warn("no analytics workers registered; ingestion and queries will be dropped")
	}

	go c.Run(ctx)
	monitor.Start(ctx, c.Workers)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case res := <-c.Results():
				logr.Debug("query result",
					zap.Int64("request_id", res.Response.RequestID),
					zap.String("worker", res.Worker),
					zap.Duration("latency", res.Latency),
				)
			}
		}
	}()
	if ready != nil {
		ready <- c
	}

	err = <-errc
	monitor.Stop()
	acks, queries := c.Pending()
	logr.Info("coordinator stopped", zap.Int("pending_acks", acks), zap.Int("pending_queries", queries))
	return err
}
