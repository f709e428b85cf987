// Package main runs an analytics worker.
//
// The worker listens before registering so the coordinator's Init Analytics
// can reach it. It stores every analytics batch it receives, acknowledges
// it to the coordinator and answers queries from its own rows.
//
// Admin endpoints (admin.addr): /health, /metrics, /info.
//
// Example usage:
//
//	AIRGRID_WORKER_LISTEN=:12346 \
//	AIRGRID_WORKER_ADVERTISE=192.168.1.3:12346 \
//	AIRGRID_WORKER_REGISTRY=127.0.0.1:12345 \
//	./worker
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
	"github.com/dreamware/airgrid/internal/service"
	"github.com/dreamware/airgrid/internal/worker"
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
		logr.Error("worker failed", zap.Error(err))
		logFatal("worker: %v", err)
	}
}

// run registers, serves until ctx is cancelled and waits for outstanding acks.
// ready, when set, receives the worker once it is registered.
func run(ctx context.Context, cfg *config.Config, logr *zap.Logger, ready chan<- *worker.Worker) error {
	reg := service.NewRegistry()
	m := metrics.NewWorkerMetrics(reg)

	proc, err := service.Listen(service.Options{
		Listen:     cfg.Worker.Listen,
		AdminAddr:  cfg.Admin.Addr,
		Net:        cfg.Net,
		Registry:   reg,
		ConnErrors: m.ConnErrors,
	}, logr.Named("server"))
	if err != nil {
		return err
	}

	w := worker.New(worker.Config{
		Advertise:    proc.Advertise(cfg.Worker.Advertise),
		Registry:     cfg.Worker.Registry,
		Coordinator:  cfg.Worker.Coordinator,
		Capacity:     cfg.Worker.Capacity,
		JoinAttempts: cfg.Worker.JoinAttempts,
	}, service.Transport(cfg.Net), logr, m)
	w.Routes(proc.Router)
	proc.Info("/info", func() any { return w.Info() })

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- proc.Run(ctx) }()

	if err := w.Start(ctx); err != nil {
		cancel()
		<-errc
		return err
	}
	if w.Coordinator() == "" {
		logr.Warn("coordinator unknown; acks and query responses will be dropped")
	}
	if ready != nil {
		ready <- w
	}

	err = <-errc
	w.Wait()
	logr.Info("worker stopped", zap.Int("rows", w.Partition().Len()))
	return err
}
