// Package service wires a role's router, metrics and admin surface into a
// running process. The registry, coordinator and worker binaries differ
// only in the handlers they install.
package service

import (
	"context"
	"errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/admin"
	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/config"
	"github.com/dreamware/airgrid/internal/metrics"
)

// Options describes one role process.
type Options struct {
	Listen     string                 // TCP listen address for cluster messages
	AdminAddr  string                 // HTTP admin address, empty to disable
	Net        config.NetConfig       // Timeouts and connection bound
	Registry   *prometheus.Registry   // Exposed on /metrics, created when nil
	ConnErrors *prometheus.CounterVec // Boundary error counter, may be nil
}

// NewRegistry returns a metrics registry with the Go runtime and process
// collectors already attached.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Process is a listening role. Handlers and info routes may be added until
// Run is called.
type Process struct {
	Router   *cluster.Router
	Registry *prometheus.Registry

	opts   Options
	server *cluster.Server
	info   map[string]admin.InfoFunc
	log    *zap.Logger
}

// Listen binds the role's TCP address.
func Listen(opts Options, log *zap.Logger) (*Process, error) {
	reg := opts.Registry
	if reg == nil {
		reg = NewRegistry()
	}

	router := cluster.NewRouter()
	srv := cluster.NewServer(router, cluster.ServerConfig{
		IOTimeout: opts.Net.IOTimeout,
		MaxConns:  opts.Net.MaxConns,
	}, log)
	if opts.ConnErrors != nil {
		srv.OnError(metrics.ConnErrorHook(opts.ConnErrors))
	}
	if err := srv.Listen(opts.Listen); err != nil {
		return nil, err
	}

	return &Process{
		Router:   router,
		Registry: reg,
		opts:     opts,
		server:   srv,
		info:     make(map[string]admin.InfoFunc),
		log:      log,
	}, nil
}

// Transport returns a client transport using the configured timeouts.
func Transport(n config.NetConfig) *cluster.Transport {
	return &cluster.Transport{DialTimeout: n.DialTimeout, IOTimeout: n.IOTimeout}
}

// Addr is the bound TCP address.
func (p *Process) Addr() string {
	return p.server.Addr()
}

// Advertise returns addr, or the bound address when addr is empty.
func (p *Process) Advertise(addr string) string {
	if addr != "" {
		return addr
	}
	return p.Addr()
}

// Info adds a JSON route to the admin surface.
func (p *Process) Info(path string, fn admin.InfoFunc) {
	p.info[path] = fn
}

// Run serves cluster messages and the admin surface until ctx is done or
// either server fails.
func (p *Process) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var adm *admin.Server
	if p.opts.AdminAddr != "" {
		var err error
		adm, err = admin.Listen(p.opts.AdminAddr, admin.Handler(p.Registry, p.info), p.log)
		if err != nil {
			p.server.Close()
			return err
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		errs[0] = p.server.Serve(ctx)
	}()
	if adm != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel()
			errs[1] = adm.Serve(ctx)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
