// Package admin serves the HTTP side channel every role exposes next to its
// TCP listener: liveness, Prometheus metrics and a JSON view of the role's
// state.
//
// Endpoints:
//   - GET /health   - 200 while the process is up
//   - GET /metrics  - Prometheus exposition of the role's registry
//   - GET /<info>   - JSON from an InfoFunc, e.g. /nodes, /workers, /info
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// InfoFunc returns a JSON-encodable view of a role's state.
type InfoFunc func() any

// Handler builds the admin mux. routes maps paths such as "/nodes" to the
// function rendering them.
func Handler(gatherer prometheus.Gatherer, routes map[string]InfoFunc) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	for path, fn := range routes {
		mux.HandleFunc(path, infoHandler(fn))
	}
	return mux
}

func infoHandler(fn InfoFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(fn())
	}
}

// Server runs the admin handler until its context is cancelled.
type Server struct {
	srv *http.Server
	ln  net.Listener
	log *zap.Logger
}

// Listen binds addr for h.
func Listen(addr string, h http.Handler, log *zap.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln:  ln,
		log: log.Named("admin"),
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Serve blocks until ctx is done, then shuts down within 5 seconds.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		s.log.Info("admin listening", zap.String("addr", s.Addr()))
		errc <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
