package coordinator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Health states reported by the monitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// NodeHealth tracks the reachability of a single worker.
// Thread-safe: Protected by HealthMonitor's mutex when accessed.
type NodeHealth struct {
	LastCheck        time.Time `json:"lastCheck"`        // Timestamp of the last probe
	LastHealthy      time.Time `json:"lastHealthy"`      // Timestamp of the last successful probe
	Addr             string    `json:"addr"`             // Worker listen address
	Status           string    `json:"status"`           // "healthy", "unhealthy" or "unknown"
	ConsecutiveFails int       `json:"consecutiveFails"` // Failed probes since the last success
}

// HealthMonitor periodically probes every worker in the rotation.
//
// The result is reported on the admin surface and as a gauge. It never
// changes routing: the dispatcher keeps sending to unreachable workers and
// those requests fail at the connection boundary.
type HealthMonitor struct {
	nodes       map[string]*NodeHealth                       // Current health status per address
	checkFunc   func(ctx context.Context, addr string) error // Probe for one address
	onChange    func(healthy int)                            // Called after each round
	log         *zap.Logger                                  // Structured logger
	ctx         context.Context                              // Context for cancellation
	cancel      context.CancelFunc                           // Cancel function for shutdown
	interval    time.Duration                                // How often to probe
	timeout     time.Duration                                // Dial timeout per probe
	mu          sync.RWMutex                                 // Protects nodes map
	wg          sync.WaitGroup                               // Wait group for graceful shutdown
	maxFailures int                                          // Failures before marking unhealthy
}

// NewHealthMonitor creates a monitor that probes every interval.
// A worker is marked unhealthy after 3 consecutive failed probes.
//
// Example:
//
//	monitor := NewHealthMonitor(5*time.Second, 2*time.Second, log)
//	monitor.Start(ctx, dispatcher.Workers)
func NewHealthMonitor(interval, timeout time.Duration, log *zap.Logger) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())
	if log == nil {
		log = zap.NewNop()
	}
	h := &HealthMonitor{
		interval:    interval,
		timeout:     timeout,
		maxFailures: 3,
		nodes:       make(map[string]*NodeHealth),
		log:         log.Named("health"),
		ctx:         ctx,
		cancel:      cancel,
	}
	h.checkFunc = h.dialCheck
	return h
}

// OnChange sets a callback that receives the healthy count after each round.
func (h *HealthMonitor) OnChange(fn func(healthy int)) {
	h.onChange = fn
}

// Start runs probe rounds in the background until ctx or the monitor is
// cancelled. Stop waits for the loop even when called right after Start.
func (h *HealthMonitor) Start(ctx context.Context, addrs func() []string) {
	h.wg.Add(1)
	go h.run(ctx, addrs)
}

func (h *HealthMonitor) run(ctx context.Context, addrs func() []string) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info("health monitor started", zap.Duration("interval", h.interval))

	h.checkAll(ctx, addrs())
	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, addrs())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	h.log.Info("health monitor stopped")
}

// checkAll probes each address once and forgets addresses that left the rotation.
func (h *HealthMonitor) checkAll(ctx context.Context, addrs []string) {
	current := make(map[string]bool, len(addrs))
	for _, addr := range addrs {
		if current[addr] {
			continue
		}
		current[addr] = true
		h.checkNode(ctx, addr)
	}

	h.mu.Lock()
	for addr := range h.nodes {
		if !current[addr] {
			delete(h.nodes, addr)
		}
	}
	h.mu.Unlock()

	if h.onChange != nil {
		h.onChange(h.HealthyCount())
	}
}

func (h *HealthMonitor) checkNode(ctx context.Context, addr string) {
	h.mu.Lock()
	health, exists := h.nodes[addr]
	if !exists {
		health = &NodeHealth{Addr: addr, Status: StatusUnknown}
		h.nodes[addr] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(ctx, addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()
	if err != nil {
		health.ConsecutiveFails++
		h.log.Debug("probe failed",
			zap.String("addr", addr),
			zap.Int("fails", health.ConsecutiveFails),
			zap.Error(err),
		)
		if health.ConsecutiveFails >= h.maxFailures && health.Status != StatusUnhealthy {
			health.Status = StatusUnhealthy
			h.log.Warn("worker unreachable", zap.String("addr", addr), zap.Int("fails", health.ConsecutiveFails))
		}
		return
	}

	if health.Status == StatusUnhealthy {
		h.log.Info("worker reachable again", zap.String("addr", addr))
	}
	health.Status = StatusHealthy
	health.ConsecutiveFails = 0
	health.LastHealthy = health.LastCheck
}

// dialCheck opens and closes a TCP connection to addr.
// Workers read one line per connection, so an empty connection is harmless.
func (h *HealthMonitor) dialCheck(ctx context.Context, addr string) error {
	d := net.Dialer{Timeout: h.timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	return conn.Close()
}

// GetNodeHealth returns a copy of the status of addr, or nil if it is not monitored.
func (h *HealthMonitor) GetNodeHealth(addr string) *NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[addr]
	if !exists {
		return nil
	}
	cp := *health
	return &cp
}

// GetAllNodeHealth returns a copy of the status of every monitored address.
func (h *HealthMonitor) GetAllNodeHealth() map[string]NodeHealth {
	h.mu.RLock()
	defer h.mu.RUnlock()

	result := make(map[string]NodeHealth, len(h.nodes))
	for addr, health := range h.nodes {
		result[addr] = *health
	}
	return result
}

// IsHealthy reports whether addr answered its last probe.
func (h *HealthMonitor) IsHealthy(addr string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	health, exists := h.nodes[addr]
	return exists && health.Status == StatusHealthy
}

// HealthyCount returns the number of healthy addresses.
func (h *HealthMonitor) HealthyCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, health := range h.nodes {
		if health.Status == StatusHealthy {
			n++
		}
	}
	return n
}

// SetCheckFunction replaces the TCP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(checkFunc func(ctx context.Context, addr string) error) {
	h.checkFunc = checkFunc
}
