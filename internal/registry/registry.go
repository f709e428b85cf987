package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/metrics"
)

// Registry is the network face of a MembershipStore. It answers each
// registration with the full membership history, to that caller only.
// Earlier members are never told about later ones.
type Registry struct {
	store   *MembershipStore
	log     *zap.Logger
	metrics *metrics.RegistryMetrics
}

// New creates a Registry over store.
func New(store *MembershipStore, log *zap.Logger, m *metrics.RegistryMetrics) *Registry {
	if m == nil {
		m = metrics.NewRegistryMetrics(nil)
	}
	return &Registry{store: store, log: log.Named("registry"), metrics: m}
}

// Routes registers the registry's handlers.
func (r *Registry) Routes(router *cluster.Router) {
	router.Handle(cluster.MsgRegistering, r.handleRegistering)
}

// Register records node and returns the snapshot that includes it.
//
// The registration is committed before the reply is written. If the peer
// hangs up first, the entry stays.
func (r *Registry) Register(node cluster.NodeRecord) (cluster.MembershipSnapshot, error) {
	if err := node.Validate(); err != nil {
		return cluster.MembershipSnapshot{}, err
	}
	snap := r.store.Register(node)
	r.metrics.Registrations.Inc()
	r.metrics.Members.Set(float64(len(snap.Nodes)))
	r.log.Info("node registered",
		zap.String("addr", node.Address),
		zap.String("role", string(node.Role)),
		zap.Float64("capacity", node.Capacity),
		zap.Int("members", len(snap.Nodes)),
	)
	return snap, nil
}

// Snapshot returns the current membership without registering anyone.
func (r *Registry) Snapshot() cluster.MembershipSnapshot {
	return r.store.Snapshot()
}

func (r *Registry) handleRegistering(_ context.Context, msg cluster.Message) (cluster.Message, error) {
	req := msg.(cluster.Registering)
	snap, err := r.Register(req.NodeRecord)
	if err != nil {
		return nil, err
	}
	return cluster.NewNodeDiscovery(snap), nil
}

// Join registers self with the registry at addr and returns the snapshot.
//
// Only dial failures are retried: once the request has been written the
// registry may have committed it, and a second attempt would add a
// duplicate entry.
//
// Retry strategy:
//   - attempts tries in total (at least one)
//   - 400ms between tries
//   - stops early when ctx is cancelled
func Join(ctx context.Context, t *cluster.Transport, addr string, self cluster.NodeRecord, attempts int) (cluster.MembershipSnapshot, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		reply, err := t.Request(ctx, addr, cluster.Registering{NodeRecord: self})
		if err == nil {
			disc, ok := reply.(cluster.NodeDiscovery)
			if !ok {
				return cluster.MembershipSnapshot{}, fmt.Errorf("%w: registry replied with %q", cluster.ErrUnexpected, reply.Type())
			}
			return disc.Snapshot(), nil
		}
		lastErr = err
		if !errors.Is(err, cluster.ErrDial) || i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return cluster.MembershipSnapshot{}, fmt.Errorf("join %s: %w", addr, ctx.Err())
		case <-time.After(400 * time.Millisecond):
		}
	}
	return cluster.MembershipSnapshot{}, fmt.Errorf("join %s: %w", addr, lastErr)
}
