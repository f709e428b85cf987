package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/metrics"
	"github.com/dreamware/airgrid/internal/registry"
)

// Config holds the coordinator's settings.
type Config struct {
	Advertise    string        // Address registered with the registry and given to workers
	Registry     string        // Registry listen address
	Capacity     float64       // Computing capacity announced at registration
	JoinAttempts int           // Registration attempts before giving up
	PendingTTL   time.Duration // How long an unanswered request stays correlated
	ResultBuffer int           // Capacity of the Results channel
}

// QueryResult is a query response together with what the coordinator knew
// about the request when it arrived.
type QueryResult struct {
	Response cluster.QueryResponse
	Worker   string        // Worker the query was forwarded to, empty if unknown
	Latency  time.Duration // Time since forwarding, zero if unknown
}

// Coordinator accepts client traffic and forwards it to workers.
//
// It keeps no copy of ingested rows. Every batch and every query goes to
// the worker under the dispatcher's cursor; replies arrive later on their
// own connections and are correlated by request id.
type Coordinator struct {
	cfg        Config
	transport  *cluster.Transport
	dispatcher *Dispatcher
	acks       *tracker[uint64]
	queries    *tracker[int64]
	nextID     atomic.Uint64
	results    chan QueryResult
	log        *zap.Logger
	metrics    *metrics.CoordinatorMetrics
}

// New creates a coordinator with an empty worker rotation.
func New(cfg Config, t *cluster.Transport, log *zap.Logger, m *metrics.CoordinatorMetrics) *Coordinator {
	if t == nil {
		t = cluster.DefaultTransport
	}
	if m == nil {
		m = metrics.NewCoordinatorMetrics(nil)
	}
	if cfg.ResultBuffer <= 0 {
		cfg.ResultBuffer = 64
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = time.Minute
	}
	return &Coordinator{
		cfg:        cfg,
		transport:  t,
		dispatcher: NewDispatcher(nil),
		acks:       newTracker[uint64](m.Pending.WithLabelValues(metrics.ClassIngestion)),
		queries:    newTracker[int64](m.Pending.WithLabelValues(metrics.ClassQuery)),
		results:    make(chan QueryResult, cfg.ResultBuffer),
		log:        log.Named("coordinator"),
		metrics:    m,
	}
}

// Routes registers the coordinator's handlers.
func (c *Coordinator) Routes(router *cluster.Router) {
	router.Handle(cluster.MsgIngestion, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		_, err := c.HandleIngestion(ctx, msg.(cluster.Ingestion).Data)
		return nil, err
	})
	router.Handle(cluster.MsgAnalyticsAck, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		c.HandleAck(ctx, msg.(cluster.AnalyticsAck))
		return nil, nil
	})
	router.Handle(cluster.MsgQuery, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		_, err := c.HandleQuery(ctx, msg.(cluster.Query))
		return nil, err
	})
	router.Handle(cluster.MsgQueryResponse, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		c.HandleQueryResponse(ctx, msg.(cluster.QueryResponse))
		return nil, nil
	})
}

// Start registers with the registry as the analytics metadata node, takes
// every analytics node in the returned snapshot as the worker rotation and
// sends each worker its Init Analytics.
//
// Workers that register after this call are never learned.
func (c *Coordinator) Start(ctx context.Context) error {
	self := cluster.NodeRecord{
		Address:  c.cfg.Advertise,
		Role:     cluster.RoleMetadataAnalytics,
		Capacity: c.cfg.Capacity,
	}
	snap, err := registry.Join(ctx, c.transport, c.cfg.Registry, self, c.cfg.JoinAttempts)
	if err != nil {
		return fmt.Errorf("register coordinator: %w", err)
	}

	workers := snap.AddressesOf(cluster.RoleAnalytics)
	c.SetWorkers(workers)
	c.log.Info("registered",
		zap.String("registry", c.cfg.Registry),
		zap.Int("members", len(snap.Nodes)),
		zap.Strings("workers", workers),
	)
	c.initWorkers(ctx, workers)
	return nil
}

// initWorkers tells each worker about the others. Failures are logged only.
func (c *Coordinator) initWorkers(ctx context.Context, workers []string) {
	for _, addr := range workers {
		replicas := make([]string, 0, len(workers))
		for _, other := range workers {
			if other != addr {
				replicas = append(replicas, other)
			}
		}
		if err := c.transport.Send(ctx, addr, cluster.InitAnalytics{Replicas: replicas}); err != nil {
			c.log.Warn("init analytics failed", zap.String("worker", addr), zap.Error(err))
			continue
		}
		c.log.Debug("init analytics sent", zap.String("worker", addr), zap.Strings("replicas", replicas))
	}
}

// SetWorkers replaces the worker rotation.
func (c *Coordinator) SetWorkers(workers []string) {
	c.dispatcher.SetWorkers(workers)
	c.metrics.Workers.Set(float64(len(workers)))
}

// Workers returns the current worker rotation.
func (c *Coordinator) Workers() []string {
	return c.dispatcher.Workers()
}

// Results delivers query responses as they arrive. When nobody reads fast
// enough responses are dropped.
func (c *Coordinator) Results() <-chan QueryResult {
	return c.results
}

// HandleIngestion forwards rows to the next worker under a fresh request id.
// Forwarding failures drop the batch.
func (c *Coordinator) HandleIngestion(ctx context.Context, rows []cluster.DataRow) (uint64, error) {
	id := c.nextID.Add(1)
	addr, err := c.dispatcher.Next()
	if err != nil {
		c.metrics.Dropped.WithLabelValues(metrics.ClassIngestion).Inc()
		return id, fmt.Errorf("ingestion %d: %w", id, err)
	}

	c.acks.add(id, Pending{Worker: addr, Sent: time.Now()})
	if err := c.transport.Send(ctx, addr, cluster.Analytics{RequestID: id, Data: rows}); err != nil {
		c.acks.resolve(id)
		c.metrics.Dropped.WithLabelValues(metrics.ClassIngestion).Inc()
		return id, fmt.Errorf("ingestion %d: %w", id, err)
	}

	c.metrics.Dispatched.WithLabelValues(metrics.ClassIngestion).Inc()
	c.log.Debug("batch forwarded",
		zap.Uint64("request_id", id),
		zap.String("worker", addr),
		zap.Int("rows", len(rows)),
	)
	return id, nil
}

// HandleAck correlates an acknowledgment with its batch.
func (c *Coordinator) HandleAck(_ context.Context, ack cluster.AnalyticsAck) {
	c.metrics.Acks.Inc()
	p, ok := c.acks.resolve(ack.RequestID)
	if !ok {
		c.log.Warn("ack for unknown request", zap.Uint64("request_id", ack.RequestID))
		return
	}
	latency := time.Since(p.Sent)
	c.metrics.AckLatency.Observe(latency.Seconds())
	c.log.Info("batch acknowledged",
		zap.Uint64("request_id", ack.RequestID),
		zap.String("worker", p.Worker),
		zap.Duration("latency", latency),
	)
}

// HandleQuery forwards q unchanged to the next worker and returns its address.
func (c *Coordinator) HandleQuery(ctx context.Context, q cluster.Query) (string, error) {
	addr, err := c.dispatcher.Next()
	if err != nil {
		c.metrics.Dropped.WithLabelValues(metrics.ClassQuery).Inc()
		return "", fmt.Errorf("query %d: %w", q.RequestID, err)
	}

	if c.queries.add(q.RequestID, Pending{Worker: addr, Sent: time.Now()}) {
		c.log.Warn("query id reused while pending", zap.Int64("request_id", q.RequestID))
	}
	if err := c.transport.Send(ctx, addr, q); err != nil {
		c.queries.resolve(q.RequestID)
		c.metrics.Dropped.WithLabelValues(metrics.ClassQuery).Inc()
		return addr, fmt.Errorf("query %d: %w", q.RequestID, err)
	}

	c.metrics.Dispatched.WithLabelValues(metrics.ClassQuery).Inc()
	c.log.Debug("query forwarded",
		zap.Int64("request_id", q.RequestID),
		zap.String("worker", addr),
		zap.Stringer("query", q.Query),
	)
	return addr, nil
}

// HandleQueryResponse correlates a worker's answer and publishes it on Results.
func (c *Coordinator) HandleQueryResponse(_ context.Context, resp cluster.QueryResponse) {
	c.metrics.QueryResponses.Inc()
	result := QueryResult{Response: resp}
	if p, ok := c.queries.resolve(resp.RequestID); ok {
		result.Worker = p.Worker
		result.Latency = time.Since(p.Sent)
	} else {
		c.log.Warn("response for unknown query", zap.Int64("request_id", resp.RequestID))
	}

	c.log.Info("query answered",
		zap.Int64("request_id", resp.RequestID),
		zap.String("worker", result.Worker),
		zap.String("area", resp.MaxArea),
		zap.Float64(string(resp.Kind), resp.Value),
		zap.Bool("no_data", resp.NoData),
	)

	select {
	case c.results <- result:
	default:
		c.log.Warn("result dropped, no reader", zap.Int64("request_id", resp.RequestID))
	}
}

// Run sweeps expired correlation entries until ctx is done.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PendingTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Sweep(now)
		}
	}
}

// Sweep forgets requests forwarded more than PendingTTL before now.
// Nothing is resent. It returns the number of entries dropped.
func (c *Coordinator) Sweep(now time.Time) int {
	cutoff := now.Add(-c.cfg.PendingTTL)
	acks := c.acks.sweep(cutoff)
	queries := c.queries.sweep(cutoff)
	for _, id := range acks {
		c.log.Debug("ack never arrived", zap.Uint64("request_id", id))
	}
	for _, id := range queries {
		c.log.Debug("query never answered", zap.Int64("request_id", id))
	}
	return len(acks) + len(queries)
}

// Pending returns the number of batches and queries still awaiting a reply.
func (c *Coordinator) Pending() (acks, queries int) {
	return c.acks.len(), c.queries.len()
}
