// Package worker implements the analytics node: it stores the batches the
// coordinator routes to it and answers aggregate queries over them.
//
// Replies never travel on the connection that carried the request. Acks
// and query responses are sent to the coordinator on fresh connections.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/aggregate"
	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/metrics"
	"github.com/dreamware/airgrid/internal/partition"
	"github.com/dreamware/airgrid/internal/registry"
)

// ErrNoCoordinator is returned when a reply has nowhere to go.
var ErrNoCoordinator = errors.New("worker: coordinator address unknown")

// maxLoggedParseErrors caps per-query parse error logging.
const maxLoggedParseErrors = 5

// Config holds the worker's settings.
type Config struct {
	Advertise    string  // Address registered with the registry
	Registry     string  // Registry listen address
	Coordinator  string  // Where replies go; learned from the registry when empty
	Capacity     float64 // Computing capacity announced at registration
	JoinAttempts int     // Registration attempts before giving up
}

// Info describes the worker for the admin surface.
type Info struct {
	Address     string                  `json:"address"`
	Coordinator string                  `json:"coordinator"`
	Partition   partition.PartitionInfo `json:"partition"`
}

// Worker owns one partition.
type Worker struct {
	cfg       Config
	transport *cluster.Transport
	partition *partition.Partition
	log       *zap.Logger
	metrics   *metrics.WorkerMetrics

	mu          sync.RWMutex
	coordinator string

	replies sync.WaitGroup
}

// New creates a worker with an empty partition.
func New(cfg Config, t *cluster.Transport, log *zap.Logger, m *metrics.WorkerMetrics) *Worker {
	if t == nil {
		t = cluster.DefaultTransport
	}
	if m == nil {
		m = metrics.NewWorkerMetrics(nil)
	}
	return &Worker{
		cfg:         cfg,
		transport:   t,
		partition:   partition.New(),
		log:         log.Named("worker"),
		metrics:     m,
		coordinator: cfg.Coordinator,
	}
}

// Routes registers the worker's handlers.
func (w *Worker) Routes(router *cluster.Router) {
	router.Handle(cluster.MsgAnalytics, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		w.Ingest(ctx, msg.(cluster.Analytics))
		return nil, nil
	})
	router.Handle(cluster.MsgQuery, func(ctx context.Context, msg cluster.Message) (cluster.Message, error) {
		_, err := w.Query(ctx, msg.(cluster.Query))
		return nil, err
	})
	router.Handle(cluster.MsgInitAnalytics, func(_ context.Context, msg cluster.Message) (cluster.Message, error) {
		w.InitAnalytics(msg.(cluster.InitAnalytics).Replicas)
		return nil, nil
	})
}

// Start registers with the registry as an analytics node. When no
// coordinator was configured, the most recent analytics metadata node in
// the snapshot is used.
func (w *Worker) Start(ctx context.Context) error {
	self := cluster.NodeRecord{
		Address:  w.cfg.Advertise,
		Role:     cluster.RoleAnalytics,
		Capacity: w.cfg.Capacity,
	}
	snap, err := registry.Join(ctx, w.transport, w.cfg.Registry, self, w.cfg.JoinAttempts)
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	if w.Coordinator() == "" {
		if node, ok := snap.Latest(cluster.RoleMetadataAnalytics); ok {
			w.SetCoordinator(node.Address)
		}
	}
	w.log.Info("registered",
		zap.String("registry", w.cfg.Registry),
		zap.Int("members", len(snap.Nodes)),
		zap.String("coordinator", w.Coordinator()),
	)
	return nil
}

// SetCoordinator sets where acks and query responses are sent.
func (w *Worker) SetCoordinator(addr string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.coordinator = addr
}

// Coordinator returns the reply address, empty if unknown.
func (w *Worker) Coordinator() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.coordinator
}

// Ingest appends the batch and acknowledges it in the background.
// It returns the partition size after the append.
func (w *Worker) Ingest(ctx context.Context, batch cluster.Analytics) int {
	n := w.partition.Append(batch.Data)
	w.metrics.RowsStored.Add(float64(len(batch.Data)))
	w.metrics.Rows.Set(float64(n))
	w.log.Debug("batch stored",
		zap.Uint64("request_id", batch.RequestID),
		zap.Int("rows", len(batch.Data)),
		zap.Int("total", n),
	)

	// The handler context ends when the connection closes.
	ackCtx := context.WithoutCancel(ctx)
	w.replies.Add(1)
	go func() {
		defer w.replies.Done()
		w.reply(ackCtx, cluster.AnalyticsAck{RequestID: batch.RequestID})
	}()
	return n
}

// Query evaluates q over the partition and sends the response to the
// coordinator. An empty result is sent with NoData set.
func (w *Worker) Query(ctx context.Context, q cluster.Query) (cluster.QueryResponse, error) {
	rows := w.partition.Snapshot()
	res, err := aggregate.Evaluate(q.Query, rows)
	if err != nil && !errors.Is(err, aggregate.ErrNoData) {
		return cluster.QueryResponse{}, fmt.Errorf("query %d: %w", q.RequestID, err)
	}
	w.metrics.Queries.WithLabelValues(q.Query.String()).Inc()
	w.metrics.RowsSkipped.Add(float64(res.Skipped))
	for i, perr := range res.Errors {
		if i == maxLoggedParseErrors {
			w.log.Warn("more rows skipped", zap.Int("count", len(res.Errors)-i))
			break
		}
		w.log.Warn("row skipped", zap.Int64("request_id", q.RequestID), zap.Error(perr))
	}

	resp := cluster.QueryResponse{
		RequestID: q.RequestID,
		MaxArea:   res.Area,
		Value:     res.Value,
		Kind:      res.Kind,
		NoData:    err != nil,
	}
	w.log.Info("query evaluated",
		zap.Int64("request_id", q.RequestID),
		zap.Stringer("query", q.Query),
		zap.Int("rows", len(rows)),
		zap.Int("used", res.Used),
		zap.String("area", res.Area),
		zap.Float64("value", res.Value),
		zap.Bool("no_data", resp.NoData),
	)

	if err := w.send(ctx, resp); err != nil {
		return resp, fmt.Errorf("query %d: %w", q.RequestID, err)
	}
	return resp, nil
}

// InitAnalytics records the replica list. Nothing is replicated.
func (w *Worker) InitAnalytics(replicas []string) {
	w.partition.SetReplicas(replicas)
	w.log.Info("init analytics", zap.Strings("replicas", replicas))
}

// Partition returns the worker's partition.
func (w *Worker) Partition() *partition.Partition {
	return w.partition
}

// Info returns the worker's state for the admin surface.
func (w *Worker) Info() Info {
	return Info{
		Address:     w.cfg.Advertise,
		Coordinator: w.Coordinator(),
		Partition:   w.partition.Info(),
	}
}

// Wait blocks until every background ack has been sent or has failed.
func (w *Worker) Wait() {
	w.replies.Wait()
}

// reply sends msg to the coordinator and logs the outcome.
func (w *Worker) reply(ctx context.Context, msg cluster.Message) {
	if err := w.send(ctx, msg); err != nil {
		w.log.Warn("reply dropped",
			zap.String("type", string(msg.Type())),
			zap.String("kind", cluster.ErrorKind(err)),
			zap.Error(err),
		)
	}
}

func (w *Worker) send(ctx context.Context, msg cluster.Message) error {
	addr := w.Coordinator()
	if addr == "" {
		w.metrics.AckFailures.Inc()
		return ErrNoCoordinator
	}
	if err := w.transport.Send(ctx, addr, msg); err != nil {
		w.metrics.AckFailures.Inc()
		return err
	}
	return nil
}
