package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/cluster"
	"github.com/dreamware/airgrid/internal/cluster/clustertest"
	"github.com/dreamware/airgrid/internal/metrics"
	"github.com/dreamware/airgrid/internal/registry"
)

var rows = []cluster.DataRow{
	{"2020-08-01T00:00", "41.7561", "-124.2014", "PM2.5", "17.3", "UG/M3", "17.3", "62", "2", "Crescent City", "NCUAQMD", "060150007", "840060150007"},
}

func newTestCoordinator(cfg Config) *Coordinator {
	return New(cfg, nil, zap.NewNop(), metrics.NewCoordinatorMetrics(nil))
}

func startWorkers(t *testing.T, n int) []*clustertest.Recorder {
	t.Helper()
	workers := make([]*clustertest.Recorder, n)
	for i := range workers {
		workers[i] = clustertest.NewRecorder(t, cluster.MsgAnalytics, cluster.MsgQuery, cluster.MsgInitAnalytics)
	}
	return workers
}

func addrs(rs []*clustertest.Recorder) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.Addr
	}
	return out
}

func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

func TestHandleIngestionRoundRobin(t *testing.T) {
	workers := startWorkers(t, 2)
	c := newTestCoordinator(Config{})
	c.SetWorkers(addrs(workers))
	ctx := context.Background()

	for want := uint64(1); want <= 3; want++ {
		id, err := c.HandleIngestion(ctx, rows)
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	require.Eventually(t, func() bool {
		return workers[0].Len() == 2 && workers[1].Len() == 1
	}, 2*time.Second, 10*time.Millisecond)

	ids := func(r *clustertest.Recorder) []uint64 {
		var out []uint64
		for _, msg := range r.Messages() {
			batch := msg.(cluster.Analytics)
			assert.Equal(t, rows, batch.Data)
			out = append(out, batch.RequestID)
		}
		return out
	}
	assert.ElementsMatch(t, []uint64{1, 3}, ids(workers[0]))
	assert.Equal(t, []uint64{2}, ids(workers[1]))

	acks, _ := c.Pending()
	assert.Equal(t, 3, acks)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.Dispatched.WithLabelValues(metrics.ClassIngestion)))
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.Pending.WithLabelValues(metrics.ClassIngestion)))
}

func TestHandleAck(t *testing.T) {
	workers := startWorkers(t, 1)
	c := newTestCoordinator(Config{})
	c.SetWorkers(addrs(workers))
	ctx := context.Background()

	id, err := c.HandleIngestion(ctx, rows)
	require.NoError(t, err)

	c.HandleAck(ctx, cluster.AnalyticsAck{RequestID: id})
	acks, _ := c.Pending()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, testutil.CollectAndCount(c.metrics.AckLatency))

	// A second ack for the same id is unknown and changes nothing.
	c.HandleAck(ctx, cluster.AnalyticsAck{RequestID: id})
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.Acks))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.metrics.Pending.WithLabelValues(metrics.ClassIngestion)))
}

func TestHandleIngestionNoWorkers(t *testing.T) {
	c := newTestCoordinator(Config{})

	_, err := c.HandleIngestion(context.Background(), rows)
	assert.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Dropped.WithLabelValues(metrics.ClassIngestion)))

	_, err = c.HandleQuery(context.Background(), cluster.Query{RequestID: 1})
	assert.ErrorIs(t, err, ErrNoWorkers)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Dropped.WithLabelValues(metrics.ClassQuery)))
}

func TestHandleIngestionUnreachableWorker(t *testing.T) {
	c := newTestCoordinator(Config{})
	c.SetWorkers([]string{unusedAddr(t)})

	_, err := c.HandleIngestion(context.Background(), rows)
	require.Error(t, err)
	assert.ErrorIs(t, err, cluster.ErrDial)

	// The dropped batch is not left waiting for an ack.
	acks, _ := c.Pending()
	assert.Equal(t, 0, acks)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.Dropped.WithLabelValues(metrics.ClassIngestion)))
}

func TestIngestionAndQueryShareCursor(t *testing.T) {
	workers := startWorkers(t, 2)
	c := newTestCoordinator(Config{})
	c.SetWorkers(addrs(workers))
	ctx := context.Background()

	_, err := c.HandleIngestion(ctx, rows)
	require.NoError(t, err)

	// The batch went to worker 0, so the query goes to worker 1.
	addr, err := c.HandleQuery(ctx, cluster.Query{RequestID: 42, Query: cluster.MaxOfAreaMaxima})
	require.NoError(t, err)
	assert.Equal(t, workers[1].Addr, addr)

	require.Eventually(t, func() bool { return workers[1].Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, cluster.Query{RequestID: 42, Query: cluster.MaxOfAreaMaxima}, workers[1].Messages()[0])
}

func TestHandleQueryResponsePublishesResult(t *testing.T) {
	workers := startWorkers(t, 1)
	c := newTestCoordinator(Config{})
	c.SetWorkers(addrs(workers))
	ctx := context.Background()

	_, err := c.HandleQuery(ctx, cluster.Query{RequestID: 7, Query: cluster.MaxOfAreaAverages})
	require.NoError(t, err)

	resp := cluster.QueryResponse{RequestID: 7, MaxArea: "Crescent City", Value: 18.7, Kind: cluster.KindMaxAverage}
	c.HandleQueryResponse(ctx, resp)

	select {
	case res := <-c.Results():
		assert.Equal(t, resp, res.Response)
		assert.Equal(t, workers[0].Addr, res.Worker)
		assert.Greater(t, res.Latency, time.Duration(0))
	case <-time.After(time.Second):
		t.Fatal("no result published")
	}

	_, queries := c.Pending()
	assert.Equal(t, 0, queries)
}

func TestHandleQueryResponseUnknownAndFull(t *testing.T) {
	c := newTestCoordinator(Config{ResultBuffer: 1})
	ctx := context.Background()

	c.HandleQueryResponse(ctx, cluster.QueryResponse{RequestID: 1, NoData: true, Kind: cluster.KindMaxAqi})
	// The buffer is full; this one is dropped instead of blocking.
	c.HandleQueryResponse(ctx, cluster.QueryResponse{RequestID: 2, Kind: cluster.KindMaxAqi})

	res := <-c.Results()
	assert.Equal(t, int64(1), res.Response.RequestID)
	assert.True(t, res.Response.NoData)
	assert.Empty(t, res.Worker)

	select {
	case extra := <-c.Results():
		t.Fatalf("unexpected result %+v", extra)
	default:
	}
	assert.Equal(t, float64(2), testutil.ToFloat64(c.metrics.QueryResponses))
}

func TestSweep(t *testing.T) {
	workers := startWorkers(t, 1)
	c := newTestCoordinator(Config{PendingTTL: time.Minute})
	c.SetWorkers(addrs(workers))
	ctx := context.Background()

	_, err := c.HandleIngestion(ctx, rows)
	require.NoError(t, err)
	_, err = c.HandleQuery(ctx, cluster.Query{RequestID: 1})
	require.NoError(t, err)

	assert.Equal(t, 0, c.Sweep(time.Now()))
	assert.Equal(t, 2, c.Sweep(time.Now().Add(2*time.Minute)))

	acks, queries := c.Pending()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 0, queries)

	// Nothing is resent.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, workers[0].Len())
}

func TestStartLearnsWorkersAndSendsInit(t *testing.T) {
	reg := registry.New(registry.NewMembershipStore("192.168.1.104"), zap.NewNop(), nil)
	router := cluster.NewRouter()
	reg.Routes(router)
	registryAddr := clustertest.Serve(t, router)

	workers := startWorkers(t, 3)
	for _, w := range workers {
		_, err := reg.Register(cluster.NodeRecord{Address: w.Addr, Role: cluster.RoleAnalytics, Capacity: 0.7})
		require.NoError(t, err)
	}
	_, err := reg.Register(cluster.NodeRecord{Address: "10.0.0.9:12400", Role: cluster.RoleIngestion, Capacity: 0.5})
	require.NoError(t, err)

	c := newTestCoordinator(Config{Advertise: "127.0.0.1:12459", Registry: registryAddr, Capacity: 0.8, JoinAttempts: 1})
	require.NoError(t, c.Start(context.Background()))

	assert.Equal(t, addrs(workers), c.Workers())
	assert.Equal(t, float64(3), testutil.ToFloat64(c.metrics.Workers))

	for i, w := range workers {
		require.Eventually(t, func() bool { return w.Len() == 1 }, 2*time.Second, 10*time.Millisecond)
		init, ok := w.Messages()[0].(cluster.InitAnalytics)
		require.True(t, ok)
		assert.Len(t, init.Replicas, 2)
		assert.NotContains(t, init.Replicas, workers[i].Addr)
	}

	latest, ok := reg.Snapshot().Latest(cluster.RoleMetadataAnalytics)
	require.True(t, ok)
	assert.Equal(t, "127.0.0.1:12459", latest.Address)
}

func TestStartRegistryUnreachable(t *testing.T) {
	c := newTestCoordinator(Config{Advertise: "127.0.0.1:12459", Registry: unusedAddr(t), JoinAttempts: 1})
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, cluster.ErrDial)
	assert.Empty(t, c.Workers())
}

func TestRoutes(t *testing.T) {
	workers := startWorkers(t, 1)
	c := newTestCoordinator(Config{})
	c.SetWorkers(addrs(workers))

	router := cluster.NewRouter()
	c.Routes(router)
	addr := clustertest.Serve(t, router)
	ctx := context.Background()

	require.NoError(t, cluster.Send(ctx, addr, cluster.Ingestion{Data: rows}))
	require.Eventually(t, func() bool { return workers[0].Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, cluster.Analytics{RequestID: 1, Data: rows}, workers[0].Messages()[0])

	require.NoError(t, cluster.Send(ctx, addr, cluster.AnalyticsAck{RequestID: 1}))
	require.Eventually(t, func() bool {
		acks, _ := c.Pending()
		return acks == 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, cluster.Send(ctx, addr, cluster.QueryResponse{RequestID: 9, MaxArea: "Fresno", Value: 3, Kind: cluster.KindMaxAqi}))
	select {
	case res := <-c.Results():
		assert.Equal(t, "Fresno", res.Response.MaxArea)
	case <-time.After(2 * time.Second):
		t.Fatal("no result published")
	}
}
