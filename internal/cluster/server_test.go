package cluster

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// startServer runs a server on a loopback port until the test ends.
func startServer(t *testing.T, router *Router, cfg ServerConfig) *Server {
	t.Helper()
	srv := NewServer(router, cfg, zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv
}

// TestServerRequestReply verifies a handler reply reaches the caller
func TestServerRequestReply(t *testing.T) {
	router := NewRouter()
	router.Handle(MsgRegistering, func(ctx context.Context, msg Message) (Message, error) {
		reg := msg.(Registering)
		return NewNodeDiscovery(MembershipSnapshot{Nodes: []NodeRecord{reg.NodeRecord}, ElectionSeed: "seed"}), nil
	})
	srv := startServer(t, router, ServerConfig{})

	reply, err := Request(context.Background(), srv.Addr(), Registering{NodeRecord{Address: "w1", Role: RoleAnalytics, Capacity: 0.7}})
	require.NoError(t, err)

	disc, ok := reply.(NodeDiscovery)
	require.True(t, ok, "expected NodeDiscovery, got %T", reply)
	assert.Equal(t, "seed", disc.InitElectionIngestion)
	require.Len(t, disc.Nodes, 1)
	assert.Equal(t, "w1", disc.Nodes[0].Address)
}

// TestServerSendWithoutReply verifies one-way messages reach the handler
func TestServerSendWithoutReply(t *testing.T) {
	got := make(chan AnalyticsAck, 1)
	router := NewRouter()
	router.Handle(MsgAnalyticsAck, func(ctx context.Context, msg Message) (Message, error) {
		got <- msg.(AnalyticsAck)
		return nil, nil
	})
	srv := startServer(t, router, ServerConfig{})

	require.NoError(t, Send(context.Background(), srv.Addr(), AnalyticsAck{RequestID: 42}))

	select {
	case ack := <-got:
		assert.Equal(t, uint64(42), ack.RequestID)
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
}

// TestServerDropsBadRequests verifies failures are reported and the connection closed without reply
func TestServerDropsBadRequests(t *testing.T) {
	var mu sync.Mutex
	kinds := []string{}

	router := NewRouter()
	srv := NewServer(router, ServerConfig{}, zap.NewNop())
	srv.OnError(func(kind string) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// An empty connection, like a reachability probe, is not an error.
	probe, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	probe.Close()

	lines := []string{
		"not json\n",
		`{"requestType":"election"}` + "\n",
		`{"requestType":"query","requestID":1,"query":0}` + "\n",
	}
	for _, line := range lines {
		conn, err := net.Dial("tcp", srv.Addr())
		require.NoError(t, err)
		_, err = conn.Write([]byte(line))
		require.NoError(t, err)

		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, err = ReadLine(conn)
		assert.Error(t, err, "no reply expected for %q", line)
		conn.Close()
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"malformed", "unknown_type", "unexpected"}, kinds)
}

// TestServerBoundsConcurrency verifies no more than MaxConns handlers run at once
func TestServerBoundsConcurrency(t *testing.T) {
	const maxConns = 2
	var running, peak int32
	release := make(chan struct{})

	router := NewRouter()
	router.Handle(MsgAnalyticsAck, func(ctx context.Context, msg Message) (Message, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&running, -1)
		return nil, nil
	})
	srv := startServer(t, router, ServerConfig{MaxConns: maxConns, IOTimeout: 5 * time.Second})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_ = Send(context.Background(), srv.Addr(), AnalyticsAck{RequestID: uint64(id)})
		}(i)
	}
	wg.Wait()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == maxConns }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(maxConns), atomic.LoadInt32(&peak))

	close(release)
	assert.Eventually(t, func() bool { return atomic.LoadInt32(&running) == 0 }, 2*time.Second, 10*time.Millisecond)
}

// TestTransportUnreachable verifies dial failures surface as transport errors
func TestTransportUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	tr := &Transport{DialTimeout: 500 * time.Millisecond, IOTimeout: 500 * time.Millisecond}
	err = tr.Send(context.Background(), addr, AnalyticsAck{RequestID: 1})
	require.Error(t, err)
	assert.Equal(t, "transport", ErrorKind(err))
}

// TestTransportReadTimeout verifies a silent peer produces a timeout instead of hanging
func TestTransportReadTimeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(time.Second)
	}()

	tr := &Transport{IOTimeout: 100 * time.Millisecond}
	_, err = tr.Request(context.Background(), ln.Addr().String(), Query{RequestID: 1})
	require.Error(t, err)
	assert.Equal(t, "timeout", ErrorKind(err))
}

// TestServeRequiresListen verifies Serve refuses to run unbound
func TestServeRequiresListen(t *testing.T) {
	srv := NewServer(NewRouter(), ServerConfig{}, zap.NewNop())
	assert.Error(t, srv.Serve(context.Background()))
	assert.Equal(t, "", srv.Addr())
}

// failingListener fails the first fails Accept calls.
type failingListener struct {
	net.Listener
	mu    sync.Mutex
	fails int
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.mu.Lock()
	if l.fails > 0 {
		l.fails--
		l.mu.Unlock()
		return nil, errors.New("accept tcp: too many open files")
	}
	l.mu.Unlock()
	return l.Listener.Accept()
}

// TestServerSurvivesAcceptErrors verifies accept failures are retried instead of ending Serve
func TestServerSurvivesAcceptErrors(t *testing.T) {
	router := NewRouter()
	router.Handle(MsgQuery, func(_ context.Context, msg Message) (Message, error) {
		return AnalyticsAck{RequestID: uint64(msg.(Query).RequestID)}, nil
	})

	srv := NewServer(router, ServerConfig{}, zap.NewNop())
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	srv.ln = &failingListener{Listener: srv.ln, fails: 4}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	reply, err := Request(context.Background(), srv.Addr(), Query{RequestID: 9})
	require.NoError(t, err)
	assert.Equal(t, AnalyticsAck{RequestID: 9}, reply)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestAcceptBackoff(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, acceptBackoff(0))
	assert.Equal(t, 10*time.Millisecond, acceptBackoff(5*time.Millisecond))
	assert.Equal(t, time.Second, acceptBackoff(800*time.Millisecond))
	assert.Equal(t, time.Second, acceptBackoff(time.Second))
}

// TestReadLineRejectsOversizedLines verifies a line past MaxLineBytes is reported, not cut short
func TestReadLineRejectsOversizedLines(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{name: "at the limit", input: strings.Repeat("a", MaxLineBytes-1) + "\n"},
		{name: "at the limit without newline", input: strings.Repeat("a", MaxLineBytes)},
		{name: "one byte over", input: strings.Repeat("a", MaxLineBytes) + "\n", wantErr: ErrTooLarge},
		{name: "far over", input: strings.Repeat("a", MaxLineBytes+4096), wantErr: ErrTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, err := ReadLine(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, "too_large", ErrorKind(err))
				assert.Nil(t, line)
				return
			}
			require.NoError(t, err)
			assert.Len(t, line, len(tt.input))
		})
	}
}

// TestServerDropsOversizedRequest verifies an oversized line never reaches a handler
func TestServerDropsOversizedRequest(t *testing.T) {
	var handled atomic.Int32
	router := NewRouter()
	router.Handle(MsgIngestion, func(context.Context, Message) (Message, error) {
		handled.Add(1)
		return nil, nil
	})

	var mu sync.Mutex
	var kinds []string
	srv := NewServer(router, ServerConfig{}, zap.NewNop())
	srv.OnError(func(kind string) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = srv.Serve(ctx) }()

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	prefix := `{"requestType":"ingestion","Data":[["`
	_, _ = conn.Write([]byte(prefix + strings.Repeat("a", MaxLineBytes) + `"]]}` + "\n"))
	conn.Close()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 1
	}, 5*time.Second, 10*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"too_large"}, kinds)
	mu.Unlock()
	assert.Equal(t, int32(0), handled.Load())
}
