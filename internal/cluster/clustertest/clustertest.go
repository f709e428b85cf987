// Package clustertest provides loopback servers and recording peers for tests.
package clustertest

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dreamware/airgrid/internal/cluster"
)

// Serve runs router on a loopback port until the test ends and returns its address.
func Serve(t testing.TB, router *cluster.Router) string {
	t.Helper()
	srv := cluster.NewServer(router, cluster.ServerConfig{}, zap.NewNop())
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
	return srv.Addr()
}

// Recorder is a peer that stores every message it receives and never replies.
type Recorder struct {
	Addr string

	mu   sync.Mutex
	msgs []cluster.Message
}

// NewRecorder starts a Recorder accepting the given message types.
func NewRecorder(t testing.TB, types ...cluster.MessageType) *Recorder {
	t.Helper()
	r := &Recorder{}
	router := cluster.NewRouter()
	for _, typ := range types {
		router.Handle(typ, func(_ context.Context, msg cluster.Message) (cluster.Message, error) {
			r.mu.Lock()
			r.msgs = append(r.msgs, msg)
			r.mu.Unlock()
			return nil, nil
		})
	}
	r.Addr = Serve(t, router)
	return r
}

// Messages returns a copy of what has been received so far.
func (r *Recorder) Messages() []cluster.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cluster.Message(nil), r.msgs...)
}

// Len returns the number of messages received.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}
