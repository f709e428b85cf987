package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// HandlerFunc serves one decoded message. A non-nil reply is written back
// on the same connection before it is closed.
type HandlerFunc func(ctx context.Context, msg Message) (reply Message, err error)

// Router maps message types to handlers. Handlers are registered before the
// server starts and never changed afterwards.
type Router struct {
	handlers map[MessageType]HandlerFunc
}

func NewRouter() *Router {
	return &Router{handlers: make(map[MessageType]HandlerFunc)}
}

// Handle registers h for messages of type t.
func (r *Router) Handle(t MessageType, h HandlerFunc) {
	r.handlers[t] = h
}

// Dispatch runs the handler for msg, or fails with ErrUnexpected.
func (r *Router) Dispatch(ctx context.Context, msg Message) (Message, error) {
	h, ok := r.handlers[msg.Type()]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnexpected, msg.Type())
	}
	return h(ctx, msg)
}

// ServerConfig bounds a Server's resources.
type ServerConfig struct {
	// IOTimeout is the read and write deadline of an accepted connection.
	IOTimeout time.Duration
	// HandlerTimeout bounds the context handed to handlers.
	HandlerTimeout time.Duration
	// MaxConns is the number of connections served at once. The accept
	// loop waits when all slots are busy.
	MaxConns int
}

// Server accepts one message per connection and dispatches it through a
// Router. Every failure is logged here and the connection is closed;
// nothing propagates further.
type Server struct {
	router  *Router
	log     *zap.Logger
	onError func(kind string)
	ln      net.Listener
	sem     chan struct{}
	cfg     ServerConfig
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// NewServer creates a server that is not yet listening.
func NewServer(router *Router, cfg ServerConfig, log *zap.Logger) *Server {
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 64
	}
	cfg.IOTimeout = orDefault(cfg.IOTimeout)
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 2 * cfg.IOTimeout
	}
	return &Server{
		router: router,
		log:    log,
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.MaxConns),
	}
}

// OnError installs a callback invoked with ErrorKind of every failed
// connection. Call before Serve.
func (s *Server) OnError(fn func(kind string)) {
	s.onError = fn
}

// Listen binds addr. Use "127.0.0.1:0" to pick a free port.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.ln = ln
	return nil
}

// Addr is the bound address, valid after Listen.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// waits for in-flight handlers.
func (s *Server) Serve(ctx context.Context) error {
	if s.ln == nil {
		return errors.New("serve: Listen was not called")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Close()
	}()
	defer s.wg.Wait()

	s.log.Info("listening", zap.String("addr", s.Addr()), zap.Int("max_conns", s.cfg.MaxConns))

	var delay time.Duration
	for {
		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			return nil
		}

		conn, err := s.ln.Accept()
		if err != nil {
			<-s.sem
			if s.isClosing() {
				return nil
			}
			// Accept failures such as EMFILE pass; back off and keep serving.
			delay = acceptBackoff(delay)
			s.log.Warn("accept failed", zap.Duration("retry_in", delay), zap.Error(err))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		delay = 0

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.serveConn(ctx, conn)
		}()
	}
}

func acceptBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 5 * time.Millisecond
	}
	if prev *= 2; prev > time.Second {
		return time.Second
	}
	return prev
}

// Close stops accepting. In-flight connections finish on their own.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.ln == nil {
		return nil
	}
	s.closing = true
	return s.ln.Close()
}

func (s *Server) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	log := s.log.With(
		zap.String("conn_id", uuid.NewString()),
		zap.String("remote", conn.RemoteAddr().String()),
	)

	if err := conn.SetDeadline(time.Now().Add(s.cfg.IOTimeout)); err != nil {
		s.fail(log, "set deadline", err)
		return
	}

	line, err := ReadLine(conn)
	if errors.Is(err, io.EOF) {
		// Closed without a byte, e.g. a reachability probe.
		log.Debug("connection closed empty")
		return
	}
	if err != nil {
		s.fail(log, "read", err)
		return
	}
	msg, err := Decode(line)
	if err != nil {
		s.fail(log, "decode", err)
		return
	}
	log = log.With(zap.String("request_type", string(msg.Type())))

	hctx, cancel := context.WithTimeout(ctx, s.cfg.HandlerTimeout)
	defer cancel()
	reply, err := s.router.Dispatch(hctx, msg)
	if err != nil {
		s.fail(log, "handle", err)
		return
	}
	if reply == nil {
		return
	}

	out, err := Encode(reply)
	if err != nil {
		s.fail(log, "encode reply", err)
		return
	}
	if _, err := conn.Write(out); err != nil {
		s.fail(log, "write reply", err)
	}
}

func (s *Server) fail(log *zap.Logger, stage string, err error) {
	kind := ErrorKind(err)
	log.Warn("request dropped", zap.String("stage", stage), zap.String("kind", kind), zap.Error(err))
	if s.onError != nil {
		s.onError(kind)
	}
}
