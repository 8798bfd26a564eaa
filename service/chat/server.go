package chat

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"PPRelay/logger"
	"PPRelay/module/identity"
	"PPRelay/module/message"
	"PPRelay/tools/safe"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var timeNow = time.Now

type Options struct {
	HeartbeatInterval time.Duration
	// AuthTimeout bounds how long an upgraded socket may stay unauthenticated.
	AuthTimeout     time.Duration
	WriteWait       time.Duration
	SendQueueSize   int
	MaxMessageBytes int64
	EventsPerSecond float64
	EventBurst      int
	MaxConnections  int
	AllowedOrigins  []string
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 25 * time.Second,
		AuthTimeout:       10 * time.Second,
		WriteWait:         10 * time.Second,
		SendQueueSize:     256,
		MaxMessageBytes:   64 << 10,
		EventsPerSecond:   20,
		EventBurst:        40,
	}
}

func (o *Options) norm() {
	d := DefaultOptions()
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval
	}
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = d.AuthTimeout
	}
	if o.WriteWait <= 0 {
		o.WriteWait = d.WriteWait
	}
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = d.SendQueueSize
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = d.MaxMessageBytes
	}
	if o.EventBurst <= 0 {
		o.EventBurst = d.EventBurst
	}
}

// PongWait is how long a connection may stay silent before it is dropped.
func (o *Options) PongWait() time.Duration { return 2 * o.HeartbeatInterval }

// Metrics receives connection level counts; service/metrics implements it.
type Metrics interface {
	ConnOpened()
	ConnClosed(authenticated bool)
	AuthFailed(reason string)
	FrameDropped(reason string)
}

type noopMetrics struct{}

func (noopMetrics) ConnOpened()         {}
func (noopMetrics) ConnClosed(bool)     {}
func (noopMetrics) AuthFailed(string)   {}
func (noopMetrics) FrameDropped(string) {}

type ServerOption func(*Server)

func WithMetrics(m Metrics) ServerOption { return func(s *Server) { s.metrics = m } }

// WithPongHook is called on every pong of an authenticated connection.
func WithPongHook(fn func(userID int64, connID string)) ServerOption {
	return func(s *Server) { s.onPong = fn }
}

type Server struct {
	opts     Options
	router   *message.Router
	verifier identity.Verifier
	disp     *Dispatcher
	conns    *ConnManager
	upgrader websocket.Upgrader
	metrics  Metrics
	onPong   func(int64, string)
	log      *zap.Logger

	wg      sync.WaitGroup
	closing atomic.Bool
}

func NewServer(opts Options, router *message.Router, verifier identity.Verifier, so ...ServerOption) *Server {
	safe.MustNotNil(router, "router")
	safe.MustNotNil(verifier, "verifier")
	opts.norm()
	s := &Server{
		opts:     opts,
		router:   router,
		verifier: verifier,
		disp:     NewDispatcher(),
		conns:    NewConnManager(opts.MaxConnections),
		metrics:  noopMetrics{},
		onPong:   func(int64, string) {},
		log:      logger.Named("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	s.disp.Register(DefaultHandlers(router)...)
	for _, o := range so {
		o(s)
	}
	return s
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

func (s *Server) ConnMgr() *ConnManager { return s.conns }

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.HandleWS(w, r) }

// HandleGin mounts the websocket endpoint on a gin route.
func (s *Server) HandleGin(c *gin.Context) { s.HandleWS(c.Writer, c.Request) }

// Shutdown closes every socket with 1001 and waits for their readers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	closed := s.conns.CloseAll(websocket.CloseGoingAway, "server shutting down")
	s.log.Info("closing connections", zap.Int("count", len(closed)))

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
