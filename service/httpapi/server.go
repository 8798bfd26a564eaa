package httpapi

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"PPRelay/logger"
	"PPRelay/middleware"
	midsec "PPRelay/middleware/security"
	"PPRelay/module/identity"
	"PPRelay/module/message"
	"PPRelay/service/chat"
	"PPRelay/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// HealthCheck is one dependency reported by /health.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Options struct {
	Environment    string
	UploadDir      string
	MaxUploadBytes int64
	AllowedOrigins []string
	// RequireAuth protects the history, conversations and upload routes.
	RequireAuth bool
}

func DefaultOptions() Options {
	return Options{
		Environment:    "development",
		UploadDir:      "uploads",
		MaxUploadBytes: 10 << 20,
	}
}

type Deps struct {
	Router   *message.Router
	WS       *chat.Server
	Verifier identity.Verifier
	Metrics  http.Handler
	Checks   []HealthCheck
}

type Server struct {
	opts    Options
	deps    Deps
	engine  *gin.Engine
	started time.Time
	log     *zap.Logger
}

func New(opts Options, deps Deps) *Server {
	safe.MustNotNil(deps.Router, "router")
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultOptions().MaxUploadBytes
	}
	if opts.UploadDir == "" {
		opts.UploadDir = DefaultOptions().UploadDir
	}
	if opts.Environment == "" {
		opts.Environment = DefaultOptions().Environment
	}
	s := &Server{
		opts:    opts,
		deps:    deps,
		started: time.Now(),
		log:     logger.Named("http"),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	e := gin.New()
	// 请求体上限，给上传的 multipart 头多留 1MB
	mids := middleware.NewManager(middleware.BodyLimit(s.opts.MaxUploadBytes + 1<<20))
	e.Use(middleware.Recovery(s.log), middleware.RequestLog(s.log), mids.Use())

	var auth gin.HandlerFunc
	if s.opts.RequireAuth && s.deps.Verifier != nil {
		auth = midsec.Middleware(s.deps.Verifier)
	}
	rt := middleware.NewRoutes(e, auth)

	rt.GET("/health", s.health, middleware.RouteOpt{})
	rt.GET("/ready", s.ready, middleware.RouteOpt{})
	rt.GET("/users/connected", s.connectedUsers, middleware.RouteOpt{})
	rt.GET("/users/:userId/unread", s.unread, middleware.RouteOpt{})
	rt.GET("/messages/history", s.history, middleware.RouteOpt{IsAuth: true})
	rt.GET("/messages/conversations", s.conversations, middleware.RouteOpt{IsAuth: true})
	rt.POST("/upload/attachment", s.upload, middleware.RouteOpt{IsAuth: true})

	e.Static("/uploads", s.opts.UploadDir)
	if s.deps.Metrics != nil {
		e.GET("/metrics", gin.WrapH(s.deps.Metrics))
	}
	if s.deps.WS != nil {
		e.GET("/ws", s.deps.WS.HandleGin)
	}
	return e
}

func (s *Server) Engine() *gin.Engine { return s.engine }

// Handler is the engine wrapped in CORS.
func (s *Server) Handler() http.Handler {
	return middleware.WithCORS(s.engine, s.opts.AllowedOrigins)
}

func (s *Server) messagesDir() string { return filepath.Join(s.opts.UploadDir, "messages") }
