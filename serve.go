package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"PPRelay/global/config"
	"PPRelay/logger"
	"PPRelay/module/identity"
	"PPRelay/module/ledger"
	"PPRelay/module/message"
	"PPRelay/module/presence"
	"PPRelay/service/chat"
	"PPRelay/service/grpchealth"
	"PPRelay/service/httpapi"
	"PPRelay/service/kafka"
	"PPRelay/service/metrics"
	"PPRelay/service/nacos"
	"PPRelay/service/natsx"
	"PPRelay/service/storage/memstore"
	"PPRelay/service/storage/mgostore"
	"PPRelay/service/storage/pgstore"
	"PPRelay/service/storage/redis"
	"PPRelay/tools/ids"
	"PPRelay/tools/safe"
	"PPRelay/tools/security"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
)

func newServeCommand() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay (websocket + HTTP + grpc health)",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{Path: cfgPath})
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.JSON)
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "YAML config file")
	return cmd
}

// closers 按注册的逆序关闭
type closers []func()

func (cs *closers) add(fn func()) { *cs = append(*cs, fn) }

func (cs *closers) run() {
	for i := len(*cs) - 1; i >= 0; i-- {
		(*cs)[i]()
	}
}

func openStore(ctx context.Context, cfg *config.AppConfig) (message.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverPostgres:
		return pgstore.Open(ctx, cfg.Storage.Postgres)
	case config.DriverMongo:
		return mgostore.Open(ctx, cfg.Mongo)
	default:
		logger.Warn("memory store selected, history is lost on restart")
		return memstore.New(), nil
	}
}

func serve(ctx context.Context, cfg *config.AppConfig) error {
	log := logger.Named("serve")
	ids.SetNodeID(cfg.Server.NodeID)

	var cleanup closers
	defer cleanup.run()

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Storage.Driver, err)
	}
	cleanup.add(store.Close)

	mode, err := message.ParseDurabilityMode(cfg.Relay.DurabilityMode)
	if err != nil {
		return err
	}

	// 后台协程（presence 镜像、重试、探活）跟随 bg 退出
	bg, cancelBg := context.WithCancel(context.Background())
	cleanup.add(cancelBg)

	var (
		observers  []presence.Observer
		serverOpts []chat.ServerOption
		checks     []httpapi.HealthCheck
		pubs       message.Publishers
		retryQ     *redis.RetryQueue
	)
	routerOpts := []message.Option{
		message.WithDurability(mode),
		message.WithStoreTimeout(cfg.Relay.StoreTimeout),
	}
	grpcChecks := []grpchealth.Check{{Name: "store", Fn: store.Ping}}

	if cfg.Redis.Enabled() {
		rdb, err := redis.InitRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = redis.CloseRedis() })

		mirror := redis.NewPresenceMirror(rdb, cfg.Relay.PresenceTTL)
		safe.SafeGo("presence-mirror", func() { mirror.Run(bg) })
		observers = append(observers, mirror)
		serverOpts = append(serverOpts, chat.WithPongHook(mirror.Refresh))

		retryQ = redis.NewRetryQueue(rdb, redis.RetryOptions{})
		routerOpts = append(routerOpts, message.WithRetryQueue(retryQ))

		ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		checks = append(checks, httpapi.HealthCheck{Name: "redis", Check: ping})
		grpcChecks = append(grpcChecks, grpchealth.Check{Name: "redis", Fn: ping})
	}

	if cfg.Nats.Enabled() {
		m, err := natsx.NewManager(cfg.Nats, natsx.RelayRoutes(cfg.Nats.Mode()))
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = m.Close() })
		pubs = append(pubs, natsx.NewEventPublisher(m, cfg.Relay.PublishRetries))
		checks = append(checks, httpapi.HealthCheck{Name: "nats", Check: func(context.Context) error {
			if !m.Connected() {
				return errors.New("nats disconnected")
			}
			return nil
		}})
	}

	if cfg.Kafka.Enabled() {
		kp, err := kafka.Open(cfg.Kafka)
		if err != nil {
			return err
		}
		cleanup.add(func() { _ = kp.Close() })
		pubs = append(pubs, kp)
	}
	if len(pubs) > 0 {
		routerOpts = append(routerOpts, message.WithPublisher(pubs))
	}
	if retryQ != nil {
		// 补存成功的消息同样要发布
		safe.SafeGo("persist-retry", func() { retryQ.RunWorker(bg, store, pubs, cfg.Relay.RetryInterval) })
	}

	pres := presence.NewTable(observers...)
	led := ledger.New()
	met := metrics.New(pres.Count, led.Sum)
	routerOpts = append(routerOpts, message.WithRecorder(met))
	serverOpts = append(serverOpts, chat.WithMetrics(met))

	router := message.NewRouter(pres, led, store, routerOpts...)
	if err := router.Rebuild(ctx); err != nil {
		// 账本只是提示，重建失败不阻止启动
		log.Warn("rebuild unread ledger", zap.Error(err))
	}

	sec := security.Options{
		Secret: []byte(cfg.Auth.JWTSecret),
		Alg:    cfg.Auth.Alg,
		TTL:    cfg.Auth.TokenTTL,
		Issuer: cfg.Auth.Issuer,
	}
	verifier := identity.NewJWTVerifier(sec)

	ws := chat.NewServer(chat.Options{
		HeartbeatInterval: cfg.Relay.HeartbeatInterval,
		AuthTimeout:       cfg.Relay.AuthTimeout,
		WriteWait:         cfg.Relay.WriteWait,
		SendQueueSize:     cfg.Relay.SendQueueSize,
		MaxMessageBytes:   cfg.Relay.MaxMessageBytes,
		EventsPerSecond:   cfg.Relay.EventsPerSecond,
		EventBurst:        cfg.Relay.EventBurst,
		MaxConnections:    cfg.Relay.MaxConnections,
		AllowedOrigins:    cfg.Relay.AllowedOrigins,
	}, router, verifier, serverOpts...)
	met.TrackPending(ws.ConnMgr().CountUnauth)

	api := httpapi.New(httpapi.Options{
		Environment:    cfg.Server.Environment,
		UploadDir:      cfg.Relay.UploadDir,
		MaxUploadBytes: cfg.Relay.MaxUploadBytes,
		AllowedOrigins: cfg.Relay.AllowedOrigins,
		RequireAuth:    cfg.Relay.RequireAuth,
	}, httpapi.Deps{
		Router:   router,
		WS:       ws,
		Verifier: verifier,
		Metrics:  met.Handler(),
		Checks:   checks,
	})

	ln, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return err
	}
	if cfg.Relay.MaxConnections > 0 {
		// 握手前就限流；多留一些给 /health 与 /metrics
		ln = netutil.LimitListener(ln, cfg.Relay.MaxConnections+64)
	}
	hs := &http.Server{Handler: api.Handler(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 2)
	safe.SafeGo("http", func() {
		log.Info("relay listening", zap.String("addr", ln.Addr().String()),
			zap.String("store", cfg.Storage.Driver), zap.String("durability", string(mode)))
		if err := hs.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})

	if cfg.Server.GrpcPort > 0 {
		gl, err := net.Listen("tcp", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.GrpcPort))
		if err != nil {
			return err
		}
		gh := grpchealth.New(10*time.Second, grpcChecks...)
		safe.SafeGo("grpc-health-probe", func() { gh.Run(bg) })
		safe.SafeGo("grpc-health", func() {
			if err := gh.Serve(gl); err != nil {
				errCh <- err
			}
		})
		cleanup.add(gh.Stop)
	}

	if cfg.Nacos.Enabled() {
		if err := attachNacos(cfg, &cleanup); err != nil {
			log.Warn("nacos unavailable, continuing without it", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.Error("listener failed", zap.Error(err))
		return err
	}

	cancelBg()
	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := ws.Shutdown(sctx); err != nil {
		log.Warn("websocket shutdown", zap.Error(err))
	}
	if err := hs.Shutdown(sctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// attachNacos 注册实例并监听日志级别的热更新
func attachNacos(cfg *config.AppConfig, cleanup *closers) error {
	if cfg.Nacos.Register {
		nc, err := nacos.NewNamingClient(cfg.Nacos)
		if err != nil {
			return err
		}
		reg := nacos.NewRegistry(nc, cfg.Nacos, advertiseIP(cfg.Server.Host), uint64(cfg.Server.Port), map[string]string{
			"environment": cfg.Server.Environment,
			"nodeId":      strconv.FormatInt(cfg.Server.NodeID, 10),
		})
		if err := reg.Register(); err != nil {
			nc.CloseClient()
			return err
		}
		cleanup.add(func() {
			if err := reg.Deregister(); err != nil {
				logger.Warn("nacos deregister", zap.Error(err))
			}
			nc.CloseClient()
		})
	}

	src, err := config.Watch(*cfg, func(next *config.AppConfig) {
		logger.Init(next.Log.Level, next.Log.JSON)
		logger.Info("log level reloaded", zap.String("level", next.Log.Level))
	})
	if err != nil {
		return err
	}
	cleanup.add(func() { _ = src.Stop() })
	return nil
}

func advertiseIP(host string) string {
	if host != "" && host != "0.0.0.0" {
		return host
	}
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}
