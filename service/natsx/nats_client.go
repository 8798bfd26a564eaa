package natsx

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"PPRelay/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Mode 工作模式
type Mode int

const (
	Core          Mode = iota // 无持久化
	JetStreamPush             // JS 推送订阅
)

// 中继事件的业务名与主题
const (
	BizMessageCreated = "message.created"
	BizMessageRead    = "message.read"

	SubjectMessageCreated = "chat.message.created"
	SubjectMessageRead    = "chat.message.read"
)

// Route 路由配置（按 Biz 维度注册）
type Route struct {
	Biz           string
	Subject       string
	Mode          Mode
	Queue         string // 队列组
	Durable       string // JS durable 名
	AckWait       time.Duration
	MaxAckPending int
}

// RelayRoutes 中继默认发布的两条路由
func RelayRoutes(mode Mode) []Route {
	return []Route{
		{Biz: BizMessageCreated, Subject: SubjectMessageCreated, Mode: mode},
		{Biz: BizMessageRead, Subject: SubjectMessageRead, Mode: mode},
	}
}

// Config 客户端配置
type Config struct {
	Servers         []string      `yaml:"servers" env:"NATS_URL" envSeparator:","`
	Name            string        `yaml:"name"`
	User            string        `yaml:"user" env:"NATS_USER"`
	Password        string        `yaml:"password" env:"NATS_PASSWORD"`
	JetStream       bool          `yaml:"jetstream" env:"NATS_JETSTREAM"`
	ReconnectWait   time.Duration `yaml:"reconnectWait"`
	Timeout         time.Duration `yaml:"timeout"`
	PublishAsyncMax int           `yaml:"publishAsyncMax"`
}

func (c Config) Enabled() bool { return len(c.Servers) > 0 }

func (c Config) Mode() Mode {
	if c.JetStream {
		return JetStreamPush
	}
	return Core
}

// Client 统一客户端
type Client struct {
	cfg Config
	nc  *nats.Conn
	js  nats.JetStreamContext
	log *zap.Logger

	mu     sync.RWMutex
	routes map[string]Route              // biz -> route
	subs   map[string]*nats.Subscription // biz -> sub
}

// NewClient 连接 NATS
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.Name == "" {
		cfg.Name = "pprelay"
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	log := logger.Named("nats")
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:    cfg,
		nc:     nc,
		log:    log,
		routes: make(map[string]Route),
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Close 优雅关闭
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for biz, sub := range c.subs {
		_ = sub.Drain()
		delete(c.subs, biz)
	}
	if c.nc != nil {
		return c.nc.Drain()
	}
	return nil
}

// Connected reports whether the underlying connection is up.
func (c *Client) Connected() bool { return c.nc != nil && c.nc.IsConnected() }

// ensureJS 初始化 JetStream 上下文
func (c *Client) ensureJS() error {
	if c.js != nil {
		return nil
	}
	js, err := c.nc.JetStream(nats.PublishAsyncMaxPending(c.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	c.js = js
	return nil
}

// RegisterRoute 注册 Biz 路由
func (c *Client) RegisterRoute(r Route) error {
	if r.Biz == "" || r.Subject == "" {
		return errors.New("invalid route")
	}
	if r.Mode == JetStreamPush {
		if err := c.ensureJS(); err != nil {
			return fmt.Errorf("init jetstream: %w", err)
		}
	}
	if r.AckWait == 0 {
		r.AckWait = 30 * time.Second
	}
	if r.MaxAckPending == 0 {
		r.MaxAckPending = 1024
	}
	c.mu.Lock()
	c.routes[r.Biz] = r
	c.mu.Unlock()
	return nil
}

// route 查询已注册路由
func (c *Client) route(biz string) (Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[biz]
	return r, ok
}

func headerToMap(h nats.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}
