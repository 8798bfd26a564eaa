package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"PPRelay/logger"
	"PPRelay/module/message"
	"PPRelay/tools/errs"
	"PPRelay/tools/safe"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// 本地生命周期事件，不走网络
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
	EventState        = "state"
)

// 服务端用 4001 关闭表示鉴权失败
const closeAuthFailed = 4001

type Options struct {
	URL            string
	DialTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxAttempts 连续失败多少次后进入 Failed；0 表示不限
	MaxAttempts int
	WriteWait   time.Duration
	Dialer      *websocket.Dialer
}

func DefaultOptions(u string) Options {
	return Options{
		URL:            u,
		DialTimeout:    10 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		MaxAttempts:    10,
		WriteWait:      10 * time.Second,
	}
}

type ConnectError struct {
	Message string `json:"message"`
	Auth    bool   `json:"auth"`
}

type DisconnectInfo struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// Client 一个会话一条连接；凭证变化时断开重连。
// 回调在读协程里同步执行，不要在回调里调用 SetCredential 或 Close。
type Client struct {
	opts Options
	log  *zap.Logger
	subs *registry

	credMu sync.Mutex

	mu     sync.Mutex
	token  string
	status Status
	ws     *websocket.Conn
	unread map[int64]int
	cancel context.CancelFunc
	done   chan struct{}
	closed bool

	writeMu sync.Mutex
}

func New(opts Options) *Client {
	d := DefaultOptions(opts.URL)
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = d.DialTimeout
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = d.BackoffInitial
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = d.BackoffMax
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = d.WriteWait
	}
	return &Client{
		opts:   opts,
		log:    logger.Named("client"),
		subs:   newRegistry(),
		status: newStatus(StateIdle, 0),
		unread: make(map[int64]int),
	}
}

// On 注册回调，返回的函数用于注销（可重复调用）
func (c *Client) On(event string, fn Listener) (off func()) { return c.subs.add(event, fn) }

// Off 注销某事件的全部回调
func (c *Client) Off(event string) { c.subs.clear(event) }

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// UnreadCounts 本地未读镜像的副本
func (c *Client) UnreadCounts() map[int64]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int, len(c.unread))
	for k, v := range c.unread {
		out[k] = v
	}
	return out
}

// SetCredential 换凭证：旧连接先断开，非空时重新连接，空串即登出
func (c *Client) SetCredential(token string) {
	c.credMu.Lock()
	defer c.credMu.Unlock()

	c.mu.Lock()
	if c.closed || token == c.token {
		c.mu.Unlock()
		return
	}
	c.token = token
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	stopSession(cancel, done)
	if token == "" {
		c.mu.Lock()
		c.unread = make(map[int64]int)
		c.mu.Unlock()
		c.setStatus(newStatus(StateIdle, 0))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done = make(chan struct{})
	c.mu.Lock()
	c.cancel, c.done = cancel, done
	c.mu.Unlock()
	safe.SafeGo("client-session", func() { c.run(ctx, token, done) })
}

// Close 断开并停止重连，之后的 SetCredential 不再生效
func (c *Client) Close() {
	c.credMu.Lock()
	defer c.credMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	stopSession(cancel, done)
	c.setStatus(newStatus(StateIdle, 0))
}

func stopSession(cancel context.CancelFunc, done chan struct{}) {
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (c *Client) SendMessage(to int64, body, attachmentURL string) bool {
	return c.Emit(message.EventMessage, message.SendRequest{To: to, Message: body, AttachmentURL: attachmentURL})
}

func (c *Client) MarkRead(from int64) bool {
	if !c.Emit(message.EventMarkRead, message.MarkReadRequest{From: from}) {
		return false
	}
	c.mu.Lock()
	c.unread[from] = 0
	c.mu.Unlock()
	return true
}

func (c *Client) StartTyping(to int64) bool {
	return c.Emit(message.EventTypingStart, message.TypingRequest{To: to})
}

func (c *Client) StopTyping(to int64) bool {
	return c.Emit(message.EventTypingStop, message.TypingRequest{To: to})
}

// Emit 发一帧；未连接时只打警告
func (c *Client) Emit(event string, data any) bool {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		c.log.Warn("cannot emit, socket not connected", zap.String("event", event))
		return false
	}
	raw, err := json.Marshal(outFrame{Event: event, Data: data})
	if err != nil {
		c.log.Warn("encode frame", zap.String("event", event), zap.Error(err))
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		c.log.Warn("write frame", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (c *Client) run(ctx context.Context, token string, done chan struct{}) {
	defer close(done)

	b := c.newBackOff()
	attempt := 0
	for {
		c.setStatus(newStatus(StateConnecting, attempt))
		connected, err := c.session(ctx, token)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errs.ErrAuth) {
			c.log.Warn("credential rejected, not retrying", zap.Error(err))
			c.setStatus(newStatus(StateFailed, attempt))
			return
		}
		if connected {
			b.Reset()
			attempt = 0
		}
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			c.log.Warn("giving up reconnect", zap.Int("attempts", attempt))
			c.setStatus(newStatus(StateFailed, attempt))
			return
		}
		attempt++
		c.setStatus(newStatus(StateBackoff, attempt))
		c.log.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("wait", wait))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Client) newBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.opts.BackoffInitial
	eb.MaxInterval = c.opts.BackoffMax
	eb.MaxElapsedTime = 0
	eb.Reset()
	if c.opts.MaxAttempts > 0 {
		return backoff.WithMaxRetries(eb, uint64(c.opts.MaxAttempts))
	}
	return eb
}

// session 拨号并读到连接断开；connected 表示握手是否成功过
func (c *Client) session(ctx context.Context, token string) (connected bool, err error) {
	target, err := withToken(c.opts.URL, token)
	if err != nil {
		c.emitLocal(EventConnectError, ConnectError{Message: err.Error()})
		return false, errs.ErrTransport.Wrap(err)
	}

	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	ws, resp, err := c.dialer().DialContext(dctx, target, nil)
	cancel()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			err = errs.ErrAuth.WrapMsg("Authentication error: invalid token")
			c.emitLocal(EventConnectError, ConnectError{Message: "Authentication error: invalid token", Auth: true})
			return false, err
		}
		c.log.Warn("dial failed", zap.Error(err))
		c.emitLocal(EventConnectError, ConnectError{Message: err.Error()})
		return false, errs.ErrTransport.Wrap(err)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	c.setStatus(newStatus(StateConnected, 0))
	c.log.Info("connected", zap.String("url", c.opts.URL))
	c.emitLocal(EventConnect, nil)

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		case <-stop:
		}
	}()

	rerr := c.readLoop(ws)
	close(stop)

	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	c.mu.Unlock()
	_ = ws.Close()

	info := DisconnectInfo{Code: websocket.CloseAbnormalClosure, Reason: rerr.Error()}
	var ce *websocket.CloseError
	if errors.As(rerr, &ce) {
		info = DisconnectInfo{Code: ce.Code, Reason: ce.Text}
	}
	c.log.Info("disconnected", zap.Int("code", info.Code), zap.String("reason", info.Reason))
	c.emitLocal(EventDisconnect, info)

	if info.Code == closeAuthFailed {
		c.emitLocal(EventConnectError, ConnectError{Message: info.Reason, Auth: true})
		return true, errs.ErrAuth.WrapMsg(info.Reason)
	}
	return true, errs.ErrTransport.Wrap(rerr)
}

func (c *Client) readLoop(ws *websocket.Conn) error {
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		var f inFrame
		if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
			c.log.Debug("drop malformed frame", zap.Int("bytes", len(raw)))
			continue
		}
		c.observe(f)
		c.subs.emit(f.Event, f.Data)
	}
}

// observe 维护本地未读镜像
func (c *Client) observe(f inFrame) {
	switch f.Event {
	case message.EventUnreadCounts:
		var counts map[string]int
		if err := json.Unmarshal(f.Data, &counts); err != nil {
			c.log.Debug("bad unread_counts", zap.Error(err))
			return
		}
		next := make(map[int64]int, len(counts))
		for k, v := range counts {
			id, err := strconv.ParseInt(k, 10, 64)
			if err != nil {
				continue
			}
			next[id] = v
		}
		c.mu.Lock()
		c.unread = next
		c.mu.Unlock()
	case message.EventMessage:
		var p struct {
			From int64 `json:"from"`
		}
		if err := json.Unmarshal(f.Data, &p); err != nil || p.From == 0 {
			return
		}
		c.mu.Lock()
		c.unread[p.From]++
		c.mu.Unlock()
	}
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	if c.status == s {
		c.mu.Unlock()
		return
	}
	c.status = s
	c.mu.Unlock()
	c.emitLocal(EventState, s)
}

func (c *Client) emitLocal(event string, v any) {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return
		}
		raw = b
	}
	c.subs.emit(event, raw)
}

func (c *Client) dialer() *websocket.Dialer {
	if c.opts.Dialer != nil {
		return c.opts.Dialer
	}
	return &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.opts.DialTimeout,
	}
}

func withToken(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
