package chat

import (
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"PPRelay/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type ConnState int32

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// CloseAuthFailed is sent when the credential is missing or invalid.
const CloseAuthFailed = 4001

type closeReq struct {
	code int
	text string
}

// Conn is one websocket peer. Reads happen on the goroutine running
// Server.HandleWS; every write goes through the writePump.
type Conn struct {
	id        string
	ws        *websocket.Conn
	remote    net.Addr
	createdAt time.Time

	userID   atomic.Int64
	username atomic.Value // string
	state    atomic.Int32

	send      chan []byte
	quit      chan closeReq
	closeOnce sync.Once
	done      chan struct{}

	limiter *rate.Limiter
	opts    *Options
	log     *zap.Logger
}

func newConn(id string, ws *websocket.Conn, opts *Options) *Conn {
	c := &Conn{
		id:        id,
		ws:        ws,
		remote:    ws.RemoteAddr(),
		createdAt: time.Now(),
		send:      make(chan []byte, opts.SendQueueSize),
		quit:      make(chan closeReq, 1),
		done:      make(chan struct{}),
		opts:      opts,
		log:       logger.Named("conn").With(zap.String("conn", id)),
	}
	if opts.EventsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.EventsPerSecond), opts.EventBurst)
	}
	c.username.Store("")
	return c
}

func (c *Conn) ID() string           { return c.id }
func (c *Conn) UserID() int64        { return c.userID.Load() }
func (c *Conn) Username() string     { return c.username.Load().(string) }
func (c *Conn) State() ConnState     { return ConnState(c.state.Load()) }
func (c *Conn) Remote() net.Addr     { return c.remote }
func (c *Conn) CreatedAt() time.Time { return c.createdAt }

// Done is closed once the writer has closed the socket.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) authenticate(userID int64, username string) bool {
	c.userID.Store(userID)
	c.username.Store(username)
	return c.state.CompareAndSwap(int32(StateUnauthenticated), int32(StateAuthenticated))
}

func (c *Conn) allow() bool {
	return c.limiter == nil || c.limiter.Allow()
}

// Emit queues one {"event","data"} frame. It never blocks; a full queue drops
// the frame and reports false.
func (c *Conn) Emit(event string, payload any) bool {
	if st := c.State(); st == StateClosing || st == StateClosed {
		return false
	}
	b, err := json.Marshal(Frame{Event: event, Data: payload})
	if err != nil {
		c.log.Error("encode frame failed", zap.String("event", event), zap.Error(err))
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.log.Warn("send queue full, frame dropped", zap.String("event", event), zap.Int64("user", c.UserID()))
		return false
	}
}

// Close asks the writer to flush what is queued, send a close frame and
// close the socket. Only the first call counts.
func (c *Conn) Close(code int, text string) {
	c.closeOnce.Do(func() {
		c.state.Store(int32(StateClosing))
		c.quit <- closeReq{code: code, text: closeReason(text)}
	})
}

// close 帧的 reason 最多 123 字节，按 rune 边界截断保证仍是合法 UTF-8
const maxCloseReason = 123

func closeReason(text string) string {
	if len(text) <= maxCloseReason {
		return text
	}
	n := maxCloseReason
	for n > 0 && !utf8.RuneStart(text[n]) {
		n--
	}
	return text[:n]
}

// writePump 统一负责写：业务帧、心跳 ping、最终的 Close 帧
func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		c.state.Store(int32(StateClosed))
		close(c.done)
	}()

	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				c.log.Info("write failed", zap.Error(err))
				c.closeOnce.Do(func() { c.state.Store(int32(StateClosing)) })
				return
			}
		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Info("ping failed", zap.Error(err))
				c.closeOnce.Do(func() { c.state.Store(int32(StateClosing)) })
				return
			}
		case req := <-c.quit:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(req.code, req.text))
			return
		}
	}
}

func (c *Conn) flush() {
	for {
		select {
		case b := <-c.send:
			if err := c.write(websocket.TextMessage, b); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *Conn) write(mt int, b []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteWait))
	return c.ws.WriteMessage(mt, b)
}
