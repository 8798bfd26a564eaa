package chat

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"
)

// ConnManager indexes every open socket by connection id, authenticated or
// not. User ownership lives in the presence table; this index is for
// counting, limits and shutdown.
type ConnManager struct {
	mu     sync.RWMutex
	bySnow map[string]*Conn
	max    int
}

var errTooManyConns = errors.New("too many connections")

func NewConnManager(max int) *ConnManager {
	return &ConnManager{bySnow: make(map[string]*Conn), max: max}
}

// Add 登记新连接；超过上限返回错误
func (m *ConnManager) Add(c *Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.max > 0 && len(m.bySnow) >= m.max {
		return errTooManyConns
	}
	if _, exists := m.bySnow[c.ID()]; exists {
		return errors.New("snowID exists")
	}
	m.bySnow[c.ID()] = c
	return nil
}

func (m *ConnManager) Get(snowID string) (*Conn, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.bySnow[snowID]
	return c, ok
}

func (m *ConnManager) Remove(snowID string) {
	m.mu.Lock()
	delete(m.bySnow, snowID)
	m.mu.Unlock()
}

func (m *ConnManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySnow)
}

// CountUnauth 统计尚未完成认证的连接
func (m *ConnManager) CountUnauth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.bySnow {
		if c.State() == StateUnauthenticated {
			n++
		}
	}
	return n
}

// CloseAll 通知所有连接关闭（写协程负责真正断开）
func (m *ConnManager) CloseAll(code int, text string) []*Conn {
	m.mu.RLock()
	all := make([]*Conn, 0, len(m.bySnow))
	for _, c := range m.bySnow {
		all = append(all, c)
	}
	m.mu.RUnlock()
	for _, c := range all {
		c.Close(code, text)
	}
	return all
}

// closeWithoutConn 用于还未建立 Conn 就要拒绝的 socket
func closeWithoutConn(ws *websocket.Conn, code int, text string, opts *Options) {
	msg := websocket.FormatCloseMessage(code, closeReason(text))
	_ = ws.WriteControl(websocket.CloseMessage, msg, timeNow().Add(opts.WriteWait))
	_ = ws.Close()
}
