package chat

import (
	"context"
	"errors"
	"net"
	"net/http"

	"PPRelay/module/identity"
	"PPRelay/module/message"
	"PPRelay/tools/ids"
	"PPRelay/tools/safe"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// HandleWS upgrades one peer and runs its reader until the socket closes.
//
// A handshake credential (?token= or Authorization: Bearer) is verified before
// the upgrade and a bad one is answered with 401. Without one the socket is
// upgraded unauthenticated and must send an auth frame within AuthTimeout.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	if s.closing.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	var pre *identity.Identity
	if token := identity.TokenFromRequest(r); token != "" {
		id, err := s.verifier.Verify(token)
		if err != nil {
			s.metrics.AuthFailed("handshake")
			s.log.Info("handshake rejected", zap.String("remote", r.RemoteAddr), zap.Error(err))
			writeAuthError(w)
			return
		}
		pre = &id
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// 常见：非 WebSocket 请求/握手失败，Upgrade 已经写回了 HTTP 错误
		s.log.Info("upgrade websocket error", zap.Error(err))
		return
	}

	c := newConn(ids.GenerateString(), ws, &s.opts)
	if err := s.conns.Add(c); err != nil {
		s.log.Warn("connection refused", zap.String("remote", r.RemoteAddr), zap.Error(err))
		closeWithoutConn(ws, websocket.CloseTryAgainLater, err.Error(), &s.opts)
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()
	s.metrics.ConnOpened()
	safe.SafeGo("ws-writer", c.writePump)

	ctx, cancel := context.WithCancel(context.Background())
	registered := false
	defer func() {
		cancel()
		// 先进入 Closing，之后路由到这里的消息会落到未读账本
		c.Close(websocket.CloseNormalClosure, "")
		if registered {
			s.router.Disconnect(c)
		}
		<-c.Done()
		s.conns.Remove(c.ID())
		s.metrics.ConnClosed(registered)
	}()

	ws.SetReadLimit(s.opts.MaxMessageBytes)
	if pre != nil {
		registered = s.register(ctx, c, *pre)
	} else {
		_ = ws.SetReadDeadline(timeNow().Add(s.opts.AuthTimeout))
	}
	if c.State() == StateClosing {
		return
	}

	s.readLoop(ctx, c, &registered)
}

// ---- 读循环：只读，不写；出错即退出（写协程收尾） ----
func (s *Server) readLoop(ctx context.Context, c *Conn, registered *bool) {
	for {
		mt, data, rerr := c.ws.ReadMessage()
		if rerr != nil {
			s.logReadErr(c, rerr)
			return
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}

		event, payload, perr := ParseFrameJSON(data)
		if perr != nil {
			sample := data
			if len(sample) > 256 {
				sample = sample[:256]
			}
			c.log.Debug("malformed frame dropped", zap.Error(perr), zap.ByteString("sample", sample), zap.Int("len", len(data)))
			s.metrics.FrameDropped("malformed")
			continue
		}

		switch c.State() {
		case StateUnauthenticated:
			if event != message.EventAuth {
				c.log.Debug("event before auth dropped", zap.String("event", event))
				s.metrics.FrameDropped("unauthenticated")
				continue
			}
			token := ""
			if ap, err := DecodeData[AuthPayload](payload); err == nil {
				token = ap.Token
			}
			id, err := s.verifier.Verify(token)
			if err != nil {
				s.metrics.AuthFailed("frame")
				c.log.Info("auth frame rejected", zap.Error(err))
				c.Close(CloseAuthFailed, authCloseText(token))
				return
			}
			*registered = s.register(ctx, c, id)
			continue
		case StateAuthenticated:
		default:
			return
		}

		if event == message.EventAuth {
			continue
		}
		_ = c.ws.SetReadDeadline(timeNow().Add(s.opts.PongWait()))
		if !c.allow() {
			c.log.Debug("rate limited", zap.String("event", event), zap.Int64("user", c.UserID()))
			s.metrics.FrameDropped("rate_limited")
			continue
		}
		if err := s.disp.Dispatch(ctx, c, event, payload); err != nil {
			c.log.Debug("event dropped", zap.String("event", event), zap.Int64("user", c.UserID()), zap.Error(err))
			s.metrics.FrameDropped("invalid")
		}
	}
}

// register moves c to Authenticated and hands it to the router, which
// registers presence and pushes unread_counts.
func (s *Server) register(ctx context.Context, c *Conn, id identity.Identity) bool {
	if !c.authenticate(id.UserID, id.Username) {
		return false
	}
	pongWait := s.opts.PongWait()
	_ = c.ws.SetReadDeadline(timeNow().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(timeNow().Add(pongWait))
		s.onPong(id.UserID, c.ID())
		return nil
	})
	s.router.Connect(ctx, c)
	return true
}

func (s *Server) logReadErr(c *Conn, err error) {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Info("peer closed", zap.Int64("user", c.UserID()), zap.Error(err))
	case errors.As(err, &ne) && ne.Timeout():
		if c.State() == StateUnauthenticated {
			s.metrics.AuthFailed("timeout")
			c.Close(CloseAuthFailed, authCloseText(""))
		}
		c.log.Info("read timeout", zap.Int64("user", c.UserID()), zap.Stringer("state", c.State()))
	default:
		c.log.Info("read err", zap.Int64("user", c.UserID()), zap.Error(err))
	}
}

func authCloseText(token string) string {
	if token == "" {
		return "Authentication error: no token provided"
	}
	return "Authentication error: invalid token"
}

func writeAuthError(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"Authentication error: invalid token"}`))
}
