package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"PPRelay/module/identity"
	"PPRelay/module/ledger"
	"PPRelay/module/message"
	"PPRelay/module/presence"
	"PPRelay/service/storage/memstore"
	"PPRelay/tools/security"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	t      *testing.T
	sec    security.Options
	store  *memstore.Store
	router *message.Router
	srv    *Server
	hs     *httptest.Server
}

func newHarness(t *testing.T, mut func(*Options)) *harness {
	t.Helper()
	sec := security.DefaultOptions([]byte("relay-test"))
	store := memstore.New()
	router := message.NewRouter(presence.NewTable(), ledger.New(), store)
	o := DefaultOptions()
	o.AuthTimeout = 2 * time.Second
	if mut != nil {
		mut(&o)
	}
	srv := NewServer(o, router, identity.NewJWTVerifier(sec))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &harness{t: t, sec: sec, store: store, router: router, srv: srv, hs: hs}
}

func (h *harness) url(query string) string {
	return "ws" + strings.TrimPrefix(h.hs.URL, "http") + "/ws" + query
}

func (h *harness) token(userID int64) string {
	tok, _, err := security.Generate(h.sec, userID, fmt.Sprintf("user%d", userID))
	require.NoError(h.t, err)
	return tok
}

func (h *harness) dialRaw(query string) *websocket.Conn {
	h.t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(h.url(query), nil)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { _ = c.Close() })
	return c
}

// dial connects userID and consumes its unread_counts snapshot.
func (h *harness) dial(userID int64) (*websocket.Conn, map[string]int) {
	h.t.Helper()
	c := h.dialRaw("?token=" + h.token(userID))
	f := expectEvent(h.t, c, message.EventUnreadCounts)
	counts := map[string]int{}
	require.NoError(h.t, json.Unmarshal(f.Data, &counts))
	return c, counts
}

type inFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, c *websocket.Conn) (inFrame, error) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var f inFrame
	err := c.ReadJSON(&f)
	return f, err
}

func expectEvent(t *testing.T, c *websocket.Conn, event string) inFrame {
	t.Helper()
	for {
		f, err := readFrame(t, c)
		require.NoError(t, err, "waiting for %s", event)
		if f.Event == event {
			return f
		}
	}
}

func emit(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, c.WriteJSON(map[string]any{"event": event, "data": data}))
}

func TestOfflineSendThenConnectSeesUnread(t *testing.T) {
	h := newHarness(t, nil)
	a, counts := h.dial(1)
	assert.Empty(t, counts)

	emit(t, a, message.EventMessage, map[string]any{"to": 2, "message": "hi"})
	f := expectEvent(t, a, message.EventMessageSent)
	var p message.Payload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "hi", p.Message)
	assert.Equal(t, int64(1), p.From)
	assert.Equal(t, int64(2), p.To)
	assert.Nil(t, p.AttachmentURL)
	assert.Equal(t, 1, h.router.Ledger().Count(2, 1))

	_, counts = h.dial(2)
	assert.Equal(t, map[string]int{"1": 1}, counts)

	rows, err := h.store.RangeByParticipants(context.Background(), 1, 2)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hi", rows[0].Body)
}

func TestOnlineDeliveryAndReadReceipt(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.dial(1)
	b, _ := h.dial(2)

	emit(t, a, message.EventMessage, map[string]any{"to": "2", "message": "yo"})
	f := expectEvent(t, b, message.EventMessage)
	var p message.Payload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, int64(1), p.From)
	assert.Equal(t, "yo", p.Message)
	expectEvent(t, a, message.EventMessageSent)
	assert.Equal(t, 0, h.router.Ledger().Count(2, 1))

	emit(t, b, message.EventMarkRead, map[string]any{"from": "1"})
	f = expectEvent(t, a, message.EventMessageRead)
	var rr message.ReadReceipt
	require.NoError(t, json.Unmarshal(f.Data, &rr))
	assert.Equal(t, int64(2), rr.By)
	_, err := time.Parse(time.RFC3339, rr.Timestamp)
	assert.NoError(t, err)
	assert.Equal(t, 0, h.router.Ledger().Count(2, 1))
}

func TestNoTokenIsClosedWithoutPresence(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.AuthTimeout = 200 * time.Millisecond })
	c := h.dialRaw("")

	_, err := readFrame(t, c)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseAuthFailed, ce.Code)
	assert.Contains(t, ce.Text, "Authentication error")
	assert.Zero(t, h.router.Presence().Count())
}

func TestBadHandshakeTokenRejected(t *testing.T) {
	h := newHarness(t, nil)
	_, resp, err := websocket.DefaultDialer.Dial(h.url("?token=garbage"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.srv.ConnMgr().Count())
}

func TestAuthFrame(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dialRaw("")

	// dropped: not authenticated yet
	emit(t, c, message.EventMessage, map[string]any{"to": 2, "message": "early"})
	emit(t, c, message.EventAuth, map[string]any{"token": h.token(1)})

	f, err := readFrame(t, c)
	require.NoError(t, err)
	assert.Equal(t, message.EventUnreadCounts, f.Event)

	rows, err := h.store.RangeByParticipants(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Empty(t, rows)
	_, ok := h.router.Presence().Lookup(1)
	assert.True(t, ok)
}

func TestBadAuthFrameCloses(t *testing.T) {
	h := newHarness(t, nil)
	c := h.dialRaw("")
	emit(t, c, message.EventAuth, map[string]any{"token": "nope"})

	_, err := readFrame(t, c)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, CloseAuthFailed, ce.Code)
	assert.Equal(t, "Authentication error: invalid token", ce.Text)
}

func TestReconnectSupersedesAndStaleCloseKeepsNewSession(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.dial(1)
	b1, _ := h.dial(2)
	b2, _ := h.dial(2)
	assert.Equal(t, 2, h.router.Presence().Count())

	emit(t, a, message.EventMessage, map[string]any{"to": 2, "message": "one"})
	expectEvent(t, b2, message.EventMessage)

	require.NoError(t, b1.Close())
	require.Eventually(t, func() bool { return h.srv.ConnMgr().Count() == 2 }, 3*time.Second, 10*time.Millisecond)

	emit(t, a, message.EventMessage, map[string]any{"to": 2, "message": "two"})
	f := expectEvent(t, b2, message.EventMessage)
	var p message.Payload
	require.NoError(t, json.Unmarshal(f.Data, &p))
	assert.Equal(t, "two", p.Message)
	assert.Equal(t, 0, h.router.Ledger().Count(2, 1))
}

func TestMalformedFramesAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	a, _ := h.dial(1)
	b, _ := h.dial(2)

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	emit(t, a, message.EventTypingStart, "x")
	emit(t, a, "unknown_event", map[string]any{})
	emit(t, a, message.EventMessage, map[string]any{"to": 2})
	emit(t, a, message.EventTypingStart, map[string]any{"to": 2})

	f := expectEvent(t, b, message.EventTypingStart)
	assert.JSONEq(t, `{"from":1}`, string(f.Data))
}

func TestMaxConnections(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxConnections = 1 })
	h.dial(1)

	c := h.dialRaw("?token=" + h.token(2))
	_, err := readFrame(t, c)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseTryAgainLater, ce.Code)
}

func TestShutdownClosesGoingAway(t *testing.T) {
	h := newHarness(t, nil)
	c, _ := h.dial(1)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, h.srv.Shutdown(ctx))

	_, err := readFrame(t, c)
	var ce *websocket.CloseError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, websocket.CloseGoingAway, ce.Code)
	assert.Zero(t, h.router.Presence().Count())
}
