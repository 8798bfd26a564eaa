package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"PPRelay/module/identity"
	"PPRelay/module/ledger"
	"PPRelay/module/message"
	"PPRelay/module/presence"
	"PPRelay/service/chat"
	"PPRelay/service/storage/memstore"
	"PPRelay/tools/security"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type relay struct {
	t      *testing.T
	sec    security.Options
	router *message.Router
	srv    *chat.Server
	url    string
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	sec := security.DefaultOptions([]byte("client-test"))
	router := message.NewRouter(presence.NewTable(), ledger.New(), memstore.New())
	srv := chat.NewServer(chat.DefaultOptions(), router, identity.NewJWTVerifier(sec))
	hs := httptest.NewServer(srv)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		hs.Close()
	})
	return &relay{t: t, sec: sec, router: router, srv: srv, url: "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"}
}

func (r *relay) token(userID int64) string {
	tok, _, err := security.Generate(r.sec, userID, fmt.Sprintf("user%d", userID))
	require.NoError(r.t, err)
	return tok
}

func (r *relay) client(mut func(*Options)) *Client {
	o := DefaultOptions(r.url)
	o.BackoffInitial = 10 * time.Millisecond
	o.BackoffMax = 20 * time.Millisecond
	o.DialTimeout = 2 * time.Second
	if mut != nil {
		mut(&o)
	}
	c := New(o)
	r.t.Cleanup(c.Close)
	return c
}

func collect(c *Client, event string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 32)
	c.On(event, func(d json.RawMessage) {
		select {
		case ch <- d:
		default:
		}
	})
	return ch
}

func wait(t *testing.T, ch <-chan json.RawMessage, what string) json.RawMessage {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestOfflineSendHydratesUnread(t *testing.T) {
	r := newRelay(t)

	alice := r.client(nil)
	sent := collect(alice, message.EventMessageSent)
	aliceUnread := collect(alice, message.EventUnreadCounts)
	alice.SetCredential(r.token(1))
	wait(t, aliceUnread, "alice unread_counts")

	require.True(t, alice.SendMessage(2, "hi", ""))
	var ack message.Payload
	require.NoError(t, json.Unmarshal(wait(t, sent, "message_sent"), &ack))
	assert.Equal(t, "hi", ack.Message)
	assert.Equal(t, int64(2), ack.To)

	bob := r.client(nil)
	bobUnread := collect(bob, message.EventUnreadCounts)
	bob.SetCredential(r.token(2))
	wait(t, bobUnread, "bob unread_counts")
	assert.Equal(t, map[int64]int{1: 1}, bob.UnreadCounts())
}

func TestDeliveryAndMarkRead(t *testing.T) {
	r := newRelay(t)

	alice := r.client(nil)
	aliceReady := collect(alice, message.EventUnreadCounts)
	read := collect(alice, message.EventMessageRead)
	alice.SetCredential(r.token(1))
	wait(t, aliceReady, "alice unread_counts")

	bob := r.client(nil)
	bobReady := collect(bob, message.EventUnreadCounts)
	incoming := collect(bob, message.EventMessage)
	bob.SetCredential(r.token(2))
	wait(t, bobReady, "bob unread_counts")

	require.True(t, alice.SendMessage(2, "hello", ""))
	var p message.Payload
	require.NoError(t, json.Unmarshal(wait(t, incoming, "message"), &p))
	assert.Equal(t, int64(1), p.From)
	assert.Equal(t, 1, bob.UnreadCounts()[1])

	require.True(t, bob.MarkRead(1))
	assert.Equal(t, 0, bob.UnreadCounts()[1])

	var rr message.ReadReceipt
	require.NoError(t, json.Unmarshal(wait(t, read, "message_read"), &rr))
	assert.Equal(t, int64(2), rr.By)
}

func TestTypingRelay(t *testing.T) {
	r := newRelay(t)

	alice := r.client(nil)
	aliceReady := collect(alice, message.EventUnreadCounts)
	alice.SetCredential(r.token(1))
	wait(t, aliceReady, "alice unread_counts")

	bob := r.client(nil)
	bobReady := collect(bob, message.EventUnreadCounts)
	typing := collect(bob, message.EventTypingStart)
	stopped := collect(bob, message.EventTypingStop)
	bob.SetCredential(r.token(2))
	wait(t, bobReady, "bob unread_counts")

	require.True(t, alice.StartTyping(2))
	require.True(t, alice.StopTyping(2))
	assert.JSONEq(t, `{"from":1}`, string(wait(t, typing, "typing_start")))
	assert.JSONEq(t, `{"from":1}`, string(wait(t, stopped, "typing_stop")))
}

func TestBadCredentialFails(t *testing.T) {
	r := newRelay(t)
	c := r.client(nil)
	errsCh := collect(c, EventConnectError)

	c.SetCredential("not-a-token")

	var ce ConnectError
	require.NoError(t, json.Unmarshal(wait(t, errsCh, "connect_error"), &ce))
	assert.True(t, ce.Auth)
	assert.Contains(t, ce.Message, "Authentication error")
	require.Eventually(t, func() bool { return c.Status().State == StateFailed },
		3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, r.router.Presence().Count())
}

func TestDisconnectedCallsAreNoops(t *testing.T) {
	r := newRelay(t)
	c := r.client(nil)

	assert.Equal(t, StateIdle, c.Status().State)
	assert.False(t, c.Connected())
	assert.False(t, c.SendMessage(2, "x", ""))
	assert.False(t, c.MarkRead(2))
	assert.False(t, c.StartTyping(2))
	assert.False(t, c.StopTyping(2))
	assert.Empty(t, c.UnreadCounts())
}

func TestCredentialChangeAndLogout(t *testing.T) {
	r := newRelay(t)
	c := r.client(nil)
	ready := collect(c, message.EventUnreadCounts)

	c.SetCredential(r.token(1))
	wait(t, ready, "first session")
	_, ok := r.router.Presence().Lookup(1)
	require.True(t, ok)

	c.SetCredential(r.token(3))
	wait(t, ready, "second session")
	require.Eventually(t, func() bool {
		_, one := r.router.Presence().Lookup(1)
		_, three := r.router.Presence().Lookup(3)
		return !one && three
	}, 3*time.Second, 10*time.Millisecond)

	c.SetCredential("")
	assert.Equal(t, StateIdle, c.Status().State)
	assert.False(t, c.Connected())
	require.Eventually(t, func() bool { return r.router.Presence().Count() == 0 },
		3*time.Second, 10*time.Millisecond)
}

func TestReconnectGivesUpAfterMaxAttempts(t *testing.T) {
	r := newRelay(t)
	c := r.client(func(o *Options) { o.MaxAttempts = 2 })

	var mu sync.Mutex
	var seen []string
	c.On(EventState, func(d json.RawMessage) {
		var s Status
		_ = json.Unmarshal(d, &s)
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%d", s.Name, s.Attempt))
		mu.Unlock()
	})
	disconnected := collect(c, EventDisconnect)
	ready := collect(c, message.EventUnreadCounts)

	c.SetCredential(r.token(1))
	wait(t, ready, "unread_counts")

	// 服务端关闭后拒绝新连接，客户端退避两次后放弃
	require.NoError(t, r.srv.Shutdown(context.Background()))
	var info DisconnectInfo
	require.NoError(t, json.Unmarshal(wait(t, disconnected, "disconnect"), &info))
	assert.Equal(t, 1001, info.Code)

	require.Eventually(t, func() bool { return c.Status().State == StateFailed },
		3*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"connecting:0", "connected:0",
		"backoff:1", "connecting:1",
		"backoff:2", "connecting:2",
		"failed:2",
	}, seen)
}

func TestListenerDisposer(t *testing.T) {
	reg := newRegistry()
	var calls []string
	offA := reg.add("x", func(json.RawMessage) { calls = append(calls, "a") })
	reg.add("x", func(json.RawMessage) { calls = append(calls, "b") })

	reg.emit("x", nil)
	offA()
	offA()
	reg.emit("x", nil)
	assert.Equal(t, []string{"a", "b", "b"}, calls)
	assert.Equal(t, 1, reg.count("x"))

	reg.clear("x")
	reg.emit("x", nil)
	assert.Equal(t, 0, reg.count("x"))
	assert.Len(t, calls, 3)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "backoff(3)", newStatus(StateBackoff, 3).String())
	assert.Equal(t, "connected", newStatus(StateConnected, 0).String())
}

func TestWithToken(t *testing.T) {
	u, err := withToken("ws://h/ws?x=1", "a b")
	require.NoError(t, err)
	assert.Equal(t, "ws://h/ws?token=a+b&x=1", u)
}
