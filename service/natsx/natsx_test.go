package natsx

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"PPRelay/module/message"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}
	h := Chain(func(context.Context, Message) error {
		order = append(order, "handler")
		return nil
	}, mw("a"), mw("b"))
	require.NoError(t, h(context.Background(), Message{}))
	assert.Equal(t, []string{"a", "b", "handler"}, order)
}

func TestIdemMiddleware(t *testing.T) {
	calls := 0
	h := Chain(func(context.Context, Message) error {
		calls++
		return nil
	}, IdemMiddleware(NewMemIdem(time.Minute), 0))

	ctx := context.Background()
	withID := Message{Subject: SubjectMessageCreated, Header: map[string]string{HeaderMsgID: "msg-1"}}
	require.NoError(t, h(ctx, withID))
	require.NoError(t, h(ctx, withID))
	assert.Equal(t, 1, calls)

	require.NoError(t, h(ctx, Message{Subject: SubjectMessageRead, Data: []byte("x")}))
	require.NoError(t, h(ctx, Message{Subject: SubjectMessageRead, Data: []byte(" x ")}))
	require.NoError(t, h(ctx, Message{Subject: SubjectMessageRead, Data: []byte("y")}))
	assert.Equal(t, 3, calls)
}

func TestMemIdemExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	mi := &memIdem{m: map[string]time.Time{}, ttl: time.Second, now: func() time.Time { return now }}
	seen, _ := mi.SeenOnce("k", 0)
	assert.False(t, seen)
	seen, _ = mi.SeenOnce("k", 0)
	assert.True(t, seen)
	now = now.Add(2 * time.Second)
	seen, _ = mi.SeenOnce("k", 0)
	assert.False(t, seen)
}

func TestHeaderToMap(t *testing.T) {
	assert.Nil(t, headerToMap(nil))
	h := nats.Header{}
	h.Add("X-From", "1")
	h.Add("X-From", "2")
	assert.Equal(t, map[string]string{"X-From": "1"}, headerToMap(h))
}

type recordedPublish struct {
	biz   string
	data  []byte
	hdr   map[string]string
	msgID string
}

type fakeRetry struct {
	mu   sync.Mutex
	sent []recordedPublish
}

func (f *fakeRetry) PublishRetry(_ context.Context, biz string, data []byte, hdr map[string]string, msgID string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedPublish{biz: biz, data: data, hdr: hdr, msgID: msgID})
	return nil
}

func TestEventPublisher(t *testing.T) {
	f := &fakeRetry{}
	p := &EventPublisher{pub: f, retries: 2}
	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, p.PublishMessage(ctx, &message.Message{ID: 42, FromUserID: 1, ToUserID: 2, Body: "hi", CreatedAt: at}))
	require.NoError(t, p.PublishRead(ctx, &message.ReadEvent{ReaderID: 2, SenderID: 1, Updated: 3, At: at}))
	require.Len(t, f.sent, 2)

	created := f.sent[0]
	assert.Equal(t, BizMessageCreated, created.biz)
	assert.Equal(t, "msg-42", created.msgID)
	assert.Equal(t, "1", created.hdr["X-From"])
	var pl message.Payload
	require.NoError(t, json.Unmarshal(created.data, &pl))
	assert.Equal(t, int64(42), pl.ID)
	assert.Equal(t, "hi", pl.Message)
	assert.Equal(t, "2024-05-01T10:00:00.000Z", pl.Timestamp)

	read := f.sent[1]
	assert.Equal(t, BizMessageRead, read.biz)
	assert.True(t, strings.HasPrefix(read.msgID, "read-2-1-"))
	var ev message.ReadEvent
	require.NoError(t, json.Unmarshal(read.data, &ev))
	assert.Equal(t, int64(3), ev.Updated)
}

func TestConfigMode(t *testing.T) {
	assert.False(t, Config{}.Enabled())
	assert.Equal(t, Core, Config{}.Mode())
	assert.Equal(t, JetStreamPush, Config{JetStream: true}.Mode())
	routes := RelayRoutes(Core)
	require.Len(t, routes, 2)
	assert.Equal(t, SubjectMessageCreated, routes[0].Subject)
	assert.Equal(t, SubjectMessageRead, routes[1].Subject)
}

func TestManagerRoundTrip(t *testing.T) {
	url := os.Getenv("NATS_URL")
	if url == "" {
		t.Skip("NATS_URL not set")
	}
	m, err := NewManager(Config{Servers: []string{url}}, RelayRoutes(Core))
	require.NoError(t, err)
	defer m.Close()

	got := make(chan Message, 1)
	require.NoError(t, m.Subscribe(BizMessageCreated, func(_ context.Context, msg Message) error {
		got <- msg
		return nil
	}))
	require.NoError(t, m.client.nc.Flush())

	p := NewEventPublisher(m, 1)
	require.NoError(t, p.PublishMessage(context.Background(), &message.Message{ID: 7, FromUserID: 1, ToUserID: 2, Body: "x"}))
	select {
	case msg := <-got:
		assert.Equal(t, SubjectMessageCreated, msg.Subject)
		assert.Equal(t, "msg-7", msg.Header[HeaderMsgID])
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
	}
}
