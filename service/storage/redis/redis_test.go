package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"PPRelay/module/message"
	"PPRelay/service/storage/memstore"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handle struct {
	id   string
	user int64
}

func (h handle) ID() string            { return h.id }
func (h handle) UserID() int64         { return h.user }
func (h handle) Emit(string, any) bool { return true }

func TestPresenceKey(t *testing.T) {
	assert.Equal(t, "im:presence:42", PresenceKey(42))
}

func TestEnvelopeRoundTrip(t *testing.T) {
	at := time.Date(2026, 2, 2, 8, 0, 0, 0, time.UTC)
	b, err := encodeEnvelope(retryEnvelope{
		Message:  message.Message{FromUserID: 1, ToUserID: 2, Body: "x", CreatedAt: at},
		Attempts: 3,
	})
	require.NoError(t, err)
	env, err := decodeEnvelope(string(b))
	require.NoError(t, err)
	assert.Equal(t, 3, env.Attempts)
	assert.Equal(t, "x", env.Message.Body)
	assert.True(t, at.Equal(env.Message.CreatedAt))
}

// 以下用例需要本地 redis：REDIS_ADDR=localhost:6379
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	rdb, err := NewClient(context.Background(), Config{Addr: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestPresenceMirrorCompareAndDelete(t *testing.T) {
	rdb := testClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewPresenceMirror(rdb, time.Minute)
	go m.Run(ctx)

	uid := time.Now().UnixNano()
	old, cur := handle{"old", uid}, handle{"new", uid}
	m.Registered(uid, old)
	m.Registered(uid, cur)
	m.Unregistered(uid, old)

	require.Eventually(t, func() bool {
		id, ok, _ := m.Lookup(ctx, uid)
		return ok && id == "new"
	}, 2*time.Second, 20*time.Millisecond)

	m.Unregistered(uid, cur)
	require.Eventually(t, func() bool {
		_, ok, _ := m.Lookup(ctx, uid)
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message.Message
}

func (p *recordingPublisher) PublishMessage(_ context.Context, m *message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, *m)
	return nil
}

func (p *recordingPublisher) PublishRead(context.Context, *message.ReadEvent) error { return nil }

func TestRetryQueueDrain(t *testing.T) {
	rdb := testClient(t)
	ctx := context.Background()
	key := "test:persist:retry:" + time.Now().Format("150405.000000")
	t.Cleanup(func() { rdb.Del(ctx, key) })

	q := NewRetryQueue(rdb, RetryOptions{Key: key})
	for _, body := range []string{"first", "second"} {
		require.NoError(t, q.Enqueue(ctx, &message.Message{FromUserID: 1, ToUserID: 2, Body: body, CreatedAt: time.Now()}))
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 库仍不可用：放回队列，不发布
	pub := &recordingPublisher{}
	down := memstore.New()
	down.Close()
	done, err := q.Drain(ctx, down, pub, 10)
	require.Error(t, err)
	assert.Zero(t, done)
	assert.Empty(t, pub.msgs)
	n, _ = q.Len(ctx)
	assert.Equal(t, int64(2), n)

	store := memstore.New()
	done, err = q.Drain(ctx, store, pub, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, done)

	rows, err := store.RangeByParticipants(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "first", rows[0].Body)

	// 补存后的消息带着新 id 发布
	require.Len(t, pub.msgs, 2)
	assert.Equal(t, "first", pub.msgs[0].Body)
	assert.Equal(t, rows[0].ID, pub.msgs[0].ID)
	assert.NotZero(t, pub.msgs[1].ID)
}
