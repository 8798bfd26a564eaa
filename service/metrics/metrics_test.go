package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"PPRelay/module/message"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordSend(t *testing.T) {
	m := New(nil, nil)
	msg := &message.Message{ID: 1}

	m.RecordSend(message.SendOutcome{Kind: message.Delivered, Message: msg, Persisted: true})
	m.RecordSend(message.SendOutcome{Kind: message.Queued, Message: msg})
	m.RecordSend(message.SendOutcome{Kind: message.Rejected, Reason: message.ReasonInvalid})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("rejected(invalid)")))
	// 只有未持久化且未拒绝的才算进重试
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retryQueued))
}

func TestConnCounters(t *testing.T) {
	m := New(nil, nil)
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed(true)
	m.ConnClosed(false)
	m.AuthFailed("handshake")
	m.FrameDropped("rate")
	m.RecordTyping(false)
	m.RecordRead()
	m.RecordStoreError("append")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.connOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connClosed.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connClosed.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.authFailed.WithLabelValues("handshake")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dropped.WithLabelValues("rate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.typing.WithLabelValues("false")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reads))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.storeErrors.WithLabelValues("append")))
}

func TestHandlerExposesGauges(t *testing.T) {
	m := New(func() int { return 3 }, func() int { return 7 })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "pprelay_connected_users 3")
	assert.Contains(t, string(body), "pprelay_unread_messages 7")
	assert.Contains(t, string(body), "pprelay_goroutines")
	assert.Contains(t, string(body), "go_goroutines")
	assert.NotContains(t, string(body), "pprelay_pending_auth_connections")

	m.TrackPending(func() int { return 2 })
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "pprelay_pending_auth_connections 2")
}
