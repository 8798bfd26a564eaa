package natsx

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const HeaderMsgID = "Nats-Msg-Id"

// Producer 生产端
type Producer struct{ c *Client }

func NewProducer(c *Client) *Producer { return &Producer{c: c} }

// Publish 按 Biz 路由发送
func (p *Producer) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	r, ok := p.c.route(biz)
	if !ok {
		return fmt.Errorf("route not found: %s", biz)
	}
	msg := nats.NewMsg(r.Subject)
	msg.Data = data
	for k, v := range hdr {
		msg.Header.Add(k, v)
	}
	switch r.Mode {
	case Core:
		if err := p.c.nc.PublishMsg(msg); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	case JetStreamPush:
		ack, err := p.c.js.PublishMsg(msg, nats.Context(ctx))
		if err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		p.c.log.Debug("published", zap.String("stream", ack.Stream), zap.Uint64("seq", ack.Sequence))
		return nil
	default:
		return fmt.Errorf("unsupported mode")
	}
}

// PublishOnce 带 Nats-Msg-Id 的发布，msgID 为空则自动生成
func (p *Producer) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if hdr == nil {
		hdr = map[string]string{}
	}
	if msgID == "" {
		msgID = genMsgID()
	}
	hdr[HeaderMsgID] = msgID
	return p.Publish(ctx, biz, data, hdr)
}

// PublishRetry 同步发布，失败按指数退避重试直到 ctx 结束或次数用完
func (p *Producer) PublishRetry(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string, retries uint64) error {
	if msgID == "" {
		msgID = genMsgID()
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackoff(), retries), ctx)
	return backoff.Retry(func() error {
		return p.PublishOnce(ctx, biz, data, cloneHeader(hdr), msgID)
	}, b)
}

func newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	return b
}

func cloneHeader(h map[string]string) map[string]string {
	out := make(map[string]string, len(h)+1)
	for k, v := range h {
		out[k] = v
	}
	return out
}

// 生成随机 msgID（16字节）
func genMsgID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
