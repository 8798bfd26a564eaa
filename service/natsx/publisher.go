package natsx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"PPRelay/module/message"
)

type retryPublisher interface {
	PublishRetry(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string, retries uint64) error
}

// EventPublisher fans relay events out on chat.message.created and
// chat.message.read. It implements message.Publisher.
type EventPublisher struct {
	pub     retryPublisher
	retries uint64
}

func NewEventPublisher(m *Manager, retries uint64) *EventPublisher {
	return &EventPublisher{pub: m, retries: retries}
}

func (p *EventPublisher) PublishMessage(ctx context.Context, m *message.Message) error {
	data, err := json.Marshal(message.NewPayload(m))
	if err != nil {
		return err
	}
	hdr := map[string]string{
		"X-From": strconv.FormatInt(m.FromUserID, 10),
		"X-To":   strconv.FormatInt(m.ToUserID, 10),
	}
	return p.pub.PublishRetry(ctx, BizMessageCreated, data, hdr, "msg-"+strconv.FormatInt(m.ID, 10), p.retries)
}

func (p *EventPublisher) PublishRead(ctx context.Context, ev *message.ReadEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	id := fmt.Sprintf("read-%d-%d-%d", ev.ReaderID, ev.SenderID, ev.At.UnixMilli())
	return p.pub.PublishRetry(ctx, BizMessageRead, data, map[string]string{
		"X-Reader": strconv.FormatInt(ev.ReaderID, 10),
	}, id, p.retries)
}

var _ message.Publisher = (*EventPublisher)(nil)
