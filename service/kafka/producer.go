package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"PPRelay/module/message"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// 事件类型，与 NATS 主题同名
const (
	EventMessageCreated = "chat.message.created"
	EventMessageRead    = "chat.message.read"
)

// Event 是写入 chat-events 的一条记录
type Event struct {
	Type string          `json:"type"`
	At   string          `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Producer 把中继事件写入单个 topic，实现 message.Publisher。
// 同一会话的事件用同一个 key，落在同一分区内保持顺序。
type Producer struct {
	sp    sarama.SyncProducer
	topic string
	now   func() time.Time
}

func NewProducer(sp sarama.SyncProducer, topic string) *Producer {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Producer{sp: sp, topic: topic, now: time.Now}
}

// Open 建立客户端，按需建 topic，返回同步生产者
func Open(c Config) (*Producer, error) {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	cfg, err := BuildSaramaConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("kafka admin: %w", err)
		}
		if err := EnsureTopic(admin, c); err != nil {
			glog.Warningf("[Kafka] ensure topic %s: %v", c.Topic, err)
		}
	}
	sp, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("kafka producer: %w", err)
	}
	glog.Infof("[Kafka] producer ready brokers=%v topic=%s", c.Brokers, c.Topic)
	return NewProducer(sp, c.Topic), nil
}

func (p *Producer) Close() error { return p.sp.Close() }

func (p *Producer) PublishMessage(ctx context.Context, m *message.Message) error {
	return p.send(ctx, EventMessageCreated, conversationKey(m.FromUserID, m.ToUserID), message.NewPayload(m))
}

func (p *Producer) PublishRead(ctx context.Context, ev *message.ReadEvent) error {
	return p.send(ctx, EventMessageRead, conversationKey(ev.ReaderID, ev.SenderID), ev)
}

func (p *Producer) send(ctx context.Context, typ, key string, data any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	value, err := json.Marshal(Event{Type: typ, At: message.FormatTime(p.now()), Data: raw})
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(typ)},
		},
	}
	partition, offset, err := p.sp.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("kafka send %s: %w", typ, err)
	}
	glog.V(2).Infof("[Kafka] sent type=%s key=%s partition=%d offset=%d", typ, key, partition, offset)
	return nil
}

// conversationKey 两个用户无论方向都得到同一个 key
func conversationKey(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return strconv.FormatInt(a, 10) + ":" + strconv.FormatInt(b, 10)
}

var _ message.Publisher = (*Producer)(nil)
