package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Shopify/sarama"
	"github.com/golang/glog"
)

// EventHandler 处理一条 chat-events 记录；返回错误时仍会提交位移
type EventHandler func(ctx context.Context, ev Event) error

type groupHandler struct {
	h EventHandler
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error {
	glog.Info("[Kafka] consumer group setup")
	return nil
}

func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	glog.Info("[Kafka] consumer group cleanup")
	return nil
}

func (g *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		g.handle(session.Context(), msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (g *groupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) {
	ev, err := DecodeEvent(msg.Value)
	if err != nil {
		glog.Warningf("[Kafka] bad record topic=%s partition=%d offset=%d: %v", msg.Topic, msg.Partition, msg.Offset, err)
		return
	}
	if err := g.h(ctx, ev); err != nil {
		glog.Warningf("[Kafka] handler error type=%s offset=%d: %v", ev.Type, msg.Offset, err)
	}
}

// DecodeEvent 解析一条记录
func DecodeEvent(value []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(value, &ev); err != nil {
		return Event{}, err
	}
	if ev.Type == "" {
		return Event{}, errors.New("event type missing")
	}
	return ev, nil
}

// Consume 以消费组方式读取 topic，直到 ctx 结束
func Consume(ctx context.Context, c Config, h EventHandler) error {
	if c.Topic == "" {
		c.Topic = DefaultTopic
	}
	cfg, err := BuildSaramaConfig(c)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(c.Brokers, c.GroupID, cfg)
	if err != nil {
		return err
	}
	defer group.Close()

	go func() {
		for err := range group.Errors() {
			glog.Errorf("[Kafka] consumer group error: %v", err)
		}
	}()

	gh := &groupHandler{h: h}
	for {
		if err := group.Consume(ctx, []string{c.Topic}, gh); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			glog.Errorf("[Kafka] consume error: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
