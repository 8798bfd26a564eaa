package natsx

import (
	"context"
	"fmt"
)

// Manager 统一门面：对外只暴露这一个对象来用
type Manager struct {
	client   *Client
	producer *Producer
	consumer *Consumer
}

// NewManager 连接并注册 routes
func NewManager(cfg Config, routes []Route, middlewares ...Middleware) (*Manager, error) {
	c, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		if err := c.RegisterRoute(r); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("register route %s: %w", r.Biz, err)
		}
	}
	return &Manager{
		client:   c,
		producer: NewProducer(c),
		consumer: NewConsumer(c, middlewares...),
	}, nil
}

// Close 释放资源（优雅关闭订阅与连接）
func (m *Manager) Close() error {
	if m == nil || m.client == nil {
		return nil
	}
	return m.client.Close()
}

func (m *Manager) Connected() bool { return m != nil && m.client != nil && m.client.Connected() }

// Publish 生产消息（按 biz 路由）
func (m *Manager) Publish(ctx context.Context, biz string, data []byte, hdr map[string]string) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.producer.Publish(ctx, biz, data, hdr)
}

// PublishOnce 生产消息（带 Nats-Msg-Id 去重）
func (m *Manager) PublishOnce(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.producer.PublishOnce(ctx, biz, data, hdr, msgID)
}

// Subscribe 订阅，同组内用 Queue 分摊；广播则 Queue 置空
func (m *Manager) Subscribe(biz string, h Handler) error {
	if m == nil || m.consumer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.consumer.Subscribe(biz, h)
}

// PublishRetry 同步发布并重试，msgID 在每次重试中保持不变
func (m *Manager) PublishRetry(ctx context.Context, biz string, data []byte, hdr map[string]string, msgID string, retries uint64) error {
	if m == nil || m.producer == nil {
		return fmt.Errorf("manager not initialized")
	}
	return m.producer.PublishRetry(ctx, biz, data, hdr, msgID, retries)
}
