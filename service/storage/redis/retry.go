package redis

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"PPRelay/logger"
	"PPRelay/module/message"
	"PPRelay/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRetryKey = "im:persist:retry"

// retryEnvelope 是队列中的一条记录
type retryEnvelope struct {
	Message  message.Message `json:"message"`
	Attempts int             `json:"attempts"`
	QueuedAt time.Time       `json:"queuedAt"`
}

func encodeEnvelope(env retryEnvelope) ([]byte, error) { return json.Marshal(env) }

func decodeEnvelope(raw string) (retryEnvelope, error) {
	var env retryEnvelope
	err := json.Unmarshal([]byte(raw), &env)
	return env, err
}

// RetryQueue keeps messages whose append failed. New entries go on the left,
// the worker pops from the right, so the oldest message is retried first.
type RetryQueue struct {
	rdb         redis.UniversalClient
	key         string
	maxLen      int64
	maxAttempts int
	log         *zap.Logger
}

type RetryOptions struct {
	Key         string
	MaxLen      int64
	MaxAttempts int
}

func NewRetryQueue(rdb redis.UniversalClient, opts RetryOptions) *RetryQueue {
	if opts.Key == "" {
		opts.Key = DefaultRetryKey
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = 100_000
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 20
	}
	return &RetryQueue{
		rdb:         rdb,
		key:         opts.Key,
		maxLen:      opts.MaxLen,
		maxAttempts: opts.MaxAttempts,
		log:         logger.Named("persist-retry"),
	}
}

func (q *RetryQueue) Enqueue(ctx context.Context, m *message.Message) error {
	return q.push(ctx, retryEnvelope{Message: *m, QueuedAt: time.Now().UTC()}, false)
}

func (q *RetryQueue) push(ctx context.Context, env retryEnvelope, tail bool) error {
	b, err := encodeEnvelope(env)
	if err != nil {
		return errs.ErrInternal.Wrap(err)
	}
	pipe := q.rdb.TxPipeline()
	if tail {
		pipe.RPush(ctx, q.key, b)
	} else {
		pipe.LPush(ctx, q.key, b)
		pipe.LTrim(ctx, q.key, 0, q.maxLen-1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errs.ErrStorage.Wrap(err)
	}
	return nil
}

func (q *RetryQueue) Len(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, errs.ErrStorage.Wrap(err)
	}
	return n, nil
}

// Drain retries up to batch queued messages against store and hands each
// persisted one to pub, which may be nil. A message that fails again goes back
// to the oldest end; it is dropped after maxAttempts. It returns how many were
// persisted.
func (q *RetryQueue) Drain(ctx context.Context, store message.Store, pub message.Publisher, batch int) (int, error) {
	ok := 0
	for i := 0; i < batch; i++ {
		raw, err := q.rdb.RPop(ctx, q.key).Result()
		if errors.Is(err, redis.Nil) {
			return ok, nil
		}
		if err != nil {
			return ok, errs.ErrStorage.Wrap(err)
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			q.log.Error("drop undecodable retry entry", zap.Error(err))
			continue
		}

		m := env.Message
		m.ID = 0
		if err := store.Append(ctx, &m); err != nil {
			env.Attempts++
			if env.Attempts >= q.maxAttempts {
				q.log.Error("persist retry exhausted, message dropped", zap.Int64("from", m.FromUserID),
					zap.Int64("to", m.ToUserID), zap.Int("attempts", env.Attempts), zap.Error(err))
				continue
			}
			if perr := q.push(ctx, env, true); perr != nil {
				q.log.Error("requeue failed, message dropped", zap.Error(perr))
			}
			// store is still down, stop this round
			return ok, err
		}
		ok++
		q.log.Info("persisted queued message", zap.Int64("id", m.ID), zap.Int64("from", m.FromUserID),
			zap.Int64("to", m.ToUserID), zap.Int("attempts", env.Attempts+1))
		q.publish(ctx, pub, &m)
	}
	return ok, nil
}

// 发送时没落库的消息也没有发布过，补发一次
func (q *RetryQueue) publish(ctx context.Context, pub message.Publisher, m *message.Message) {
	if pub == nil {
		return
	}
	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := pub.PublishMessage(pctx, m); err != nil {
		q.log.Warn("publish persisted message failed", zap.Int64("id", m.ID), zap.Error(err))
	}
}

// RunWorker drains the queue every interval until ctx is done.
func (q *RetryQueue) RunWorker(ctx context.Context, store message.Store, pub message.Publisher, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := q.Drain(ctx, store, pub, 100); err != nil {
				q.log.Warn("retry round stopped", zap.Int("persisted", n), zap.Error(err))
			}
		}
	}
}
