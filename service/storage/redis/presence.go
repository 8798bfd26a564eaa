package redis

import (
	"context"
	"errors"
	"strconv"
	"time"

	"PPRelay/logger"
	"PPRelay/module/presence"
	"PPRelay/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// presence key: im:presence:<user>，value 为 connection id
func PresenceKey(userID int64) string { return "im:presence:" + strconv.FormatInt(userID, 10) }

// 只有当前值仍是自己的 connID 时才删除
// KEYS[1] = presence key
// ARGV[1] = connID
// 返回：1 删除；0 已被新会话覆盖或不存在
const luaCompareAndDelete = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// 只有当前值仍是自己的 connID 时才续期
// KEYS[1] = presence key
// ARGV[1] = connID
// ARGV[2] = ttl ms
const luaCompareAndExpire = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

var (
	scriptCAD = redis.NewScript(luaCompareAndDelete)
	scriptCAE = redis.NewScript(luaCompareAndExpire)
)

type presenceOp struct {
	kind   byte // 'r' register, 'u' unregister, 'h' heartbeat
	userID int64
	connID string
}

// PresenceMirror mirrors the local presence table into redis so other
// services can ask whether a user is online. It implements presence.Observer;
// writes are applied in order by a single worker.
type PresenceMirror struct {
	rdb  redis.UniversalClient
	ttl  time.Duration
	ops  chan presenceOp
	log  *zap.Logger
	done chan struct{}
}

func NewPresenceMirror(rdb redis.UniversalClient, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &PresenceMirror{
		rdb:  rdb,
		ttl:  ttl,
		ops:  make(chan presenceOp, 4096),
		log:  logger.Named("presence-mirror"),
		done: make(chan struct{}),
	}
}

func (m *PresenceMirror) Registered(userID int64, h presence.Handle) {
	m.push(presenceOp{kind: 'r', userID: userID, connID: h.ID()})
}

func (m *PresenceMirror) Unregistered(userID int64, h presence.Handle) {
	m.push(presenceOp{kind: 'u', userID: userID, connID: h.ID()})
}

// Refresh renews the TTL for connID; called on every pong.
func (m *PresenceMirror) Refresh(userID int64, connID string) {
	m.push(presenceOp{kind: 'h', userID: userID, connID: connID})
}

func (m *PresenceMirror) push(op presenceOp) {
	select {
	case m.ops <- op:
	default:
		m.log.Warn("presence op dropped, queue full", zap.Int64("user", op.userID), zap.String("op", string(op.kind)))
	}
}

// Run drains the op queue until ctx is done.
func (m *PresenceMirror) Run(ctx context.Context) {
	defer close(m.done)
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic recovered", zap.Error(errs.ErrPanic(r)))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			m.log.Info("presence mirror stopped", zap.Error(ctx.Err()))
			return
		case op := <-m.ops:
			if err := m.apply(ctx, op); err != nil {
				m.log.Warn("presence op failed", zap.Int64("user", op.userID),
					zap.String("conn", op.connID), zap.String("op", string(op.kind)), zap.Error(err))
			}
		}
	}
}

// Done is closed once Run has returned.
func (m *PresenceMirror) Done() <-chan struct{} { return m.done }

func (m *PresenceMirror) apply(ctx context.Context, op presenceOp) error {
	cctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	key := PresenceKey(op.userID)
	switch op.kind {
	case 'r':
		return m.rdb.Set(cctx, key, op.connID, m.ttl).Err()
	case 'u':
		return scriptCAD.Run(cctx, m.rdb, []string{key}, op.connID).Err()
	case 'h':
		return scriptCAE.Run(cctx, m.rdb, []string{key}, op.connID, m.ttl.Milliseconds()).Err()
	}
	return nil
}

// Lookup reports the connection id currently mirrored for userID.
func (m *PresenceMirror) Lookup(ctx context.Context, userID int64) (connID string, online bool, err error) {
	val, err := m.rdb.Get(ctx, PresenceKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.ErrStorage.WrapMsg("presence lookup", "user", userID, "err", err.Error())
	}
	return val, true, nil
}
