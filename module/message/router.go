package message

import (
	"context"
	"time"

	"PPRelay/logger"
	"PPRelay/module/ledger"
	"PPRelay/module/presence"
	"PPRelay/tools/safe"

	"go.uber.org/zap"
)

// Recorder receives one call per routed event; service/metrics implements it.
type Recorder interface {
	RecordSend(o SendOutcome)
	RecordRead()
	RecordTyping(delivered bool)
	RecordStoreError(op string)
}

type Option func(*Router)

func WithPublisher(p Publisher) Option       { return func(r *Router) { r.pub = p } }
func WithRetryQueue(q RetryQueue) Option     { return func(r *Router) { r.retry = q } }
func WithRecorder(rec Recorder) Option       { return func(r *Router) { r.rec = rec } }
func WithDurability(m DurabilityMode) Option { return func(r *Router) { r.mode = m } }
func WithClock(now func() time.Time) Option  { return func(r *Router) { r.clock = now } }

// WithStoreTimeout bounds each store round trip made on the relay path.
func WithStoreTimeout(d time.Duration) Option { return func(r *Router) { r.storeTimeout = d } }

// Router owns the relay decisions. It is safe for concurrent use; events of a
// single connection must be fed in receipt order by that connection's reader.
type Router struct {
	presence *presence.Table
	ledger   *ledger.Ledger
	store    Store

	pub          Publisher
	retry        RetryQueue
	rec          Recorder
	mode         DurabilityMode
	storeTimeout time.Duration
	clock        func() time.Time
	log          *zap.Logger
}

func NewRouter(p *presence.Table, l *ledger.Ledger, s Store, opts ...Option) *Router {
	safe.MustNotNil(p, "presence table")
	safe.MustNotNil(l, "ledger")
	safe.MustNotNil(s, "store")
	r := &Router{
		presence:     p,
		ledger:       l,
		store:        s,
		mode:         BestEffort,
		storeTimeout: 5 * time.Second,
		clock:        time.Now,
		log:          logger.Named("router"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Router) Presence() *presence.Table { return r.presence }
func (r *Router) Ledger() *ledger.Ledger    { return r.ledger }
func (r *Router) Store() Store              { return r.store }
func (r *Router) Mode() DurabilityMode      { return r.mode }

// Rebuild reloads the ledger from the store's unread rows.
func (r *Router) Rebuild(ctx context.Context) error {
	counts, err := r.store.UnreadCounts(ctx)
	if err != nil {
		r.recordStoreError("unread_counts")
		return err
	}
	r.ledger.Rebuild(counts)
	r.log.Info("unread ledger rebuilt", zap.Int("recipients", len(counts)))
	return nil
}

// Connect registers h, folds the store's unread rows for the user into the
// ledger and pushes the snapshot to it. The superseded handle, if any, is
// returned and left to close on its own.
func (r *Router) Connect(ctx context.Context, h presence.Handle) presence.Handle {
	uid := h.UserID()
	prev := r.presence.Register(uid, h)
	if prev != nil {
		r.log.Info("session superseded", zap.Int64("user", uid),
			zap.String("old", prev.ID()), zap.String("new", h.ID()))
	}

	sctx, cancel := r.storeCtx(ctx)
	stored, err := r.store.UnreadCountsFor(sctx, uid)
	cancel()
	if err != nil {
		// 拿不到库里的未读就只推内存账本
		r.recordStoreError("unread_counts")
		r.log.Warn("load unread counts", zap.Int64("user", uid), zap.Error(err))
	} else {
		r.ledger.Merge(uid, stored)
	}
	counts := r.ledger.Snapshot(uid)
	h.Emit(EventUnreadCounts, counts)
	r.log.Info("user connected", zap.Int64("user", uid), zap.String("conn", h.ID()),
		zap.Int("unreadSenders", len(counts)))
	return prev
}

// Disconnect unregisters h; a stale handle leaves the newer session alone.
func (r *Router) Disconnect(h presence.Handle) {
	removed := r.presence.Unregister(h.UserID(), h)
	r.log.Info("user disconnected", zap.Int64("user", h.UserID()), zap.String("conn", h.ID()),
		zap.Bool("removed", removed))
}

// Send persists and routes one message from sender.
func (r *Router) Send(ctx context.Context, sender presence.Handle, req SendRequest) SendOutcome {
	from := sender.UserID()
	m := &Message{
		FromUserID:    from,
		ToUserID:      req.To,
		Body:          req.Message,
		AttachmentURL: req.AttachmentURL,
	}
	if req.To <= 0 || !m.HasContent() {
		r.log.Debug("send dropped", zap.Int64("from", from), zap.Int64("to", req.To))
		return r.recordSend(SendOutcome{Kind: Rejected, Reason: ReasonInvalid})
	}
	m.CreatedAt = r.clock()

	persisted := true
	if err := r.append(ctx, m); err != nil {
		persisted = false
		r.log.Error("append message failed", zap.Int64("from", from), zap.Int64("to", m.ToUserID),
			zap.String("mode", string(r.mode)), zap.Error(err))
		if r.mode == Required {
			sender.Emit(EventMessageError, SendError{To: m.ToUserID, Reason: string(ReasonStorage)})
			return r.recordSend(SendOutcome{Kind: Rejected, Reason: ReasonStorage, Message: m})
		}
		r.enqueueRetry(ctx, m)
	}

	payload := NewPayload(m)
	out := SendOutcome{Kind: Queued, Message: m, Persisted: persisted}
	if h, ok := r.presence.Lookup(m.ToUserID); ok && h.Emit(EventMessage, payload) {
		out.Kind = Delivered
		r.log.Info("message delivered", zap.Int64("from", from), zap.Int64("to", m.ToUserID))
	} else {
		n := r.ledger.Increment(m.ToUserID, from)
		r.log.Info("recipient offline, message queued", zap.Int64("from", from),
			zap.Int64("to", m.ToUserID), zap.Int("unread", n))
	}

	sender.Emit(EventMessageSent, payload)

	if persisted {
		r.publishMessage(m)
	}
	return r.recordSend(out)
}

// MarkRead zeroes (reader, from), stamps readAt in the store and tells the
// original sender if they are online. Every call notifies again.
func (r *Router) MarkRead(ctx context.Context, reader presence.Handle, req MarkReadRequest) bool {
	self := reader.UserID()
	if req.From <= 0 {
		r.log.Debug("mark_read dropped", zap.Int64("user", self))
		return false
	}
	r.ledger.Clear(self, req.From)
	now := r.clock()

	sctx, cancel := r.storeCtx(ctx)
	updated, err := r.store.MarkRead(sctx, self, req.From, now)
	cancel()
	if err != nil {
		r.recordStoreError("mark_read")
		r.log.Error("persist read failed", zap.Int64("reader", self), zap.Int64("sender", req.From), zap.Error(err))
	}

	if h, ok := r.presence.Lookup(req.From); ok {
		h.Emit(EventMessageRead, ReadReceipt{By: self, Timestamp: FormatTime(now)})
	}
	if r.rec != nil {
		r.rec.RecordRead()
	}
	r.log.Info("messages marked read", zap.Int64("reader", self), zap.Int64("sender", req.From),
		zap.Int64("rows", updated))

	if err == nil {
		r.publishRead(&ReadEvent{ReaderID: self, SenderID: req.From, Updated: updated, At: now})
	}
	return true
}

// Typing relays typing_start/typing_stop when the recipient is online.
// Nothing is queued for absent recipients.
func (r *Router) Typing(sender presence.Handle, req TypingRequest, start bool) bool {
	if req.To <= 0 {
		return false
	}
	event := EventTypingStop
	if start {
		event = EventTypingStart
	}
	delivered := false
	if h, ok := r.presence.Lookup(req.To); ok {
		delivered = h.Emit(event, TypingSignal{From: sender.UserID()})
	}
	if r.rec != nil {
		r.rec.RecordTyping(delivered)
	}
	return delivered
}

func (r *Router) append(ctx context.Context, m *Message) error {
	sctx, cancel := r.storeCtx(ctx)
	defer cancel()
	if err := r.store.Append(sctx, m); err != nil {
		r.recordStoreError("append")
		return err
	}
	return nil
}

func (r *Router) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.storeTimeout)
}

func (r *Router) enqueueRetry(ctx context.Context, m *Message) {
	if r.retry == nil {
		return
	}
	if err := r.retry.Enqueue(ctx, m); err != nil {
		r.log.Error("enqueue retry failed", zap.Int64("from", m.FromUserID), zap.Int64("to", m.ToUserID), zap.Error(err))
		return
	}
	r.log.Warn("message queued for persistence retry", zap.Int64("from", m.FromUserID), zap.Int64("to", m.ToUserID))
}

func (r *Router) publishMessage(m *Message) {
	if r.pub == nil {
		return
	}
	cp := *m
	safe.SafeGo("publish-message", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.pub.PublishMessage(ctx, &cp); err != nil {
			r.log.Warn("publish message failed", zap.Int64("id", cp.ID), zap.Error(err))
		}
	})
}

func (r *Router) publishRead(ev *ReadEvent) {
	if r.pub == nil {
		return
	}
	safe.SafeGo("publish-read", func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := r.pub.PublishRead(ctx, ev); err != nil {
			r.log.Warn("publish read failed", zap.Int64("reader", ev.ReaderID), zap.Error(err))
		}
	})
}

func (r *Router) recordSend(o SendOutcome) SendOutcome {
	if r.rec != nil {
		r.rec.RecordSend(o)
	}
	return o
}

func (r *Router) recordStoreError(op string) {
	if r.rec != nil {
		r.rec.RecordStoreError(op)
	}
}
