package message

import (
	"context"
	"time"
)

// Store is the persistence gateway. Implementations wrap every failure in
// errs.ErrStorage.
type Store interface {
	// Append assigns ID (and CreatedAt when zero) on m.
	Append(ctx context.Context, m *Message) error
	// RangeByParticipants returns every message between a and b, oldest first.
	RangeByParticipants(ctx context.Context, a, b int64) ([]Message, error)
	// ConversationSummaries returns one row per counterpart, newest first.
	ConversationSummaries(ctx context.Context, userID int64) ([]Summary, error)
	// MarkRead sets ReadAt on every unread message sender->recipient and
	// reports how many rows changed.
	MarkRead(ctx context.Context, recipientID, senderID int64, at time.Time) (int64, error)
	// UnreadCounts groups readAt IS NULL rows as recipient -> sender -> count.
	UnreadCounts(ctx context.Context) (map[int64]map[int64]int, error)
	// UnreadCountsFor is the sender -> count slice of UnreadCounts for one recipient.
	UnreadCountsFor(ctx context.Context, recipientID int64) (map[int64]int, error)
	Ping(ctx context.Context) error
	Close()
}

// Publisher fans persisted events out to other systems. Failures are logged
// by the caller and never affect the relay path.
type Publisher interface {
	PublishMessage(ctx context.Context, m *Message) error
	PublishRead(ctx context.Context, ev *ReadEvent) error
}

// RetryQueue holds messages whose append failed so a worker can try again.
type RetryQueue interface {
	Enqueue(ctx context.Context, m *Message) error
}

// Publishers joins several publishers; each one is tried independently.
type Publishers []Publisher

func (ps Publishers) PublishMessage(ctx context.Context, m *Message) error {
	var first error
	for _, p := range ps {
		if err := p.PublishMessage(ctx, m); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (ps Publishers) PublishRead(ctx context.Context, ev *ReadEvent) error {
	var first error
	for _, p := range ps {
		if err := p.PublishRead(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}
