// Package memstore is an in-process message store for development and tests.
// Nothing survives a restart.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"PPRelay/module/message"
	"PPRelay/tools/errs"
)

type Store struct {
	mu     sync.RWMutex
	rows   []message.Message
	nextID int64
	names  map[int64]string
	closed bool
}

func New() *Store {
	return &Store{names: make(map[int64]string)}
}

// SetUsername feeds the name shown in conversation summaries.
func (s *Store) SetUsername(userID int64, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names[userID] = name
}

func (s *Store) Append(_ context.Context, m *message.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errs.ErrStorage.WrapMsg("store closed")
	}
	if !m.HasContent() {
		return errs.ErrValidation.WrapMsg("message and attachment both empty")
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	s.nextID++
	m.ID = s.nextID
	s.rows = append(s.rows, *m)
	return nil
}

func (s *Store) RangeByParticipants(_ context.Context, a, b int64) ([]message.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.ErrStorage.WrapMsg("store closed")
	}
	out := make([]message.Message, 0)
	for _, m := range s.rows {
		if (m.FromUserID == a && m.ToUserID == b) || (m.FromUserID == b && m.ToUserID == a) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ConversationSummaries(_ context.Context, userID int64) ([]message.Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.ErrStorage.WrapMsg("store closed")
	}
	byPeer := make(map[int64]*message.Summary)
	for _, m := range s.rows {
		var peer int64
		switch userID {
		case m.FromUserID:
			peer = m.ToUserID
		case m.ToUserID:
			peer = m.FromUserID
		default:
			continue
		}
		sum, ok := byPeer[peer]
		if !ok {
			sum = &message.Summary{UserID: peer, Username: s.names[peer]}
			byPeer[peer] = sum
		}
		if !m.CreatedAt.Before(sum.LastMessageTime) {
			sum.LastMessage = m.Body
			sum.LastMessageTime = m.CreatedAt
		}
		if m.ToUserID == userID && m.ReadAt == nil {
			sum.UnreadCount++
		}
	}
	out := make([]message.Summary, 0, len(byPeer))
	for _, sum := range byPeer {
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LastMessageTime.Equal(out[j].LastMessageTime) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].LastMessageTime.After(out[j].LastMessageTime)
	})
	return out, nil
}

func (s *Store) MarkRead(_ context.Context, recipientID, senderID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errs.ErrStorage.WrapMsg("store closed")
	}
	var n int64
	for i := range s.rows {
		m := &s.rows[i]
		if m.ToUserID == recipientID && m.FromUserID == senderID && m.ReadAt == nil {
			t := at
			m.ReadAt = &t
			n++
		}
	}
	return n, nil
}

func (s *Store) UnreadCounts(_ context.Context) (map[int64]map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.ErrStorage.WrapMsg("store closed")
	}
	out := make(map[int64]map[int64]int)
	for _, m := range s.rows {
		if m.ReadAt != nil {
			continue
		}
		if out[m.ToUserID] == nil {
			out[m.ToUserID] = make(map[int64]int)
		}
		out[m.ToUserID][m.FromUserID]++
	}
	return out, nil
}

func (s *Store) UnreadCountsFor(_ context.Context, recipientID int64) (map[int64]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errs.ErrStorage.WrapMsg("store closed")
	}
	out := make(map[int64]int)
	for _, m := range s.rows {
		if m.ToUserID == recipientID && m.ReadAt == nil {
			out[m.FromUserID]++
		}
	}
	return out, nil
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errs.ErrStorage.WrapMsg("store closed")
	}
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

var _ message.Store = (*Store)(nil)
