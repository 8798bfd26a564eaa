// Package ledger keeps the in-memory unread counters, keyed by
// (recipient, sender). The counters are a fast hint; the store's
// readAt IS NULL rows remain the source they are rebuilt from.
package ledger

import (
	"sync"
)

type Ledger struct {
	mu     sync.Mutex
	counts map[int64]map[int64]int
}

func New() *Ledger {
	return &Ledger{counts: make(map[int64]map[int64]int)}
}

// Increment bumps (recipient, sender) by one and returns the new count.
func (l *Ledger) Increment(recipientID, senderID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	per, ok := l.counts[recipientID]
	if !ok {
		per = make(map[int64]int)
		l.counts[recipientID] = per
	}
	per[senderID]++
	return per[senderID]
}

// Snapshot returns a copy of the per-sender breakdown for recipientID.
// Senders whose count was cleared to 0 are reported as 0.
func (l *Ledger) Snapshot(recipientID int64) map[int64]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	per := l.counts[recipientID]
	out := make(map[int64]int, len(per))
	for k, v := range per {
		out[k] = v
	}
	return out
}

// Clear zeroes the pair regardless of its prior value. The entry is kept at 0
// so a later snapshot still tells the client the conversation was read.
func (l *Ledger) Clear(recipientID, senderID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	per, ok := l.counts[recipientID]
	if !ok {
		return
	}
	if _, ok := per[senderID]; ok {
		per[senderID] = 0
	}
}

func (l *Ledger) Count(recipientID, senderID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[recipientID][senderID]
}

// Total sums every pending count for recipientID.
func (l *Ledger) Total(recipientID int64) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, v := range l.counts[recipientID] {
		n += v
	}
	return n
}

// Sum is the number of pending counts across all recipients.
func (l *Ledger) Sum() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, per := range l.counts {
		for _, v := range per {
			n += v
		}
	}
	return n
}

// Rebuild replaces the whole table, typically with the grouped unread
// counts loaded from the store at startup. Negative and zero counts are skipped.
func (l *Ledger) Rebuild(counts map[int64]map[int64]int) {
	next := make(map[int64]map[int64]int, len(counts))
	for r, per := range counts {
		for s, n := range per {
			if n <= 0 {
				continue
			}
			if next[r] == nil {
				next[r] = make(map[int64]int)
			}
			next[r][s] = n
		}
	}
	l.mu.Lock()
	l.counts = next
	l.mu.Unlock()
}

// Merge raises each pair to at least the given count. The router calls it on
// connect with the recipient's unread rows from the store.
func (l *Ledger) Merge(recipientID int64, counts map[int64]int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s, n := range counts {
		if n <= 0 {
			continue
		}
		per, ok := l.counts[recipientID]
		if !ok {
			per = make(map[int64]int)
			l.counts[recipientID] = per
		}
		if per[s] < n {
			per[s] = n
		}
	}
}
