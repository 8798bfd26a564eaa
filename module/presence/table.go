// Package presence tracks which user currently owns a live connection.
//
// The table holds at most one handle per user. Registering a second handle
// supersedes the first without closing it; the old handle is only removed by
// its own disconnect, and Unregister refuses to evict a handle that is no
// longer the registered one.
package presence

import (
	"sort"
	"sync"
	"time"
)

// Handle is the transport-side view of one live connection.
type Handle interface {
	// ID is unique per connection for the lifetime of the process.
	ID() string
	UserID() int64
	// Emit queues one outbound event; false means the handle is closing or
	// its queue is full and the event was dropped.
	Emit(event string, payload any) bool
}

// Entry is one row of the table.
type Entry struct {
	Handle      Handle
	ConnectedAt time.Time
}

// Observer is notified of every change in the order the table applied them.
// Calls happen under the table lock, so they must not block or call back into
// the table.
type Observer interface {
	Registered(userID int64, h Handle)
	Unregistered(userID int64, h Handle)
}

type Table struct {
	mu        sync.RWMutex
	byUser    map[int64]Entry
	observers []Observer
	clock     func() time.Time
}

func NewTable(observers ...Observer) *Table {
	return &Table{
		byUser:    make(map[int64]Entry),
		observers: observers,
		clock:     time.Now,
	}
}

// Register installs h as the connection for userID and returns the handle it
// superseded, if any.
func (t *Table) Register(userID int64, h Handle) (prev Handle) {
	if h == nil {
		return nil
	}
	t.mu.Lock()
	if old, ok := t.byUser[userID]; ok && old.Handle != h {
		prev = old.Handle
	}
	t.byUser[userID] = Entry{Handle: h, ConnectedAt: t.clock()}
	for _, o := range t.observers {
		o.Registered(userID, h)
	}
	t.mu.Unlock()
	return prev
}

// Lookup never blocks on I/O and never errors.
func (t *Table) Lookup(userID int64) (Handle, bool) {
	t.mu.RLock()
	e, ok := t.byUser[userID]
	t.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return e.Handle, true
}

// Unregister removes the mapping only if h is still the registered handle.
func (t *Table) Unregister(userID int64, h Handle) bool {
	t.mu.Lock()
	e, ok := t.byUser[userID]
	if !ok || e.Handle != h {
		t.mu.Unlock()
		return false
	}
	delete(t.byUser, userID)
	for _, o := range t.observers {
		o.Unregistered(userID, h)
	}
	t.mu.Unlock()
	return true
}

func (t *Table) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUser)
}

// Users returns the online user ids in ascending order.
func (t *Table) Users() []int64 {
	t.mu.RLock()
	out := make([]int64, 0, len(t.byUser))
	for id := range t.byUser {
		out = append(out, id)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
