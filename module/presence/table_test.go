package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id   string
	user int64
}

func (f *fakeHandle) ID() string                    { return f.id }
func (f *fakeHandle) UserID() int64                 { return f.user }
func (f *fakeHandle) Emit(event string, _ any) bool { return true }

type recordingObserver struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingObserver) Registered(userID int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("+%d/%s", userID, h.ID()))
}

func (r *recordingObserver) Unregistered(userID int64, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf("-%d/%s", userID, h.ID()))
}

func TestRegisterLookup(t *testing.T) {
	tbl := NewTable()
	_, ok := tbl.Lookup(1)
	assert.False(t, ok)

	h := &fakeHandle{id: "c1", user: 1}
	assert.Nil(t, tbl.Register(1, h))

	got, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Same(t, h, got)
	assert.Equal(t, 1, tbl.Count())
}

func TestRegisterSupersedes(t *testing.T) {
	tbl := NewTable()
	first := &fakeHandle{id: "c1", user: 1}
	second := &fakeHandle{id: "c2", user: 1}

	tbl.Register(1, first)
	prev := tbl.Register(1, second)
	assert.Same(t, first, prev)
	assert.Equal(t, 1, tbl.Count())

	got, _ := tbl.Lookup(1)
	assert.Same(t, second, got)

	// re-registering the same handle reports nothing superseded
	assert.Nil(t, tbl.Register(1, second))
}

func TestStaleUnregisterIsNoop(t *testing.T) {
	tbl := NewTable()
	old := &fakeHandle{id: "old", user: 1}
	cur := &fakeHandle{id: "new", user: 1}

	tbl.Register(1, old)
	tbl.Register(1, cur)

	assert.False(t, tbl.Unregister(1, old))
	got, ok := tbl.Lookup(1)
	require.True(t, ok)
	assert.Same(t, cur, got)

	assert.True(t, tbl.Unregister(1, cur))
	_, ok = tbl.Lookup(1)
	assert.False(t, ok)
	assert.False(t, tbl.Unregister(1, cur))
}

func TestObserversSeeChanges(t *testing.T) {
	obs := &recordingObserver{}
	tbl := NewTable(obs)
	a := &fakeHandle{id: "a", user: 5}
	b := &fakeHandle{id: "b", user: 5}

	tbl.Register(5, a)
	tbl.Register(5, b)
	tbl.Unregister(5, a)
	tbl.Unregister(5, b)

	assert.Equal(t, []string{"+5/a", "+5/b", "-5/b"}, obs.events)
}

func TestUsersSorted(t *testing.T) {
	tbl := NewTable()
	for _, id := range []int64{9, 2, 5} {
		tbl.Register(id, &fakeHandle{id: fmt.Sprint(id), user: id})
	}
	assert.Equal(t, []int64{2, 5, 9}, tbl.Users())
}

func TestSingleOwnerUnderConcurrency(t *testing.T) {
	tbl := NewTable()
	var wg sync.WaitGroup
	handles := make([]*fakeHandle, 50)
	for i := range handles {
		handles[i] = &fakeHandle{id: fmt.Sprint(i), user: 1}
	}
	for _, h := range handles {
		wg.Add(1)
		go func(h *fakeHandle) {
			defer wg.Done()
			tbl.Register(1, h)
			tbl.Unregister(1, h)
		}(h)
	}
	wg.Wait()
	assert.LessOrEqual(t, tbl.Count(), 1)
}

// 镜像按观察者收到的顺序回放，结果必须和表一致
func TestObserverOrderMatchesTable(t *testing.T) {
	for round := 0; round < 20; round++ {
		obs := &recordingObserver{}
		tbl := NewTable(obs)
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(h *fakeHandle) {
				defer wg.Done()
				tbl.Register(1, h)
			}(&fakeHandle{id: fmt.Sprint(i), user: 1})
		}
		wg.Wait()

		got, ok := tbl.Lookup(1)
		require.True(t, ok)
		require.Len(t, obs.events, 16)
		assert.Equal(t, "+1/"+got.ID(), obs.events[len(obs.events)-1])
	}
}
