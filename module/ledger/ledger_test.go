package ledger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncrementAndSnapshot(t *testing.T) {
	l := New()
	assert.Empty(t, l.Snapshot(2))

	assert.Equal(t, 1, l.Increment(2, 1))
	assert.Equal(t, 2, l.Increment(2, 1))
	l.Increment(2, 3)

	assert.Equal(t, map[int64]int{1: 2, 3: 1}, l.Snapshot(2))
	assert.Equal(t, 3, l.Total(2))
	assert.Empty(t, l.Snapshot(1))
}

func TestSnapshotIsCopy(t *testing.T) {
	l := New()
	l.Increment(2, 1)
	snap := l.Snapshot(2)
	snap[1] = 100
	assert.Equal(t, 1, l.Count(2, 1))
}

func TestClearIsIdempotent(t *testing.T) {
	l := New()
	l.Increment(2, 1)
	l.Increment(2, 1)

	l.Clear(2, 1)
	assert.Equal(t, 0, l.Count(2, 1))
	l.Clear(2, 1)
	assert.Equal(t, 0, l.Count(2, 1))
	assert.Equal(t, map[int64]int{1: 0}, l.Snapshot(2))

	// clearing an unknown pair creates nothing
	l.Clear(9, 9)
	assert.Empty(t, l.Snapshot(9))
}

func TestRebuildAndMerge(t *testing.T) {
	l := New()
	l.Increment(5, 5)
	l.Rebuild(map[int64]map[int64]int{
		2: {1: 3, 4: 0},
		7: {1: -1},
	})
	assert.Equal(t, map[int64]int{1: 3}, l.Snapshot(2))
	assert.Empty(t, l.Snapshot(7))
	assert.Empty(t, l.Snapshot(5))

	l.Merge(2, map[int64]int{1: 1, 6: 2})
	assert.Equal(t, map[int64]int{1: 3, 6: 2}, l.Snapshot(2))
	assert.Equal(t, 5, l.Sum())
	assert.Equal(t, 5, l.Total(2))
}

func TestConcurrentIncrement(t *testing.T) {
	l := New()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Increment(1, 2)
		}()
	}
	wg.Wait()
	assert.Equal(t, 100, l.Count(1, 2))
}
