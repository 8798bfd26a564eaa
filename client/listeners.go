package client

import (
	"encoding/json"
	"sync"
)

// Listener 收到的是原始的 data 字段
type Listener func(data json.RawMessage)

type entry struct {
	id uint64
	fn Listener
}

// registry 每个事件一组回调，按注册顺序调用
type registry struct {
	mu   sync.RWMutex
	seq  uint64
	subs map[string][]entry
}

func newRegistry() *registry { return &registry{subs: make(map[string][]entry)} }

func (r *registry) add(event string, fn Listener) func() {
	r.mu.Lock()
	r.seq++
	id := r.seq
	r.subs[event] = append(r.subs[event], entry{id: id, fn: fn})
	r.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { r.remove(event, id) }) }
}

func (r *registry) remove(event string, id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.subs[event]
	for i, e := range list {
		if e.id == id {
			r.subs[event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[event]) == 0 {
		delete(r.subs, event)
	}
}

func (r *registry) clear(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, event)
}

func (r *registry) count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs[event])
}

func (r *registry) emit(event string, data json.RawMessage) {
	r.mu.RLock()
	list := append([]entry(nil), r.subs[event]...)
	r.mu.RUnlock()
	for _, e := range list {
		e.fn(data)
	}
}
