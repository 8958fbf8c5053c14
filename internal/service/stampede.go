package service

import "sync"

// stampedeTracker counts overlapping cache misses per key. With coalescing on,
// a count above one is absorbed; without it, each overlap is an extra upstream call.
type stampedeTracker struct {
	mu     sync.Mutex
	misses map[string]int
}

func newStampedeTracker() *stampedeTracker {
	return &stampedeTracker{misses: make(map[string]int)}
}

// begin registers a miss on key and returns how many misses on key are now
// open, including this one. done must be called exactly once.
func (st *stampedeTracker) begin(key string) (open int, done func()) {
	st.mu.Lock()
	st.misses[key]++
	open = st.misses[key]
	st.mu.Unlock()

	var once sync.Once
	return open, func() {
		once.Do(func() { st.end(key) })
	}
}

func (st *stampedeTracker) end(key string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.misses[key] <= 1 {
		delete(st.misses, key)
		return
	}
	st.misses[key]--
}

func (st *stampedeTracker) open(key string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.misses[key]
}
