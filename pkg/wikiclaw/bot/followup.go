package bot

import (
	"sync"
	"time"
)

// Followups holds at most one pending deferred action per chat. Scheduling
// a new action for a chat cancels and replaces the pending one.
type Followups struct {
	delay time.Duration

	mu      sync.Mutex
	pending map[string]*followup
	gen     uint64
	stopped bool
}

type followup struct {
	timer *time.Timer
	gen   uint64
}

// NewFollowups creates an empty set of follow-up slots.
func NewFollowups(delay time.Duration) *Followups {
	return &Followups{
		delay:   delay,
		pending: make(map[string]*followup),
	}
}

// Schedule arms fn to run after the delay, replacing any pending action for
// chatID.
func (f *Followups) Schedule(chatID string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopped {
		return
	}

	if old, ok := f.pending[chatID]; ok {
		old.timer.Stop()
	}
	f.gen++
	gen := f.gen
	f.pending[chatID] = &followup{
		gen: gen,
		timer: time.AfterFunc(f.delay, func() {
			if f.claim(chatID, gen) {
				fn()
			}
		}),
	}
}

// claim removes the slot if it still belongs to generation gen. A timer
// that lost a race with Schedule or Cancel finds a newer generation and
// does nothing.
func (f *Followups) claim(chatID string, gen uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.pending[chatID]
	if !ok || cur.gen != gen || f.stopped {
		return false
	}
	delete(f.pending, chatID)
	return true
}

// Cancel drops the pending action for chatID. It reports whether one was
// pending.
func (f *Followups) Cancel(chatID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur, ok := f.pending[chatID]
	if !ok {
		return false
	}
	cur.timer.Stop()
	delete(f.pending, chatID)
	return true
}

// Pending returns the number of armed slots.
func (f *Followups) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// Stop cancels every pending action; later Schedule calls are ignored.
func (f *Followups) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
	for id, p := range f.pending {
		p.timer.Stop()
		delete(f.pending, id)
	}
}
