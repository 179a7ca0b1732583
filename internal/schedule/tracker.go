package schedule

import "sync"

// Tracker counts the unfinished items of one batch and closes its done
// channel on the transition from one remaining item to none.
type Tracker struct {
	mu        sync.Mutex
	remaining int
	done      chan struct{}
}

// NewTracker returns a tracker expecting n reports. A tracker for zero
// items starts completed.
func NewTracker(n int) *Tracker {
	t := &Tracker{remaining: n, done: make(chan struct{})}
	if n <= 0 {
		t.remaining = 0
		close(t.done)
	}
	return t
}

// ReportDone records one finished item. It returns true only for the call
// that completed the batch; calls after completion change nothing.
func (t *Tracker) ReportDone() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining == 0 {
		return false
	}
	t.remaining--
	if t.remaining == 0 {
		close(t.done)
		return true
	}
	return false
}

// Done is closed once every item has reported.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

func (t *Tracker) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remaining
}
