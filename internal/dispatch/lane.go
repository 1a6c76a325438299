package dispatch

import "sync"

// LaneLock provides per-sender serialization. No two sends from the same
// sender account may overlap, while sends from different accounts can
// proceed concurrently.
//
// Design: a global mutex protects the lane map; each lane has its own
// mutex for intra-sender serialization. The global mutex is held only
// briefly to look up or create the per-sender mutex.
type LaneLock struct {
	mu    sync.Mutex
	lanes map[string]*lane
}

// lane stores per-sender synchronization metadata.
// refs counts goroutines that acquired (or are waiting on) this lane.
// stale marks lanes eligible for cleanup once refs drops to zero.
type lane struct {
	mu    sync.Mutex
	refs  int
	stale bool
}

// NewLaneLock creates a ready-to-use LaneLock.
func NewLaneLock() *LaneLock {
	return &LaneLock{
		lanes: make(map[string]*lane),
	}
}

// Acquire gets or creates the per-sender mutex and locks it.
// The caller must call Release with the same id when done.
func (l *LaneLock) Acquire(senderID string) {
	l.mu.Lock()
	ln, ok := l.lanes[senderID]
	if !ok {
		ln = &lane{}
		l.lanes[senderID] = ln
	}
	ln.refs++
	ln.stale = false
	l.mu.Unlock()

	// Lock outside the global mutex so other senders are not blocked.
	ln.mu.Lock()
}

// Release unlocks the per-sender mutex for the given id.
// The caller must have previously called Acquire with the same id.
func (l *LaneLock) Release(senderID string) {
	l.mu.Lock()
	ln, ok := l.lanes[senderID]
	if !ok {
		l.mu.Unlock()
		return
	}
	ln.refs--
	deleteNow := ln.refs == 0 && ln.stale
	if deleteNow {
		delete(l.lanes, senderID)
	}
	l.mu.Unlock()

	ln.mu.Unlock()
}

// Cleanup removes lane entries for senders that no longer exist.
// activeIDs should contain only the ids of currently known accounts.
// This prevents unbounded growth of the lane map over time.
func (l *LaneLock) Cleanup(activeIDs map[string]struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, ln := range l.lanes {
		if _, active := activeIDs[id]; !active {
			ln.stale = true
			if ln.refs == 0 {
				delete(l.lanes, id)
			}
			continue
		}
		ln.stale = false
	}
}
