package engine

import (
	"container/heap"
	"time"
)

// deadlineKind classifies a scheduled match deadline.
type deadlineKind int

const (
	deadlinePairing deadlineKind = iota
	deadlineMatchEnd
	deadlineGrace
	deadlineEvict
)

func (k deadlineKind) String() string {
	switch k {
	case deadlinePairing:
		return "pairing_timeout"
	case deadlineMatchEnd:
		return "match_end"
	case deadlineGrace:
		return "grace_period"
	case deadlineEvict:
		return "evict"
	default:
		return "unknown"
	}
}

// deadline is one upcoming obligation for a match. All match timers share a
// single min-heap instead of one OS timer per match; stale entries are
// dropped lazily when the sweep pops them against current match state.
type deadline struct {
	at      time.Time
	matchID string
	kind    deadlineKind
}

type deadlineHeap []deadline

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *deadlineHeap) Push(x interface{}) { *h = append(*h, x.(deadline)) }

func (h *deadlineHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// schedule pushes a new deadline. Caller holds the engine lock.
func (h *deadlineHeap) schedule(at time.Time, matchID string, kind deadlineKind) {
	heap.Push(h, deadline{at: at, matchID: matchID, kind: kind})
}

// popDue removes and returns all deadlines due at or before now. Caller holds
// the engine lock.
func (h *deadlineHeap) popDue(now time.Time) []deadline {
	var due []deadline
	for h.Len() > 0 && !(*h)[0].at.After(now) {
		due = append(due, heap.Pop(h).(deadline))
	}
	return due
}
