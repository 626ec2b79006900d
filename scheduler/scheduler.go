// Package scheduler is the shared queue of outstanding torrent pieces:
// the single source of truth for piece assignment, per spec.md §9
// ("Concurrent ownership"). Sessions never share piece buffers; the
// scheduler hands each piece to exactly one session at a time and takes
// it back on completion or failure.
package scheduler

import (
	"sync"

	"github.com/halvard-ek/bget/meta"
)

// PieceDescriptor is an immutable description of one torrent piece, per
// spec.md §3.
type PieceDescriptor = meta.PieceDescriptor

// HasFunc reports whether a peer's bitfield claims piece i. Take uses
// this to honor spec.md §4.8 ("the scheduler refuses to hand a piece to
// a session whose bitfield does not have it") without the scheduler
// itself needing to know anything about peer.Bitfield.
type HasFunc func(i int) bool

// Scheduler is a mutex-protected FIFO queue of pending piece indices
// plus the set of in-flight assignments, per spec.md §3's SchedulerState
// and §5's concurrency contract (short critical sections, no I/O under
// the lock).
type Scheduler struct {
	mu          sync.Mutex
	descriptors []PieceDescriptor
	pending     []int
	assigned    map[int]string // piece index -> owning session id
}

// New builds a Scheduler with every descriptor initially pending, in
// index order (spec.md §4.8: "initially 0..N-1, FIFO").
func New(descriptors []PieceDescriptor) *Scheduler {
	pending := make([]int, len(descriptors))
	for i := range descriptors {
		pending[i] = descriptors[i].Index
	}
	return &Scheduler{
		descriptors: descriptors,
		pending:     pending,
		assigned:    make(map[int]string),
	}
}

// Take pops the first pending piece that sessionID's peer has, per the
// FIFO tie-break rule in spec.md §4.8 ("strictly FIFO; no rarity
// tracking"): the queue order is never disturbed for pieces that are
// skipped because this particular peer lacks them.
func (s *Scheduler) Take(sessionID string, has HasFunc) (PieceDescriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, index := range s.pending {
		if !has(index) {
			continue
		}
		s.pending = append(s.pending[:i:i], s.pending[i+1:]...)
		s.assigned[index] = sessionID
		return s.descriptors[index], true
	}
	return PieceDescriptor{}, false
}

// ReleaseOK marks piece index as permanently complete: it leaves both
// the pending queue and the assignment table.
func (s *Scheduler) ReleaseOK(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assigned, index)
}

// ReleaseFail returns piece index to the front of the pending queue, per
// spec.md §4.8 ("push i back to the front, to favour completing
// partially-downloaded work on a fresh peer").
func (s *Scheduler) ReleaseFail(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.assigned, index)
	s.pending = append([]int{index}, s.pending...)
}

// PendingCount returns the number of pieces not yet successfully
// completed (queued or currently assigned).
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + len(s.assigned)
}

// Done reports whether every piece has been released via ReleaseOK.
func (s *Scheduler) Done() bool {
	return s.PendingCount() == 0
}
