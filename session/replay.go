package session

import (
	"sync"
)

// ReplayWindow is a fixed-capacity sliding-window sequence validator; one
// instance guards each directional key. The FIFO of recently accepted
// sequence numbers and its mirror membership set form a single logical unit
// and are only ever updated together under the mutex.
type ReplayWindow struct {
	size        uint64
	highestSeen uint64
	recent      []uint64
	seen        map[uint64]struct{}
	mutex       sync.Mutex
}

// NewReplayWindow returns a replay window with the given capacity
func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = 64
	}
	return &ReplayWindow{
		size:   uint64(size),
		recent: make([]uint64, 0, size),
		seen:   make(map[uint64]struct{}, size),
	}
}

// Validate accepts or rejects the given sequence number. Rejections fail
// closed: an exact replay, a sequence too old to verify against the window,
// or an implausible forward jump all return the corresponding sentinel error.
func (w *ReplayWindow) Validate(seq uint64) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if _, exists := w.seen[seq]; exists {
		return ErrSequenceReplayed
	}

	if w.highestSeen >= w.size && seq < w.highestSeen-w.size+1 {
		return ErrSequenceOutOfWindow
	}

	if seq > w.highestSeen+2*w.size {
		return ErrSequenceOutOfWindow
	}

	if seq > w.highestSeen {
		w.highestSeen = seq
	}

	if uint64(len(w.recent)) == w.size {
		oldest := w.recent[0]
		w.recent = w.recent[1:]
		delete(w.seen, oldest)
	}

	w.recent = append(w.recent, seq)
	w.seen[seq] = struct{}{}

	return nil
}

// HighestSeen returns the highest sequence number accepted so far
func (w *ReplayWindow) HighestSeen() uint64 {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return w.highestSeen
}
