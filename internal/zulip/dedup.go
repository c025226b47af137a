// ABOUTME: In-memory seen-set for Zulip event ids
// ABOUTME: Bounded at a hard cap and cleared wholesale when full

package zulip

import "sync"

// seenSetCap bounds the in-memory dedup set. A fresh event queue after a
// reconnect can re-deliver ids, so the set is a cheap first filter in
// front of the processed_events table.
const seenSetCap = 10_000

type seenSet struct {
	mu  sync.Mutex
	ids map[int64]struct{}
}

func newSeenSet() *seenSet {
	return &seenSet{ids: make(map[int64]struct{})}
}

// CheckAndMark reports whether the id was already seen, marking it
// otherwise. At capacity the whole set is dropped; the store-level check
// behind it keeps correctness.
func (s *seenSet) CheckAndMark(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.ids[id]; seen {
		return true
	}
	if len(s.ids) >= seenSetCap {
		s.ids = make(map[int64]struct{})
	}
	s.ids[id] = struct{}{}
	return false
}

func (s *seenSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}
