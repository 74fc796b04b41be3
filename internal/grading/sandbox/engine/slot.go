package engine

import (
	"sync"

	"gradingnode/internal/grading/sandbox/result"
)

// breachSlot is the single place monitors report limit breaches to.
// The first report triggers termination. Reports that arrive before the slot
// is sealed compete by tie order; reports after sealing are dropped.
type breachSlot struct {
	mu     sync.Mutex
	kind   result.LimitKind
	sealed bool
}

// report records kind and returns true for the first report only.
func (s *breachSlot) report(kind result.LimitKind) bool {
	if kind == result.LimitNone {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sealed {
		return false
	}
	if s.kind == result.LimitNone {
		s.kind = kind
		return true
	}
	if kind.Rank() < s.kind.Rank() {
		s.kind = kind
	}
	return false
}

// seal closes the slot and returns the winning breach.
func (s *breachSlot) seal() result.LimitKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sealed = true
	return s.kind
}
