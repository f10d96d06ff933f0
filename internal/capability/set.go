// ABOUTME: Capability sets group a participant's compiled patterns and answer
// ABOUTME: "may this participant send that envelope" with a kind verdict cache.

package capability

import (
	"fmt"
	"sync"
)

// Set is a participant's ordered capability patterns. A Set is immutable
// after compilation: re-granting capabilities means compiling a new Set, so
// the verdict cache can never serve a stale answer for a mutated set.
type Set struct {
	patterns []*Pattern

	// verdicts caches kind-only decisions. A verdict is cached only when it
	// cannot depend on payload: either no pattern's kind matches, or some
	// payload-free pattern matches the kind.
	mu       sync.RWMutex
	verdicts map[string]bool
}

// CompileSet compiles an ordered list of pattern specs into a Set.
// Any malformed pattern fails the whole set; this is the participant-join
// configuration error path.
func CompileSet(specs []Spec) (*Set, error) {
	patterns := make([]*Pattern, 0, len(specs))
	for i, spec := range specs {
		p, err := Compile(spec)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		patterns = append(patterns, p)
	}
	return &Set{
		patterns: patterns,
		verdicts: make(map[string]bool),
	}, nil
}

// Patterns returns the compiled patterns in grant order.
func (s *Set) Patterns() []*Pattern { return s.patterns }

// Len returns the number of granted patterns.
func (s *Set) Len() int { return len(s.patterns) }

// CanSend reports whether any granted pattern admits (kind, payload).
// It never fails for well-formed inputs; no match is simply false.
func (s *Set) CanSend(kind string, payload map[string]any) bool {
	s.mu.RLock()
	verdict, cached := s.verdicts[kind]
	s.mu.RUnlock()
	if cached {
		return verdict
	}

	anyKindMatch := false
	for _, p := range s.patterns {
		if !p.matchKind(kind) {
			continue
		}
		anyKindMatch = true
		if p.payload == nil {
			s.cacheVerdict(kind, true)
			return true
		}
		if p.payload.match(payload) {
			// Admission depended on the payload; not cacheable by kind.
			return true
		}
	}

	if !anyKindMatch {
		s.cacheVerdict(kind, false)
	}
	return false
}

// FindMatching returns every pattern that admits (kind, payload), in grant
// order. Useful for audit logging and tests.
func (s *Set) FindMatching(kind string, payload map[string]any) []*Pattern {
	var out []*Pattern
	for _, p := range s.patterns {
		if p.Matches(kind, payload) {
			out = append(out, p)
		}
	}
	return out
}

func (s *Set) cacheVerdict(kind string, verdict bool) {
	s.mu.Lock()
	s.verdicts[kind] = verdict
	s.mu.Unlock()
}
