// Package citations implements component C5: a process-wide, per-session
// mapping from citation ID to evidence, with lazy + periodic TTL eviction.
// Grounded on frameworks/pkg/cache's Cache (same locking discipline: a
// single mutex held only for O(1) operations, never across a suspension
// point) generalized from a single flat keyspace to per-session buckets.
package citations

import (
	"sync"
	"time"
)

// Evidence is one citable record (spec.md §3 "Evidence record").
// Similarity is the retrieval backend's own relevance score for this
// chunk (SPEC_FULL.md §C.4, answer_system.py's create_sources_content_for_citation);
// it has no meaning for evidence produced outside knowledge_retrieval.
type Evidence struct {
	ID          string
	Title       string
	FullContent string
	Similarity  float64
}

// Preview returns the first ~30 characters of the full content.
func (e Evidence) Preview() string {
	const n = 30
	runes := []rune(e.FullContent)
	if len(runes) <= n {
		return e.FullContent
	}
	return string(runes[:n]) + "..."
}

// ErrNotFound is returned when a citation id or session cannot be resolved.
type ErrNotFound struct {
	SessionID string
	ID        string
}

func (e *ErrNotFound) Error() string {
	return "citation not found: session=" + e.SessionID + " id=" + e.ID
}

type bucket struct {
	items      map[string]Evidence
	expiresAt  time.Time // zero until the owning session terminates
	terminated bool
}

// Store is the process-wide citation table. One Store instance is shared
// across all sessions; access is guarded by a single mutex per spec.md §5.
type Store struct {
	mu      sync.Mutex
	ttl     time.Duration
	buckets map[string]*bucket
}

// New creates a citation store with the given per-session TTL, measured
// from the moment the owning session is marked terminal.
func New(ttl time.Duration) *Store {
	return &Store{
		ttl:     ttl,
		buckets: make(map[string]*bucket),
	}
}

// Put records evidence for a citation id within a session. Writes happen
// at most once per citation id per session (spec.md §4.5); a repeat write
// overwrites — callers are expected not to do this in practice.
func (s *Store) Put(sessionID string, evidence Evidence) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[sessionID]
	if b == nil {
		b = &bucket{items: make(map[string]Evidence)}
		s.buckets[sessionID] = b
	}
	b.items[evidence.ID] = evidence
}

// MarkTerminal starts the TTL clock for a session's citations. Called once
// the session reaches any terminal status.
func (s *Store) MarkTerminal(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[sessionID]
	if b == nil {
		return
	}
	if b.terminated {
		return
	}
	b.terminated = true
	b.expiresAt = time.Now().Add(s.ttl)
}

// Get resolves one citation. Lazily evicts the session's bucket if its TTL
// has passed since MarkTerminal.
func (s *Store) Get(sessionID, id string) (Evidence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.buckets[sessionID]
	if b == nil || s.expiredLocked(b) {
		delete(s.buckets, sessionID)
		return Evidence{}, &ErrNotFound{SessionID: sessionID, ID: id}
	}
	ev, ok := b.items[id]
	if !ok {
		return Evidence{}, &ErrNotFound{SessionID: sessionID, ID: id}
	}
	return ev, nil
}

func (s *Store) expiredLocked(b *bucket) bool {
	return b.terminated && time.Now().After(b.expiresAt)
}

// Sweep drops every session bucket whose TTL has elapsed. Intended to be
// called periodically from a background goroutine (spec.md §4.5:
// "eviction is lazy ... plus a periodic sweeper").
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, b := range s.buckets {
		if b.terminated && now.After(b.expiresAt) {
			delete(s.buckets, id)
			removed++
		}
	}
	return removed
}

// RunSweeper starts a goroutine that calls Sweep on the given interval
// until stop is closed.
func (s *Store) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case t := <-ticker.C:
				s.Sweep(t)
			}
		}
	}()
}

// Size reports the number of session buckets currently tracked.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}
