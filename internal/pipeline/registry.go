package pipeline

import (
	"sync"

	"github.com/openevidence/evidence-agent/internal/session"
)

// sessionRegistry is the guarded active-sessions mapping (spec.md §4.4.2):
// a single mutex held only for O(1) insert/lookup/remove, never across a
// suspension point. Grounded on frameworks/pkg/cache's Cache locking
// discipline, the same pattern internal/citations follows for C5.
type sessionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
}

func newSessionRegistry() *sessionRegistry {
	return &sessionRegistry{sessions: make(map[string]*session.Session)}
}

func (r *sessionRegistry) add(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sess.ID] = sess
}

func (r *sessionRegistry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

func (r *sessionRegistry) get(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// snapshot returns a stable copy for GET /sessions, safe to serialize
// without holding the lock during marshaling.
func (r *sessionRegistry) snapshot() []session.Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]session.Snapshot, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess.Snapshot())
	}
	return out
}

func (r *sessionRegistry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
