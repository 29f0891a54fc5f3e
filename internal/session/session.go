package session

import "time"

// Status is one of the monotonically-advancing session states from
// spec.md §3.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// Session is the record the pipeline tracks in its guarded active-sessions
// mapping (spec.md §4.4.2). The orchestrator only ever reads it through
// the Token; the pipeline owns writes to Status/EndTime.
type Session struct {
	ID        string
	Question  string
	Status    Status
	StartTime time.Time
	EndTime   time.Time
	Token     *Token
}

// Snapshot is the read-only view returned by GET /sessions.
type Snapshot struct {
	ID        string    `json:"id"`
	Question  string    `json:"question"`
	Status    Status    `json:"status"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.ID,
		Question:  s.Question,
		Status:    s.Status,
		StartTime: s.StartTime,
		EndTime:   s.EndTime,
	}
}
