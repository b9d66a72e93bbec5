package session

// Status is the lifecycle state of a research session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	// StatusCrashed is assigned only by liveness reconciliation when a
	// running session's owning process is found dead.
	StatusCrashed Status = "crashed"
)

func (s Status) String() string { return string(s) }

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusCrashed:
		return true
	}
	return false
}

// Session represents a row in the sessions table: one node of a
// research task tree.
type Session struct {
	ID            int64    `json:"id"`
	InteractionID string   `json:"interaction_id"` // remote operation id, or a placeholder before acceptance
	Prompt        string   `json:"prompt"`
	Status        Status   `json:"status"`
	Result        *string  `json:"result"`
	CreatedAt     int64    `json:"created_at"` // Unix millis
	UpdatedAt     int64    `json:"updated_at"` // Unix millis
	OwnerPID      *int     `json:"owner_pid"`  // nil when driven in-process by a parent task
	ParentID      *int64   `json:"parent_id"`  // nil for roots
	Depth         int      `json:"depth"`      // 1 for roots
	Files         []string `json:"files"`      // attachment store names, opaque here
}

// ResultText returns the stored result or "" when none has been
// recorded yet.
func (s *Session) ResultText() string {
	if s.Result == nil {
		return ""
	}
	return *s.Result
}
