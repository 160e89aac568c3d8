package state

import (
	"time"

	"github.com/tramitebot/tramitebot/types"
)

// SessionRecord is the queryable summary row for one session.
type SessionRecord struct {
	SessionID   string     `json:"sessionId"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Instruction string     `json:"instruction"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// CheckpointRecord snapshots the complete AgentState after one node
// transition. State is stored whole, including plan, history, and
// error context, so a resume reconstructs the session exactly.
type CheckpointRecord struct {
	SessionID string           `json:"sessionId"`
	Seq       int              `json:"seq"`
	Stage     string           `json:"stage"`
	NextNode  string           `json:"nextNode,omitempty"`
	State     types.AgentState `json:"state"`
	CreatedAt time.Time        `json:"createdAt"`
}
