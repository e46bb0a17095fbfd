package model

import "time"

// SessionStatus is the liveness state of a Session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "active"
	SessionInactive   SessionStatus = "inactive"
	SessionCrashed    SessionStatus = "crashed"
	SessionTerminated SessionStatus = "terminated"
)

// Session is a process-level owner of mutations, tracked by heartbeat.
type Session struct {
	ID            string        `json:"id"`
	AgentID       string        `json:"agent_id"`
	StartTime     time.Time     `json:"start_time"`
	LastHeartbeat time.Time     `json:"last_heartbeat"`
	Status        SessionStatus `json:"status"`

	TasksProcessed int64 `json:"tasks_processed"`
	Errors         int64 `json:"errors"`
	Operations     int64 `json:"operations"`
}

// OwnershipMode constrains how many sessions may hold a TaskOwnership simultaneously.
type OwnershipMode string

const (
	OwnershipExclusive OwnershipMode = "exclusive"
	OwnershipShared    OwnershipMode = "shared"
	OwnershipReadOnly  OwnershipMode = "read-only"
)

// TaskOwnership binds a task to a session/agent for a bounded time window.
type TaskOwnership struct {
	TaskID    string        `json:"task_id"`
	SessionID string        `json:"session_id"`
	AgentID   string        `json:"agent_id"`
	Mode      OwnershipMode `json:"mode"`
	Acquired  time.Time     `json:"acquired"`
	Expires   time.Time     `json:"expires"`
	ParentLock string       `json:"parent_lock,omitempty"`
}
