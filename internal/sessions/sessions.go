// Package sessions implements the session registry: live sessions tracked
// by heartbeat, declared inactive then crashed after the configured
// timeouts, and exclusive task-ownership bookkeeping.
package sessions

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/model"
)

// Config holds the registry timeouts.
type Config struct {
	HeartbeatInterval time.Duration // default 30s
	SessionTimeout    time.Duration // default 30m: active -> inactive
	CrashTimeout      time.Duration // default 10m: inactive -> crashed
}

// DefaultConfig returns the stock registry timeouts.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: 30 * time.Second,
		SessionTimeout:    30 * time.Minute,
		CrashTimeout:      10 * time.Minute,
	}
}

// Registry tracks every known session and the exclusive ownership leases
// bound to tasks.
type Registry struct {
	mu   sync.Mutex
	cfg  Config
	sess map[string]*model.Session
	own  map[string]model.TaskOwnership // taskID -> current owner

	crashedCounter metric.Int64Counter
	now            func() time.Time
}

// New builds a session registry; meter may be nil in tests.
func New(cfg Config, meter metric.Meter) *Registry {
	r := &Registry{cfg: cfg, sess: make(map[string]*model.Session), own: make(map[string]model.TaskOwnership), now: time.Now}
	if meter != nil {
		r.crashedCounter, _ = meter.Int64Counter("taskengine_sessions_crashed_total")
	}
	return r
}

// Register creates or refreshes a session as active.
func (r *Registry) Register(id, agentID string) model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	s, ok := r.sess[id]
	if !ok {
		s = &model.Session{ID: id, AgentID: agentID, StartTime: now}
		r.sess[id] = s
	}
	s.Status = model.SessionActive
	s.LastHeartbeat = now
	return *s
}

// Heartbeat refreshes a session's liveness timestamp and reactivates it if
// it had drifted to inactive (but not crashed, which requires explicit
// Register/recovery).
func (r *Registry) Heartbeat(id string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sess[id]
	if !ok {
		return model.Session{}, false
	}
	s.LastHeartbeat = r.now()
	s.Operations++
	if s.Status != model.SessionCrashed && s.Status != model.SessionTerminated {
		s.Status = model.SessionActive
	}
	return *s, true
}

// Terminate marks a session as gracefully shut down, exempting it from the
// crash-detection sweep.
func (r *Registry) Terminate(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sess[id]; ok {
		s.Status = model.SessionTerminated
	}
}

// Sweep reclassifies sessions whose heartbeat has aged past the configured
// timeouts and returns the ids that transitioned to
// crashed in this call, for callers that need to trigger recovery.
func (r *Registry) Sweep() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	var newlyCrashed []string
	for id, s := range r.sess {
		if s.Status == model.SessionTerminated || s.Status == model.SessionCrashed {
			continue
		}
		age := now.Sub(s.LastHeartbeat)
		switch {
		case age > r.cfg.SessionTimeout+r.cfg.CrashTimeout:
			if s.Status != model.SessionCrashed {
				s.Status = model.SessionCrashed
				newlyCrashed = append(newlyCrashed, id)
				if r.crashedCounter != nil {
					r.crashedCounter.Add(context.Background(), 1)
				}
			}
		case age > r.cfg.SessionTimeout:
			s.Status = model.SessionInactive
		}
	}
	return newlyCrashed
}

// Get returns a session by id.
func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sess[id]
	if !ok {
		return model.Session{}, false
	}
	return *s, true
}

// All returns every known session.
func (r *Registry) All() []model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.Session, 0, len(r.sess))
	for _, s := range r.sess {
		out = append(out, *s)
	}
	return out
}

// RecordTaskProcessed increments a session's processed-task counter.
func (r *Registry) RecordTaskProcessed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sess[id]; ok {
		s.TasksProcessed++
	}
}

// RecordError increments a session's error counter.
func (r *Registry) RecordError(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sess[id]; ok {
		s.Errors++
	}
}

// ErrAlreadyOwned is returned by Acquire when a task already has an
// exclusive owner other than the requester.
type ErrAlreadyOwned struct {
	TaskID, HolderSession string
}

func (e ErrAlreadyOwned) Error() string {
	return "task " + e.TaskID + " is exclusively owned by session " + e.HolderSession
}

// Acquire binds a task to a session/agent for the given lease duration. At
// most one exclusive holder may exist per task; re-acquiring by the same session extends the lease.
func (r *Registry) Acquire(taskID, sessionID, agentID string, mode model.OwnershipMode, lease time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if existing, ok := r.own[taskID]; ok && existing.Mode == model.OwnershipExclusive && existing.SessionID != sessionID && now.Before(existing.Expires) {
		return ErrAlreadyOwned{TaskID: taskID, HolderSession: existing.SessionID}
	}
	r.own[taskID] = model.TaskOwnership{
		TaskID: taskID, SessionID: sessionID, AgentID: agentID,
		Mode: mode, Acquired: now, Expires: now.Add(lease),
	}
	return nil
}

// Release drops ownership of a task (on completion, cancellation, timeout, or crash).
func (r *Registry) Release(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.own, taskID)
}

// ReleaseAllFor drops every ownership lease held by a session (used on
// crash recovery to free tasks a crashed session still held).
func (r *Registry) ReleaseAllFor(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var freed []string
	for taskID, own := range r.own {
		if own.SessionID == sessionID {
			delete(r.own, taskID)
			freed = append(freed, taskID)
		}
	}
	return freed
}

// Owner returns the current ownership record for a task, if any.
func (r *Registry) Owner(taskID string) (model.TaskOwnership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.own[taskID]
	return o, ok
}
