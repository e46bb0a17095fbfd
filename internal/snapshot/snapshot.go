// Package snapshot implements the snapshot manager: periodic and
// operation-count-triggered snapshots of queue state, retention of the most
// recent K, and crash recovery that restores the newest verifiable snapshot
// or declares the state unrecoverable rather than guessing.
package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/persistence"
)

// DefaultInterval is the periodic snapshot cadence.
const DefaultInterval = 5 * time.Minute

// DefaultEveryNOps triggers a snapshot after this many mutations even if the
// timer hasn't fired yet.
const DefaultEveryNOps = 1000

// DefaultRetain is how many most-recent snapshots survive a retention pass.
const DefaultRetain = 10

// Config are the manager's tunables.
type Config struct {
	Interval  time.Duration
	EveryNOps int
	Retain    int
	SessionID string
	Compress  bool
}

// DefaultConfig returns the stock cadence and retention settings.
func DefaultConfig(sessionID string) Config {
	return Config{Interval: DefaultInterval, EveryNOps: DefaultEveryNOps, Retain: DefaultRetain, SessionID: sessionID, Compress: true}
}

// StateSource is the subset of internal/queue.Core the manager needs to
// build a snapshot body and to restore one.
type StateSource interface {
	AllTasks() map[string]model.Task
	AllDependencies() map[string]model.TaskDependency
	AllRecords() map[string][]model.ExecutionRecord
	LoadState(tasks map[string]model.Task, deps map[string]model.TaskDependency, records map[string][]model.ExecutionRecord)
}

// TxnSource is the subset of internal/txnlog.Log the manager needs.
type TxnSource interface {
	Len() int
}

// Manager owns the periodic/threshold snapshot cadence and crash recovery.
type Manager struct {
	cfg   Config
	store *persistence.Store
	state StateSource
	txn   TxnSource

	opsSinceSnapshot int64

	mu        sync.Mutex
	lastTaken time.Time
	history   []string // snapshot ids, oldest first, this session only

	stop chan struct{}
	wg   sync.WaitGroup
}

// New builds a snapshot manager. store must already be open.
func New(cfg Config, store *persistence.Store, state StateSource, txn TxnSource) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.EveryNOps <= 0 {
		cfg.EveryNOps = DefaultEveryNOps
	}
	if cfg.Retain <= 0 {
		cfg.Retain = DefaultRetain
	}
	return &Manager{cfg: cfg, store: store, state: state, txn: txn, stop: make(chan struct{})}
}

// RecordOp increments the operation counter; the background loop compares it
// against EveryNOps on every tick rather than snapshotting synchronously
// inline with the mutating call.
func (m *Manager) RecordOp() {
	atomic.AddInt64(&m.opsSinceSnapshot, 1)
}

// Start runs the periodic/threshold trigger loop until ctx is cancelled or
// Stop is called.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.tickInterval())
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				due := time.Since(m.lastTakenAt()) >= m.cfg.Interval
				opsDue := atomic.LoadInt64(&m.opsSinceSnapshot) >= int64(m.cfg.EveryNOps)
				if due || opsDue {
					if _, err := m.Take(model.SnapshotAutomatic); err == nil {
						atomic.StoreInt64(&m.opsSinceSnapshot, 0)
					} else {
						slog.Warn("automatic snapshot failed, queue continues in-memory", "error", err)
					}
				}
			}
		}
	}()
}

// tickInterval polls at a finer grain than Interval so an operation-count
// trigger that fires between two interval boundaries isn't delayed by up to
// a full Interval.
func (m *Manager) tickInterval() time.Duration {
	d := m.cfg.Interval / 10
	if d < time.Second {
		d = time.Second
	}
	return d
}

func (m *Manager) lastTakenAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTaken
}

// Stop ends the background loop and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}

// Take builds and persists a snapshot of the current queue state right now
// (used by the background loop and by explicit/manual requests), then prunes
// old snapshots beyond Retain.
func (m *Manager) Take(kind model.SnapshotKind) (string, error) {
	tasks := m.state.AllTasks()
	deps := m.state.AllDependencies()
	records := m.state.AllRecords()

	id := uuid.NewString()
	snap := model.Snapshot{
		Meta: model.SnapshotMeta{
			ID:            id,
			Timestamp:     time.Now().UTC(),
			Version:       1,
			TaskCount:     len(tasks),
			QueueState:    "active",
			OriginSession: m.cfg.SessionID,
			Kind:          kind,
		},
		Tasks:            tasks,
		Dependencies:     deps,
		ExecutionRecords: records,
		Metrics: map[string]interface{}{
			"task_count":   len(tasks),
			"txn_log_size": m.txn.Len(),
		},
	}
	if err := m.store.WriteSnapshot(snap, m.cfg.Compress); err != nil {
		return "", fmt.Errorf("snapshot: write: %w", err)
	}

	m.mu.Lock()
	m.lastTaken = snap.Meta.Timestamp
	m.history = append(m.history, id)
	var toDelete []string
	if len(m.history) > m.cfg.Retain {
		toDelete = append([]string(nil), m.history[:len(m.history)-m.cfg.Retain]...)
		m.history = m.history[len(m.history)-m.cfg.Retain:]
	}
	m.mu.Unlock()

	// superseded snapshots keep a copy under backups/ before deletion
	for _, old := range toDelete {
		if err := m.store.Backup(old); err == nil {
			_ = m.store.DeleteSnapshot(old)
		}
	}

	return id, nil
}

// Restore loads a specific snapshot by id, verifies it, and replaces the
// in-memory state with its contents.
func (m *Manager) Restore(id string) (model.Snapshot, error) {
	snap, err := m.store.ReadSnapshot(id)
	if err != nil {
		return model.Snapshot{}, err
	}
	m.state.LoadState(snap.Tasks, snap.Dependencies, snap.ExecutionRecords)
	return snap, nil
}

// ErrUnrecoverable is returned by Recover when no snapshot for the session
// can be loaded and verified; recovery never guesses at intent.
type ErrUnrecoverable struct {
	SessionID string
	Cause     error
}

func (e ErrUnrecoverable) Error() string {
	return fmt.Sprintf("snapshot: session %s unrecoverable: %v", e.SessionID, e.Cause)
}
func (e ErrUnrecoverable) Unwrap() error { return e.Cause }

// Recover runs the crash-recovery procedure: first it freezes a
// crash-recovery snapshot of whatever state currently exists in memory (so
// the pre-recovery state is never silently discarded), then it attempts to
// load and verify the newest snapshot for sessionID, falling back to
// progressively older ones on integrity failure, and finally restores the
// task/dependency/record set into state in one call. Any failure at any
// step leaves the in-memory state untouched and returns ErrUnrecoverable.
func (m *Manager) Recover(ctx context.Context, sessionID string) error {
	if _, err := m.Take(model.SnapshotCrashRecovery); err != nil {
		return ErrUnrecoverable{SessionID: sessionID, Cause: fmt.Errorf("freeze pre-recovery state: %w", err)}
	}

	snap, err := m.store.LoadLatestWithFallback(sessionID)
	if err != nil {
		return ErrUnrecoverable{SessionID: sessionID, Cause: err}
	}

	m.state.LoadState(snap.Tasks, snap.Dependencies, snap.ExecutionRecords)

	m.mu.Lock()
	m.lastTaken = time.Now().UTC()
	m.mu.Unlock()
	atomic.StoreInt64(&m.opsSinceSnapshot, 0)
	return nil
}
