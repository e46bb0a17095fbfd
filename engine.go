// Package taskengine is an embeddable task scheduling and execution engine:
// it accepts work items, orders them under dependency and resource
// constraints, dispatches them to concurrent workers, and preserves queue
// state across process restarts.
package taskengine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	nats "github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/capabilities"
	"github.com/swarmguard/taskengine/internal/conflict"
	"github.com/swarmguard/taskengine/internal/events"
	"github.com/swarmguard/taskengine/internal/executor"
	"github.com/swarmguard/taskengine/internal/graph"
	"github.com/swarmguard/taskengine/internal/history"
	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/natsbus"
	"github.com/swarmguard/taskengine/internal/optimizer"
	"github.com/swarmguard/taskengine/internal/persistence"
	"github.com/swarmguard/taskengine/internal/priority"
	"github.com/swarmguard/taskengine/internal/queue"
	"github.com/swarmguard/taskengine/internal/resourcemgr"
	"github.com/swarmguard/taskengine/internal/sequencer"
	"github.com/swarmguard/taskengine/internal/sessions"
	"github.com/swarmguard/taskengine/internal/snapshot"
	"github.com/swarmguard/taskengine/internal/txnlog"
)

// Re-exported aliases so embedders rarely need the internal import paths.
type (
	// Task is the unit of schedulable work.
	Task = model.Task
	// SubmitOptions are the per-task knobs accepted by Submit.
	SubmitOptions = queue.SubmitOptions
	// StatusView is what Status returns.
	StatusView = queue.StatusView
	// Capability is the unit of executable work bound to an executor key.
	Capability = executor.Capability
	// CapabilityFunc adapts a function to a Capability.
	CapabilityFunc = executor.CapabilityFunc
	// Event is a lifecycle occurrence delivered to subscribers.
	Event = events.Event
	// EventKind names a lifecycle event type.
	EventKind = events.Kind
	// Subscription is a pull-based event iterator.
	Subscription = events.Subscription
	// ExecutionSequence is the ordered output of Sequence.
	ExecutionSequence = sequencer.ExecutionSequence
	// Algorithm selects a sequencing strategy.
	Algorithm = sequencer.Algorithm
	// Status is a task's state-machine position.
	Status = model.Status
	// Category classifies a task.
	Category = model.Category
	// BasePriority is a fixed priority bucket.
	BasePriority = model.BasePriority
	// EdgeType classifies a dependency edge.
	EdgeType = model.EdgeType
	// TaskDependency is a typed, directed edge between two tasks.
	TaskDependency = model.TaskDependency
	// ResourceRequirement names a pool and the units a task needs from it.
	ResourceRequirement = model.ResourceRequirement
	// SnapshotKind distinguishes why a snapshot was created.
	SnapshotKind = model.SnapshotKind
	// ConflictStrategy selects how cross-session collisions resolve.
	ConflictStrategy = conflict.Strategy
)

// Edge types.
const (
	EdgeBlocks    = model.EdgeBlocks
	EdgeEnables   = model.EdgeEnables
	EdgeConflicts = model.EdgeConflicts
	EdgeEnhances  = model.EdgeEnhances
)

// Priority buckets.
const (
	PriorityCritical   = model.PriorityCritical
	PriorityHigh       = model.PriorityHigh
	PriorityMedium     = model.PriorityMedium
	PriorityLow        = model.PriorityLow
	PriorityBackground = model.PriorityBackground
)

// Snapshot kinds.
const (
	SnapshotAutomatic     = model.SnapshotAutomatic
	SnapshotManual        = model.SnapshotManual
	SnapshotCrashRecovery = model.SnapshotCrashRecovery
)

// Sequencing algorithm names.
const (
	AlgorithmPriority        = sequencer.AlgorithmPriority
	AlgorithmDependencyAware = sequencer.AlgorithmDependencyAware
	AlgorithmResourceOptimal = sequencer.AlgorithmResourceOptimal
	AlgorithmHybrid          = sequencer.AlgorithmHybrid
)

// Retriable marks an execution error as retriable.
func Retriable(err error) error { return executor.Retriable(err) }

// PoolConfig declares one named resource pool.
type PoolConfig = resourcemgr.PoolConfig

// BreakdownFunc is the extension hook that may split a large task into
// subtasks before it runs. The default returns nothing and the task runs
// whole.
type BreakdownFunc func(ctx context.Context, t Task) ([]SubmitOptions, error)

// Config is the engine's full tunable surface. Zero values take defaults.
type Config struct {
	// WorkDir is the persistence root; empty disables durability entirely
	// (snapshots, txn log, and crash recovery all off).
	WorkDir string

	SessionID string
	AgentID   string

	MaxConcurrent     int
	Algorithm         Algorithm
	DefaultMaxRetries int

	Pools []PoolConfig

	SnapshotInterval  time.Duration
	SnapshotEveryNOps int
	SnapshotRetain    int
	SnapshotCompress  bool

	HeartbeatInterval time.Duration
	SessionTimeout    time.Duration
	CrashTimeout      time.Duration

	// ConflictStrategy resolves cross-session write collisions; defaults to
	// last-write-wins.
	ConflictStrategy conflict.Strategy
	// ConflictScanInterval is how often the txn log is scanned; defaults to
	// 10s.
	ConflictScanInterval time.Duration

	// NATSURL optionally fans lifecycle events out of process.
	NATSURL string

	// OptimizerSchedule is a six-field cron expression for the advisory
	// analysis pass; empty uses the default, "off" disables it.
	OptimizerSchedule string

	// Breakdown optionally splits large tasks before execution.
	Breakdown BreakdownFunc

	// TickInterval drives the admission loop between lifecycle events;
	// defaults to 100ms.
	TickInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
	if c.AgentID == "" {
		c.AgentID = "taskengine"
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 6
	}
	if c.Algorithm == "" {
		c.Algorithm = AlgorithmHybrid
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if len(c.Pools) == 0 {
		c.Pools = []PoolConfig{
			{Type: "cpu", Capacity: 8},
			{Type: "memory", Capacity: 16},
			{Type: "network", Capacity: 8},
			{Type: "disk", Capacity: 8},
		}
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = snapshot.DefaultInterval
	}
	if c.SnapshotEveryNOps <= 0 {
		c.SnapshotEveryNOps = snapshot.DefaultEveryNOps
	}
	if c.SnapshotRetain <= 0 {
		c.SnapshotRetain = snapshot.DefaultRetain
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = 30 * time.Minute
	}
	if c.CrashTimeout <= 0 {
		c.CrashTimeout = 10 * time.Minute
	}
	if c.ConflictStrategy == "" {
		c.ConflictStrategy = conflict.StrategyLastWriteWins
	}
	if c.ConflictScanInterval <= 0 {
		c.ConflictScanInterval = 10 * time.Second
	}
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
}

// Engine is the top-level handle owning every subsystem. Construct with New,
// call Start, submit work, and Shutdown when done; there is no package-level
// state.
type Engine struct {
	cfg Config

	store    *persistence.Store
	txn      *txnlog.Log
	registry *executor.Registry
	bus      *events.Bus
	natsConn *nats.Conn
	natsSub  *nats.Subscription
	sessions *sessions.Registry
	queue    *queue.Core
	snaps    *snapshot.Manager
	optim    *optimizer.Optimizer
	resolver *resolverLoop

	tracer trace.Tracer
	meter  metric.Meter

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// New wires an engine from config. Nothing runs until Start.
func New(cfg Config) (*Engine, error) {
	cfg.applyDefaults()

	tracer := otel.Tracer("taskengine")
	meter := otel.Meter("taskengine")

	e := &Engine{cfg: cfg, tracer: tracer, meter: meter}

	var transport events.Transport
	if cfg.NATSURL != "" {
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("taskengine-"+cfg.SessionID))
		if err != nil {
			return nil, fmt.Errorf("taskengine: connect nats: %w", err)
		}
		e.natsConn = nc
		transport = natsbus.New(nc)
	}
	e.bus = events.New(transport)
	if e.natsConn != nil {
		sub, err := natsbus.Listen(e.natsConn, e.bus)
		if err != nil {
			e.natsConn.Close()
			return nil, fmt.Errorf("taskengine: subscribe nats: %w", err)
		}
		e.natsSub = sub
	}

	if cfg.WorkDir != "" {
		store, err := persistence.Open(cfg.WorkDir, cfg.SessionID)
		if err != nil {
			return nil, err
		}
		e.store = store
		log, err := txnlog.Open(filepath.Join(cfg.WorkDir, "txnlog.json"))
		if err != nil {
			store.Close()
			return nil, err
		}
		e.txn = log
	}

	e.sessions = sessions.New(sessions.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTimeout:    cfg.SessionTimeout,
		CrashTimeout:      cfg.CrashTimeout,
	}, meter)

	g := graph.New()
	pools := resourcemgr.New(cfg.Pools)
	tracker := history.NewTracker()
	prio := priority.New(g, pools, tracker)

	e.registry = executor.NewRegistry()
	e.registry.Register(capabilities.KeyHTTP, capabilities.NewHTTPCapability(nil))
	cache := capabilities.NewResultCache(512, time.Hour)
	harness := executor.New(e.registry, cache, meter, tracer)

	var txnRec queue.TxnRecorder
	if e.txn != nil {
		txnRec = e.txn
	}
	e.queue = queue.New(queue.Config{
		MaxConcurrent:     cfg.MaxConcurrent,
		SessionID:         cfg.SessionID,
		AgentID:           cfg.AgentID,
		Algorithm:         cfg.Algorithm,
		DefaultMaxRetries: cfg.DefaultMaxRetries,
	}, queue.Deps{
		Graph: g, Resources: pools, Priority: prio, Sessions: e.sessions,
		Harness: harness, Txn: txnRec, Bus: e.bus, History: tracker,
		Tracer: tracer, Meter: meter,
	})

	if e.store != nil {
		e.snaps = snapshot.New(snapshot.Config{
			Interval:  cfg.SnapshotInterval,
			EveryNOps: cfg.SnapshotEveryNOps,
			Retain:    cfg.SnapshotRetain,
			SessionID: cfg.SessionID,
			Compress:  cfg.SnapshotCompress,
		}, e.store, e.queue, e.txn)
	}

	e.optim = optimizer.New(e.queue, pools, meter)

	if e.txn != nil {
		e.resolver = newResolverLoop(e.txn, e.queue, e.store, e.bus, cfg.SessionID, cfg.ConflictStrategy, cfg.ConflictScanInterval)
	}

	return e, nil
}

// RegisterCapability binds an executor key to an implementation; tasks
// submitted with that key run through it.
func (e *Engine) RegisterCapability(key string, c Capability) {
	e.registry.Register(key, c)
}

// RegisterHTTPCapability re-registers the built-in HTTP capability with a
// caller-supplied client.
func (e *Engine) RegisterHTTPCapability(client *http.Client) {
	e.registry.Register(capabilities.KeyHTTP, capabilities.NewHTTPCapability(client))
}

// Start performs crash recovery, registers this session, and launches the
// background loops (admission ticks, heartbeats, snapshots, conflict scans,
// optimizer).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("taskengine: already started")
	}

	if e.store != nil {
		if err := e.recoverCrashedSessions(ctx); err != nil {
			slog.Warn("crash recovery incomplete", "error", err)
		}
	}

	e.sessions.Register(e.cfg.SessionID, e.cfg.AgentID)
	if e.store != nil {
		if sess, ok := e.sessions.Get(e.cfg.SessionID); ok {
			if err := e.store.WriteSession(sess); err != nil {
				slog.Warn("persist session failed, continuing in-memory", "error", err)
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	if e.snaps != nil {
		e.snaps.Start(runCtx)
	}
	if e.resolver != nil {
		e.resolver.start(runCtx, &e.wg)
	}
	if e.cfg.OptimizerSchedule != "off" {
		if err := e.optim.Start(e.cfg.OptimizerSchedule); err != nil {
			slog.Warn("optimizer start failed", "error", err)
		}
	}

	e.wg.Add(2)
	go e.tickLoop(runCtx)
	go e.heartbeatLoop(runCtx)

	e.started = true
	slog.Info("engine started", "session_id", e.cfg.SessionID, "max_concurrent", e.cfg.MaxConcurrent)
	return nil
}

// recoverCrashedSessions finds sessions on disk that never terminated and
// whose heartbeat is past the crash threshold, and for each of them in turn
// restores that session's newest verifiable snapshot; every restore replaces
// the in-memory state, so the last session recovered determines it.
func (e *Engine) recoverCrashedSessions(ctx context.Context) error {
	stored, err := e.store.LoadSessions()
	if err != nil {
		return err
	}
	threshold := e.cfg.SessionTimeout + e.cfg.CrashTimeout
	now := time.Now().UTC()
	var lastErr error
	for _, sess := range stored {
		if sess.ID == e.cfg.SessionID || sess.Status == model.SessionTerminated {
			continue
		}
		if now.Sub(sess.LastHeartbeat) < threshold {
			continue
		}
		slog.Warn("detected crashed session", "session_id", sess.ID, "last_heartbeat", sess.LastHeartbeat)
		e.bus.Publish(ctx, events.Event{Kind: events.KindSessionCrashed, SessionID: sess.ID})
		if err := e.snaps.Recover(ctx, sess.ID); err != nil {
			lastErr = err
			slog.Error("session unrecoverable", "session_id", sess.ID, "error", err)
			continue
		}
		freed := e.sessions.ReleaseAllFor(sess.ID)
		slog.Info("restored state from crashed session", "session_id", sess.ID, "freed_tasks", len(freed))
		e.bus.Publish(ctx, events.Event{Kind: events.KindSnapshotRestored, SessionID: sess.ID})
	}
	return lastErr
}

func (e *Engine) tickLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.queue.Tick(ctx)
		}
	}
}

func (e *Engine) heartbeatLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess, ok := e.sessions.Heartbeat(e.cfg.SessionID)
			if ok && e.store != nil {
				if err := e.store.WriteSession(sess); err != nil {
					slog.Warn("persist heartbeat failed", "error", err)
				}
			}
			e.bus.Publish(ctx, events.Event{Kind: events.KindSessionHeartbeat, SessionID: e.cfg.SessionID})
			for _, crashed := range e.sessions.Sweep() {
				e.bus.Publish(ctx, events.Event{Kind: events.KindSessionCrashed, SessionID: crashed})
			}
		}
	}
}

// Submit registers a new task and returns its id. The admission loop picks
// it up on the next tick.
func (e *Engine) Submit(title, description string, opts SubmitOptions) (string, error) {
	opts.Title = title
	opts.Description = description
	id, err := e.queue.Submit(opts)
	if err != nil {
		return "", err
	}
	if e.snaps != nil {
		e.snaps.RecordOp()
	}
	return id, nil
}

// Cancel transitions a task toward cancelled; idempotent.
func (e *Engine) Cancel(taskID, reason string) bool {
	ok := e.queue.Cancel(taskID, reason)
	if ok && e.snaps != nil {
		e.snaps.RecordOp()
	}
	return ok
}

// Status reports the current view of a task.
func (e *Engine) Status(taskID string) (StatusView, bool) {
	return e.queue.Status(taskID)
}

// AddDependency adds a typed edge between two existing tasks. Adding an
// ordering edge that would close a cycle fails with
// *graph.ErrCycleWouldForm naming the exact path.
func (e *Engine) AddDependency(dependent, dependsOn string, typ model.EdgeType, optional bool) (string, error) {
	id, err := e.queue.AddDependency(dependent, dependsOn, typ, optional)
	if err == nil && e.snaps != nil {
		e.snaps.RecordOp()
	}
	return id, err
}

// RemoveDependency deletes an edge by id.
func (e *Engine) RemoveDependency(edgeID string) bool {
	return e.queue.RemoveDependency(edgeID)
}

// Sequence computes the execution order for all non-terminal tasks under
// the named algorithm.
func (e *Engine) Sequence(algo Algorithm) ExecutionSequence {
	return e.queue.Sequence(algo)
}

// Snapshot freezes the current queue state to durable storage and returns
// the snapshot id.
func (e *Engine) Snapshot(kind model.SnapshotKind) (string, error) {
	if e.snaps == nil {
		return "", fmt.Errorf("taskengine: persistence disabled")
	}
	id, err := e.snaps.Take(kind)
	if err != nil {
		return "", err
	}
	e.bus.Publish(context.Background(), events.Event{Kind: events.KindSnapshotCreated, SessionID: e.cfg.SessionID, Data: map[string]interface{}{"snapshot_id": id}})
	return id, nil
}

// Restore replaces live queue state with the contents of a stored snapshot.
func (e *Engine) Restore(snapshotID string) error {
	if e.snaps == nil {
		return fmt.Errorf("taskengine: persistence disabled")
	}
	if _, err := e.snaps.Restore(snapshotID); err != nil {
		return err
	}
	e.bus.Publish(context.Background(), events.Event{Kind: events.KindSnapshotRestored, SessionID: e.cfg.SessionID, Data: map[string]interface{}{"snapshot_id": snapshotID}})
	return nil
}

// Subscribe returns a pull-based stream of lifecycle events, filtered to
// kinds when given; close it when done.
func (e *Engine) Subscribe(kinds ...EventKind) *Subscription {
	return e.bus.Subscribe(kinds...)
}

// Breakdown runs the configured breakdown hook for a task and submits
// whatever subtasks it returns. With no hook configured it is a no-op.
func (e *Engine) Breakdown(ctx context.Context, taskID string) ([]string, error) {
	if e.cfg.Breakdown == nil {
		return nil, nil
	}
	view, ok := e.queue.Status(taskID)
	if !ok {
		return nil, fmt.Errorf("taskengine: unknown task %s", taskID)
	}
	subOpts, err := e.cfg.Breakdown(ctx, view.Task)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(subOpts))
	for _, opts := range subOpts {
		id, err := e.queue.Submit(opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Recommendations returns the optimizer's latest advisory report.
func (e *Engine) Recommendations() optimizer.Report {
	return e.optim.Latest()
}

// TaskVersions returns the archived prior versions of a task, oldest first.
func (e *Engine) TaskVersions(taskID string) ([]model.Task, error) {
	if e.store == nil {
		return nil, fmt.Errorf("taskengine: persistence disabled")
	}
	return e.store.TaskVersions(taskID)
}

// Tick forces one admission pass immediately instead of waiting for the
// next interval; useful for tests and latency-sensitive embedders.
func (e *Engine) Tick(ctx context.Context) {
	e.queue.Tick(ctx)
}

// Shutdown stops admission, waits for in-flight tasks up to the context
// deadline, takes a final snapshot, and marks this session terminated.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.cfg.OptimizerSchedule != "off" {
		e.optim.Stop()
	}

	err := e.queue.Shutdown(ctx)

	if e.snaps != nil {
		e.snaps.Stop()
		if _, snapErr := e.snaps.Take(model.SnapshotManual); snapErr != nil {
			slog.Warn("final snapshot failed", "error", snapErr)
		}
	}

	e.sessions.Terminate(e.cfg.SessionID)
	if e.store != nil {
		if sess, ok := e.sessions.Get(e.cfg.SessionID); ok {
			_ = e.store.WriteSession(sess)
		}
	}

	e.wg.Wait()

	if e.natsSub != nil {
		_ = e.natsSub.Unsubscribe()
	}
	if e.natsConn != nil {
		e.natsConn.Close()
	}
	if e.store != nil {
		if closeErr := e.store.Close(); err == nil {
			err = closeErr
		}
	}
	slog.Info("engine stopped", "session_id", e.cfg.SessionID)
	return err
}
