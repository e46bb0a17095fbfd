// Package queue implements the queue core: it holds every known task, runs
// the admission loop that consults the sequencer and priority engine,
// dispatches eligible tasks through the execution harness under the resource
// manager's budget, and owns the task state machine.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/swarmguard/taskengine/internal/events"
	"github.com/swarmguard/taskengine/internal/executor"
	"github.com/swarmguard/taskengine/internal/graph"
	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/priority"
	"github.com/swarmguard/taskengine/internal/resourcemgr"
	"github.com/swarmguard/taskengine/internal/sequencer"
	"github.com/swarmguard/taskengine/internal/sessions"
)

// TxnRecorder is the subset of internal/txnlog.Log the queue needs, kept as
// an interface so the queue can be unit-tested without a file-backed log.
type TxnRecorder interface {
	Append(sessionID string, op model.TxnOp, entityKind, entityID string, before, after map[string]interface{}) (model.TransactionLogEntry, error)
}

// History records per-executor-key outcomes so the priority engine can favor
// work that tends to succeed.
type History interface {
	Record(executorKey string, success bool)
}

// Config are the queue's runtime tunables.
type Config struct {
	MaxConcurrent     int
	SessionID         string
	AgentID           string
	Algorithm         sequencer.Algorithm
	DefaultMaxRetries int
	OwnershipLease    time.Duration
}

// DefaultConfig uses a mid-range concurrency ceiling and a conservative retry budget.
func DefaultConfig() Config {
	return Config{MaxConcurrent: 6, Algorithm: sequencer.AlgorithmHybrid, DefaultMaxRetries: 3, OwnershipLease: 30 * time.Minute}
}

// Core is the queue core: the single owner of the task map, dependency
// graph, and resource pool state.
type Core struct {
	cfg Config

	mu      sync.Mutex
	tasks   map[string]model.Task
	deps    map[string]model.TaskDependency
	running map[string]bool
	records map[string][]model.ExecutionRecord

	graph     *graph.Graph
	resources *resourcemgr.Manager
	priorityE *priority.Engine
	sessionsR *sessions.Registry
	harness   *executor.Harness
	txn       TxnRecorder
	bus       *events.Bus
	history   History

	tracer trace.Tracer

	admitCounter    metric.Int64Counter
	completeCounter metric.Int64Counter
	failCounter     metric.Int64Counter

	wg     sync.WaitGroup
	closed bool
}

// Deps bundles the collaborators the queue coordinates.
type Deps struct {
	Graph     *graph.Graph
	Resources *resourcemgr.Manager
	Priority  *priority.Engine
	Sessions  *sessions.Registry
	Harness   *executor.Harness
	Txn       TxnRecorder
	Bus       *events.Bus
	History   History
	Tracer    trace.Tracer
	Meter     metric.Meter
}

// New builds a queue core wired to its collaborators.
func New(cfg Config, d Deps) *Core {
	if cfg.OwnershipLease <= 0 {
		cfg.OwnershipLease = 30 * time.Minute
	}
	c := &Core{
		cfg:   cfg,
		tasks: make(map[string]model.Task), deps: make(map[string]model.TaskDependency),
		running: make(map[string]bool), records: make(map[string][]model.ExecutionRecord),
		graph: d.Graph, resources: d.Resources, priorityE: d.Priority, sessionsR: d.Sessions,
		harness: d.Harness, txn: d.Txn, bus: d.Bus, history: d.History, tracer: d.Tracer,
	}
	if d.Meter != nil {
		c.admitCounter, _ = d.Meter.Int64Counter("taskengine_queue_admitted_total")
		c.completeCounter, _ = d.Meter.Int64Counter("taskengine_queue_completed_total")
		c.failCounter, _ = d.Meter.Int64Counter("taskengine_queue_failed_total")
	}
	return c
}

// SubmitOptions are the per-task knobs accepted at submission.
type SubmitOptions struct {
	Title, Description string
	Category           model.Category
	Priority           model.BasePriority
	UserImportance     float64
	Dependencies       []model.TaskDependency // DependsOn filled in with the new task's id as Dependent
	RequiredResources  []model.ResourceRequirement
	EstimatedDuration  time.Duration
	Timeout            time.Duration
	MaxRetries         int
	ExecutorKey        string
	Params             map[string]interface{}
	BatchGroup         string
	BatchCompatible    bool
	Cacheable          bool
	Deadline           *time.Time
	PreCondition       string
	PostCondition      string
}

// Submit registers a new task, wires its dependency edges, and records the
// creation in the txn log. If any requested edge would close a cycle the
// whole submission is rolled back and nothing is registered.
func (c *Core) Submit(opts SubmitOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := uuid.NewString()
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = c.cfg.DefaultMaxRetries
	}
	base := opts.Priority
	if base == 0 {
		base = model.PriorityMedium
	}
	t := model.Task{
		ID: id, Title: opts.Title, Description: opts.Description,
		Category: opts.Category, Base: base, UserImportance: opts.UserImportance,
		Status: model.StatusPending,
		CreatedAt: time.Now().UTC(), Deadline: opts.Deadline,
		EstimatedDuration: opts.EstimatedDuration, Timeout: opts.Timeout,
		MaxRetries: maxRetries, RequiredResources: opts.RequiredResources,
		PreCondition: opts.PreCondition, PostCondition: opts.PostCondition,
		BatchCompatible: opts.BatchCompatible, BatchGroup: opts.BatchGroup,
		Cacheable: opts.Cacheable, ExecutorKey: opts.ExecutorKey, Params: opts.Params,
		Version: 1,
	}
	c.tasks[id] = t
	c.graph.AddTask(t)

	var added []model.TaskDependency
	for _, dep := range opts.Dependencies {
		dep.Dependent = id
		dep.ID = uuid.NewString()
		if err := c.graph.AddEdge(dep); err != nil {
			for _, a := range added {
				c.graph.RemoveEdge(a.Dependent, a.DependsOn)
				delete(c.deps, a.ID)
			}
			delete(c.tasks, id)
			c.graph.RemoveTask(id)
			c.publishCycleIfAny(err, id)
			return "", err
		}
		if parent, ok := c.tasks[dep.DependsOn]; ok {
			parent.Dependents = append(parent.Dependents, id)
			c.tasks[dep.DependsOn] = parent
			c.graph.AddTask(parent)
		}
		c.deps[dep.ID] = dep
		added = append(added, dep)
	}

	if c.txn != nil {
		after, _ := taskToMap(t)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnCreate, "task", id, nil, after)
	}
	c.publish(events.KindTaskSubmitted, id, nil)
	return id, nil
}

// AddDependency adds a typed edge after task creation.
func (c *Core) AddDependency(dependent, dependsOn string, typ model.EdgeType, optional bool) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep := model.TaskDependency{ID: uuid.NewString(), Dependent: dependent, DependsOn: dependsOn, Type: typ, Optional: optional}
	if err := c.graph.AddEdge(dep); err != nil {
		c.publishCycleIfAny(err, dependent)
		return "", err
	}
	if parent, ok := c.tasks[dependsOn]; ok {
		parent.Dependents = append(parent.Dependents, dependent)
		c.tasks[dependsOn] = parent
		c.graph.AddTask(parent)
	}
	c.deps[dep.ID] = dep
	if c.txn != nil {
		after, _ := depToMap(dep)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnCreate, "dependency", dep.ID, nil, after)
	}
	c.publish(events.KindDependencyAdded, dependent, map[string]interface{}{"depends_on": dependsOn, "type": string(typ)})
	return dep.ID, nil
}

// RemoveDependency deletes an edge by id; always safe.
func (c *Core) RemoveDependency(edgeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	dep, ok := c.deps[edgeID]
	if !ok {
		return false
	}
	c.graph.RemoveEdge(dep.Dependent, dep.DependsOn)
	delete(c.deps, edgeID)
	if c.txn != nil {
		before, _ := depToMap(dep)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnDelete, "dependency", dep.ID, before, nil)
	}
	c.publish(events.KindDependencyRemoved, dep.Dependent, map[string]interface{}{"depends_on": dep.DependsOn})
	return true
}

func (c *Core) publishCycleIfAny(err error, taskID string) {
	var cycleErr *graph.ErrCycleWouldForm
	if asCycle(err, &cycleErr) {
		c.publish(events.KindCycleDetected, taskID, map[string]interface{}{"path": cycleErr.Path})
	}
}

// StatusView is the public status view for a task.
type StatusView struct {
	State   model.Status
	Task    model.Task
	Records []model.ExecutionRecord
	Error   string
}

// Status returns the current view of a task.
func (c *Core) Status(taskID string) (StatusView, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[taskID]
	if !ok {
		return StatusView{}, false
	}
	recs := append([]model.ExecutionRecord(nil), c.records[taskID]...)
	return StatusView{State: t.Status, Task: t.Clone(), Records: recs, Error: t.FailureReason}, true
}

// Cancel transitions a task to cancelled if not yet terminal. A running task
// gets a cancellation signal; its dispatch goroutine releases resources and
// ownership when the capability returns. Idempotent: cancelling a terminal
// task reports true with no state change.
func (c *Core) Cancel(taskID, reason string) bool {
	c.mu.Lock()
	t, ok := c.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	if t.Status.Terminal() {
		c.mu.Unlock()
		return true
	}
	wasRunning := c.running[taskID]
	t.Status = model.StatusCancelled
	t.FailureReason = reason
	t.FailureCode = "cancelled"
	c.tasks[taskID] = t
	c.graph.AddTask(t)
	c.cascadeBlockLocked(taskID)
	c.mu.Unlock()

	if wasRunning {
		// resources and ownership are released by the dispatch goroutine
		// once the capability observes the signal and returns
		c.harness.Cancel(taskID)
	}
	if c.txn != nil {
		after, _ := taskToMap(t)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnTransition, "task", taskID, nil, after)
	}
	c.publish(events.KindTaskCancelled, taskID, map[string]interface{}{"reason": reason})
	return true
}

// eligible reports whether a pending task may be admitted right now.
func (c *Core) eligible(t model.Task, now time.Time) bool {
	if t.Status != model.StatusPending {
		return false
	}
	if t.NotBefore != nil && now.Before(*t.NotBefore) {
		return false
	}
	if !c.graph.OrderingParentsCompleted(t.ID, now) {
		return false
	}
	for _, other := range c.graph.ConflictsWith(t.ID) {
		if o, ok := c.tasks[other]; ok && o.Status == model.StatusRunning {
			return false
		}
	}
	return true
}

// reconcileBlockedLocked moves tasks across the pending<->blocked boundary:
// a pending task whose non-optional ordering parent terminally failed or was
// cancelled becomes blocked; a blocked task whose parents have all completed
// returns to pending.
func (c *Core) reconcileBlockedLocked(now time.Time) {
	for id, t := range c.tasks {
		switch t.Status {
		case model.StatusPending:
			if c.deadParentLocked(id) {
				t.Status = model.StatusBlocked
				c.tasks[id] = t
				c.graph.AddTask(t)
				c.publish(events.KindTaskBlocked, id, nil)
			}
		case model.StatusBlocked:
			if !c.deadParentLocked(id) && c.graph.OrderingParentsCompleted(id, now) {
				t.Status = model.StatusPending
				c.tasks[id] = t
				c.graph.AddTask(t)
			}
		}
	}
}

// deadParentLocked reports whether id has a non-optional ordering parent in
// a terminal non-completed state, which makes id unrunnable.
func (c *Core) deadParentLocked(id string) bool {
	for _, p := range c.graph.OrderingParents(id) {
		parent, ok := c.tasks[p]
		if !ok {
			continue
		}
		if parent.Status.Terminal() && parent.Status != model.StatusCompleted && !c.edgeOptionalLocked(id, p) {
			return true
		}
	}
	return false
}

func (c *Core) edgeOptionalLocked(dependent, dependsOn string) bool {
	for _, d := range c.deps {
		if d.Dependent == dependent && d.DependsOn == dependsOn {
			return d.Optional
		}
	}
	return false
}

// cascadeBlockLocked marks pending dependents of a terminally failed or
// cancelled task as blocked, transitively.
func (c *Core) cascadeBlockLocked(id string) {
	for _, d := range c.graph.OrderingDependents(id) {
		if d.Optional {
			continue
		}
		dep, ok := c.tasks[d.Dependent]
		if !ok || dep.Status != model.StatusPending {
			continue
		}
		dep.Status = model.StatusBlocked
		c.tasks[d.Dependent] = dep
		c.graph.AddTask(dep)
		c.publish(events.KindTaskBlocked, d.Dependent, map[string]interface{}{"upstream": id})
		c.cascadeBlockLocked(d.Dependent)
	}
}

// Tick runs one admission pass, triggered by task-added, task-completed,
// dependency-changed, or heartbeat events. It reconciles the blocked set,
// recomputes dynamic priority for every eligible task, asks the sequencer
// for an order, then admits up to the concurrency ceiling and the resource
// budget, batching compatible tasks together.
func (c *Core) Tick(ctx context.Context) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	c.reconcileBlockedLocked(now)

	criticalSet := make(map[string]bool)
	if path, _, err := c.graph.CriticalPath(); err == nil {
		for _, id := range path {
			criticalSet[id] = true
		}
	}

	var pending []model.Task
	for _, t := range c.tasks {
		if c.eligible(t, now) {
			pending = append(pending, t)
		}
	}
	for i, t := range pending {
		score, factors := c.priorityE.Recompute(t, criticalSet[t.ID])
		t.DynamicPriority = score
		t.Factors = factors
		pending[i] = t
		c.tasks[t.ID] = t
	}

	seq := sequencer.Sequence(c.cfg.Algorithm, pending, c.graph, c.resources)
	byID := make(map[string]model.Task, len(pending))
	for _, t := range pending {
		byID[t.ID] = t
	}

	slots := c.cfg.MaxConcurrent - len(c.running)
	var toAdmit []model.Task
	admitting := make(map[string]bool)
	conflictsWithAdmitting := func(id string) bool {
		for _, other := range c.graph.ConflictsWith(id) {
			if admitting[other] {
				return true
			}
		}
		return false
	}
	consumedBatch := make(map[string]bool)
	for _, id := range seq.TaskIDs {
		if slots <= 0 {
			break
		}
		t, ok := byID[id]
		if !ok || consumedBatch[id] {
			continue
		}
		if !c.resources.CanAdmit(t.RequiredResources) {
			continue
		}
		if conflictsWithAdmitting(t.ID) {
			continue
		}
		toAdmit = append(toAdmit, t)
		admitting[t.ID] = true
		slots--

		if t.BatchCompatible && t.BatchGroup != "" {
			for _, other := range pending {
				if slots <= 0 {
					break
				}
				if other.ID == t.ID || consumedBatch[other.ID] {
					continue
				}
				if other.BatchCompatible && other.BatchGroup == t.BatchGroup && other.Category == t.Category &&
					c.resources.CanAdmit(other.RequiredResources) && !conflictsWithAdmitting(other.ID) {
					toAdmit = append(toAdmit, other)
					admitting[other.ID] = true
					consumedBatch[other.ID] = true
					slots--
				}
			}
		}
	}

	for _, t := range toAdmit {
		c.admitLocked(ctx, t)
	}
	c.mu.Unlock()
}

// admitLocked transitions a task pending -> queued -> running and dispatches
// it to the harness on its own goroutine. Acquisition order is ownership,
// then resources, then the execution slot; a failure at any step undoes the
// earlier acquisitions in reverse. Must be called holding c.mu.
func (c *Core) admitLocked(ctx context.Context, t model.Task) {
	if err := c.sessionsR.Acquire(t.ID, c.cfg.SessionID, c.cfg.AgentID, model.OwnershipExclusive, c.cfg.OwnershipLease); err != nil {
		return
	}
	if err := c.resources.Allocate(t.RequiredResources); err != nil {
		c.sessionsR.Release(t.ID)
		return
	}

	now := time.Now().UTC()
	t.Status = model.StatusQueued
	t.ScheduledAt = &now
	c.tasks[t.ID] = t
	c.publish(events.KindTaskQueued, t.ID, nil)

	t.Status = model.StatusRunning
	t.StartedAt = &now
	c.tasks[t.ID] = t
	c.graph.AddTask(t)
	c.running[t.ID] = true
	if c.admitCounter != nil {
		c.admitCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
	}
	c.publish(events.KindTaskStarted, t.ID, nil)

	c.wg.Add(1)
	go c.dispatch(ctx, t)
}

// dispatch runs a single task to its next terminal or retry verdict through
// the harness, then reconciles queue state.
func (c *Core) dispatch(ctx context.Context, t model.Task) {
	defer c.wg.Done()

	ctx, span := c.tracer.Start(ctx, "queue.dispatch", trace.WithAttributes(attribute.String("task_id", t.ID)))
	defer span.End()

	outcome := c.harness.Run(ctx, t)

	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.running, t.ID)
	c.resources.Release(t.RequiredResources)
	c.sessionsR.Release(t.ID)
	c.records[t.ID] = append(c.records[t.ID], outcome.Record)

	cur, ok := c.tasks[t.ID]
	if !ok || cur.Status == model.StatusCancelled {
		return
	}

	switch outcome.Status {
	case model.StatusCompleted:
		cur.Status = model.StatusCompleted
		now := time.Now().UTC()
		cur.CompletedAt = &now
		cur.NotBefore = nil
		if cur.StartedAt != nil {
			cur.ActualDuration = now.Sub(*cur.StartedAt)
		}
		cur.Output = outcome.Output
		c.tasks[t.ID] = cur
		c.graph.AddTask(cur)
		if c.completeCounter != nil {
			c.completeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
		}
		if c.history != nil {
			c.history.Record(cur.ExecutorKey, true)
		}
		c.sessionsR.RecordTaskProcessed(c.cfg.SessionID)
		c.publish(events.KindTaskCompleted, t.ID, nil)
		for _, next := range outcome.NextTasks {
			c.submitFollowOnLocked(next)
		}
	case model.StatusPending:
		backoff := executor.Backoff(cur.RetryCount)
		notBefore := time.Now().UTC().Add(backoff)
		cur.Status = model.StatusPending
		cur.RetryCount++
		cur.NotBefore = &notBefore
		cur.FailureReason = outcome.Err.Error()
		cur.FailureCode = "retrying"
		c.tasks[t.ID] = cur
		c.graph.AddTask(cur)
		c.publish(events.KindTaskRetrying, t.ID, map[string]interface{}{"attempt": cur.RetryCount, "backoff_ms": backoff.Milliseconds()})
	default: // failed
		cur.Status = model.StatusFailed
		now := time.Now().UTC()
		cur.CompletedAt = &now
		cur.FailureReason = outcome.Err.Error()
		cur.FailureCode = "execution_failed"
		c.tasks[t.ID] = cur
		c.graph.AddTask(cur)
		c.cascadeBlockLocked(t.ID)
		if c.failCounter != nil {
			c.failCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("task_id", t.ID)))
		}
		if c.history != nil {
			c.history.Record(cur.ExecutorKey, false)
		}
		c.sessionsR.RecordError(c.cfg.SessionID)
		c.publish(events.KindTaskFailed, t.ID, map[string]interface{}{"error": outcome.Err.Error(), "attempt": outcome.Record.Attempt})
	}

	if c.txn != nil {
		after, _ := taskToMap(cur)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnTransition, "task", t.ID, nil, after)
	}
}

// submitFollowOnLocked registers a task produced as a side-effect of a
// successful Execute; caller holds c.mu.
func (c *Core) submitFollowOnLocked(t model.Task) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = model.StatusPending
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.MaxRetries <= 0 {
		t.MaxRetries = c.cfg.DefaultMaxRetries
	}
	t.Version = 1
	c.tasks[t.ID] = t
	c.graph.AddTask(t)
	if c.txn != nil {
		after, _ := taskToMap(t)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnCreate, "task", t.ID, nil, after)
	}
	c.publish(events.KindTaskSubmitted, t.ID, map[string]interface{}{"origin": "next_tasks"})
}

// ApplyResolved overwrites a task from a conflict-resolution winner, bumping
// its version, and records the update through the normal txn path. The prior
// version is returned so callers can archive it.
func (c *Core) ApplyResolved(t model.Task) (model.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.tasks[t.ID]
	if !ok {
		return model.Task{}, false
	}
	t.Version = prev.Version + 1
	c.tasks[t.ID] = t
	c.graph.AddTask(t)
	if c.txn != nil {
		before, _ := taskToMap(prev)
		after, _ := taskToMap(t)
		_, _ = c.txn.Append(c.cfg.SessionID, model.TxnUpdate, "task", t.ID, before, after)
	}
	return prev, true
}

// Sequence exposes the current sequencer output for the named algorithm,
// over every non-terminal task.
func (c *Core) Sequence(algo sequencer.Algorithm) sequencer.ExecutionSequence {
	c.mu.Lock()
	defer c.mu.Unlock()
	var tasks []model.Task
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			tasks = append(tasks, t)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return sequencer.Sequence(algo, tasks, c.graph, c.resources)
}

// Graph gives read access to the live dependency graph.
func (c *Core) Graph() *graph.Graph { return c.graph }

// RunningCount reports how many tasks are currently dispatched.
func (c *Core) RunningCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.running)
}

// AllTasks returns every known task, for snapshotting.
func (c *Core) AllTasks() map[string]model.Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.Task, len(c.tasks))
	for k, v := range c.tasks {
		out[k] = v.Clone()
	}
	return out
}

// AllDependencies returns every known dependency edge, for snapshotting.
func (c *Core) AllDependencies() map[string]model.TaskDependency {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.TaskDependency, len(c.deps))
	for k, v := range c.deps {
		out[k] = v
	}
	return out
}

// AllRecords returns every execution record, for snapshotting.
func (c *Core) AllRecords() map[string][]model.ExecutionRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]model.ExecutionRecord, len(c.records))
	for k, v := range c.records {
		out[k] = append([]model.ExecutionRecord(nil), v...)
	}
	return out
}

// LoadState replaces the queue's task, dependency, and record sets from a
// restored snapshot, rebuilding the graph. Tasks frozen mid-flight (queued
// or running at snapshot time) return to pending so they are re-admitted.
func (c *Core) LoadState(tasks map[string]model.Task, deps map[string]model.TaskDependency, records map[string][]model.ExecutionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tasks = make(map[string]model.Task, len(tasks))
	c.deps = make(map[string]model.TaskDependency, len(deps))
	c.records = make(map[string][]model.ExecutionRecord, len(records))
	c.graph = graph.New()
	for id, t := range tasks {
		if t.Status == model.StatusQueued || t.Status == model.StatusRunning {
			t.Status = model.StatusPending
			t.StartedAt = nil
			t.ScheduledAt = nil
		}
		c.tasks[id] = t
		c.graph.AddTask(t)
	}
	for id, d := range deps {
		_ = c.graph.AddEdge(d)
		c.deps[id] = d
	}
	for id, recs := range records {
		c.records[id] = append([]model.ExecutionRecord(nil), recs...)
	}
	c.running = make(map[string]bool)
}

// Shutdown stops admission and waits for in-flight dispatches to reach a
// terminal state, so no task remains running once it returns.
func (c *Core) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() { c.wg.Wait(); close(done) }()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: shutdown timed out with tasks still running: %w", ctx.Err())
	}
}

func (c *Core) publish(kind events.Kind, taskID string, data map[string]interface{}) {
	if c.bus == nil {
		return
	}
	c.bus.Publish(context.Background(), events.Event{Kind: kind, TaskID: taskID, SessionID: c.cfg.SessionID, Data: data})
}

func taskToMap(t model.Task) (map[string]interface{}, error) {
	return toMap(t)
}

func depToMap(d model.TaskDependency) (map[string]interface{}, error) {
	return toMap(d)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func asCycle(err error, target **graph.ErrCycleWouldForm) bool {
	if e, ok := err.(*graph.ErrCycleWouldForm); ok {
		*target = e
		return true
	}
	return false
}
