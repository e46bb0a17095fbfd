// Package optimizer runs a periodic, advisory re-analysis of queue state:
// it inspects the dependency graph, pool utilization, and recent outcomes,
// and emits configuration recommendations. Recommendations are never applied
// automatically; callers read them and decide.
package optimizer

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/metric"

	"github.com/swarmguard/taskengine/internal/model"
	"github.com/swarmguard/taskengine/internal/resourcemgr"
)

// DefaultSchedule runs the analysis every five minutes.
const DefaultSchedule = "0 */5 * * * *"

// Recommendation is one advisory finding from an analysis pass.
type Recommendation struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Report is the output of one analysis pass.
type Report struct {
	GeneratedAt     time.Time        `json:"generated_at"`
	TaskCount       int              `json:"task_count"`
	PendingCount    int              `json:"pending_count"`
	FailedCount     int              `json:"failed_count"`
	Recommendations []Recommendation `json:"recommendations"`
}

// StateView is the read-only view of queue state the analyzer inspects.
type StateView interface {
	AllTasks() map[string]model.Task
	RunningCount() int
}

// PoolView exposes pool utilization for the analysis.
type PoolView interface {
	Snapshot() []resourcemgr.Stats
}

// Optimizer owns the cron schedule and the latest report.
type Optimizer struct {
	state StateView
	pools PoolView
	cron  *cron.Cron

	mu     sync.Mutex
	latest Report

	passCounter metric.Int64Counter
}

// New builds an optimizer; meter may be nil in tests.
func New(state StateView, pools PoolView, meter metric.Meter) *Optimizer {
	o := &Optimizer{
		state: state,
		pools: pools,
		cron:  cron.New(cron.WithSeconds()),
	}
	if meter != nil {
		o.passCounter, _ = meter.Int64Counter("taskengine_optimizer_passes_total")
	}
	return o
}

// Start registers the analysis job under schedule (DefaultSchedule if empty)
// and starts the cron loop.
func (o *Optimizer) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if _, err := o.cron.AddFunc(schedule, func() {
		report := o.Analyze()
		slog.Debug("optimizer pass complete", "recommendations", len(report.Recommendations))
	}); err != nil {
		return err
	}
	o.cron.Start()
	slog.Info("optimizer started", "schedule", schedule)
	return nil
}

// Stop halts the cron loop, waiting for a running pass to finish.
func (o *Optimizer) Stop() {
	ctx := o.cron.Stop()
	<-ctx.Done()
}

// Latest returns the most recent report.
func (o *Optimizer) Latest() Report {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.latest
}

// Analyze runs one pass immediately and stores the resulting report.
func (o *Optimizer) Analyze() Report {
	tasks := o.state.AllTasks()
	now := time.Now().UTC()
	report := Report{GeneratedAt: now, TaskCount: len(tasks)}

	var failed, pending, starved int
	var estimateDrift, drifted int
	for _, t := range tasks {
		switch t.Status {
		case model.StatusFailed:
			failed++
		case model.StatusPending:
			pending++
			if now.Sub(t.CreatedAt) > time.Hour {
				starved++
			}
		case model.StatusCompleted:
			if t.EstimatedDuration > 0 && t.ActualDuration > 2*t.EstimatedDuration {
				estimateDrift++
			}
			if t.EstimatedDuration > 0 {
				drifted++
			}
		}
	}
	report.PendingCount = pending
	report.FailedCount = failed

	if starved > 0 {
		report.Recommendations = append(report.Recommendations, Recommendation{
			Code:      "starved_tasks",
			Message:   "tasks have waited over an hour; consider raising the concurrency ceiling or pool capacity",
			Timestamp: now,
		})
	}
	if drifted > 0 && estimateDrift*2 > drifted {
		report.Recommendations = append(report.Recommendations, Recommendation{
			Code:      "estimate_drift",
			Message:   "actual durations routinely exceed twice the estimate; critical-path math is degraded",
			Timestamp: now,
		})
	}
	if o.pools != nil {
		for _, p := range o.pools.Snapshot() {
			if p.Capacity > 0 && p.Allocated == p.Capacity && pending > 0 {
				report.Recommendations = append(report.Recommendations, Recommendation{
					Code:      "pool_saturated",
					Message:   "resource pool " + p.Type + " is fully allocated with work pending",
					Timestamp: now,
				})
			}
		}
	}
	if failed > 0 && failed*4 > len(tasks) {
		report.Recommendations = append(report.Recommendations, Recommendation{
			Code:      "high_failure_rate",
			Message:   "over a quarter of known tasks have failed; inspect executor capabilities",
			Timestamp: now,
		})
	}

	o.mu.Lock()
	o.latest = report
	o.mu.Unlock()
	if o.passCounter != nil {
		o.passCounter.Add(context.Background(), 1)
	}
	return report
}
