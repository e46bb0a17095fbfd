// Package priority implements the dynamic priority scorer: multiplicative
// factors (age, user importance, deadline pressure, dependency fan-out,
// resource availability, execution history, critical-path membership)
// applied to a task's base priority, clamped to a bounded range, with every
// factor returned alongside the score for audit.
package priority

import (
	"math"
	"time"

	"github.com/swarmguard/taskengine/internal/model"
)

// DependencyGraph is the subset of internal/graph.Graph the engine needs,
// kept as an interface so priority can be unit tested without constructing a
// full graph.
type DependencyGraph interface {
	PendingDependentsCount(taskID string) int
	Level(taskID string) int
}

// ResourceAvailability reports the fraction (0..1) of a resource pool's
// capacity currently free. Implemented by internal/resourcemgr.Manager.
type ResourceAvailability interface {
	Availability(resourceType string) float64
}

// HistoryStats is the execution-history lookup the engine uses for the
// execution-history factor.
type HistoryStats interface {
	// SuccessRate returns the fraction (0..1) of recent attempts for an
	// executor key that completed successfully. ok is false when there is
	// no history yet, in which case the factor defaults to neutral.
	SuccessRate(executorKey string) (rate float64, ok bool)
}

const (
	minDynamicPriority = 1
	maxDynamicPriority = 2000

	ageSaturationFactor = 2.0
	deadlineHorizon     = 7 * 24 * time.Hour
	criticalPathBoost   = 2.0
)

// Engine recomputes dynamic priority for tasks given the current graph and
// resource/history context.
type Engine struct {
	graph     DependencyGraph
	resources ResourceAvailability
	history   HistoryStats
	now       func() time.Time
}

// New builds a priority engine wired to the live graph, resource manager and
// history store.
func New(graph DependencyGraph, resources ResourceAvailability, history HistoryStats) *Engine {
	return &Engine{graph: graph, resources: resources, history: history, now: time.Now}
}

// Recompute scores a task as base x the product of its factors, clamped to
// [1, 2000], and returns the factor breakdown used to reach it.
func (e *Engine) Recompute(t model.Task, onCriticalPath bool) (float64, model.PriorityFactors) {
	now := e.now()

	factors := model.PriorityFactors{
		Age:                    ageFactor(t.CreatedAt, now),
		UserImportance:         userImportanceFactor(t.UserImportance),
		SystemCriticality:      deadlineFactor(t.Deadline, now),
		DependencyWeight:       dependencyWeightFactor(e.graph, t.ID),
		ResourceAvailability:   resourceAvailabilityFactor(e.resources, t.RequiredResources),
		ExecutionHistory:       executionHistoryFactor(e.history, t.ExecutorKey),
		CriticalPathMultiplier: 1.0,
	}
	if onCriticalPath {
		factors.CriticalPathMultiplier = criticalPathBoost
	}

	score := float64(t.Base) *
		factors.Age *
		factors.UserImportance *
		factors.SystemCriticality *
		factors.DependencyWeight *
		factors.ResourceAvailability *
		factors.ExecutionHistory *
		factors.CriticalPathMultiplier
	score = math.Max(minDynamicPriority, math.Min(maxDynamicPriority, score))
	return score, factors
}

// ageFactor is 1 + hoursWaiting/24, capped at 2.0: a task gains up to a 2x
// boost over its first day of waiting, then holds.
func ageFactor(created time.Time, now time.Time) float64 {
	if created.IsZero() {
		return 1
	}
	waited := now.Sub(created)
	if waited <= 0 {
		return 1
	}
	f := 1 + waited.Hours()/24
	return math.Min(f, ageSaturationFactor)
}

// userImportanceFactor is the client-supplied multiplier, defaulting to 1.
func userImportanceFactor(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

// deadlineFactor is max(0.5, 1 - (d-now)/7days): distant deadlines discount
// down to 0.5, a deadline arriving now scores 1, and an overdue deadline
// climbs past 1. Tasks with no deadline are neutral.
func deadlineFactor(deadline *time.Time, now time.Time) float64 {
	if deadline == nil {
		return 1
	}
	remaining := deadline.Sub(now)
	f := 1 - float64(remaining)/float64(deadlineHorizon)
	return math.Max(0.5, f)
}

// dependencyWeightFactor is 1 + 0.1 per pending task blocked on this one.
func dependencyWeightFactor(graph DependencyGraph, taskID string) float64 {
	if graph == nil {
		return 1
	}
	count := graph.PendingDependentsCount(taskID)
	if count <= 0 {
		return 1
	}
	return 1 + 0.1*float64(count)
}

// resourceAvailabilityFactor is the product over required resources of
// availableUnits/totalUnits; tasks needing nothing are neutral.
func resourceAvailabilityFactor(resources ResourceAvailability, reqs []model.ResourceRequirement) float64 {
	if resources == nil || len(reqs) == 0 {
		return 1
	}
	product := 1.0
	for _, r := range reqs {
		product *= resources.Availability(r.Type)
	}
	return product
}

// executionHistoryFactor is 0.5 + 0.5*successRate over recent attempts: a
// spotless record is neutral, a failing one discounts down to 0.5. Absent
// any history the factor is neutral.
func executionHistoryFactor(history HistoryStats, executorKey string) float64 {
	if history == nil {
		return 1
	}
	rate, ok := history.SuccessRate(executorKey)
	if !ok {
		return 1
	}
	return 0.5 + 0.5*rate
}
