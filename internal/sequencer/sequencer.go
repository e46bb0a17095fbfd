// Package sequencer implements the four pluggable execution-sequencing
// algorithms: priority, dependency-aware, resource-optimal, and hybrid. Each
// turns the current task set + dependency graph into an ordered
// ExecutionSequence the queue admits from; every algorithm emits a linear
// extension of the ordering subgraph.
package sequencer

import (
	"sort"
	"time"

	"github.com/swarmguard/taskengine/internal/graph"
	"github.com/swarmguard/taskengine/internal/model"
)

// Algorithm names one of the four sequencing strategies.
type Algorithm string

const (
	AlgorithmPriority        Algorithm = "priority"
	AlgorithmDependencyAware Algorithm = "dependency-aware"
	AlgorithmResourceOptimal Algorithm = "resource-optimal"
	AlgorithmHybrid          Algorithm = "hybrid"
)

// Default hybrid weights; fixed, not user-tunable.
const (
	hybridWeightPriority   = 0.30
	hybridWeightUrgency    = 0.15
	hybridWeightImpact     = 0.20
	hybridWeightDependency = 0.15
	hybridWeightResource   = 0.10
	hybridWeightDuration   = 0.10
)

// DependencyGraph is the subset of internal/graph.Graph the sequencer needs.
type DependencyGraph interface {
	Level(taskID string) int
	Impact(taskID string) (graph.Impact, error)
	OrderingParents(taskID string) []string
	ParallelGroups() ([][]string, error)
	CriticalPath() ([]string, time.Duration, error)
}

// ResourceFit scores how well a task fits currently-available resource
// capacity, in [0,1]; 1 means the task's requirements are fully available
// right now.
type ResourceFit interface {
	Fit(t model.Task) float64
}

// ExecutionSequence is the ordered output of a sequencing run.
type ExecutionSequence struct {
	Algorithm         Algorithm     `json:"algorithm"`
	TaskIDs           []string      `json:"task_ids"`
	ParallelGroups    [][]string    `json:"parallel_groups,omitempty"`
	CriticalPath      []string      `json:"critical_path,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	InputCount        int           `json:"input_count"`
}

// Sequence orders the given tasks using the named algorithm. Every output is
// a linear extension of the ordering subgraph: a task never precedes a
// blocks/enables predecessor that is also in the input set.
func Sequence(algo Algorithm, tasks []model.Task, g DependencyGraph, resources ResourceFit) ExecutionSequence {
	var rank func(t model.Task) float64
	switch algo {
	case AlgorithmDependencyAware:
		rank = dependencyAwareRank(g)
	case AlgorithmResourceOptimal:
		rank = resourceEfficiencyRank(resources)
	case AlgorithmHybrid:
		rank = hybridRank(tasks, g, resources)
	default:
		algo = AlgorithmPriority
		rank = basePriorityRank
	}

	seq := ExecutionSequence{
		Algorithm:  algo,
		TaskIDs:    linearize(tasks, g, rank),
		InputCount: len(tasks),
	}
	if g != nil {
		if groups, err := g.ParallelGroups(); err == nil {
			seq.ParallelGroups = restrictGroups(groups, tasks)
		}
		if path, dur, err := g.CriticalPath(); err == nil {
			seq.CriticalPath = path
			seq.EstimatedDuration = dur
		}
	}
	return seq
}

// linearize is a greedy topological sort: at each step it emits the
// highest-ranked task whose ordering predecessors within the input set have
// all been emitted. Rank ties break on creation time then id, so the output
// is deterministic for identical inputs.
func linearize(tasks []model.Task, g DependencyGraph, rank func(model.Task) float64) []string {
	inSet := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = t
	}
	emitted := make(map[string]bool, len(tasks))
	ready := func(t model.Task) bool {
		if g == nil {
			return true
		}
		for _, p := range g.OrderingParents(t.ID) {
			if _, present := inSet[p]; present && !emitted[p] {
				return false
			}
		}
		return true
	}

	out := make([]string, 0, len(tasks))
	remaining := append([]model.Task(nil), tasks...)
	for len(remaining) > 0 {
		bestIdx := -1
		var bestRank float64
		for i, t := range remaining {
			if !ready(t) {
				continue
			}
			r := rank(t)
			if bestIdx < 0 || r > bestRank || (r == bestRank && tieBreak(t, remaining[bestIdx])) {
				bestIdx, bestRank = i, r
			}
		}
		if bestIdx < 0 {
			// cyclic input: emit the remainder in rank order rather than
			// looping forever
			sort.SliceStable(remaining, func(i, j int) bool {
				ri, rj := rank(remaining[i]), rank(remaining[j])
				if ri != rj {
					return ri > rj
				}
				return tieBreak(remaining[i], remaining[j])
			})
			for _, t := range remaining {
				out = append(out, t.ID)
			}
			break
		}
		t := remaining[bestIdx]
		out = append(out, t.ID)
		emitted[t.ID] = true
		remaining = append(remaining[:bestIdx], remaining[bestIdx+1:]...)
	}
	return out
}

func tieBreak(a, b model.Task) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func basePriorityRank(t model.Task) float64 {
	return float64(t.Base)
}

// dependencyAwareRank orders by topological level first (lower levels run
// earlier), breaking ties within a level by dynamic priority then shorter
// estimated duration.
func dependencyAwareRank(g DependencyGraph) func(model.Task) float64 {
	return func(t model.Task) float64 {
		level := 0
		if g != nil {
			level = g.Level(t.ID)
		}
		score := -float64(level) * 1e9
		score += t.DynamicPriority * 1e3
		score -= float64(t.EstimatedDuration) / float64(time.Hour)
		return score
	}
}

// resourceEfficiencyRank scores priority per unit of resource-time consumed:
// priorityScore / (total resource units x estimated duration). Tasks that
// need nothing rank by raw priority.
func resourceEfficiencyRank(resources ResourceFit) func(model.Task) float64 {
	return func(t model.Task) float64 {
		score := t.DynamicPriority
		if score <= 0 {
			score = float64(t.Base)
		}
		var units int64
		for _, r := range t.RequiredResources {
			units += r.Units
		}
		if units <= 0 {
			return score
		}
		hours := t.EstimatedDuration.Hours()
		if hours <= 0 {
			hours = 1.0 / 60
		}
		eff := score / (float64(units) * hours)
		if resources != nil {
			// prefer work that can actually start with what is free now
			eff *= 0.5 + 0.5*resources.Fit(t)
		}
		return eff
	}
}

// hybridRank combines priority, urgency, impact, dependency weight, resource
// availability, and inverse duration into one weighted score.
func hybridRank(tasks []model.Task, g DependencyGraph, resources ResourceFit) func(model.Task) float64 {
	maxPriority := 1.0
	maxDuration := time.Duration(1)
	for _, t := range tasks {
		if t.DynamicPriority > maxPriority {
			maxPriority = t.DynamicPriority
		}
		if t.EstimatedDuration > maxDuration {
			maxDuration = t.EstimatedDuration
		}
	}
	now := time.Now()

	return func(t model.Task) float64 {
		priorityNorm := t.DynamicPriority / maxPriority
		if t.DynamicPriority <= 0 {
			priorityNorm = float64(t.Base) / float64(model.PriorityCritical)
		}

		urgency := 0.0
		if t.Deadline != nil {
			remaining := t.Deadline.Sub(now)
			switch {
			case remaining <= 0:
				urgency = 1
			case remaining < 24*time.Hour:
				urgency = 1 - remaining.Hours()/24
			}
		}

		impactNorm := 0.0
		depWeight := 0.0
		if g != nil {
			if imp, err := g.Impact(t.ID); err == nil {
				impactNorm = normalizeImpact(imp.TotalImpact)
				depWeight = normalizeImpact(len(imp.DirectDependents))
				if imp.CriticalPathMember {
					impactNorm = 1
				}
			}
		}

		resourceNorm := 1.0
		if resources != nil {
			resourceNorm = resources.Fit(t)
		}

		durationNorm := float64(t.EstimatedDuration) / float64(maxDuration)
		invDuration := 1 - durationNorm

		return hybridWeightPriority*priorityNorm +
			hybridWeightUrgency*urgency +
			hybridWeightImpact*impactNorm +
			hybridWeightDependency*depWeight +
			hybridWeightResource*resourceNorm +
			hybridWeightDuration*invDuration
	}
}

func normalizeImpact(total int) float64 {
	const softCap = 10.0
	if total <= 0 {
		return 0
	}
	if float64(total) >= softCap {
		return 1
	}
	return float64(total) / softCap
}

// restrictGroups filters graph-wide parallel groups down to the sequenced
// input set, dropping groups that end up empty.
func restrictGroups(groups [][]string, tasks []model.Task) [][]string {
	inSet := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = true
	}
	var out [][]string
	for _, grp := range groups {
		var kept []string
		for _, id := range grp {
			if inSet[id] {
				kept = append(kept, id)
			}
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}
