// Package model defines the durable data types shared across every
// taskengine component: tasks, dependencies, resource pools, sessions,
// ownership, snapshots, transaction log entries, and execution records.
package model

import "time"

// Category classifies a task for reporting and batch compatibility.
type Category string

const (
	CategoryFeature  Category = "feature"
	CategoryBug      Category = "bug"
	CategoryTest     Category = "test"
	CategoryDoc      Category = "doc"
	CategoryRefactor Category = "refactor"
	CategorySecurity Category = "security"
	CategoryPerf     Category = "perf"
	CategoryInfra    Category = "infra"
)

// BasePriority is one of the fixed priority buckets a task is submitted with.
type BasePriority int

const (
	PriorityCritical   BasePriority = 1000
	PriorityHigh       BasePriority = 800
	PriorityMedium     BasePriority = 500
	PriorityLow        BasePriority = 200
	PriorityBackground BasePriority = 50
)

// Status is the task state-machine position.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether status is one from which no further transition happens.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ResourceRequirement names a typed resource pool and the units a task needs from it.
type ResourceRequirement struct {
	Type  string `json:"type"`
	Units int64  `json:"units"`
}

// PriorityFactors is the audit trail the Priority Engine returns alongside a
// recomputed dynamicPriority.
type PriorityFactors struct {
	Age                   float64 `json:"age"`
	UserImportance        float64 `json:"user_importance"`
	SystemCriticality     float64 `json:"system_criticality"`
	DependencyWeight      float64 `json:"dependency_weight"`
	ResourceAvailability  float64 `json:"resource_availability"`
	ExecutionHistory      float64 `json:"execution_history"`
	CriticalPathMultiplier float64 `json:"critical_path_multiplier"`
}

// Task is the unit of schedulable work.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    Category `json:"category"`
	Base        BasePriority `json:"base_priority"`
	Status      Status   `json:"status"`

	// UserImportance is a client-supplied priority multiplier; zero means
	// the default of 1.
	UserImportance float64 `json:"user_importance,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Deadline    *time.Time `json:"deadline,omitempty"`

	EstimatedDuration time.Duration `json:"estimated_duration"`
	ActualDuration    time.Duration `json:"actual_duration"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
	// NotBefore gates re-admission of a retried task until its backoff
	// window has elapsed.
	NotBefore *time.Time `json:"not_before,omitempty"`
	Timeout    time.Duration `json:"timeout"`
	TimeoutFatal bool `json:"timeout_fatal"`

	RequiredResources []ResourceRequirement `json:"required_resources"`

	PreCondition  string `json:"pre_condition,omitempty"`
	PostCondition string `json:"post_condition,omitempty"`

	BatchCompatible bool   `json:"batch_compatible"`
	BatchGroup      string `json:"batch_group,omitempty"`

	Cacheable bool `json:"cacheable"`

	ExecutorKey string                 `json:"executor_key"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`

	DynamicPriority float64         `json:"dynamic_priority"`
	Factors         PriorityFactors `json:"factors"`

	Dependents []string `json:"dependents,omitempty"`

	Version int64 `json:"version"`

	FailureReason string `json:"failure_reason,omitempty"`
	FailureCode   string `json:"failure_code,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate independently of the original.
func (t Task) Clone() Task {
	c := t
	if t.RequiredResources != nil {
		c.RequiredResources = append([]ResourceRequirement(nil), t.RequiredResources...)
	}
	if t.Dependents != nil {
		c.Dependents = append([]string(nil), t.Dependents...)
	}
	if t.Params != nil {
		c.Params = make(map[string]interface{}, len(t.Params))
		for k, v := range t.Params {
			c.Params[k] = v
		}
	}
	if t.Output != nil {
		c.Output = make(map[string]interface{}, len(t.Output))
		for k, v := range t.Output {
			c.Output[k] = v
		}
	}
	return c
}

// EdgeType classifies a TaskDependency.
type EdgeType string

const (
	EdgeBlocks    EdgeType = "blocks"
	EdgeEnables   EdgeType = "enables"
	EdgeConflicts EdgeType = "conflicts"
	EdgeEnhances  EdgeType = "enhances"
)

// Orders reports whether the edge type constrains admission ordering.
func (e EdgeType) Orders() bool { return e == EdgeBlocks || e == EdgeEnables }

// TaskDependency is a typed, directed edge between two tasks.
type TaskDependency struct {
	ID         string        `json:"id"`
	Dependent  string        `json:"dependent"`
	DependsOn  string        `json:"depends_on"`
	Type       EdgeType      `json:"type"`
	Optional   bool          `json:"optional"`
	MinDelay   time.Duration `json:"min_delay,omitempty"`
}

// ExecutionRecord captures one attempt to run a task's capability.
type ExecutionRecord struct {
	TaskID      string        `json:"task_id"`
	ExecutionID string        `json:"execution_id"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Status      Status        `json:"status"`
	Error       string        `json:"error,omitempty"`
	Attempt     int           `json:"attempt"`
	ResourceUsage map[string]int64 `json:"resource_usage,omitempty"`
}
