// Package model defines the data structures shared by the planner, the
// confirmation gateway and the audit trail.
package model

import "time"

// Task is a single schedulable unit of work inside a plan.
type Task struct {
	ID          string     `json:"id" yaml:"id"`
	Description string     `json:"description" yaml:"description"`
	Action      Action     `json:"action" yaml:"action"`
	DependsOn   []string   `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status      TaskStatus `json:"status" yaml:"status"`
	Attempts    int        `json:"attempts" yaml:"attempts"`
	MaxRetries  int        `json:"max_retries" yaml:"max_retries"`
	Result      any        `json:"result,omitempty" yaml:"result,omitempty"`
	LastError   string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
	StallReason string     `json:"stall_reason,omitempty" yaml:"stall_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
}

// ExecutionLogEntry is one append-only record in a plan's execution log.
type ExecutionLogEntry struct {
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
	TaskID    string    `json:"task_id" yaml:"task_id"`
	Event     string    `json:"event" yaml:"event"`
	Message   string    `json:"message,omitempty" yaml:"message,omitempty"`
}

// Plan is a DAG of tasks pursuing one goal. Insertion order of Tasks is the
// priority tie-break for runnable selection.
type Plan struct {
	ID           string              `json:"plan_id" yaml:"plan_id"`
	Goal         string              `json:"goal" yaml:"goal"`
	Tasks        []*Task             `json:"tasks" yaml:"tasks"`
	Status       PlanStatus          `json:"status" yaml:"status"`
	CreatedAt    time.Time           `json:"created_at" yaml:"created_at"`
	StartedAt    *time.Time          `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	ExecutionLog []ExecutionLogEntry `json:"execution_log" yaml:"execution_log"`
}

// TaskByID returns the task with the given id, or nil.
func (p *Plan) TaskByID(id string) *Task {
	for _, t := range p.Tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// PlanSummary is the caller-facing progress report for a plan.
type PlanSummary struct {
	PlanID          string     `json:"plan_id"`
	Goal            string     `json:"goal"`
	Status          PlanStatus `json:"status"`
	TotalTasks      int        `json:"total_tasks"`
	Completed       int        `json:"completed"`
	Failed          int        `json:"failed"`
	Cancelled       int        `json:"cancelled"`
	InProgress      int        `json:"in_progress"`
	Pending         int        `json:"pending"`
	Stalled         int        `json:"stalled"`
	ProgressPercent int        `json:"progress_percent"`
}

// ConfirmationRequest is one pending or resolved approval round-trip.
type ConfirmationRequest struct {
	ID         string        `json:"id"`
	Action     Action        `json:"action"`
	Tier       RiskTier      `json:"tier"`
	Status     RequestStatus `json:"status"`
	PlanID     string        `json:"plan_id,omitempty"`
	TaskID     string        `json:"task_id,omitempty"`
	ResolvedBy string        `json:"resolved_by,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	ResolvedAt *time.Time    `json:"resolved_at,omitempty"`
}

// Outcome is the final verdict of a confirmation round-trip.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeDenied   Outcome = "denied"
	OutcomeTimedOut Outcome = "timed_out"
)

// Approved reports whether the task's action may proceed to the executor.
func (o Outcome) Approved() bool {
	return o == OutcomeApproved
}

// Decision pairs an outcome with its human-readable reason and, when a
// request object was created, the request id.
type Decision struct {
	Outcome   Outcome  `json:"outcome"`
	Tier      RiskTier `json:"tier"`
	Reason    string   `json:"reason,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Resolver  string   `json:"resolver,omitempty"`
}

// AuditEntry is an immutable record of one classified action and its
// outcome. Entries are never mutated after being appended.
type AuditEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Tier      RiskTier  `json:"tier,omitempty"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	PlanID    string    `json:"plan_id,omitempty"`
	Checksum  string    `json:"checksum,omitempty"`
}

// Audit actor identities.
const (
	ActorScheduler = "scheduler"
	ActorUser      = "user"
	ActorSystem    = "system"
)
