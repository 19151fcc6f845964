package model

import "fmt"

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskRunnable   TaskStatus = "runnable"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
)

type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanCancelled PlanStatus = "cancelled"
)

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestDenied   RequestStatus = "denied"
	RequestTimedOut RequestStatus = "timed_out"
)

var terminalTaskStatuses = map[TaskStatus]bool{
	TaskCompleted: true,
	TaskFailed:    true,
	TaskCancelled: true,
}

var terminalPlanStatuses = map[PlanStatus]bool{
	PlanCompleted: true,
	PlanCancelled: true,
}

// Task transitions: pending → runnable → in_progress → terminal.
// cancelled is reachable from any non-terminal status via plan cancellation.
var validTaskTransitions = map[TaskStatus]map[TaskStatus]bool{
	TaskPending: {
		TaskRunnable:  true,
		TaskCancelled: true,
	},
	TaskRunnable: {
		TaskInProgress: true,
		TaskPending:    true, // dependency regressed before dispatch
		TaskCancelled:  true,
	},
	TaskInProgress: {
		TaskCompleted: true,
		TaskFailed:    true,
		TaskCancelled: true,
	},
}

var validPlanTransitions = map[PlanStatus]map[PlanStatus]bool{
	PlanPending: {
		PlanRunning:   true,
		PlanCancelled: true,
	},
	PlanRunning: {
		PlanCompleted: true,
		PlanCancelled: true,
	},
}

var validRequestTransitions = map[RequestStatus]map[RequestStatus]bool{
	RequestPending: {
		RequestApproved: true,
		RequestDenied:   true,
		RequestTimedOut: true,
	},
}

func IsTaskTerminal(s TaskStatus) bool {
	return terminalTaskStatuses[s]
}

func IsPlanTerminal(s PlanStatus) bool {
	return terminalPlanStatuses[s]
}

func IsRequestTerminal(s RequestStatus) bool {
	return s != RequestPending
}

func ValidateTaskTransition(from, to TaskStatus) error {
	// Special case: failed → pending is the retry re-entry while the
	// attempt counter is below the bound. The planner enforces the bound.
	if from == TaskFailed && to == TaskPending {
		return nil
	}
	if IsTaskTerminal(from) {
		return fmt.Errorf("cannot transition from terminal task status %q", from)
	}
	allowed, ok := validTaskTransitions[from]
	if !ok {
		return fmt.Errorf("unknown task status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid task transition: %q → %q", from, to)
	}
	return nil
}

func ValidatePlanTransition(from, to PlanStatus) error {
	if IsPlanTerminal(from) {
		return fmt.Errorf("cannot transition from terminal plan status %q", from)
	}
	allowed, ok := validPlanTransitions[from]
	if !ok {
		return fmt.Errorf("unknown plan status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid plan transition: %q → %q", from, to)
	}
	return nil
}

func ValidateRequestTransition(from, to RequestStatus) error {
	if IsRequestTerminal(from) {
		return fmt.Errorf("request already resolved as %q", from)
	}
	allowed, ok := validRequestTransitions[from]
	if !ok {
		return fmt.Errorf("unknown request status %q", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid request transition: %q → %q", from, to)
	}
	return nil
}
