package planner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/akarpov/warden/internal/events"
	"github.com/akarpov/warden/internal/gate"
	"github.com/akarpov/warden/internal/model"
)

// Run executes the plan until every task is terminal or no task can ever
// become runnable. Tasks whose dependencies are satisfied dispatch
// concurrently up to Options.MaxParallel; ties resolve in insertion order.
// When the loop ends with dependency-stalled tasks the returned summary is
// still valid and the error wraps ErrStalled.
func (p *Planner) Run(ctx context.Context, planID string) (model.PlanSummary, error) {
	st, err := p.state(planID)
	if err != nil {
		return model.PlanSummary{}, err
	}

	st.mu.Lock()
	if err := model.ValidatePlanTransition(st.plan.Status, model.PlanRunning); err != nil {
		st.mu.Unlock()
		return model.PlanSummary{}, fmt.Errorf("start plan %s: %w", planID, err)
	}
	st.plan.Status = model.PlanRunning
	now := time.Now().UTC()
	st.plan.StartedAt = &now
	appendLog(st.plan, "", "started", st.plan.Goal)

	runCtx, cancel := context.WithCancel(ctx)
	st.cancelRun = cancel
	st.mu.Unlock()
	defer cancel()

	p.log.Infow("plan_started", "plan", planID, "max_parallel", p.opts.MaxParallel)

	sem := semaphore.NewWeighted(int64(p.opts.MaxParallel))
	var wg sync.WaitGroup
	var inFlightMu sync.Mutex
	inFlight := 0

	for runCtx.Err() == nil {
		st.mu.Lock()
		if st.cancelled {
			st.mu.Unlock()
			break
		}
		task := nextRunnable(st.plan)
		if task != nil {
			task.Status = model.TaskRunnable
		}
		st.mu.Unlock()

		if task == nil {
			inFlightMu.Lock()
			busy := inFlight > 0
			inFlightMu.Unlock()
			if !busy {
				break
			}
			select {
			case <-st.wake:
			case <-runCtx.Done():
			}
			continue
		}

		if err := sem.Acquire(runCtx, 1); err != nil {
			st.mu.Lock()
			if task.Status == model.TaskRunnable {
				task.Status = model.TaskPending
			}
			st.mu.Unlock()
			break
		}

		inFlightMu.Lock()
		inFlight++
		inFlightMu.Unlock()
		wg.Add(1)
		go func(t *model.Task) {
			defer wg.Done()
			p.executeTask(runCtx, st, t)
			sem.Release(1)
			inFlightMu.Lock()
			inFlight--
			inFlightMu.Unlock()
			st.notify()
		}(task)
	}

	wg.Wait()
	return p.finishRun(st)
}

// nextRunnable returns the first pending task whose dependencies are all
// completed. Caller holds the plan lock.
func nextRunnable(plan *model.Plan) *model.Task {
	for _, t := range plan.Tasks {
		if t.Status != model.TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.DependsOn {
			d := plan.TaskByID(dep)
			if d == nil || d.Status != model.TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			return t
		}
	}
	return nil
}

// finishRun marks dependency-stalled leftovers and closes out the plan.
func (p *Planner) finishRun(st *planState) (model.PlanSummary, error) {
	st.mu.Lock()
	stalled := 0
	now := time.Now().UTC()
	for _, t := range st.plan.Tasks {
		if t.Status != model.TaskPending && t.Status != model.TaskRunnable {
			continue
		}
		if st.cancelled {
			continue
		}
		t.StallReason = stallReason(st.plan, t)
		if err := model.ValidateTaskTransition(t.Status, model.TaskCancelled); err == nil {
			t.Status = model.TaskCancelled
			t.CompletedAt = &now
		}
		stalled++
		appendLog(st.plan, t.ID, "stalled", t.StallReason)
	}
	if !st.cancelled {
		if err := model.ValidatePlanTransition(st.plan.Status, model.PlanCompleted); err == nil {
			st.plan.Status = model.PlanCompleted
			st.plan.CompletedAt = &now
		}
		appendLog(st.plan, "", "finished", string(st.plan.Status))
	}
	status := st.plan.Status
	sum := summarize(st.plan)
	st.mu.Unlock()

	p.audit(model.AuditEntry{
		Actor:   model.ActorScheduler,
		Action:  "plan finished: " + sum.Goal,
		Outcome: string(status),
		PlanID:  sum.PlanID,
	})
	if !st.cancelled {
		p.publishPlanFinished(sum.PlanID, status)
	}
	p.log.Infow("plan_finished",
		"plan", sum.PlanID,
		"status", status,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"stalled", sum.Stalled,
	)

	if stalled > 0 {
		return sum, fmt.Errorf("%w: %d tasks", ErrStalled, stalled)
	}
	return sum, nil
}

// stallReason names the first unsatisfiable dependency of a pending task.
// Caller holds the plan lock.
func stallReason(plan *model.Plan, t *model.Task) string {
	for _, dep := range t.DependsOn {
		d := plan.TaskByID(dep)
		if d == nil {
			return fmt.Sprintf("dependency %s does not exist", dep)
		}
		if d.Status == model.TaskFailed || d.Status == model.TaskCancelled {
			return fmt.Sprintf("dependency %s is %s", dep, d.Status)
		}
	}
	return "no dependency can complete"
}

// executeTask drives one task through confirmation and execution. Failed
// tasks re-enter the pending pool while attempts remain; denials, blocks
// and timeouts are terminal.
func (p *Planner) executeTask(ctx context.Context, st *planState, t *model.Task) {
	st.mu.Lock()
	if st.cancelled || t.Status != model.TaskRunnable {
		st.mu.Unlock()
		return
	}
	t.Status = model.TaskInProgress
	t.Attempts++
	now := time.Now().UTC()
	if t.StartedAt == nil {
		t.StartedAt = &now
	}
	attempt := t.Attempts
	appendLog(st.plan, t.ID, "started", fmt.Sprintf("attempt %d/%d", attempt, t.MaxRetries+1))
	planID := st.plan.ID
	action := t.Action
	// The executor works on this copy; the live task is only touched under
	// the plan lock.
	snapshot := *t
	st.mu.Unlock()

	p.audit(model.AuditEntry{
		Actor:   model.ActorScheduler,
		Action:  t.Description,
		Outcome: "started",
		TaskID:  t.ID,
		PlanID:  planID,
	})
	p.publishTask(events.EventTaskStarted, planID, t.ID, "in_progress")
	p.log.Debugw("task_started", "plan", planID, "task", t.ID, "attempt", attempt)

	decision, err := p.gateway.Request(ctx, action, gate.Ref{PlanID: planID, TaskID: t.ID}, p.opts.ConfirmTimeout)
	if err != nil {
		p.failTask(st, t, "confirmation error: "+err.Error(), false)
		return
	}
	if !decision.Outcome.Approved() {
		p.failTask(st, t, denialReason(decision), false)
		return
	}

	result, execErr := p.execute(ctx, &snapshot)
	if execErr != nil {
		p.failTask(st, t, execErr.Error(), attempt <= t.MaxRetries)
		return
	}

	st.mu.Lock()
	if st.cancelled || t.Status != model.TaskInProgress {
		st.mu.Unlock()
		return
	}
	t.Result = result
	t.LastError = ""
	t.Status = model.TaskCompleted
	done := time.Now().UTC()
	t.CompletedAt = &done
	appendLog(st.plan, t.ID, "completed", "")
	st.mu.Unlock()

	p.audit(model.AuditEntry{
		Actor:   model.ActorScheduler,
		Action:  t.Description,
		Tier:    decision.Tier,
		Outcome: "completed",
		TaskID:  t.ID,
		PlanID:  planID,
	})
	p.publishTask(events.EventTaskFinished, planID, t.ID, "completed")
	p.log.Debugw("task_completed", "plan", planID, "task", t.ID)
}

func (p *Planner) execute(ctx context.Context, t *model.Task) (any, error) {
	if p.executor == nil {
		return nil, nil
	}
	return p.executor.Execute(ctx, t)
}

// failTask records a failure and, when retry is set, returns the task to
// the pending pool for another attempt.
func (p *Planner) failTask(st *planState, t *model.Task, reason string, retry bool) {
	st.mu.Lock()
	if st.cancelled || t.Status != model.TaskInProgress {
		st.mu.Unlock()
		return
	}
	t.LastError = reason
	t.Status = model.TaskFailed
	planID := st.plan.ID
	if retry {
		if err := model.ValidateTaskTransition(t.Status, model.TaskPending); err == nil {
			t.Status = model.TaskPending
			appendLog(st.plan, t.ID, "retrying", reason)
		}
	}
	if t.Status == model.TaskFailed {
		now := time.Now().UTC()
		t.CompletedAt = &now
		appendLog(st.plan, t.ID, "failed", reason)
	}
	final := t.Status
	st.mu.Unlock()

	p.audit(model.AuditEntry{
		Actor:   model.ActorScheduler,
		Action:  t.Description,
		Outcome: "failed",
		Error:   reason,
		TaskID:  t.ID,
		PlanID:  planID,
	})
	if final == model.TaskFailed {
		p.publishTask(events.EventTaskFinished, planID, t.ID, "failed")
	}
	p.log.Warnw("task_failed", "plan", planID, "task", t.ID, "retrying", final == model.TaskPending, "reason", reason)
	st.notify()
}

func denialReason(d model.Decision) string {
	switch {
	case d.Outcome == model.OutcomeTimedOut:
		return "timeout: " + d.Reason
	case d.Tier == model.TierBlocked:
		return "blocked: " + d.Reason
	default:
		return "not approved: " + d.Reason
	}
}

func (p *Planner) publishTask(event events.EventType, planID, taskID, status string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(event, map[string]any{
		"plan_id": planID,
		"task_id": taskID,
		"status":  status,
	})
}
