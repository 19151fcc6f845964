// Package planner implements the task graph scheduler: it decomposes a goal
// into a task DAG, selects runnable tasks respecting dependencies, routes
// every action through the confirmation gateway, and drives the executor
// with bounded retries.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/events"
	"github.com/akarpov/warden/internal/gate"
	"github.com/akarpov/warden/internal/model"
	"github.com/akarpov/warden/internal/storage"
)

var (
	// ErrPlanNotFound is returned for an unknown plan id.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrPlanTerminal is returned when an operation targets a plan that
	// already reached a terminal status.
	ErrPlanTerminal = errors.New("plan already terminal")
	// ErrStalled is returned by Run when the loop terminated with
	// unfinished tasks whose dependencies can never complete.
	ErrStalled = errors.New("plan stalled: unresolvable dependencies remain")
)

// Options tune scheduler behavior.
type Options struct {
	// ConfirmTimeout bounds each confirmation wait (default 60s).
	ConfirmTimeout time.Duration
	// MaxParallel bounds concurrent task dispatch within one plan
	// (default 1: strictly sequential, the conservative setting for
	// side-effecting actions).
	MaxParallel int
	// DefaultMaxRetries is the per-task retry bound applied to steps that
	// do not carry their own (default 3).
	DefaultMaxRetries int
}

func (o Options) withDefaults() Options {
	if o.ConfirmTimeout <= 0 {
		o.ConfirmTimeout = gate.DefaultTimeout
	}
	if o.MaxParallel <= 0 {
		o.MaxParallel = 1
	}
	if o.DefaultMaxRetries <= 0 {
		o.DefaultMaxRetries = 3
	}
	return o
}

// planState wraps a plan with its run synchronization. All plan and task
// mutation happens under mu; gateway waits and executor calls happen
// outside it.
type planState struct {
	mu        sync.Mutex
	plan      *model.Plan
	cancelRun context.CancelFunc
	cancelled bool
	wake      chan struct{}
}

func (st *planState) notify() {
	select {
	case st.wake <- struct{}{}:
	default:
	}
}

// Planner owns every plan it builds. Plans for independent goals run
// concurrently and share only the gateway and the audit trail.
type Planner struct {
	decomposer Decomposer
	executor   Executor
	gateway    *gate.Gateway
	trail      *audit.Trail
	bus        *events.Bus
	log        *zap.SugaredLogger
	opts       Options

	mu    sync.RWMutex
	plans map[string]*planState
}

// New creates a planner. decomposer may be nil; the fallback skeleton is
// used in that case and whenever the decomposer fails.
func New(decomposer Decomposer, executor Executor, gw *gate.Gateway, trail *audit.Trail, bus *events.Bus, log *zap.SugaredLogger, opts Options) *Planner {
	return &Planner{
		decomposer: decomposer,
		executor:   executor,
		gateway:    gw,
		trail:      trail,
		bus:        bus,
		log:        log,
		opts:       opts.withDefaults(),
		plans:      make(map[string]*planState),
	}
}

// BuildPlan decomposes the goal and wraps each step into a task. Steps
// without explicit dependency ids run in insertion order as independent
// tasks. The dependency graph is validated before the plan is registered.
func (p *Planner) BuildPlan(ctx context.Context, goal string) (*model.Plan, error) {
	steps := p.decompose(ctx, goal)

	planID, err := model.GenerateID(model.IDTypePlan)
	if err != nil {
		return nil, fmt.Errorf("generate plan id: %w", err)
	}

	now := time.Now().UTC()
	plan := &model.Plan{
		ID:        planID,
		Goal:      goal,
		Status:    model.PlanPending,
		CreatedAt: now,
	}

	ids := make([]string, 0, len(steps))
	deps := make(map[string][]string, len(steps))
	seen := make(map[string]bool, len(steps))

	for i, step := range steps {
		id := step.ID
		if id == "" {
			id = fmt.Sprintf("step_%d", i)
		}
		if seen[id] {
			return nil, fmt.Errorf("duplicate step id %q", id)
		}
		seen[id] = true

		category := step.Category
		if category == "" {
			category = model.CategorySystemCommand
		}
		action, err := model.NewAction(category, step.ActionName, step.Description, step.Details)
		if err != nil {
			return nil, fmt.Errorf("step %q: %w", id, err)
		}

		maxRetries := step.MaxRetries
		if maxRetries <= 0 {
			maxRetries = p.opts.DefaultMaxRetries
		}

		plan.Tasks = append(plan.Tasks, &model.Task{
			ID:          id,
			Description: step.Description,
			Action:      action,
			DependsOn:   append([]string(nil), step.DependsOn...),
			Status:      model.TaskPending,
			MaxRetries:  maxRetries,
			CreatedAt:   now,
		})
		ids = append(ids, id)
		if len(step.DependsOn) > 0 {
			deps[id] = step.DependsOn
		}
	}

	if _, err := validateDAG(ids, deps); err != nil {
		return nil, fmt.Errorf("invalid plan for goal %q: %w", goal, err)
	}

	st := &planState{plan: plan, wake: make(chan struct{}, 1)}
	p.mu.Lock()
	p.plans[planID] = st
	p.mu.Unlock()

	p.audit(model.AuditEntry{
		Actor:   model.ActorScheduler,
		Action:  "plan created: " + goal,
		Outcome: "created",
		PlanID:  planID,
	})
	p.log.Infow("plan_created", "plan", planID, "goal", goal, "tasks", len(plan.Tasks))
	return snapshotPlan(plan), nil
}

func (p *Planner) decompose(ctx context.Context, goal string) []Step {
	if p.decomposer != nil {
		steps, err := p.decomposer.Decompose(ctx, goal)
		if err == nil && len(steps) > 0 {
			return steps
		}
		if err != nil {
			p.log.Warnw("decompose_failed_using_fallback", "goal", goal, "error", err)
		}
	}
	steps, _ := FallbackDecomposer{}.Decompose(ctx, goal)
	return steps
}

// Get returns a snapshot of the plan.
func (p *Planner) Get(planID string) (*model.Plan, error) {
	st, err := p.state(planID)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotPlan(st.plan), nil
}

// List returns snapshots of every registered plan, oldest first.
func (p *Planner) List() []*model.Plan {
	p.mu.RLock()
	states := make([]*planState, 0, len(p.plans))
	for _, st := range p.plans {
		states = append(states, st)
	}
	p.mu.RUnlock()

	out := make([]*model.Plan, 0, len(states))
	for _, st := range states {
		st.mu.Lock()
		out = append(out, snapshotPlan(st.plan))
		st.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Summary computes the progress report for a plan.
func (p *Planner) Summary(planID string) (model.PlanSummary, error) {
	st, err := p.state(planID)
	if err != nil {
		return model.PlanSummary{}, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return summarize(st.plan), nil
}

// Cancel marks every non-terminal task cancelled, force-denies the plan's
// outstanding confirmation requests, and stops the run loop. In-flight
// executor calls are not killed; their results are discarded on return.
func (p *Planner) Cancel(planID, reason string) error {
	st, err := p.state(planID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if model.IsPlanTerminal(st.plan.Status) {
		st.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrPlanTerminal, planID)
	}
	st.cancelled = true
	now := time.Now().UTC()
	for _, t := range st.plan.Tasks {
		if model.IsTaskTerminal(t.Status) {
			continue
		}
		if err := model.ValidateTaskTransition(t.Status, model.TaskCancelled); err != nil {
			continue
		}
		t.Status = model.TaskCancelled
		t.LastError = "cancelled: " + reason
		t.CompletedAt = &now
	}
	if err := model.ValidatePlanTransition(st.plan.Status, model.PlanCancelled); err == nil {
		st.plan.Status = model.PlanCancelled
		st.plan.CompletedAt = &now
	}
	appendLog(st.plan, "", "cancelled", reason)
	cancelRun := st.cancelRun
	st.mu.Unlock()

	denied := p.gateway.DenyPlan(planID, "plan cancelled: "+reason)
	if cancelRun != nil {
		cancelRun()
	}
	st.notify()

	p.audit(model.AuditEntry{
		Actor:   model.ActorUser,
		Action:  "plan cancelled: " + reason,
		Outcome: "cancelled",
		PlanID:  planID,
	})
	p.publishPlanFinished(planID, model.PlanCancelled)
	p.log.Infow("plan_cancelled", "plan", planID, "reason", reason, "denied_confirmations", denied)
	return nil
}

// Export renders the plan as the JSON document
// {plan_id, goal, status, created_at, tasks, summary, execution_log}.
func (p *Planner) Export(planID string) ([]byte, error) {
	st, err := p.state(planID)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	doc := struct {
		PlanID       string                    `json:"plan_id"`
		Goal         string                    `json:"goal"`
		Status       model.PlanStatus          `json:"status"`
		CreatedAt    time.Time                 `json:"created_at"`
		Tasks        []*model.Task             `json:"tasks"`
		Summary      model.PlanSummary         `json:"summary"`
		ExecutionLog []model.ExecutionLogEntry `json:"execution_log"`
	}{
		PlanID:       st.plan.ID,
		Goal:         st.plan.Goal,
		Status:       st.plan.Status,
		CreatedAt:    st.plan.CreatedAt,
		Tasks:        snapshotPlan(st.plan).Tasks,
		Summary:      summarize(st.plan),
		ExecutionLog: append([]model.ExecutionLogEntry(nil), st.plan.ExecutionLog...),
	}
	st.mu.Unlock()

	return json.MarshalIndent(doc, "", "  ")
}

// Archive writes a terminal plan to dir as YAML and drops it from the
// registry.
func (p *Planner) Archive(planID, dir string) error {
	st, err := p.state(planID)
	if err != nil {
		return err
	}

	st.mu.Lock()
	if !model.IsPlanTerminal(st.plan.Status) {
		st.mu.Unlock()
		return fmt.Errorf("plan %s is not terminal", planID)
	}
	snapshot := snapshotPlan(st.plan)
	st.mu.Unlock()

	path := filepath.Join(dir, planID+".yaml")
	if err := storage.AtomicWrite(path, snapshot); err != nil {
		return fmt.Errorf("archive plan %s: %w", planID, err)
	}

	p.mu.Lock()
	delete(p.plans, planID)
	p.mu.Unlock()

	p.log.Infow("plan_archived", "plan", planID, "path", path)
	return nil
}

// Reflection summarizes how a plan run went, with coarse recommendations.
type Reflection struct {
	TotalTasks      int      `json:"total_tasks"`
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	SuccessRate     float64  `json:"success_rate"`
	Recommendations []string `json:"recommendations,omitempty"`
}

// Reflect analyzes a plan's outcome.
func (p *Planner) Reflect(planID string) (Reflection, error) {
	sum, err := p.Summary(planID)
	if err != nil {
		return Reflection{}, err
	}

	r := Reflection{
		TotalTasks: sum.TotalTasks,
		Completed:  sum.Completed,
		Failed:     sum.Failed,
	}
	if sum.TotalTasks > 0 {
		r.SuccessRate = float64(sum.Completed) / float64(sum.TotalTasks)
	}
	if sum.Failed > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("investigate %d failed tasks", sum.Failed))
	}
	if sum.Stalled > 0 {
		r.Recommendations = append(r.Recommendations, fmt.Sprintf("restructure dependencies for %d stalled tasks", sum.Stalled))
	}
	return r, nil
}

func (p *Planner) state(planID string) (*planState, error) {
	p.mu.RLock()
	st, ok := p.plans[planID]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
	}
	return st, nil
}

func (p *Planner) audit(e model.AuditEntry) {
	if err := p.trail.Append(e); err != nil {
		p.log.Errorw("audit_append_failed", "error", err)
	}
}

func (p *Planner) publishPlanFinished(planID string, status model.PlanStatus) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.EventPlanFinished, map[string]any{
		"plan_id": planID,
		"status":  string(status),
	})
}

// appendLog records one execution log entry. Caller holds the plan lock.
func appendLog(plan *model.Plan, taskID, event, message string) {
	plan.ExecutionLog = append(plan.ExecutionLog, model.ExecutionLogEntry{
		Timestamp: time.Now().UTC(),
		TaskID:    taskID,
		Event:     event,
		Message:   message,
	})
}

// summarize computes the progress report. Caller holds the plan lock.
func summarize(plan *model.Plan) model.PlanSummary {
	sum := model.PlanSummary{
		PlanID:     plan.ID,
		Goal:       plan.Goal,
		Status:     plan.Status,
		TotalTasks: len(plan.Tasks),
	}
	for _, t := range plan.Tasks {
		switch t.Status {
		case model.TaskCompleted:
			sum.Completed++
		case model.TaskFailed:
			sum.Failed++
		case model.TaskCancelled:
			sum.Cancelled++
		case model.TaskInProgress, model.TaskRunnable:
			sum.InProgress++
		default:
			sum.Pending++
		}
		if t.StallReason != "" {
			sum.Stalled++
		}
	}
	if sum.TotalTasks > 0 {
		sum.ProgressPercent = sum.Completed * 100 / sum.TotalTasks
	}
	return sum
}

// snapshotPlan deep-copies a plan for handing outside the lock.
func snapshotPlan(plan *model.Plan) *model.Plan {
	out := *plan
	out.Tasks = make([]*model.Task, len(plan.Tasks))
	for i, t := range plan.Tasks {
		tc := *t
		tc.DependsOn = append([]string(nil), t.DependsOn...)
		out.Tasks[i] = &tc
	}
	out.ExecutionLog = append([]model.ExecutionLogEntry(nil), plan.ExecutionLog...)
	return &out
}
