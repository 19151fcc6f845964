// Package gate implements the risk-classified confirmation gateway. Every
// non-safe action is suspended here until an external approver responds or
// the request times out.
package gate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/events"
	"github.com/akarpov/warden/internal/model"
	"github.com/akarpov/warden/internal/policy"
)

var (
	// ErrNotFound is returned when no request with the given id exists.
	ErrNotFound = errors.New("confirmation request not found")
	// ErrAlreadyResolved is returned for a late or duplicate response to a
	// request that already reached a terminal status.
	ErrAlreadyResolved = errors.New("confirmation request already resolved")
)

// DefaultTimeout bounds a confirmation wait when the caller passes none.
const DefaultTimeout = 60 * time.Second

// historyLimit caps the in-gateway resolved-request ring. The audit trail
// keeps the full record.
const historyLimit = 1000

// Ref ties a confirmation request back to the task that raised it.
type Ref struct {
	PlanID string
	TaskID string
}

type resolution struct {
	status   model.RequestStatus
	resolver string
	reason   string
}

// pendingRequest is the per-request rendezvous state. Each request carries
// its own mutex so unrelated requests never contend.
type pendingRequest struct {
	mu       sync.Mutex
	req      *model.ConfirmationRequest
	resolved bool
	done     chan resolution // buffered, written exactly once
}

// Gateway brokers approval for non-safe actions. Safe actions pass through
// immediately and blocked actions are denied immediately; warning and danger
// tiers create a pending request and suspend the caller.
type Gateway struct {
	classifier     *policy.Classifier
	trail          *audit.Trail
	bus            *events.Bus
	log            *zap.SugaredLogger
	defaultTimeout time.Duration

	// mu guards only the pending map and history ring; it is never held
	// across a wait or a per-request resolution.
	mu      sync.Mutex
	pending map[string]*pendingRequest
	history []model.ConfirmationRequest
}

// New creates a gateway. bus may be nil when no transport is attached.
func New(classifier *policy.Classifier, trail *audit.Trail, bus *events.Bus, log *zap.SugaredLogger) *Gateway {
	return &Gateway{
		classifier:     classifier,
		trail:          trail,
		bus:            bus,
		log:            log,
		defaultTimeout: DefaultTimeout,
		pending:        make(map[string]*pendingRequest),
	}
}

// SetDefaultTimeout overrides the timeout used when callers pass zero.
func (g *Gateway) SetDefaultTimeout(d time.Duration) {
	if d > 0 {
		g.defaultTimeout = d
	}
}

// Request classifies the action and, when approval is required, suspends the
// caller until a response arrives, the timeout elapses, or ctx is cancelled.
// Timeout and cancellation both resolve as denial. The returned error is
// non-nil only for infrastructure failures; policy outcomes are reported in
// the Decision.
func (g *Gateway) Request(ctx context.Context, action model.Action, ref Ref, timeout time.Duration) (model.Decision, error) {
	tier := g.classifier.Classify(action)
	desc := g.classifier.Describe(action, tier)

	switch tier {
	case model.TierSafe:
		g.audit(model.AuditEntry{
			Actor:   model.ActorSystem,
			Action:  desc,
			Tier:    tier,
			Outcome: "auto_approved",
			TaskID:  ref.TaskID,
			PlanID:  ref.PlanID,
		})
		return model.Decision{Outcome: model.OutcomeApproved, Tier: tier, Reason: "auto-approved: safe"}, nil

	case model.TierBlocked:
		reason := g.classifier.BlockReason(action)
		g.audit(model.AuditEntry{
			Actor:   model.ActorSystem,
			Action:  desc,
			Tier:    tier,
			Outcome: "blocked",
			Error:   reason,
			TaskID:  ref.TaskID,
			PlanID:  ref.PlanID,
		})
		g.log.Warnw("action_blocked", "action", action.Name, "reason", reason)
		return model.Decision{Outcome: model.OutcomeDenied, Tier: tier, Reason: reason}, nil
	}

	if timeout <= 0 {
		timeout = g.defaultTimeout
	}

	id, err := model.GenerateID(model.IDTypeRequest)
	if err != nil {
		return model.Decision{}, fmt.Errorf("generate request id: %w", err)
	}

	annotated := action
	annotated.Description = desc

	pr := &pendingRequest{
		req: &model.ConfirmationRequest{
			ID:        id,
			Action:    annotated,
			Tier:      tier,
			Status:    model.RequestPending,
			PlanID:    ref.PlanID,
			TaskID:    ref.TaskID,
			CreatedAt: time.Now().UTC(),
		},
		done: make(chan resolution, 1),
	}

	g.mu.Lock()
	g.pending[id] = pr
	g.mu.Unlock()

	g.audit(model.AuditEntry{
		Actor:     model.ActorScheduler,
		Action:    desc,
		Tier:      tier,
		Outcome:   "requested",
		RequestID: id,
		TaskID:    ref.TaskID,
		PlanID:    ref.PlanID,
	})
	g.publish(events.EventConfirmationRequested, pr.req)
	g.log.Infow("confirmation_requested", "request", id, "tier", tier, "action", action.Name, "timeout", timeout)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	// The resolution channel is written exactly once, by whichever of
	// response, timeout or cancellation wins the per-request race. Losing
	// paths fall through to the channel read below.
	select {
	case <-timer.C:
		_ = g.resolve(id, model.RequestTimedOut, model.ActorSystem, "confirmation timed out")
	case <-ctx.Done():
		_ = g.resolve(id, model.RequestDenied, model.ActorSystem, "cancelled: "+ctx.Err().Error())
	case res := <-pr.done:
		return g.finish(pr, res), nil
	}

	return g.finish(pr, <-pr.done), nil
}

// finish builds the caller-facing decision for a resolved request and emits
// the resolution audit record. resolve already moved the request out of the
// pending set and into history.
func (g *Gateway) finish(pr *pendingRequest, res resolution) model.Decision {
	pr.mu.Lock()
	req := *pr.req
	pr.mu.Unlock()

	outcome := outcomeFor(res.status)
	g.audit(model.AuditEntry{
		Actor:     res.resolver,
		Action:    req.Action.Description,
		Tier:      req.Tier,
		Outcome:   string(outcome),
		Error:     errorText(outcome, res.reason),
		RequestID: req.ID,
		TaskID:    req.TaskID,
		PlanID:    req.PlanID,
	})
	g.publish(events.EventConfirmationResolved, &req)
	g.log.Infow("confirmation_resolved", "request", req.ID, "outcome", outcome, "resolver", res.resolver)

	return model.Decision{
		Outcome:   outcome,
		Tier:      req.Tier,
		Reason:    res.reason,
		RequestID: req.ID,
		Resolver:  res.resolver,
	}
}

// SubmitResponse resolves a pending request. Safe to call late or twice:
// duplicates and unknown ids return an error and change nothing.
func (g *Gateway) SubmitResponse(requestID string, approved bool, resolver string) error {
	if resolver == "" {
		resolver = model.ActorUser
	}
	status := model.RequestDenied
	reason := "denied by " + resolver
	if approved {
		status = model.RequestApproved
		reason = "approved by " + resolver
	}
	return g.resolve(requestID, status, resolver, reason)
}

// resolve applies a terminal status to a pending request exactly once.
func (g *Gateway) resolve(requestID string, status model.RequestStatus, resolver, reason string) error {
	g.mu.Lock()
	pr, ok := g.pending[requestID]
	if !ok {
		resolved := g.inHistory(requestID)
		g.mu.Unlock()
		if resolved {
			return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
		}
		return fmt.Errorf("%w: %s", ErrNotFound, requestID)
	}
	g.mu.Unlock()

	pr.mu.Lock()
	if pr.resolved {
		pr.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	if err := model.ValidateRequestTransition(pr.req.Status, status); err != nil {
		pr.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	pr.resolved = true
	pr.req.Status = status
	pr.req.ResolvedBy = resolver
	pr.req.Reason = reason
	pr.req.ResolvedAt = &now
	req := *pr.req
	pr.mu.Unlock()

	// A resolved request leaves the pending set and enters history in one
	// critical section, so Pending never shows a terminal request and
	// duplicate responses always find it in history.
	g.mu.Lock()
	delete(g.pending, requestID)
	g.history = append(g.history, req)
	if len(g.history) > historyLimit {
		g.history = g.history[len(g.history)-historyLimit:]
	}
	g.mu.Unlock()

	pr.done <- resolution{status: status, resolver: resolver, reason: reason}
	return nil
}

// inHistory reports whether the id was already resolved. Caller holds g.mu.
func (g *Gateway) inHistory(requestID string) bool {
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].ID == requestID {
			return true
		}
	}
	return false
}

// Pending returns a snapshot of outstanding requests, oldest first.
func (g *Gateway) Pending() []model.ConfirmationRequest {
	g.mu.Lock()
	out := make([]model.ConfirmationRequest, 0, len(g.pending))
	for _, pr := range g.pending {
		pr.mu.Lock()
		out = append(out, *pr.req)
		pr.mu.Unlock()
	}
	g.mu.Unlock()

	// Request ids carry second-granularity timestamps, so CreatedAt is the
	// real ordering and the id only breaks ties.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// History returns a snapshot of the most recent resolved requests, oldest
// first, bounded by limit (all retained history if limit <= 0).
func (g *Gateway) History(limit int) []model.ConfirmationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()

	start := 0
	if limit > 0 && limit < len(g.history) {
		start = len(g.history) - limit
	}
	out := make([]model.ConfirmationRequest, len(g.history)-start)
	copy(out, g.history[start:])
	return out
}

// DenyPlan force-denies every outstanding request raised by the given plan.
// Returns the number of requests denied. Used by plan cancellation.
func (g *Gateway) DenyPlan(planID, reason string) int {
	return g.denyMatching(reason, func(req *model.ConfirmationRequest) bool {
		return req.PlanID == planID
	})
}

// DenyAll force-denies every outstanding request. Used at shutdown.
func (g *Gateway) DenyAll(reason string) int {
	return g.denyMatching(reason, func(*model.ConfirmationRequest) bool { return true })
}

func (g *Gateway) denyMatching(reason string, match func(*model.ConfirmationRequest) bool) int {
	g.mu.Lock()
	var ids []string
	for id, pr := range g.pending {
		pr.mu.Lock()
		if match(pr.req) {
			ids = append(ids, id)
		}
		pr.mu.Unlock()
	}
	g.mu.Unlock()

	denied := 0
	for _, id := range ids {
		if err := g.resolve(id, model.RequestDenied, model.ActorSystem, reason); err == nil {
			denied++
		}
	}
	return denied
}

func (g *Gateway) audit(e model.AuditEntry) {
	if err := g.trail.Append(e); err != nil {
		g.log.Errorw("audit_append_failed", "error", err)
	}
}

func (g *Gateway) publish(t events.EventType, req *model.ConfirmationRequest) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(t, map[string]any{
		"request_id":  req.ID,
		"tier":        string(req.Tier),
		"status":      string(req.Status),
		"description": req.Action.Description,
		"plan_id":     req.PlanID,
		"task_id":     req.TaskID,
	})
}

func outcomeFor(s model.RequestStatus) model.Outcome {
	switch s {
	case model.RequestApproved:
		return model.OutcomeApproved
	case model.RequestTimedOut:
		return model.OutcomeTimedOut
	default:
		return model.OutcomeDenied
	}
}

func errorText(o model.Outcome, reason string) string {
	if o == model.OutcomeApproved {
		return ""
	}
	return reason
}
