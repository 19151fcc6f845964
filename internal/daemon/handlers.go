package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/gate"
	"github.com/akarpov/warden/internal/planner"
	"github.com/akarpov/warden/internal/uds"
)

type submitGoalParams struct {
	Goal string `json:"goal"`
	// Wait blocks the request until the run finishes and returns the
	// summary. Default is asynchronous.
	Wait bool `json:"wait,omitempty"`
}

type respondParams struct {
	RequestID string `json:"request_id"`
	Resolver  string `json:"resolver,omitempty"`
}

type planParams struct {
	PlanID string `json:"plan_id"`
	Reason string `json:"reason,omitempty"`
}

type historyParams struct {
	Limit int `json:"limit,omitempty"`
}

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(req *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("submit_goal", d.handleSubmitGoal)
	d.server.Handle("pending", d.handlePending)
	d.server.Handle("approve", d.handleApprove)
	d.server.Handle("deny", d.handleDeny)
	d.server.Handle("history", d.handleHistory)
	d.server.Handle("plans", d.handlePlans)
	d.server.Handle("plan", d.handlePlan)
	d.server.Handle("cancel", d.handleCancel)
	d.server.Handle("audit", d.handleAudit)
	d.server.Handle("verify", d.handleVerify)
	d.server.Handle("status", d.handleStatus)

	d.server.Handle("shutdown", func(req *uds.Request) *uds.Response {
		d.log.Infow("shutdown_requested_via_uds")
		go d.Shutdown()
		return uds.SuccessResponse(map[string]string{"status": "shutdown_accepted"})
	})
}

func (d *Daemon) handleSubmitGoal(req *uds.Request) *uds.Response {
	var params submitGoalParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Goal == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "goal is required")
	}

	plan, err := d.planner.BuildPlan(d.ctx, params.Goal)
	if err != nil {
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	if params.Wait {
		sum, runErr := d.runPlan(plan.ID)
		resp := map[string]any{
			"plan_id": plan.ID,
			"summary": sum,
		}
		if runErr != nil {
			resp["warning"] = runErr.Error()
		}
		return uds.SuccessResponse(resp)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if _, err := d.runPlan(plan.ID); err != nil {
			d.log.Warnw("plan_run_finished_with_error", "plan", plan.ID, "error", err)
		}
	}()

	return uds.SuccessResponse(map[string]any{
		"plan_id": plan.ID,
		"tasks":   len(plan.Tasks),
		"status":  string(plan.Status),
	})
}

// runPlan runs a plan to completion and archives the terminal result.
func (d *Daemon) runPlan(planID string) (any, error) {
	sum, err := d.planner.Run(d.ctx, planID)
	if err != nil && !errors.Is(err, planner.ErrStalled) {
		return sum, err
	}
	if archiveErr := d.planner.Archive(planID, d.cfg.Planner.ArchiveDir); archiveErr != nil {
		d.log.Warnw("plan_archive_failed", "plan", planID, "error", archiveErr)
	}
	return sum, err
}

func (d *Daemon) handlePending(req *uds.Request) *uds.Response {
	pending := d.gateway.Pending()
	return uds.SuccessResponse(map[string]any{
		"count":    len(pending),
		"requests": pending,
	})
}

func (d *Daemon) handleApprove(req *uds.Request) *uds.Response {
	return d.handleResolution(req, true)
}

func (d *Daemon) handleDeny(req *uds.Request) *uds.Response {
	return d.handleResolution(req, false)
}

func (d *Daemon) handleResolution(req *uds.Request, approved bool) *uds.Response {
	var params respondParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.RequestID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "request_id is required")
	}

	err := d.gateway.SubmitResponse(params.RequestID, approved, params.Resolver)
	switch {
	case errors.Is(err, gate.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, gate.ErrAlreadyResolved):
		return uds.ErrorResponse(uds.ErrCodeAlreadyResolved, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	return uds.SuccessResponse(map[string]any{
		"request_id": params.RequestID,
		"approved":   approved,
	})
}

func (d *Daemon) handleHistory(req *uds.Request) *uds.Response {
	var params historyParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}
	return uds.SuccessResponse(d.gateway.History(params.Limit))
}

func (d *Daemon) handlePlans(req *uds.Request) *uds.Response {
	plans := d.planner.List()
	summaries := make([]any, 0, len(plans))
	for _, p := range plans {
		sum, err := d.planner.Summary(p.ID)
		if err != nil {
			continue
		}
		summaries = append(summaries, sum)
	}
	return uds.SuccessResponse(map[string]any{
		"count": len(summaries),
		"plans": summaries,
	})
}

func (d *Daemon) handlePlan(req *uds.Request) *uds.Response {
	var params planParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PlanID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "plan_id is required")
	}

	doc, err := d.planner.Export(params.PlanID)
	if err != nil {
		if errors.Is(err, planner.ErrPlanNotFound) {
			return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
		}
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
	return &uds.Response{Success: true, Data: doc}
}

func (d *Daemon) handleCancel(req *uds.Request) *uds.Response {
	var params planParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.PlanID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "plan_id is required")
	}
	if params.Reason == "" {
		params.Reason = "cancelled via cli"
	}

	err := d.planner.Cancel(params.PlanID, params.Reason)
	switch {
	case errors.Is(err, planner.ErrPlanNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, planner.ErrPlanTerminal):
		return uds.ErrorResponse(uds.ErrCodeTerminal, err.Error())
	case err != nil:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}

	return uds.SuccessResponse(map[string]string{
		"plan_id": params.PlanID,
		"status":  "cancelled",
	})
}

func (d *Daemon) handleAudit(req *uds.Request) *uds.Response {
	var params historyParams
	if len(req.Params) > 0 {
		_ = json.Unmarshal(req.Params, &params)
	}
	if params.Limit <= 0 {
		params.Limit = 50
	}
	entries := d.trail.Tail(params.Limit)
	return uds.SuccessResponse(map[string]any{
		"count":   len(entries),
		"entries": entries,
	})
}

func (d *Daemon) handleVerify(req *uds.Request) *uds.Response {
	violations := d.guard.Verify()

	total, valid, err := audit.VerifyFile(d.auditLog.Path())
	result := map[string]any{
		"files_checked":  len(d.guard.Paths()),
		"violations":     violations,
		"audit_entries":  total,
		"audit_verified": valid,
	}
	if err != nil {
		result["audit_error"] = err.Error()
	}
	return uds.SuccessResponse(result)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(map[string]any{
		"pid":                  os.Getpid(),
		"uptime":               time.Since(d.startedAt).Round(time.Second).String(),
		"plans":                len(d.planner.List()),
		"pending_requests":     len(d.gateway.Pending()),
		"audit_entries":        d.trail.Len(),
		"protected_files":      len(d.guard.Paths()),
		"http_server_enabled":  d.cfg.Server.Enabled,
		"confirmation_timeout": d.cfg.Planner.ConfirmTimeout.String(),
	})
}

// Context exposes the daemon lifetime context.
func (d *Daemon) Context() context.Context { return d.ctx }
