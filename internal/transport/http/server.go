// Package http exposes the approver API over HTTP: pending confirmation
// requests, approve/deny responses, plan progress and the audit trail. It
// binds to loopback by default; approval is a local-user action.
package http

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/akarpov/warden/internal/audit"
	"github.com/akarpov/warden/internal/config"
	"github.com/akarpov/warden/internal/gate"
	"github.com/akarpov/warden/internal/planner"
)

type errorResponse struct {
	Error string `json:"error"`
}

type respondRequest struct {
	Approved bool   `json:"approved"`
	Resolver string `json:"resolver"`
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Server hosts the approver API.
type Server struct {
	app     *fiber.App
	gateway *gate.Gateway
	planner *planner.Planner
	trail   *audit.Trail
	log     *zap.SugaredLogger
	addr    string
}

func NewServer(cfg config.ServerConfig, gw *gate.Gateway, pl *planner.Planner, trail *audit.Trail, log *zap.SugaredLogger) *Server {
	app := fiber.New(fiber.Config{
		AppName:               "warden",
		DisableStartupMessage: true,
		ReadTimeout:           cfg.ReadTimeout,
		WriteTimeout:          cfg.WriteTimeout,
		IdleTimeout:           cfg.IdleTimeout,
	})

	s := &Server{
		app:     app,
		gateway: gw,
		planner: pl,
		trail:   trail,
		log:     log,
		addr:    cfg.Address(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Get("/healthz", s.health)

	api := s.app.Group("/api")
	api.Get("/confirmations/pending", s.listPending)
	api.Post("/confirmations/:id/respond", s.respond)
	api.Get("/confirmations/history", s.history)
	api.Get("/plans", s.listPlans)
	api.Get("/plans/:id", s.getPlan)
	api.Post("/plans/:id/cancel", s.cancelPlan)
	api.Get("/audit", s.auditTail)
}

// Listen blocks serving the API until Shutdown is called.
func (s *Server) Listen() error {
	s.log.Infow("http_listen", "addr", s.addr)
	return s.app.Listen(s.addr)
}

// Shutdown drains connections with a deadline.
func (s *Server) Shutdown(timeout time.Duration) error {
	return s.app.ShutdownWithTimeout(timeout)
}

func (s *Server) health(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) listPending(c *fiber.Ctx) error {
	pending := s.gateway.Pending()
	return c.JSON(fiber.Map{
		"count":    len(pending),
		"requests": pending,
	})
}

func (s *Server) respond(c *fiber.Ctx) error {
	id := c.Params("id")

	var req respondRequest
	if err := c.BodyParser(&req); err != nil {
		s.log.Warnw("respond_body_parse_failed", "error", err)
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{
			Error: "invalid request body",
		})
	}

	err := s.gateway.SubmitResponse(id, req.Approved, req.Resolver)
	switch {
	case errors.Is(err, gate.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{
			Error: err.Error(),
		})
	case errors.Is(err, gate.ErrAlreadyResolved):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Error: err.Error(),
		})
	case err != nil:
		s.log.Errorw("respond_failed", "request", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error: err.Error(),
		})
	}

	s.log.Infow("confirmation_responded", "request", id, "approved", req.Approved)
	return c.JSON(fiber.Map{
		"request_id": id,
		"approved":   req.Approved,
	})
}

func (s *Server) history(c *fiber.Ctx) error {
	limit := parseLimit(c.Query("limit"), 100)
	return c.JSON(s.gateway.History(limit))
}

func (s *Server) listPlans(c *fiber.Ctx) error {
	plans := s.planner.List()
	summaries := make([]any, 0, len(plans))
	for _, p := range plans {
		sum, err := s.planner.Summary(p.ID)
		if err != nil {
			continue
		}
		summaries = append(summaries, sum)
	}
	return c.JSON(fiber.Map{
		"count": len(summaries),
		"plans": summaries,
	})
}

func (s *Server) getPlan(c *fiber.Ctx) error {
	doc, err := s.planner.Export(c.Params("id"))
	if err != nil {
		if errors.Is(err, planner.ErrPlanNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(errorResponse{
				Error: err.Error(),
			})
		}
		s.log.Errorw("plan_export_failed", "plan", c.Params("id"), "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error: err.Error(),
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(doc)
}

func (s *Server) cancelPlan(c *fiber.Ctx) error {
	id := c.Params("id")

	var req cancelRequest
	if err := c.BodyParser(&req); err != nil && !errors.Is(err, fiber.ErrUnprocessableEntity) {
		req.Reason = ""
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	err := s.planner.Cancel(id, req.Reason)
	switch {
	case errors.Is(err, planner.ErrPlanNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{
			Error: err.Error(),
		})
	case errors.Is(err, planner.ErrPlanTerminal):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{
			Error: err.Error(),
		})
	case err != nil:
		s.log.Errorw("plan_cancel_failed", "plan", id, "error", err)
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{
			Error: err.Error(),
		})
	}

	return c.JSON(fiber.Map{
		"plan_id": id,
		"status":  "cancelled",
	})
}

func (s *Server) auditTail(c *fiber.Ctx) error {
	limit := parseLimit(c.Query("limit"), 100)
	entries := s.trail.Tail(limit)
	return c.JSON(fiber.Map{
		"count":   len(entries),
		"entries": entries,
	})
}

func parseLimit(raw string, def int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
