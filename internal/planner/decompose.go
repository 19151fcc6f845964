package planner

import (
	"context"
	"fmt"

	"github.com/akarpov/warden/internal/model"
)

// Step is one unit of a goal decomposition as supplied by a Decomposer.
// ID and DependsOn are optional; steps without dependencies run in order of
// appearance.
type Step struct {
	ID          string
	Description string
	Category    model.ActionCategory
	ActionName  string
	Details     map[string]string
	DependsOn   []string
	MaxRetries  int
}

// Decomposer breaks a goal into ordered steps. Implementations may be slow
// (LLM-backed) and may fail; the planner falls back to a fixed skeleton.
type Decomposer interface {
	Decompose(ctx context.Context, goal string) ([]Step, error)
}

// Executor performs the side-effecting work of an approved task.
// Implementations own their own cancellation; an error return is treated as
// transient and retried up to the task's bound.
type Executor interface {
	Execute(ctx context.Context, task *model.Task) (any, error)
}

// FallbackDecomposer produces the fixed generic skeleton used when no
// decomposition collaborator is available or the collaborator fails.
type FallbackDecomposer struct{}

func (FallbackDecomposer) Decompose(_ context.Context, goal string) ([]Step, error) {
	return []Step{
		{Description: fmt.Sprintf("Analyze: %s", goal), Category: model.CategoryObservation},
		{Description: fmt.Sprintf("Plan: break down %s into smaller parts", goal), Category: model.CategoryObservation},
		{Description: fmt.Sprintf("Setup: prepare environment for %s", goal), Category: model.CategoryObservation},
		{Description: fmt.Sprintf("Execute: perform main %s", goal), Category: model.CategorySystemCommand},
		{Description: fmt.Sprintf("Validate: check if %s completed", goal), Category: model.CategoryObservation},
		{Description: fmt.Sprintf("Optimize: improve %s execution", goal), Category: model.CategoryObservation},
		{Description: fmt.Sprintf("Document: log results of %s", goal), Category: model.CategoryObservation},
	}, nil
}
