package adapter

import (
	"context"
	"fmt"

	"github.com/sentinelops/aegis/pkg/action"
)

// SIEMAdapter fronts a SIEM search head. The only supported action,
// run_query, is read-only and therefore trivially idempotent.
type SIEMAdapter struct {
	core
}

// NewSIEMAdapter creates a SIEM adapter over the given backend.
func NewSIEMAdapter(backend Backend) *SIEMAdapter {
	return &SIEMAdapter{core: newCore(action.TargetSIEM, backend)}
}

func (a *SIEMAdapter) CheckPreconditions(ctx context.Context, req action.ActionRequest) ([]action.PreconditionResult, error) {
	if req.ActionType != "run_query" {
		return nil, fmt.Errorf("%w: siem action %q", ErrUnsupported, req.ActionType)
	}
	// Reachability is the only gate for a read-only query.
	if _, err := a.QueryState(ctx, req.Entity); err != nil {
		return []action.PreconditionResult{{Name: "siem_reachable", Passed: false, Detail: err.Error()}}, nil
	}
	return []action.PreconditionResult{{Name: "siem_reachable", Passed: true}}, nil
}

func (a *SIEMAdapter) DryRun(ctx context.Context, req action.ActionRequest) (string, error) {
	_ = ctx
	return fmt.Sprintf("would run query %q against %s", req.Params["query"], req.Entity), nil
}

func (a *SIEMAdapter) Execute(ctx context.Context, req action.ActionRequest) (action.ExecutionResult, error) {
	return a.run(ctx, req, req.ActionType)
}

func (a *SIEMAdapter) Rollback(ctx context.Context, req action.ActionRequest, prior action.ExecutionResult) (action.ExecutionResult, error) {
	_, _ = req, prior
	return action.ExecutionResult{}, fmt.Errorf("%w: siem queries have no effect to roll back", ErrUnsupported)
}
