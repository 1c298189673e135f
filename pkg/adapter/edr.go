package adapter

import (
	"context"
	"fmt"

	"github.com/sentinelops/aegis/pkg/action"
)

// EDRAdapter fronts an endpoint detection and response backend. Supported
// actions: isolate_host, release_host, kill_process.
type EDRAdapter struct {
	core
}

// NewEDRAdapter creates an EDR adapter over the given backend.
func NewEDRAdapter(backend Backend) *EDRAdapter {
	return &EDRAdapter{core: newCore(action.TargetEDR, backend)}
}

func (a *EDRAdapter) CheckPreconditions(ctx context.Context, req action.ActionRequest) ([]action.PreconditionResult, error) {
	st, err := a.QueryState(ctx, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("edr: query state for %s: %w", req.Entity, err)
	}
	switch req.ActionType {
	case "isolate_host":
		// Isolation requires a live agent connection.
		return []action.PreconditionResult{boolCheck(st, "host_online", "online", true)}, nil
	case "release_host":
		return []action.PreconditionResult{
			boolCheck(st, "host_online", "online", true),
			boolCheck(st, "host_isolated", "isolated", true),
		}, nil
	case "kill_process":
		return []action.PreconditionResult{
			boolCheck(st, "host_online", "online", true),
			boolCheck(st, "process_running", "process_running", true),
		}, nil
	default:
		return nil, fmt.Errorf("%w: edr action %q", ErrUnsupported, req.ActionType)
	}
}

func (a *EDRAdapter) DryRun(ctx context.Context, req action.ActionRequest) (string, error) {
	_ = ctx
	switch req.ActionType {
	case "isolate_host":
		return fmt.Sprintf("would isolate host %s from the network, retaining the agent control channel", req.Entity), nil
	case "release_host":
		return fmt.Sprintf("would lift network isolation on host %s", req.Entity), nil
	case "kill_process":
		return fmt.Sprintf("would terminate pid %v on host %s", req.Params["pid"], req.Entity), nil
	default:
		return "", fmt.Errorf("%w: edr action %q", ErrUnsupported, req.ActionType)
	}
}

func (a *EDRAdapter) Execute(ctx context.Context, req action.ActionRequest) (action.ExecutionResult, error) {
	return a.run(ctx, req, req.ActionType)
}

func (a *EDRAdapter) Rollback(ctx context.Context, req action.ActionRequest, prior action.ExecutionResult) (action.ExecutionResult, error) {
	_ = prior
	switch req.ActionType {
	case "isolate_host":
		return a.reverse(ctx, req, "release_host")
	case "release_host":
		return a.reverse(ctx, req, "isolate_host")
	default:
		return action.ExecutionResult{}, fmt.Errorf("%w: rollback of edr action %q", ErrUnsupported, req.ActionType)
	}
}
