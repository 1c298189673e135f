package adapter

import (
	"context"
	"fmt"

	"github.com/sentinelops/aegis/pkg/action"
)

// NetworkAdapter fronts a network enforcement point (edge firewall).
// Supported actions: block_cidr, unblock_cidr. Entity is the enforcement
// device; the cidr parameter names the range.
type NetworkAdapter struct {
	core
}

// NewNetworkAdapter creates a network adapter over the given backend.
func NewNetworkAdapter(backend Backend) *NetworkAdapter {
	return &NetworkAdapter{core: newCore(action.TargetNetwork, backend)}
}

func (a *NetworkAdapter) CheckPreconditions(ctx context.Context, req action.ActionRequest) ([]action.PreconditionResult, error) {
	st, err := a.QueryState(ctx, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("network: query state for %s: %w", req.Entity, err)
	}
	cidr, _ := req.Params["cidr"].(string)
	key := "blocked:" + cidr

	switch req.ActionType {
	case "block_cidr":
		if blocked, ok := st[key].(bool); ok && blocked {
			return []action.PreconditionResult{{Name: "cidr_not_blocked", Passed: false,
				Detail: fmt.Sprintf("cidr %s is already blocked on %s", cidr, req.Entity)}}, nil
		}
		return []action.PreconditionResult{{Name: "cidr_not_blocked", Passed: true}}, nil
	case "unblock_cidr":
		return []action.PreconditionResult{boolCheck(st, "cidr_blocked", key, true)}, nil
	default:
		return nil, fmt.Errorf("%w: network action %q", ErrUnsupported, req.ActionType)
	}
}

func (a *NetworkAdapter) DryRun(ctx context.Context, req action.ActionRequest) (string, error) {
	_ = ctx
	cidr, _ := req.Params["cidr"].(string)
	switch req.ActionType {
	case "block_cidr":
		return fmt.Sprintf("would block %s at enforcement point %s", cidr, req.Entity), nil
	case "unblock_cidr":
		return fmt.Sprintf("would unblock %s at enforcement point %s", cidr, req.Entity), nil
	default:
		return "", fmt.Errorf("%w: network action %q", ErrUnsupported, req.ActionType)
	}
}

func (a *NetworkAdapter) Execute(ctx context.Context, req action.ActionRequest) (action.ExecutionResult, error) {
	return a.run(ctx, req, req.ActionType)
}

func (a *NetworkAdapter) Rollback(ctx context.Context, req action.ActionRequest, prior action.ExecutionResult) (action.ExecutionResult, error) {
	_ = prior
	switch req.ActionType {
	case "block_cidr":
		return a.reverse(ctx, req, "unblock_cidr")
	case "unblock_cidr":
		return a.reverse(ctx, req, "block_cidr")
	default:
		return action.ExecutionResult{}, fmt.Errorf("%w: rollback of network action %q", ErrUnsupported, req.ActionType)
	}
}
