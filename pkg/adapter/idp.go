package adapter

import (
	"context"
	"fmt"

	"github.com/sentinelops/aegis/pkg/action"
)

// IDPAdapter fronts an identity provider backend. Supported actions:
// disable_user, enable_user, revoke_sessions.
type IDPAdapter struct {
	core
}

// NewIDPAdapter creates an IDP adapter over the given backend.
func NewIDPAdapter(backend Backend) *IDPAdapter {
	return &IDPAdapter{core: newCore(action.TargetIDP, backend)}
}

func (a *IDPAdapter) CheckPreconditions(ctx context.Context, req action.ActionRequest) ([]action.PreconditionResult, error) {
	st, err := a.QueryState(ctx, req.Entity)
	if err != nil {
		return nil, fmt.Errorf("idp: query state for %s: %w", req.Entity, err)
	}
	switch req.ActionType {
	case "disable_user":
		return []action.PreconditionResult{boolCheck(st, "user_enabled", "enabled", true)}, nil
	case "enable_user":
		return []action.PreconditionResult{boolCheck(st, "user_disabled", "enabled", false)}, nil
	case "revoke_sessions":
		return []action.PreconditionResult{sessionCheck(st)}, nil
	default:
		return nil, fmt.Errorf("%w: idp action %q", ErrUnsupported, req.ActionType)
	}
}

func sessionCheck(st State) action.PreconditionResult {
	n, ok := toInt(st["active_sessions"])
	if !ok {
		return action.PreconditionResult{Name: "sessions_present", Passed: false,
			Detail: "state key \"active_sessions\" absent or not numeric"}
	}
	if n == 0 {
		return action.PreconditionResult{Name: "sessions_present", Passed: false,
			Detail: "no active sessions to revoke"}
	}
	return action.PreconditionResult{Name: "sessions_present", Passed: true}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func (a *IDPAdapter) DryRun(ctx context.Context, req action.ActionRequest) (string, error) {
	_ = ctx
	switch req.ActionType {
	case "disable_user":
		return fmt.Sprintf("would disable identity %s, blocking new sign-ins", req.Entity), nil
	case "enable_user":
		return fmt.Sprintf("would re-enable identity %s", req.Entity), nil
	case "revoke_sessions":
		return fmt.Sprintf("would revoke all active sessions for identity %s", req.Entity), nil
	default:
		return "", fmt.Errorf("%w: idp action %q", ErrUnsupported, req.ActionType)
	}
}

func (a *IDPAdapter) Execute(ctx context.Context, req action.ActionRequest) (action.ExecutionResult, error) {
	return a.run(ctx, req, req.ActionType)
}

func (a *IDPAdapter) Rollback(ctx context.Context, req action.ActionRequest, prior action.ExecutionResult) (action.ExecutionResult, error) {
	_ = prior
	switch req.ActionType {
	case "disable_user":
		return a.reverse(ctx, req, "enable_user")
	case "enable_user":
		return a.reverse(ctx, req, "disable_user")
	default:
		// Revoked sessions cannot be restored.
		return action.ExecutionResult{}, fmt.Errorf("%w: rollback of idp action %q", ErrUnsupported, req.ActionType)
	}
}
