package action

import (
	"errors"
	"fmt"
)

// ErrValidation marks a malformed or unrecognized request. Validation
// failures are local and never retried.
var ErrValidation = errors.New("validation failed")

// ValidateShape checks that the request is well-formed: recognized target
// and action type, entity present, parameters matching the action's schema.
// Pure over the request; policy constraints are layered on by the policy
// engine.
func ValidateShape(req ActionRequest) error {
	if !req.Target.Valid() {
		return fmt.Errorf("%w: unknown target system %q", ErrValidation, string(req.Target))
	}
	if req.ActionType == "" {
		return fmt.Errorf("%w: action type is required", ErrValidation)
	}
	if !KnownAction(req.Target, req.ActionType) {
		return fmt.Errorf("%w: unknown action %q for target %s", ErrValidation, req.ActionType, req.Target)
	}
	if req.Entity == "" {
		return fmt.Errorf("%w: target entity is required", ErrValidation)
	}
	if req.CorrelationID == "" {
		return fmt.Errorf("%w: correlation ID is required", ErrValidation)
	}
	if req.RequestedBy == "" {
		return fmt.Errorf("%w: requesting principal is required", ErrValidation)
	}
	if err := validateParams(req); err != nil {
		return fmt.Errorf("%w: parameters for %s: %v", ErrValidation, SchemaKey(req.Target, req.ActionType), err)
	}
	return nil
}

// Mutating reports whether the action changes external state. Read-only
// actions are trivially idempotent and safe to retry.
func Mutating(target TargetSystem, actionType string) bool {
	return !(target == TargetSIEM && actionType == "run_query")
}
