// Package verifier decides whether an action is safe to run and confirms
// that the intended state change actually happened. Preconditions gate
// execution; postconditions poll the adapter's state with bounded backoff.
//
// A postcondition that never confirms does NOT mean the action failed: the
// side effect may have landed even though confirmation did not. Callers must
// treat that as unconfirmed and never retry blindly.
package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sentinelops/aegis/pkg/action"
	"github.com/sentinelops/aegis/pkg/adapter"
)

// Expectation is a named assertion about one state key after execution.
type Expectation struct {
	Name     string
	StateKey string
	Expected any
}

// expectations maps action keys to the state the action is meant to produce.
var expectations = map[string][]Expectation{
	"EDR/isolate_host":    {{Name: "host_isolated", StateKey: "isolated", Expected: true}},
	"EDR/release_host":    {{Name: "host_released", StateKey: "isolated", Expected: false}},
	"EDR/kill_process":    {{Name: "process_stopped", StateKey: "process_running", Expected: false}},
	"IDP/disable_user":    {{Name: "user_disabled", StateKey: "enabled", Expected: false}},
	"IDP/enable_user":     {{Name: "user_enabled", StateKey: "enabled", Expected: true}},
	"IDP/revoke_sessions": {{Name: "sessions_cleared", StateKey: "active_sessions", Expected: 0}},
	// SIEM queries are read-only; nothing to confirm.
	"SIEM/run_query": nil,
}

// ExpectationsFor returns the postconditions for a request. Network actions
// derive their expectation from the cidr parameter.
func ExpectationsFor(req action.ActionRequest) []Expectation {
	if req.Target == action.TargetNetwork {
		cidr, _ := req.Params["cidr"].(string)
		switch req.ActionType {
		case "block_cidr":
			return []Expectation{{Name: "cidr_blocked", StateKey: "blocked:" + cidr, Expected: true}}
		case "unblock_cidr":
			return []Expectation{{Name: "cidr_unblocked", StateKey: "blocked:" + cidr, Expected: false}}
		}
		return nil
	}
	return expectations[action.SchemaKey(req.Target, req.ActionType)]
}

// Verifier runs pre and postcondition checks with a bounded polling policy.
type Verifier struct {
	// InitialInterval is the first postcondition poll delay.
	InitialInterval time.Duration
	// Multiplier grows the delay between polls.
	Multiplier float64
	// MaxAttempts bounds the number of polls before giving up.
	MaxAttempts int
}

// New returns a verifier with the default policy: 1s initial interval,
// factor 2, at most 5 attempts.
func New() *Verifier {
	return &Verifier{
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxAttempts:     5,
	}
}

// RunPreconditions evaluates the adapter's preconditions. It returns
// passed=false with the failing checks when any check fails, and an error
// only when the checks could not be evaluated at all.
func (v *Verifier) RunPreconditions(ctx context.Context, ad adapter.Adapter, req action.ActionRequest) (bool, []action.PreconditionResult, error) {
	checks, err := ad.CheckPreconditions(ctx, req)
	if err != nil {
		return false, nil, fmt.Errorf("verifier: preconditions for %s: %w", req.CorrelationID, err)
	}
	passed := true
	for _, c := range checks {
		if !c.Passed {
			passed = false
		}
	}
	return passed, checks, nil
}

// Confirm polls the adapter's state until every expectation holds or the
// attempt budget is spent. confirmed=false with a nil error is the
// unconfirmed outcome; the caller decides what that means for the action.
// An error means the state could not be read at all, so nothing was
// observed either way.
func (v *Verifier) Confirm(ctx context.Context, ad adapter.Adapter, req action.ActionRequest) ([]action.PostconditionCheck, bool, error) {
	exps := ExpectationsFor(req)
	if len(exps) == 0 {
		return nil, true, nil
	}

	checks := make([]action.PostconditionCheck, len(exps))
	for i, e := range exps {
		checks[i] = action.PostconditionCheck{
			Name:     e.Name,
			Expected: fmt.Sprintf("%s=%v", e.StateKey, e.Expected),
		}
	}

	attempts := 0
	poll := func() (adapter.State, error) {
		attempts++
		st, err := ad.QueryState(ctx, req.Entity)
		if err != nil {
			// Read errors are retryable within the budget.
			return nil, err
		}
		for _, e := range exps {
			if !holds(st, e) {
				return nil, fmt.Errorf("expectation %s not yet observed", e.Name)
			}
		}
		return st, nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = v.InitialInterval
	policy.Multiplier = v.Multiplier
	policy.RandomizationFactor = 0

	st, err := backoff.Retry(ctx, poll,
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(v.MaxAttempts)),
	)
	if err != nil {
		// Budget or deadline spent without confirmation. Record what was
		// last observable, if anything.
		last, stateErr := ad.QueryState(context.WithoutCancel(ctx), req.Entity)
		if stateErr != nil {
			for i := range checks {
				checks[i].Attempts = attempts
			}
			return checks, false, fmt.Errorf("verifier: postconditions for %s: state unreadable: %w",
				req.CorrelationID, stateErr)
		}
		for i, e := range exps {
			checks[i].Attempts = attempts
			checks[i].Observed = fmt.Sprintf("%s=%v", e.StateKey, last[e.StateKey])
			checks[i].Confirmed = holds(adapter.State(last), e)
		}
		return checks, allConfirmed(checks), nil
	}

	for i, e := range exps {
		checks[i].Attempts = attempts
		checks[i].Observed = fmt.Sprintf("%s=%v", e.StateKey, st[e.StateKey])
		checks[i].Confirmed = true
	}
	return checks, true, nil
}

func holds(st adapter.State, e Expectation) bool {
	v, ok := st[e.StateKey]
	if !ok {
		return false
	}
	// Values cross a JSON boundary on real backends, so 0 and float64(0)
	// must compare equal.
	return fmt.Sprintf("%v", v) == fmt.Sprintf("%v", e.Expected)
}

func allConfirmed(checks []action.PostconditionCheck) bool {
	for _, c := range checks {
		if !c.Confirmed {
			return false
		}
	}
	return len(checks) > 0
}
