// Package policy evaluates an action request against operator-supplied
// guardrail constraints before anything touches an external system. The
// engine is fail-closed: a constraint that cannot be evaluated denies the
// request.
package policy

import (
	"fmt"
	"os"
	"sync"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/sentinelops/aegis/pkg/action"
)

// Policy holds the recognized guardrail options.
type Policy struct {
	// MaxBlastRadius caps the number of addresses a network action may
	// affect. Zero means the default cap.
	MaxBlastRadius int `yaml:"max_blast_radius"`

	// AllowedTargets restricts which target systems may be acted on.
	// Empty means all known targets are allowed.
	AllowedTargets []string `yaml:"allowed_targets"`

	// RequiresDualApproval lists action keys ("EDR/isolate_host") or bare
	// target systems ("NETWORK") that must be co-signed by two approvers.
	RequiresDualApproval []string `yaml:"requires_dual_approval"`

	// ReservedCIDRs are ranges no network action may cover. Empty means
	// the built-in reserved set.
	ReservedCIDRs []string `yaml:"reserved_cidrs"`

	// ConstraintRules are CEL expressions over the request; every rule
	// must evaluate to true for the request to proceed.
	ConstraintRules []string `yaml:"constraint_rules"`
}

// DefaultPolicy returns the policy applied when no file is supplied.
func DefaultPolicy() Policy {
	return Policy{
		MaxBlastRadius: 65536,
	}
}

// LoadPolicy reads a YAML policy document.
func LoadPolicy(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("policy: read %s: %w", path, err)
	}
	p := DefaultPolicy()
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, fmt.Errorf("policy: parse %s: %w", path, err)
	}
	if p.MaxBlastRadius <= 0 {
		p.MaxBlastRadius = DefaultPolicy().MaxBlastRadius
	}
	return p, nil
}

// Engine compiles constraint rules once and decides requests.
type Engine struct {
	policy   Policy
	reserved []reservedRange
	env      *cel.Env

	mu       sync.RWMutex
	prgCache map[string]cel.Program
}

// NewEngine builds an engine for the given policy. Constraint rules are
// compiled eagerly so a malformed rule fails at startup, not per request.
func NewEngine(p Policy) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("request", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("policy: cel environment: %w", err)
	}

	reserved, err := parseReserved(p.ReservedCIDRs)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		policy:   p,
		reserved: reserved,
		env:      env,
		prgCache: make(map[string]cel.Program),
	}
	for _, rule := range p.ConstraintRules {
		if _, err := e.program(rule); err != nil {
			return nil, fmt.Errorf("policy: rule %q: %w", rule, err)
		}
	}
	return e, nil
}

// Decide validates the request's shape and applies policy constraints.
// Pure over request + policy: no side effects, no external calls.
func (e *Engine) Decide(req action.ActionRequest) action.ActionDecision {
	var checks []action.PreconditionResult

	if err := action.ValidateShape(req); err != nil {
		checks = append(checks, action.PreconditionResult{Name: "schema", Passed: false, Detail: err.Error()})
		return action.ActionDecision{Verdict: action.VerdictDenied, Reason: err.Error(), Checks: checks}
	}
	checks = append(checks, action.PreconditionResult{Name: "schema", Passed: true})

	if !e.targetAllowed(req.Target) {
		checks = append(checks, action.PreconditionResult{Name: "allowed_targets", Passed: false,
			Detail: fmt.Sprintf("target %s not in allowed_targets", req.Target)})
		return action.ActionDecision{
			Verdict: action.VerdictDenied,
			Reason:  fmt.Sprintf("target %s is not permitted by policy", req.Target),
			Checks:  checks,
		}
	}
	checks = append(checks, action.PreconditionResult{Name: "allowed_targets", Passed: true})

	if req.Target == action.TargetNetwork {
		if res := e.checkNetworkScope(req); !res.Passed {
			checks = append(checks, res)
			return action.ActionDecision{Verdict: action.VerdictDenied, Reason: res.Detail, Checks: checks}
		} else {
			checks = append(checks, res)
		}
	}

	for _, rule := range e.policy.ConstraintRules {
		ok, err := e.evaluate(rule, req)
		if err != nil {
			// Fail closed on evaluation errors.
			checks = append(checks, action.PreconditionResult{Name: "constraint_rule", Passed: false, Detail: err.Error()})
			return action.ActionDecision{
				Verdict: action.VerdictDenied,
				Reason:  fmt.Sprintf("constraint rule evaluation failed: %v", err),
				Checks:  checks,
			}
		}
		if !ok {
			checks = append(checks, action.PreconditionResult{Name: "constraint_rule", Passed: false, Detail: rule})
			return action.ActionDecision{
				Verdict: action.VerdictDenied,
				Reason:  fmt.Sprintf("constraint rule violated: %s", rule),
				Checks:  checks,
			}
		}
	}
	if len(e.policy.ConstraintRules) > 0 {
		checks = append(checks, action.PreconditionResult{Name: "constraint_rules", Passed: true})
	}

	if e.needsDualApproval(req) {
		return action.ActionDecision{
			Verdict: action.VerdictRequiresApproval,
			Reason:  fmt.Sprintf("%s requires dual approval", action.SchemaKey(req.Target, req.ActionType)),
			Checks:  checks,
			Quorum:  2,
		}
	}

	return action.ActionDecision{Verdict: action.VerdictApproved, Reason: "policy constraints satisfied", Checks: checks}
}

func (e *Engine) targetAllowed(t action.TargetSystem) bool {
	if len(e.policy.AllowedTargets) == 0 {
		return true
	}
	for _, allowed := range e.policy.AllowedTargets {
		if allowed == string(t) {
			return true
		}
	}
	return false
}

func (e *Engine) needsDualApproval(req action.ActionRequest) bool {
	key := action.SchemaKey(req.Target, req.ActionType)
	for _, entry := range e.policy.RequiresDualApproval {
		if entry == key || entry == string(req.Target) {
			return true
		}
	}
	return false
}

func (e *Engine) evaluate(rule string, req action.ActionRequest) (bool, error) {
	prg, err := e.program(rule)
	if err != nil {
		return false, err
	}
	params := map[string]any{}
	for k, v := range req.Params {
		params[k] = v
	}
	out, _, err := prg.Eval(map[string]any{
		"request": map[string]any{
			"target":       string(req.Target),
			"action_type":  req.ActionType,
			"entity":       req.Entity,
			"params":       params,
			"requested_by": req.RequestedBy,
		},
	})
	if err != nil {
		return false, err
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("rule did not evaluate to bool")
	}
	return allowed, nil
}

func (e *Engine) program(rule string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[rule]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[rule]; hit {
		return prg, nil
	}
	ast, iss := e.env.Compile(rule)
	if iss != nil && iss.Err() != nil {
		return nil, iss.Err()
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, err
	}
	e.prgCache[rule] = prg
	return prg, nil
}
