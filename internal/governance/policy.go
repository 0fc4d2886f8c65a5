package governance

import (
	"context"
	"fmt"
	"regexp"

	"github.com/rahul/retailpipe/pkg/config"
)

// Effect defines the result of a policy evaluation.
type Effect string

const (
	EffectAllow Effect = "allow"
	EffectDeny  Effect = "deny"
)

// Request describes a pipeline step about to be executed.
type Request struct {
	Step    string
	Command string
}

// Result contains the outcome of a policy evaluation.
type Result struct {
	Effect Effect
	Reason string
}

// PolicyEngine evaluates step commands against a set of rules.
type PolicyEngine interface {
	Evaluate(ctx context.Context, req Request) (Result, error)
}

// DefaultPolicyEngine denies steps by name or by command pattern.
type DefaultPolicyEngine struct {
	DeniedSteps map[string]bool
	DeniedRegex []*regexp.Regexp
}

func NewDefaultPolicyEngine() *DefaultPolicyEngine {
	return &DefaultPolicyEngine{
		DeniedSteps: make(map[string]bool),
		DeniedRegex: make([]*regexp.Regexp, 0),
	}
}

// NewPolicyEngineFromConfig compiles every deny pattern up front so a bad
// pattern fails at startup rather than at the first run.
func NewPolicyEngineFromConfig(cfg config.PolicyConfig) (*DefaultPolicyEngine, error) {
	e := NewDefaultPolicyEngine()
	for _, p := range cfg.DenyPatterns {
		if err := e.DenyCommand(p); err != nil {
			return nil, fmt.Errorf("compile deny pattern %q: %w", p, err)
		}
	}
	for _, name := range cfg.DenySteps {
		e.DenyStep(name)
	}
	return e, nil
}

func (e *DefaultPolicyEngine) DenyStep(name string) {
	e.DeniedSteps[name] = true
}

func (e *DefaultPolicyEngine) DenyCommand(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}
	e.DeniedRegex = append(e.DeniedRegex, re)
	return nil
}

func (e *DefaultPolicyEngine) Evaluate(ctx context.Context, req Request) (Result, error) {
	if e.DeniedSteps[req.Step] {
		return Result{
			Effect: EffectDeny,
			Reason: fmt.Sprintf("Step '%s' is disabled by pipeline policy", req.Step),
		}, nil
	}

	for _, re := range e.DeniedRegex {
		if re.MatchString(req.Command) {
			return Result{
				Effect: EffectDeny,
				Reason: fmt.Sprintf("Command matches restricted pattern: %s", re.String()),
			}, nil
		}
	}

	return Result{
		Effect: EffectAllow,
		Reason: "Approved by default policy",
	}, nil
}
