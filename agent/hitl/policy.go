package hitl

import (
	"errors"
	"fmt"
	"strings"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	statex "github.com/tanpawarit/cognitive-backoffice/agent/state"
)

var ErrInvalidRule = errors.New("invalid approval rule")

// Rule marks tool calls that need sign-off. When is an expr boolean over
// tool, department, args, access_level and device_verified.
type Rule struct {
	Name   string `yaml:"name" json:"name"`
	When   string `yaml:"when" json:"when"`
	Reason string `yaml:"reason" json:"reason"`
}

// DefaultRules holds invoices above one million pesos for approval.
var DefaultRules = []Rule{
	{
		Name:   "factura_alto_valor",
		When:   `tool == "generar_factura" && float(args.valor ?? 0) > 1000000`,
		Reason: "factura > $1,000,000",
	},
}

type compiledRule struct {
	Rule
	program *vm.Program
}

// Policy evaluates rules in order; the first match wins.
type Policy struct {
	rules []compiledRule
}

// Check is the input a rule is evaluated against.
type Check struct {
	Tool       string
	Department string
	Args       map[string]any
	Security   statex.SecurityContext
}

func (c Check) env() map[string]any {
	args := c.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{
		"tool":            c.Tool,
		"department":      c.Department,
		"args":            args,
		"access_level":    string(c.Security.AccessLevel),
		"device_verified": c.Security.DeviceVerified,
	}
}

func NewPolicy(rules ...Rule) (*Policy, error) {
	p := &Policy{rules: make([]compiledRule, 0, len(rules))}
	sample := Check{}.env()
	for i, r := range rules {
		if strings.TrimSpace(r.When) == "" {
			return nil, fmt.Errorf("%w: rule %d has no condition", ErrInvalidRule, i)
		}
		program, err := expr.Compile(r.When, expr.Env(sample), expr.AsBool(), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, ruleName(r, i), err)
		}
		if strings.TrimSpace(r.Reason) == "" {
			r.Reason = ruleName(r, i)
		}
		p.rules = append(p.rules, compiledRule{Rule: r, program: program})
	}
	return p, nil
}

// MustDefaultPolicy compiles DefaultRules.
func MustDefaultPolicy() *Policy {
	p, err := NewPolicy(DefaultRules...)
	if err != nil {
		panic(err)
	}
	return p
}

// Evaluate returns the reason of the first matching rule. A rule that fails
// at runtime counts as a match.
func (p *Policy) Evaluate(c Check) (reason string, required bool) {
	if p == nil {
		return "", false
	}
	env := c.env()
	for _, r := range p.rules {
		out, err := vm.Run(r.program, env)
		if err != nil {
			return fmt.Sprintf("%s (regla no evaluable: %v)", r.Reason, err), true
		}
		if matched, ok := out.(bool); ok && matched {
			return r.Reason, true
		}
	}
	return "", false
}

func (p *Policy) Rules() []Rule {
	if p == nil {
		return nil
	}
	out := make([]Rule, 0, len(p.rules))
	for _, r := range p.rules {
		out = append(out, r.Rule)
	}
	return out
}

func ruleName(r Rule, i int) string {
	if strings.TrimSpace(r.Name) != "" {
		return r.Name
	}
	return fmt.Sprintf("rule[%d]", i)
}
