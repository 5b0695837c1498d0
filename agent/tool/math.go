package tool

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/cloudwego/eino/schema"
	"github.com/expr-lang/expr"
)

const ToolMathEvaluate = "math.evaluate"

// Accepts digits, whitespace, decimal points, operators, and parentheses.
var mathExpressionPattern = regexp.MustCompile(`^[\d\s\+\-\*/%\^\(\)\.]+$`)

type MathEvaluateOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

func mathEvaluate() Spec {
	return Spec{
		Info: &schema.ToolInfo{
			Name: ToolMathEvaluate,
			Desc: "Evaluate a mathematical expression.",
			ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
				"expression": stringParam("Expression to evaluate", true),
			}),
		},
		Run: func(_ context.Context, args map[string]any) (any, error) {
			raw, ok := args["expression"]
			if !ok {
				return nil, fmt.Errorf("expression is required")
			}
			expression, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("expression must be a string")
			}
			expression = strings.TrimSpace(expression)
			result, err := evaluateMathExpression(expression)
			if err != nil {
				return nil, err
			}
			return MathEvaluateOutput{Expression: expression, Result: result}, nil
		},
	}
}

func validateMathExpression(expression string) error {
	if expression == "" {
		return fmt.Errorf("expression is empty")
	}
	if !mathExpressionPattern.MatchString(expression) {
		return fmt.Errorf("expression contains invalid characters")
	}

	balance := 0
	for _, ch := range expression {
		switch ch {
		case '(':
			balance++
		case ')':
			balance--
			if balance < 0 {
				return fmt.Errorf("expression has unbalanced parentheses")
			}
		}
	}
	if balance != 0 {
		return fmt.Errorf("expression has unbalanced parentheses")
	}
	return nil
}

func evaluateMathExpression(expression string) (float64, error) {
	if err := validateMathExpression(expression); err != nil {
		return 0, err
	}
	program, err := expr.Compile(expression)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	out, err := expr.Run(program, nil)
	if err != nil {
		return 0, fmt.Errorf("evaluate expression: %w", err)
	}

	var value float64
	switch v := out.(type) {
	case int:
		value = float64(v)
	case int64:
		value = float64(v)
	case float64:
		value = v
	default:
		return 0, fmt.Errorf("expression returned %T, want a number", out)
	}
	if math.IsInf(value, 0) || math.IsNaN(value) {
		return 0, fmt.Errorf("division by zero")
	}
	return value, nil
}
