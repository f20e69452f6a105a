package tools

import (
	"context"
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/token"
	"math"
	"strconv"
	"strings"
)

// CalculatorTool evaluates arithmetic expressions. "^" and "**" are
// exponentiation but bind like "+", so exponent terms need parentheses.
type CalculatorTool struct{}

func (t *CalculatorTool) Name() string { return "calculator" }

func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression. Supports + - * / %, ^ for powers (parenthesize it: 2+(3^2)), parentheses, constants pi and e, and sqrt, pow, abs, sin, cos, tan, log, log10, exp, floor, ceil, round."
}

func (t *CalculatorTool) Parameters() map[string]any {
	return objectSchema([]string{"expression"}, map[string]any{
		"expression": stringProp("Expression to evaluate, e.g. (2+3)*sqrt(16)"),
	})
}

func (t *CalculatorTool) Execute(_ context.Context, args map[string]any) (any, error) {
	expr := GetString(args, "expression")
	v, err := Evaluate(expr)
	if err != nil {
		return nil, err
	}
	return strconv.FormatFloat(v, 'g', -1, 64), nil
}

// Evaluate computes the value of an arithmetic expression
func Evaluate(expr string) (float64, error) {
	expr = strings.TrimSpace(strings.ReplaceAll(expr, "**", "^"))
	if expr == "" {
		return 0, errors.New("expression is required")
	}
	node, err := parser.ParseExpr(expr)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	v, err := eval(node)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is not a finite number")
	}
	return v, nil
}

var unaryFuncs = map[string]func(float64) float64{
	"sqrt":  math.Sqrt,
	"abs":   math.Abs,
	"sin":   math.Sin,
	"cos":   math.Cos,
	"tan":   math.Tan,
	"log":   math.Log,
	"ln":    math.Log,
	"log10": math.Log10,
	"exp":   math.Exp,
	"floor": math.Floor,
	"ceil":  math.Ceil,
	"round": math.Round,
}

func eval(n ast.Expr) (float64, error) {
	switch e := n.(type) {
	case *ast.BasicLit:
		if e.Kind != token.INT && e.Kind != token.FLOAT {
			return 0, fmt.Errorf("unsupported literal %s", e.Value)
		}
		return strconv.ParseFloat(e.Value, 64)
	case *ast.ParenExpr:
		return eval(e.X)
	case *ast.Ident:
		switch strings.ToLower(e.Name) {
		case "pi":
			return math.Pi, nil
		case "e":
			return math.E, nil
		}
		return 0, fmt.Errorf("unknown identifier %q", e.Name)
	case *ast.UnaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.SUB:
			return -x, nil
		case token.ADD:
			return x, nil
		}
		return 0, fmt.Errorf("unsupported operator %s", e.Op)
	case *ast.BinaryExpr:
		x, err := eval(e.X)
		if err != nil {
			return 0, err
		}
		y, err := eval(e.Y)
		if err != nil {
			return 0, err
		}
		switch e.Op {
		case token.ADD:
			return x + y, nil
		case token.SUB:
			return x - y, nil
		case token.MUL:
			return x * y, nil
		case token.QUO:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return x / y, nil
		case token.REM:
			if y == 0 {
				return 0, errors.New("division by zero")
			}
			return math.Mod(x, y), nil
		case token.XOR:
			return math.Pow(x, y), nil
		}
		return 0, fmt.Errorf("unsupported operator %s", e.Op)
	case *ast.CallExpr:
		id, ok := e.Fun.(*ast.Ident)
		if !ok {
			return 0, errors.New("unsupported call")
		}
		name := strings.ToLower(id.Name)
		argv := make([]float64, len(e.Args))
		for i, a := range e.Args {
			v, err := eval(a)
			if err != nil {
				return 0, err
			}
			argv[i] = v
		}
		if name == "pow" {
			if len(argv) != 2 {
				return 0, errors.New("pow takes two arguments")
			}
			return math.Pow(argv[0], argv[1]), nil
		}
		fn, ok := unaryFuncs[name]
		if !ok {
			return 0, fmt.Errorf("unknown function %q", id.Name)
		}
		if len(argv) != 1 {
			return 0, fmt.Errorf("%s takes one argument", name)
		}
		return fn(argv[0]), nil
	}
	return 0, fmt.Errorf("unsupported expression %T", n)
}
