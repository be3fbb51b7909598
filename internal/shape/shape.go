// Package shape compiles and evaluates the textual arithmetic shape
// expressions that drive bot population targets, using
// github.com/Knetic/govaluate as the expression engine.
package shape

import (
	"fmt"
	"math"

	"github.com/Knetic/govaluate"
	"github.com/dghilardi/hailstorm/internal/herrors"
)

// Expr is a compiled shape expression: f(t) -> target population (real).
// Eval reuses the parsed expression and one parameter map, so nothing is
// parsed again on the hot path; it is not allocation-free, since storing t in
// the parameter map boxes it and govaluate allocates while evaluating.
type Expr struct {
	src    string
	compiled *govaluate.EvaluableExpression
	params govaluate.MapParameters
}

// Compile parses src once. Parsing failure is a fatal ShapeEval error for the
// affected model.
func Compile(src string) (*Expr, error) {
	compiled, err := govaluate.NewEvaluableExpressionWithFunctions(src, functions)
	if err != nil {
		return nil, herrors.New("shape.Compile", herrors.KindShapeEval, fmt.Errorf("parse %q: %w", src, err))
	}
	return &Expr{src: src, compiled: compiled, params: govaluate.MapParameters{"t": 0.0}}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval evaluates f(t) and returns the real value; callers round with Target.
func (e *Expr) Eval(t float64) (float64, error) {
	e.params["t"] = t
	result, err := e.compiled.Eval(e.params)
	if err != nil {
		return 0, herrors.New("Expr.Eval", herrors.KindShapeEval, fmt.Errorf("eval %q at t=%v: %w", e.src, t, err))
	}
	f, ok := result.(float64)
	if !ok {
		return 0, herrors.Newf("Expr.Eval", herrors.KindShapeEval, "expression %q did not evaluate to a number", e.src)
	}
	return f, nil
}

// Target evaluates f(t) and rounds to the scheduler's target population,
// max(0, floor(x)).
func (e *Expr) Target(t float64) (int, error) {
	v, err := e.Eval(t)
	if err != nil {
		return 0, err
	}
	if v <= 0 || math.IsNaN(v) {
		return 0, nil
	}
	return int(math.Floor(v)), nil
}

func arg(args []interface{}, i int) float64 {
	if i >= len(args) {
		return 0
	}
	switch v := args[i].(type) {
	case float64:
		return v
	default:
		return 0
	}
}

// functions augments govaluate's arithmetic grammar with the elementary
// functions and population-shape primitives bot-population curves are
// authored with.
var functions = map[string]govaluate.ExpressionFunction{
	"sin":  mathFn(math.Sin),
	"cos":  mathFn(math.Cos),
	"tan":  mathFn(math.Tan),
	"exp":  mathFn(math.Exp),
	"ln":   mathFn(math.Log),
	"log":  mathFn(math.Log10),
	"sqrt": mathFn(math.Sqrt),
	"abs":  mathFn(math.Abs),
	"floor": mathFn(math.Floor),
	"ceil": mathFn(math.Ceil),

	"rect": func(args ...interface{}) (interface{}, error) {
		t := arg(args, 0)
		if t >= 0 && t < 1 {
			return 1.0, nil
		}
		return 0.0, nil
	},
	"tri": func(args ...interface{}) (interface{}, error) {
		t := arg(args, 0)
		switch {
		case t < 0 || t > 2:
			return 0.0, nil
		case t <= 1:
			return t, nil
		default:
			return 2 - t, nil
		}
	},
	"step": func(args ...interface{}) (interface{}, error) {
		t := arg(args, 0)
		if t < 0 {
			return 0.0, nil
		}
		return 1.0, nil
	},
	"trapz": func(args ...interface{}) (interface{}, error) {
		return trapz(arg(args, 0), arg(args, 1), arg(args, 2)), nil
	},
	"costrapz": func(args ...interface{}) (interface{}, error) {
		return 1 - trapz(arg(args, 0), arg(args, 1), arg(args, 2)), nil
	},
}

func mathFn(f func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		return f(arg(args, 0)), nil
	}
}

// trapz computes a centred trapezoid of total base B, top b (0 <= b <= B),
// unit height.
func trapz(t, base, top float64) float64 {
	if base <= 0 || top < 0 || top > base {
		return 0
	}
	half := base / 2
	if t < -half || t > half {
		return 0
	}
	if top == base {
		return 1 // degenerate rectangle
	}
	slope := base/2 - top/2
	if slope <= 0 {
		return 1
	}
	dist := math.Abs(t)
	flatHalf := top / 2
	if dist <= flatHalf {
		return 1
	}
	return math.Max(0, 1-(dist-flatHalf)/slope)
}
