package policyexpr

import (
	"sort"
	"strconv"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// Logger receives dbg's debug log line; nil is a valid no-op logger.
type Logger func(msg string)

// Eval evaluates a checked (substituted, type-checked, cast-inserted)
// expression tree, per §4.5: deterministic, left-to-right, no side
// effects other than dbg's log line.
func Eval(e *Expr, log Logger) (Value, error) {
	switch e.Kind {
	case ExprLiteral:
		return e.Lit, nil
	case ExprCast:
		return evalCast(e, log)
	case ExprPartial:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "a partially-applied function has no standalone value")
	case ExprCall:
		return evalCall(e, log)
	default:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "unknown expression kind during evaluation")
	}
}

func evalCast(e *Expr, log Logger) (Value, error) {
	v, err := Eval(e.From, log)
	if err != nil {
		return Value{}, err
	}
	switch e.To {
	case PrimFloat:
		if v.Type.Kind == PrimInt {
			return VFloat(float64(v.Int)), nil
		}
		return v, nil
	default:
		return Value{}, hcerr.New(hcerr.TypeError, "unsupported cast target %s", e.To)
	}
}

func evalCall(e *Expr, log Logger) (Value, error) {
	if e.Fn == "#array" {
		elems := make([]Value, len(e.Args))
		for i, a := range e.Args {
			v, err := Eval(a, log)
			if err != nil {
				return Value{}, err
			}
			elems[i] = v
		}
		kind := e.Type.Kind
		return VArray(kind, elems), nil
	}

	switch e.Fn {
	case "gt", "lt", "gte", "lte", "eq", "neq":
		return evalComparison(e, log)
	case "add", "sub":
		return evalArith(e, log)
	case "duration":
		return evalDuration(e, log)
	case "and", "or":
		return evalLogicVariadic(e, log)
	case "not":
		return evalNot(e, log)
	case "max", "min", "avg", "median":
		return evalNumericReduce(e, log)
	case "count":
		return evalCount(e, log)
	case "all", "nall", "some", "none":
		return evalLogicalArrayFn(e, log)
	case "filter":
		return evalFilter(e, log)
	case "foreach":
		return evalForeach(e, log)
	case "dbg":
		return evalDbg(e, log)
	default:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "unknown function %q", e.Fn)
	}
}

func compareOp(fn string, a, b Value) bool {
	switch a.Type.Kind {
	case PrimInt, PrimFloat:
		x, y := a.AsFloat(), b.AsFloat()
		switch fn {
		case "gt":
			return x > y
		case "lt":
			return x < y
		case "gte":
			return x >= y
		case "lte":
			return x <= y
		case "eq":
			return x == y
		case "neq":
			return x != y
		}
	case PrimString:
		switch fn {
		case "eq":
			return a.Str == b.Str
		case "neq":
			return a.Str != b.Str
		case "gt":
			return a.Str > b.Str
		case "lt":
			return a.Str < b.Str
		case "gte":
			return a.Str >= b.Str
		case "lte":
			return a.Str <= b.Str
		}
	case PrimBool:
		switch fn {
		case "eq":
			return a.Bool == b.Bool
		case "neq":
			return a.Bool != b.Bool
		}
	case PrimDateTime:
		switch fn {
		case "gt":
			return a.DateTime.After(b.DateTime)
		case "lt":
			return a.DateTime.Before(b.DateTime)
		case "gte":
			return !a.DateTime.Before(b.DateTime)
		case "lte":
			return !a.DateTime.After(b.DateTime)
		case "eq":
			return a.DateTime.Equal(b.DateTime)
		case "neq":
			return !a.DateTime.Equal(b.DateTime)
		}
	case PrimSpan:
		switch fn {
		case "gt":
			return a.Span > b.Span
		case "lt":
			return a.Span < b.Span
		case "gte":
			return a.Span >= b.Span
		case "lte":
			return a.Span <= b.Span
		case "eq":
			return a.Span == b.Span
		case "neq":
			return a.Span != b.Span
		}
	}
	return false
}

func evalComparison(e *Expr, log Logger) (Value, error) {
	a, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	b, err := Eval(e.Args[1], log)
	if err != nil {
		return Value{}, err
	}
	return VBool(compareOp(e.Fn, a, b)), nil
}

func evalArith(e *Expr, log Logger) (Value, error) {
	a, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	b, err := Eval(e.Args[1], log)
	if err != nil {
		return Value{}, err
	}
	if e.Type.Kind == PrimInt {
		if e.Fn == "add" {
			return VInt(a.Int + b.Int), nil
		}
		return VInt(a.Int - b.Int), nil
	}
	if e.Fn == "add" {
		return VFloat(a.AsFloat() + b.AsFloat()), nil
	}
	return VFloat(a.AsFloat() - b.AsFloat()), nil
}

func evalDuration(e *Expr, log Logger) (Value, error) {
	a, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	b, err := Eval(e.Args[1], log)
	if err != nil {
		return Value{}, err
	}
	return VSpan(a.DateTime.Sub(b.DateTime)), nil
}

func evalLogicVariadic(e *Expr, log Logger) (Value, error) {
	result := e.Fn == "and"
	for _, a := range e.Args {
		v, err := Eval(a, log)
		if err != nil {
			return Value{}, err
		}
		if e.Fn == "and" {
			result = result && v.Bool
		} else {
			result = result || v.Bool
		}
	}
	return VBool(result), nil
}

func evalNot(e *Expr, log Logger) (Value, error) {
	v, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	return VBool(!v.Bool), nil
}

func evalNumericReduce(e *Expr, log Logger) (Value, error) {
	arr, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	if len(arr.Arr) == 0 {
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "%q on an empty array is undefined", e.Fn)
	}
	vals := make([]float64, len(arr.Arr))
	for i, v := range arr.Arr {
		vals[i] = v.AsFloat()
	}
	switch e.Fn {
	case "max":
		m := vals[0]
		for _, v := range vals[1:] {
			if v > m {
				m = v
			}
		}
		return VFloat(m), nil
	case "min":
		m := vals[0]
		for _, v := range vals[1:] {
			if v < m {
				m = v
			}
		}
		return VFloat(m), nil
	case "avg":
		sum := 0.0
		for _, v := range vals {
			sum += v
		}
		return VFloat(sum / float64(len(vals))), nil
	case "median":
		sorted := append([]float64(nil), vals...)
		sort.Float64s(sorted)
		n := len(sorted)
		if n%2 == 1 {
			return VFloat(sorted[n/2]), nil
		}
		return VFloat((sorted[n/2-1] + sorted[n/2]) / 2), nil
	default:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "unreachable numeric reduce %q", e.Fn)
	}
}

func evalCount(e *Expr, log Logger) (Value, error) {
	arr, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	return VInt(int64(len(arr.Arr))), nil
}

// applyPartial evaluates a partial-application Function node (a
// one-argument comparison or arithmetic operator) against elem.
func applyPartial(partial *Expr, elem Value, log Logger) (Value, error) {
	if partial.Kind != ExprPartial {
		return Value{}, hcerr.New(hcerr.TypeError, "expected a partially-applied function")
	}
	bound, err := Eval(partial.PartialArg, log)
	if err != nil {
		return Value{}, err
	}
	if comparisonOps[partial.PartialOp] {
		return VBool(compareOp(partial.PartialOp, elem, bound)), nil
	}
	if arithOps[partial.PartialOp] {
		if elem.Type.Kind == PrimInt && bound.Type.Kind == PrimInt {
			if partial.PartialOp == "add" {
				return VInt(elem.Int + bound.Int), nil
			}
			return VInt(elem.Int - bound.Int), nil
		}
		if partial.PartialOp == "add" {
			return VFloat(elem.AsFloat() + bound.AsFloat()), nil
		}
		return VFloat(elem.AsFloat() - bound.AsFloat()), nil
	}
	return Value{}, hcerr.New(hcerr.PolicyEvalError, "unsupported partial operator %q", partial.PartialOp)
}

func evalLogicalArrayFn(e *Expr, log Logger) (Value, error) {
	var arr Value
	var predicate *Expr
	if len(e.Args) == 1 {
		v, err := Eval(e.Args[0], log)
		if err != nil {
			return Value{}, err
		}
		arr = v
	} else {
		predicate = e.Args[0]
		v, err := Eval(e.Args[1], log)
		if err != nil {
			return Value{}, err
		}
		arr = v
	}

	bools := make([]bool, len(arr.Arr))
	for i, v := range arr.Arr {
		if predicate != nil {
			pv, err := applyPartial(predicate, v, log)
			if err != nil {
				return Value{}, err
			}
			bools[i] = pv.Bool
		} else {
			bools[i] = v.Bool
		}
	}

	switch e.Fn {
	case "all":
		for _, b := range bools {
			if !b {
				return VBool(false), nil
			}
		}
		return VBool(true), nil
	case "nall":
		for _, b := range bools {
			if !b {
				return VBool(true), nil
			}
		}
		return VBool(false), nil
	case "some":
		for _, b := range bools {
			if b {
				return VBool(true), nil
			}
		}
		return VBool(false), nil
	case "none":
		for _, b := range bools {
			if b {
				return VBool(false), nil
			}
		}
		return VBool(true), nil
	default:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "unreachable logical array fn %q", e.Fn)
	}
}

func evalFilter(e *Expr, log Logger) (Value, error) {
	predicate := e.Args[0]
	arr, err := Eval(e.Args[1], log)
	if err != nil {
		return Value{}, err
	}
	var kept []Value
	for _, v := range arr.Arr {
		pv, err := applyPartial(predicate, v, log)
		if err != nil {
			return Value{}, err
		}
		if pv.Bool {
			kept = append(kept, v)
		}
	}
	return VArray(arr.Type.Kind, kept), nil
}

func evalForeach(e *Expr, log Logger) (Value, error) {
	fn := e.Args[0]
	arr, err := Eval(e.Args[1], log)
	if err != nil {
		return Value{}, err
	}
	mapped := make([]Value, len(arr.Arr))
	for i, v := range arr.Arr {
		mv, err := applyPartial(fn, v, log)
		if err != nil {
			return Value{}, err
		}
		mapped[i] = mv
	}
	return VArray(e.Type.Kind, mapped), nil
}

func evalDbg(e *Expr, log Logger) (Value, error) {
	v, err := Eval(e.Args[0], log)
	if err != nil {
		return Value{}, err
	}
	if log != nil {
		log(formatDebug(v))
	}
	return v, nil
}

func formatDebug(v Value) string {
	switch v.Type.Kind {
	case PrimBool:
		if v.Bool {
			return "true"
		}
		return "false"
	case PrimInt:
		return strconv.FormatInt(v.Int, 10)
	case PrimFloat:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	case PrimString:
		return v.Str
	default:
		return v.Type.String()
	}
}
