package policyexpr

import "github.com/mitre/hipcheck/internal/hcerr"

// builtinSpec type-checks a call to one standard-environment function,
// possibly rewriting its arguments (cast insertion) or itself (partial
// application), returning the checked call with its Type populated.
type builtinSpec struct {
	check func(fn string, args []*Expr) (*Expr, error)
}

var comparisonOps = map[string]bool{"gt": true, "lt": true, "gte": true, "lte": true, "eq": true, "neq": true}
var arithOps = map[string]bool{"add": true, "sub": true}

var builtins map[string]builtinSpec

func init() {
	builtins = map[string]builtinSpec{}
	for op := range comparisonOps {
		builtins[op] = builtinSpec{check: checkComparison}
	}
	for op := range arithOps {
		builtins[op] = builtinSpec{check: checkArith}
	}
	builtins["duration"] = builtinSpec{check: checkDuration}
	builtins["and"] = builtinSpec{check: checkLogicVariadic}
	builtins["or"] = builtinSpec{check: checkLogicVariadic}
	builtins["not"] = builtinSpec{check: checkNot}
	builtins["max"] = builtinSpec{check: checkNumericReduce(PrimFloat, true)}
	builtins["min"] = builtinSpec{check: checkNumericReduce(PrimFloat, true)}
	builtins["avg"] = builtinSpec{check: checkNumericReduce(PrimFloat, true)}
	builtins["median"] = builtinSpec{check: checkNumericReduce(PrimFloat, true)}
	builtins["count"] = builtinSpec{check: checkCount}
	builtins["all"] = builtinSpec{check: checkLogicalArrayFn}
	builtins["nall"] = builtinSpec{check: checkLogicalArrayFn}
	builtins["some"] = builtinSpec{check: checkLogicalArrayFn}
	builtins["none"] = builtinSpec{check: checkLogicalArrayFn}
	builtins["filter"] = builtinSpec{check: checkFilter}
	builtins["foreach"] = builtinSpec{check: checkForeach}
	builtins["dbg"] = builtinSpec{check: checkDbg}
}

func arityError(fn string, want int, got int) error {
	return hcerr.New(hcerr.TypeError, "%q expects %d argument(s), got %d", fn, want, got)
}

// checkComparison handles gt/lt/gte/lte/eq/neq. With 2 args it's a
// normal scalar comparison returning bool. With 1 arg it becomes a
// partial Function(numeric|primitive -> bool) for use inside filter/
// all/nall/some/none, per §4.5: partial application swaps operand
// order so "(filter (gt 4) xs)" keeps elements greater than 4.
func checkComparison(fn string, args []*Expr) (*Expr, error) {
	switch len(args) {
	case 1:
		if args[0].Type.IsArray || args[0].Type.IsFunction {
			return nil, hcerr.New(hcerr.TypeError, "%q partial application requires a scalar operand", fn)
		}
		return &Expr{Kind: ExprPartial, PartialOp: fn, PartialArg: args[0], Type: Function(args[0].Type.Kind, PrimBool)}, nil
	case 2:
		a, b, _, err := unifyNumericOrEq(fn, args[0], args[1])
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCall, Fn: fn, Args: []*Expr{a, b}, Type: Primitive(PrimBool)}, nil
	default:
		return nil, arityError(fn, 2, len(args))
	}
}

// unifyNumericOrEq allows eq/neq across any matching primitive kind
// (not just numeric), since equality is defined on all six kinds.
func unifyNumericOrEq(fn string, a, b *Expr) (*Expr, *Expr, Type, error) {
	if fn == "eq" || fn == "neq" {
		if a.Type.IsArray || b.Type.IsArray || a.Type.IsFunction || b.Type.IsFunction {
			return nil, nil, Type{}, hcerr.New(hcerr.TypeError, "%q expects scalar operands", fn)
		}
		if a.Type.Kind == b.Type.Kind {
			return a, b, a.Type, nil
		}
		if isNumericKind(a.Type.Kind) && isNumericKind(b.Type.Kind) {
			return insertCast(a, PrimFloat), insertCast(b, PrimFloat), Primitive(PrimFloat), nil
		}
		return nil, nil, Type{}, hcerr.New(hcerr.TypeError, "%q: type mismatch %s vs %s", fn, a.Type, b.Type)
	}
	return unifyNumeric(a, b)
}

func checkArith(fn string, args []*Expr) (*Expr, error) {
	switch len(args) {
	case 1:
		if !args[0].Type.IsNumeric() {
			return nil, hcerr.New(hcerr.TypeError, "%q partial application requires a numeric operand", fn)
		}
		return &Expr{Kind: ExprPartial, PartialOp: fn, PartialArg: args[0], Type: Function(args[0].Type.Kind, args[0].Type.Kind)}, nil
	case 2:
		a, b, t, err := unifyNumeric(args[0], args[1])
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprCall, Fn: fn, Args: []*Expr{a, b}, Type: t}, nil
	default:
		return nil, arityError(fn, 2, len(args))
	}
}

// checkDuration computes the span between two datetimes: datetime -
// datetime yields span, per §4.5.
func checkDuration(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 2 {
		return nil, arityError(fn, 2, len(args))
	}
	if args[0].Type.Kind != PrimDateTime || args[1].Type.Kind != PrimDateTime {
		return nil, hcerr.New(hcerr.TypeError, "duration expects two datetime operands")
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(PrimSpan)}, nil
}

func checkLogicVariadic(fn string, args []*Expr) (*Expr, error) {
	if len(args) < 2 {
		return nil, hcerr.New(hcerr.TypeError, "%q expects at least 2 arguments", fn)
	}
	for _, a := range args {
		if a.Type.Kind != PrimBool || a.Type.IsArray {
			return nil, hcerr.New(hcerr.TypeError, "%q expects bool operands, got %s", fn, a.Type)
		}
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(PrimBool)}, nil
}

func checkNot(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 1 {
		return nil, arityError(fn, 1, len(args))
	}
	if args[0].Type.Kind != PrimBool || args[0].Type.IsArray {
		return nil, hcerr.New(hcerr.TypeError, "not expects a bool operand")
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(PrimBool)}, nil
}

// checkNumericReduce builds a check function for max/min/avg/median:
// numeric array -> float.
func checkNumericReduce(ret PrimKind, requireNumeric bool) func(string, []*Expr) (*Expr, error) {
	return func(fn string, args []*Expr) (*Expr, error) {
		if len(args) != 1 {
			return nil, arityError(fn, 1, len(args))
		}
		a := args[0]
		if !a.Type.IsArray {
			return nil, hcerr.New(hcerr.TypeError, "%q expects an array argument", fn)
		}
		if requireNumeric && a.Type.ElemKnown && !isNumericKind(a.Type.Kind) {
			return nil, hcerr.New(hcerr.TypeError, "%q expects a numeric array, got %s", fn, a.Type)
		}
		return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(ret)}, nil
	}
}

func checkCount(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 1 {
		return nil, arityError(fn, 1, len(args))
	}
	if !args[0].Type.IsArray {
		return nil, hcerr.New(hcerr.TypeError, "count expects an array argument")
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(PrimInt)}, nil
}

// checkLogicalArrayFn handles all/nall/some/none: one argument that is
// either a bool array, or a (predicate, array) pair where predicate is
// a partial comparison Function.
func checkLogicalArrayFn(fn string, args []*Expr) (*Expr, error) {
	switch len(args) {
	case 1:
		if !args[0].Type.IsArray || (args[0].Type.ElemKnown && args[0].Type.Kind != PrimBool) {
			return nil, hcerr.New(hcerr.TypeError, "%q expects a bool array argument", fn)
		}
	case 2:
		if !args[0].Type.IsFunction {
			return nil, hcerr.New(hcerr.TypeError, "%q expects a predicate as its first argument", fn)
		}
		if !args[1].Type.IsArray {
			return nil, hcerr.New(hcerr.TypeError, "%q expects an array as its second argument", fn)
		}
	default:
		return nil, hcerr.New(hcerr.TypeError, "%q expects 1 or 2 arguments", fn)
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Primitive(PrimBool)}, nil
}

func checkFilter(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 2 {
		return nil, arityError(fn, 2, len(args))
	}
	if !args[0].Type.IsFunction || args[0].Type.FuncRetKind != PrimBool {
		return nil, hcerr.New(hcerr.TypeError, "filter expects a bool-returning predicate as its first argument")
	}
	if !args[1].Type.IsArray {
		return nil, hcerr.New(hcerr.TypeError, "filter expects an array as its second argument")
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: args[1].Type}, nil
}

func checkForeach(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 2 {
		return nil, arityError(fn, 2, len(args))
	}
	if !args[0].Type.IsFunction {
		return nil, hcerr.New(hcerr.TypeError, "foreach expects a function as its first argument")
	}
	if !args[1].Type.IsArray {
		return nil, hcerr.New(hcerr.TypeError, "foreach expects an array as its second argument")
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: Array(args[0].Type.FuncRetKind)}, nil
}

func checkDbg(fn string, args []*Expr) (*Expr, error) {
	if len(args) != 1 {
		return nil, arityError(fn, 1, len(args))
	}
	return &Expr{Kind: ExprCall, Fn: fn, Args: args, Type: args[0].Type}, nil
}
