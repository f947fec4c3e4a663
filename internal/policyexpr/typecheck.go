package policyexpr

import "github.com/mitre/hipcheck/internal/hcerr"

// Check type-checks e (which must already have had Substitute applied,
// since `$` pointers are untyped until then), inserting explicit Cast
// nodes for legal int<->float promotions. It returns the (possibly
// rewritten) tree with every node's Type populated.
func Check(e *Expr) (*Expr, error) {
	switch e.Kind {
	case ExprLiteral:
		e.Type = e.Lit.Type
		return e, nil
	case ExprPointer:
		return nil, hcerr.New(hcerr.TypeError, "pointer %q was not substituted before type-checking", e.Pointer)
	case ExprCall:
		return checkCall(e)
	case ExprCast:
		return e, nil
	default:
		return nil, hcerr.New(hcerr.TypeError, "unknown expression kind")
	}
}

func checkCall(e *Expr) (*Expr, error) {
	if e.Fn == "#array" {
		return checkArrayLiteral(e)
	}

	checkedArgs := make([]*Expr, len(e.Args))
	for i, a := range e.Args {
		c, err := Check(a)
		if err != nil {
			return nil, err
		}
		checkedArgs[i] = c
	}

	spec, ok := builtins[e.Fn]
	if !ok {
		return nil, hcerr.New(hcerr.TypeError, "unknown function %q", e.Fn)
	}
	return spec.check(e.Fn, checkedArgs)
}

func checkArrayLiteral(e *Expr) (*Expr, error) {
	checkedArgs := make([]*Expr, len(e.Args))
	for i, a := range e.Args {
		c, err := Check(a)
		if err != nil {
			return nil, err
		}
		checkedArgs[i] = c
	}
	out := &Expr{Kind: ExprCall, Fn: "#array", Args: checkedArgs}
	if len(checkedArgs) == 0 {
		out.Type = UnknownArray()
		return out, nil
	}
	elemKind := checkedArgs[0].Type.Kind
	promoteToFloat := false
	for _, a := range checkedArgs {
		if a.Type.IsArray || a.Type.IsFunction {
			return nil, hcerr.New(hcerr.TypeError, "array literals may not nest arrays or functions")
		}
		if a.Type.Kind != elemKind {
			if isNumericKind(a.Type.Kind) && isNumericKind(elemKind) {
				promoteToFloat = true
				continue
			}
			return nil, hcerr.New(hcerr.TypeError, "array literal is not homogeneous: %s vs %s", a.Type.Kind, elemKind)
		}
	}
	if promoteToFloat {
		elemKind = PrimFloat
		for i, a := range checkedArgs {
			if a.Type.Kind == PrimInt {
				checkedArgs[i] = insertCast(a, PrimFloat)
			}
		}
	}
	out.Type = Array(elemKind)
	return out, nil
}

func isNumericKind(k PrimKind) bool { return k == PrimInt || k == PrimFloat }

// insertCast wraps e in an explicit Cast node, the only legal
// promotion being int -> float (§4.5: "only int<->float is permitted").
func insertCast(e *Expr, to PrimKind) *Expr {
	if e.Type.Kind == to {
		return e
	}
	return &Expr{Kind: ExprCast, From: e, To: to, Type: Primitive(to)}
}

// unifyNumeric inserts a cast on whichever of a, b is int when the
// other is float, per the implicit promotion rule; it fails TYPE_ERROR
// if the two sides are non-numeric and mismatched.
func unifyNumeric(a, b *Expr) (*Expr, *Expr, Type, error) {
	if a.Type.IsArray || b.Type.IsArray || a.Type.IsFunction || b.Type.IsFunction {
		return nil, nil, Type{}, hcerr.New(hcerr.TypeError, "expected scalar operands, got %s and %s", a.Type, b.Type)
	}
	if a.Type.Kind == b.Type.Kind {
		return a, b, a.Type, nil
	}
	if isNumericKind(a.Type.Kind) && isNumericKind(b.Type.Kind) {
		return insertCast(a, PrimFloat), insertCast(b, PrimFloat), Primitive(PrimFloat), nil
	}
	return nil, nil, Type{}, hcerr.New(hcerr.TypeError, "type mismatch: %s vs %s", a.Type, b.Type)
}
