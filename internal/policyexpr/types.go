// Package policyexpr implements the Lisp-like policy expression
// language from §4.5: a parenthesized syntax over six primitive
// types and homogeneous arrays, with JSON-pointer substitution against
// a plugin's query output, semantic cast insertion for int<->float
// promotion, and a small standard environment of built-in functions.
package policyexpr

import "fmt"

// PrimKind is one of the six primitive value kinds.
type PrimKind int

const (
	PrimBool PrimKind = iota
	PrimInt
	PrimFloat
	PrimString
	PrimDateTime
	PrimSpan
)

func (k PrimKind) String() string {
	switch k {
	case PrimBool:
		return "bool"
	case PrimInt:
		return "int"
	case PrimFloat:
		return "float"
	case PrimString:
		return "string"
	case PrimDateTime:
		return "datetime"
	case PrimSpan:
		return "span"
	default:
		return "unknown"
	}
}

// Type is the type assigned to every Expr after type-checking: a
// Primitive, an Array of primitives, or (for partially-applied binary
// operators) a single-argument Function used by filter/all/nall/some/
// none/foreach, per §4.5.
type Type struct {
	Kind PrimKind
	// IsArray marks an Array type; Kind then holds the element kind.
	IsArray bool
	// ElemKnown is false for an empty or pointer-deferred array whose
	// element kind isn't yet known (Array(None) in §4.5).
	ElemKnown bool

	IsFunction  bool
	FuncArgKind PrimKind
	FuncRetKind PrimKind
}

func Primitive(k PrimKind) Type  { return Type{Kind: k} }
func Array(k PrimKind) Type      { return Type{Kind: k, IsArray: true, ElemKnown: true} }
func UnknownArray() Type         { return Type{IsArray: true, ElemKnown: false} }
func Function(arg, ret PrimKind) Type {
	return Type{IsFunction: true, FuncArgKind: arg, FuncRetKind: ret}
}
func (t Type) Equal(o Type) bool { return t == o }
func (t Type) IsNumeric() bool   { return !t.IsArray && !t.IsFunction && (t.Kind == PrimInt || t.Kind == PrimFloat) }
func (t Type) String() string {
	if t.IsFunction {
		return fmt.Sprintf("func(%s)->%s", t.FuncArgKind, t.FuncRetKind)
	}
	if t.IsArray {
		if !t.ElemKnown {
			return "array(?)"
		}
		return fmt.Sprintf("array(%s)", t.Kind)
	}
	return t.Kind.String()
}
