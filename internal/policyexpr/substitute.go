package policyexpr

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// Substitute replaces every `$`-pointer node in e with a literal drawn
// from outputJSON, per §4.5: "$" resolves the whole output; "$/field"
// and "$/N" traverse objects and arrays. Substitution happens before
// type-checking, since a pointer's type is unknown until the output
// value is available.
//
// outputSchemaJSON is the query's declared output JSON Schema, as
// returned by GetQuerySchemas (may be empty when the plugin declared
// none). A "format" keyword reachable at the same path as a resolved
// pointer types that value as PrimDateTime ("date-time") or PrimSpan
// ("duration", "duration-w"/"-d"/"-h"/"-m"/"-s") instead of the
// default VString/VInt/VFloat a bare JSON value would otherwise get —
// §4.5 forbids promoting an int to a span during type-checking, so a
// plugin whose output is a bare number representing elapsed time must
// say so in its schema for it to type as a span at all.
func Substitute(e *Expr, outputJSON, outputSchemaJSON string) (*Expr, error) {
	var root any
	dec := json.NewDecoder(strings.NewReader(outputJSON))
	dec.UseNumber()
	if err := dec.Decode(&root); err != nil {
		return nil, hcerr.Wrap(hcerr.PolicyEvalError, err, "decoding query output for pointer substitution")
	}

	var schema any
	if outputSchemaJSON != "" {
		_ = json.Unmarshal([]byte(outputSchemaJSON), &schema)
	}
	return substitute(e, root, schema)
}

func substitute(e *Expr, root, schema any) (*Expr, error) {
	switch e.Kind {
	case ExprPointer:
		v, err := resolvePointer(e.Pointer, root)
		if err != nil {
			return nil, err
		}
		format := formatHintAt(e.Pointer, schema)
		lit, err := jsonToValue(v, format)
		if err != nil {
			return nil, err
		}
		return &Expr{Kind: ExprLiteral, Lit: lit}, nil
	case ExprCall:
		args := make([]*Expr, len(e.Args))
		for i, a := range e.Args {
			sub, err := substitute(a, root, schema)
			if err != nil {
				return nil, err
			}
			args[i] = sub
		}
		return &Expr{Kind: ExprCall, Fn: e.Fn, Args: args}, nil
	default:
		return e, nil
	}
}

// formatHintAt walks schema along the same pointer syntax resolvePointer
// uses for the output itself, following "properties" for object
// segments and "items" for array segments (every index shares its
// element schema's format), and returns the "format" keyword reachable
// at that path, if any.
func formatHintAt(ptr string, schema any) string {
	if schema == nil {
		return ""
	}
	cur := schema
	if ptr != "$" && strings.HasPrefix(ptr, "$/") {
		for _, seg := range strings.Split(ptr[2:], "/") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return ""
			}
			if props, ok := obj["properties"].(map[string]any); ok {
				if next, ok := props[seg]; ok {
					cur = next
					continue
				}
			}
			if items, ok := obj["items"]; ok {
				cur = items
				continue
			}
			return ""
		}
	}
	obj, ok := cur.(map[string]any)
	if !ok {
		return ""
	}
	format, _ := obj["format"].(string)
	return format
}

// resolvePointer walks root along a restricted JSON-pointer-like path
// ("$", "$/field", "$/0/name", ...), limited to alphanumerics, '/',
// '~', and '_' in path segments per §4.5.
func resolvePointer(ptr string, root any) (any, error) {
	if ptr == "$" {
		return root, nil
	}
	if !strings.HasPrefix(ptr, "$/") {
		return nil, hcerr.New(hcerr.PolicyEvalError, "malformed pointer %q", ptr)
	}
	cur := root
	for _, seg := range strings.Split(ptr[2:], "/") {
		if !isValidSegment(seg) {
			return nil, hcerr.New(hcerr.PolicyEvalError, "malformed pointer segment %q in %q", seg, ptr)
		}
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, hcerr.New(hcerr.PolicyEvalError, "pointer %q: field %q not present in output", ptr, seg)
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, hcerr.New(hcerr.PolicyEvalError, "pointer %q: index %q out of range", ptr, seg)
			}
			cur = node[idx]
		default:
			return nil, hcerr.New(hcerr.PolicyEvalError, "pointer %q: cannot traverse into a scalar", ptr)
		}
	}
	return cur, nil
}

func isValidSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for i := 0; i < len(seg); i++ {
		c := seg[i]
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c == '~' || c == '_':
		default:
			return false
		}
	}
	return true
}

// jsonToValue converts a decoded JSON value into a typed policy-expr
// Value. format is the JSON Schema "format" keyword reachable at the
// same path (formatHintAt), and, when recognized, overrides the
// default string/numeric typing: "date-time" produces PrimDateTime
// from either an RFC 3339 string or a Unix-seconds number; "duration"
// and its unit-suffixed variants ("duration-w", "-d", "-h", "-m",
// "-s"; bare "duration" defaults to weeks) produce PrimSpan from a
// number. An unrecognized or empty format falls back to the bare JSON
// typing every other value gets.
func jsonToValue(v any, format string) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "pointer resolved to null, which has no policy-expression type")
	case bool:
		return VBool(val), nil
	case string:
		if format == "date-time" {
			if t, err := time.Parse(time.RFC3339, val); err == nil {
				return VDateTime(t), nil
			}
		}
		return VString(val), nil
	case json.Number:
		if unit, ok := spanUnit(format); ok {
			n, err := val.Int64()
			if err != nil {
				return Value{}, hcerr.Wrap(hcerr.TypeError, err, "schema declares %q but output %q is not an integer", format, val.String())
			}
			return VSpan(time.Duration(n) * unit), nil
		}
		if format == "date-time" {
			if n, err := val.Int64(); err == nil {
				return VDateTime(time.Unix(n, 0).UTC()), nil
			}
		}
		if i, err := val.Int64(); err == nil {
			return VInt(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Value{}, hcerr.Wrap(hcerr.PolicyEvalError, err, "invalid number %q", val.String())
		}
		return VFloat(f), nil
	case []any:
		elems := make([]Value, len(val))
		var kind PrimKind
		for i, e := range val {
			ev, err := jsonToValue(e, format)
			if err != nil {
				return Value{}, err
			}
			if i == 0 {
				kind = ev.Type.Kind
			} else if ev.Type.Kind != kind {
				return Value{}, hcerr.New(hcerr.TypeError, "array pointed to by substitution is not homogeneous")
			}
			elems[i] = ev
		}
		return VArray(kind, elems), nil
	default:
		return Value{}, hcerr.New(hcerr.PolicyEvalError, "pointer resolved to an unsupported JSON shape %T; nested objects/arrays of objects are not valid primitive substitutions", v)
	}
}

// spanUnit maps a schema "format" keyword to the duration one unit of
// the raw output number represents, per the "duration[-unit]"
// convention documented on jsonToValue.
func spanUnit(format string) (time.Duration, bool) {
	switch format {
	case "duration", "duration-w":
		return 7 * 24 * time.Hour, true
	case "duration-d":
		return 24 * time.Hour, true
	case "duration-h":
		return time.Hour, true
	case "duration-m":
		return time.Minute, true
	case "duration-s":
		return time.Second, true
	default:
		return 0, false
	}
}
