package policyexpr

import "github.com/mitre/hipcheck/internal/hcerr"

// Evaluate runs the full pipeline from §4.5 against one policy
// expression source string and one query output: parse, substitute `$`
// pointers from outputJSON (typed against outputSchemaJSON's "format"
// hints per Substitute), type-check (inserting casts), verify the
// expression is boolean at the top level, then evaluate.
// outputSchemaJSON may be empty when no schema is available (e.g. the
// investigate policy, which substitutes against the root score encoded
// as a JSON number rather than a plugin's declared query output).
func Evaluate(source, outputJSON, outputSchemaJSON string, log Logger) (bool, error) {
	ast, err := Parse(source)
	if err != nil {
		return false, err
	}
	substituted, err := Substitute(ast, outputJSON, outputSchemaJSON)
	if err != nil {
		return false, err
	}
	checked, err := Check(substituted)
	if err != nil {
		return false, err
	}
	if checked.Type.IsArray || checked.Type.IsFunction || checked.Type.Kind != PrimBool {
		return false, hcerr.New(hcerr.TypeError, "top-level policy expression must evaluate to bool, got %s", checked.Type)
	}
	v, err := Eval(checked, log)
	if err != nil {
		return false, err
	}
	return v.Bool, nil
}
