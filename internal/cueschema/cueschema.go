// Package cueschema turns an analysis leaf's KDL-sourced configuration
// properties (§6, all lexed as strings) into the canonical JSON object
// a plugin's SetConfig RPC expects (§4.2), using CUE to parse each
// value as the richest type it unifies with (bool, number, or string)
// rather than passing every value through as a JSON string.
package cueschema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// BuildConfigJSON compiles props (the analysis's KDL config children,
// name -> literal text) into one canonical JSON object, letting CUE
// infer each field's native type from its literal text.
func BuildConfigJSON(props map[string]string) (string, error) {
	ctx := cuecontext.New()

	names := make([]string, 0, len(props))
	for k := range props {
		names = append(names, k)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("{\n")
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", cueFieldName(name), cueLiteral(props[name]))
	}
	b.WriteString("}\n")

	v := ctx.CompileString(b.String())
	if v.Err() != nil {
		return "", hcerr.Wrap(hcerr.ConfigParseError, v.Err(), "compiling plugin configuration")
	}
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return "", hcerr.Wrap(hcerr.ConfigInvalidValue, err, "plugin configuration is not fully concrete")
	}

	out, err := v.MarshalJSON()
	if err != nil {
		return "", hcerr.Wrap(hcerr.ConfigParseError, err, "marshaling plugin configuration to JSON")
	}

	// Re-encode through encoding/json to guarantee sorted, stable key
	// ordering independent of CUE's own field emission order.
	var generic map[string]any
	if err := json.Unmarshal(out, &generic); err != nil {
		return "", hcerr.Wrap(hcerr.ConfigParseError, err, "re-decoding compiled plugin configuration")
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", hcerr.Wrap(hcerr.ConfigParseError, err, "re-encoding plugin configuration")
	}
	return string(canonical), nil
}

// cueFieldName quotes name as a CUE field label, since config keys may
// contain characters (like dashes) CUE doesn't accept in a bare label.
func cueFieldName(name string) string {
	return fmt.Sprintf("%q", name)
}

// cueLiteral renders raw as a CUE literal: true/false as bool, a
// parseable number as a number, everything else as a quoted string.
func cueLiteral(raw string) string {
	switch raw {
	case "true", "false":
		return raw
	}
	if isNumericLiteral(raw) {
		return raw
	}
	return fmt.Sprintf("%q", raw)
}

func isNumericLiteral(s string) bool {
	if s == "" {
		return false
	}
	seenDigit, seenDot := false, false
	for i, r := range s {
		switch {
		case r >= '0' && r <= '9':
			seenDigit = true
		case r == '.' && !seenDot:
			seenDot = true
		case r == '-' && i == 0:
			// leading sign only
		default:
			return false
		}
	}
	return seenDigit
}
