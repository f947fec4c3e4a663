package scheduler

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// Canonicalize re-encodes an arbitrary JSON value with sorted object
// keys and stable number formatting, so that two semantically equal
// JSON documents produce byte-identical output (§4.4, §8 "canonical
// equality").
func Canonicalize(raw string) (string, error) {
	var v any
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", hcerr.Wrap(hcerr.PolicyEvalError, err, "canonicalizing JSON value")
	}
	var buf []byte
	buf, err := appendCanonical(buf, v)
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case json.Number:
		return append(buf, canonicalNumber(val)...), nil
	case string:
		enc, err := json.Marshal(val)
		if err != nil {
			return nil, hcerr.Wrap(hcerr.PolicyEvalError, err, "encoding string")
		}
		return append(buf, enc...), nil
	case []any:
		buf = append(buf, '[')
		for i, e := range val {
			if i > 0 {
				buf = append(buf, ',')
			}
			var err error
			buf, err = appendCanonical(buf, e)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyEnc, _ := json.Marshal(k)
			buf = append(buf, keyEnc...)
			buf = append(buf, ':')
			var err error
			buf, err = appendCanonical(buf, val[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil
	default:
		return nil, hcerr.New(hcerr.PolicyEvalError, "canonicalize: unsupported JSON value type %T", v)
	}
}

// canonicalNumber renders a json.Number with stable formatting: no
// leading '+', no unnecessary trailing zeros for floats, integral
// values without a decimal point.
func canonicalNumber(n json.Number) string {
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10)
	}
	f, err := n.Float64()
	if err != nil {
		return n.String()
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
