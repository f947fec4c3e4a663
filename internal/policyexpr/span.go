package policyexpr

import (
	"strconv"
	"time"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// isSpanLiteral reports whether text looks like "P<digits><unit>",
// the span literal surface syntax (e.g. "P71w", "P3d", "P12h").
func isSpanLiteral(text string) bool {
	if len(text) < 3 || text[0] != 'P' {
		return false
	}
	unit := text[len(text)-1]
	switch unit {
	case 'w', 'd', 'h', 'm', 's':
	default:
		return false
	}
	for i := 1; i < len(text)-1; i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

// parseSpanLiteral parses a single-unit span literal. §4.5 restricts
// span arithmetic to units no larger than weeks, to avoid calendar
// ambiguity; a week is defined as exactly 7 x 24h.
func parseSpanLiteral(text string) (time.Duration, error) {
	unit := text[len(text)-1]
	n, err := strconv.ParseInt(text[1:len(text)-1], 10, 64)
	if err != nil {
		return 0, hcerr.Wrap(hcerr.TypeError, err, "invalid span literal %q", text)
	}
	switch unit {
	case 'w':
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 's':
		return time.Duration(n) * time.Second, nil
	default:
		return 0, hcerr.New(hcerr.TypeError, "unsupported span unit %q", string(unit))
	}
}
