package policyfile

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/mitre/hipcheck/internal/hcerr"
)

// expandMacros resolves every `#rel("<path>")` and `#env("<VAR>")`
// occurrence in s. #rel resolves relative to dir (the policy file's
// own directory); #env substitutes the named environment variable,
// failing ENV_VAR_NOT_SET if it is unset.
func expandMacros(s string, dir string) (string, error) {
	for {
		start := strings.Index(s, "#rel(\"")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "\")")
		if end < 0 {
			return "", hcerr.New(hcerr.PolicyFileInvalid, "unterminated #rel(...) macro in %q", s)
		}
		end += start
		path := s[start+len("#rel(\"") : end]
		resolved := filepath.Join(dir, path)
		s = s[:start] + resolved + s[end+2:]
	}
	for {
		start := strings.Index(s, "#env(\"")
		if start < 0 {
			break
		}
		end := strings.Index(s[start:], "\")")
		if end < 0 {
			return "", hcerr.New(hcerr.PolicyFileInvalid, "unterminated #env(...) macro in %q", s)
		}
		end += start
		varName := s[start+len("#env(\"") : end]
		val, ok := os.LookupEnv(varName)
		if !ok {
			return "", hcerr.New(hcerr.EnvVarNotSet, "policy file references unset environment variable %q", varName)
		}
		s = s[:start] + val + s[end+2:]
	}
	return s, nil
}
