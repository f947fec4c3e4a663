// Package hcerr defines the error kinds shared by every Hipcheck core
// component and the diagnostic wrapper plugins attach concerns to.
package hcerr

import (
	"errors"
	"fmt"
)

// Kind enumerates the abstract error kinds from the core's error design.
type Kind string

const (
	ManifestInvalid       Kind = "MANIFEST_INVALID"
	UnresolvableVersion   Kind = "UNRESOLVABLE_VERSION"
	NoArchMatch           Kind = "NO_ARCH_MATCH"
	DownloadFailed        Kind = "DOWNLOAD_FAILED"
	HashMismatch          Kind = "HASH_MISMATCH"
	SizeMismatch          Kind = "SIZE_MISMATCH"
	DecompressFailed      Kind = "DECOMPRESS_FAILED"
	PluginStartupTimeout  Kind = "PLUGIN_STARTUP_TIMEOUT"
	ConfigMissingRequired Kind = "CONFIG_MISSING_REQUIRED"
	ConfigUnrecognized    Kind = "CONFIG_UNRECOGNIZED"
	ConfigInvalidValue    Kind = "CONFIG_INVALID_VALUE"
	ConfigFileNotFound    Kind = "CONFIG_FILE_NOT_FOUND"
	ConfigParseError      Kind = "CONFIG_PARSE_ERROR"
	ConfigEnvVarNotSet    Kind = "CONFIG_ENV_VAR_NOT_SET"
	ConfigMissingProgram  Kind = "CONFIG_MISSING_PROGRAM"
	PluginInternalError   Kind = "PLUGIN_INTERNAL_ERROR"
	PluginQueryError      Kind = "PLUGIN_QUERY_ERROR"
	UnknownSession        Kind = "UNKNOWN_SESSION"
	QueryCycle            Kind = "QUERY_CYCLE"
	TypeError             Kind = "TYPE_ERROR"
	PolicyEvalError       Kind = "POLICY_EVAL_ERROR"
	Cancelled             Kind = "CANCELLED"
	DependencyCycle       Kind = "DEPENDENCY_CYCLE"
	EnvVarNotSet          Kind = "ENV_VAR_NOT_SET"
	PolicyFileInvalid     Kind = "POLICY_FILE_INVALID"
	StartupConfigError    Kind = "STARTUP_CONFIG_ERROR"
	AnalysisError         Kind = "ANALYSIS_ERROR"
	InvalidInvocation     Kind = "INVALID_INVOCATION"
)

// Diagnostic is the error type every core component returns. It carries
// the abstract Kind (for callers doing errors.As-style dispatch), a
// human message, and any plugin-originated concern strings.
type Diagnostic struct {
	Kind     Kind
	Message  string
	Concerns []string
	cause    error
}

func New(kind Kind, format string, args ...any) *Diagnostic {
	return &Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...any) *Diagnostic {
	return &Diagnostic{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

func (d *Diagnostic) Error() string {
	if len(d.Concerns) == 0 {
		return fmt.Sprintf("%s: %s", d.Kind, d.Message)
	}
	return fmt.Sprintf("%s: %s (concerns: %v)", d.Kind, d.Message, d.Concerns)
}

func (d *Diagnostic) Unwrap() error { return d.cause }

// WithConcerns attaches plugin-originated diagnostic strings and
// returns the receiver for chaining.
func (d *Diagnostic) WithConcerns(concerns []string) *Diagnostic {
	d.Concerns = concerns
	return d
}

// KindOf returns the Kind of the first Diagnostic in err's chain.
// Kind itself does not implement error, so errors.Is cannot match a
// bare Kind; kind comparisons go through KindOf (see Is) instead.
func KindOf(err error) (Kind, bool) {
	var d *Diagnostic
	if errors.As(err, &d) {
		return d.Kind, true
	}
	return "", false
}

// Is reports whether err is a Diagnostic of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
