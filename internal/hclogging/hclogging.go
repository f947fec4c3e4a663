// Package hclogging wires up structured logging for the core and
// bridges a plugin subprocess's newline-delimited JSON stderr into the
// host's hclog pipeline, per §4.2/§6 of the spec.
package hclogging

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/hashicorp/go-hclog"
)

// New builds the root logger for the host process. Level strings match
// the plugin CLI contract in §6 (off, error, warn, info, debug, trace).
func New(name, level string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:  name,
		Level: ParseLevel(level),
	})
}

// ParseLevel maps the plugin CLI's --log-level vocabulary onto hclog's.
func ParseLevel(level string) hclog.Level {
	switch strings.ToLower(level) {
	case "off":
		return hclog.Off
	case "error":
		return hclog.Error
	case "warn", "warning":
		return hclog.Warn
	case "info":
		return hclog.Info
	case "debug":
		return hclog.Debug
	case "trace":
		return hclog.Trace
	default:
		return hclog.Info
	}
}

// pluginLogLine is the wire schema §6 requires of plugin stderr.
type pluginLogLine struct {
	Level  string `json:"level"`
	Target string `json:"target"`
	Fields struct {
		Message string `json:"message"`
	} `json:"fields"`
}

// PipeStderr reads newline-delimited JSON log lines from a plugin's
// stderr and re-emits them through logger, tagged with the plugin's
// identity. Malformed lines are logged verbatim at warn, per §4.2. It
// blocks until r is closed (typically the plugin process exiting) and
// should be run in its own goroutine.
func PipeStderr(r io.Reader, logger hclog.Logger, publisher, name, version string) {
	plugLogger := logger.Named("plugin").With("publisher", publisher, "plugin", name, "version", version)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var parsed pluginLogLine
		if err := json.Unmarshal([]byte(line), &parsed); err != nil {
			plugLogger.Warn("malformed plugin log line", "raw", line)
			continue
		}
		emit(plugLogger.With("target", parsed.Target), parsed.Level, parsed.Fields.Message)
	}
}

func emit(logger hclog.Logger, level, message string) {
	switch strings.ToLower(level) {
	case "error":
		logger.Error(message)
	case "warn", "warning":
		logger.Warn(message)
	case "debug":
		logger.Debug(message)
	case "trace":
		logger.Trace(message)
	default:
		logger.Info(message)
	}
}
