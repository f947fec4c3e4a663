// Command hipcheck is the core host: it loads a policy file, resolves
// and starts the plugins it names, runs one analysis, and exits with
// the host-visible code from §6 (0 pass, 1 investigate, 2 analysis
// error, 3 startup/config error, 4 invalid invocation).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	oklogrun "github.com/oklog/run"

	"github.com/mitre/hipcheck/internal/fetcher"
	"github.com/mitre/hipcheck/internal/hcconfig"
	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/hclogging"
	"github.com/mitre/hipcheck/internal/host"
	"github.com/mitre/hipcheck/internal/pcache"
	"github.com/mitre/hipcheck/internal/policyfile"
	"github.com/mitre/hipcheck/internal/resolver"
	hcrun "github.com/mitre/hipcheck/internal/run"
)

const (
	exitPass               = 0
	exitInvestigate        = 1
	exitAnalysisError      = 2
	exitStartupConfigError = 3
	exitInvalidInvocation  = 4
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	fs := flag.NewFlagSet("hipcheck", flag.ContinueOnError)
	policyPath := fs.String("policy", "", "path to the policy file (required)")
	targetSpecifier := fs.String("target", "", "target specifier to analyze (required)")
	configPath := fs.String("config", "", "path to the host config file")
	logLevel := fs.String("log-level", "info", "off|error|warn|info|debug|trace")
	archOverride := fs.String("arch", "", "override the detected target-triple architecture")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return exitInvalidInvocation
	}
	if *policyPath == "" || *targetSpecifier == "" {
		fmt.Fprintln(os.Stderr, "hipcheck: both -policy and -target are required")
		return exitInvalidInvocation
	}

	logger := hclogging.New("hipcheck", *logLevel)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.Error("loading host configuration", "error", err)
		return exitStartupConfigError
	}

	pf, err := policyfile.Load(*policyPath)
	if err != nil {
		logger.Error("loading policy file", "error", err)
		return exitStartupConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := pcache.New(cfg.Cache.Root)
	fet := fetcher.New(store, &fetcher.HTTPDownloader{}, logger)
	res := resolver.New(&resolver.HTTPManifestSource{}, fet, store, *archOverride, logger)

	runner := &hcrun.Run{
		Config:       cfg,
		PolicyFile:   pf,
		Pool:         host.NewPool(),
		Logger:       logger,
		ArchOverride: *archOverride,
		Resolver:     res,
	}

	// A run.Group ties the signal-driven interrupt actor to the
	// analysis actor: whichever finishes first cancels the other,
	// so an interrupt that lands mid-analysis still exits cleanly
	// on this same path instead of leaking a background context.
	var g oklogrun.Group
	{
		sigCh := make(chan os.Signal, 1)
		g.Add(func() error {
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			select {
			case sig := <-sigCh:
				return fmt.Errorf("received signal %s", sig)
			case <-ctx.Done():
				return ctx.Err()
			}
		}, func(error) {
			signal.Stop(sigCh)
			close(sigCh)
		})
	}

	var result hcrun.Result
	{
		g.Add(func() error {
			var execErr error
			result, execErr = runner.Execute(ctx, *targetSpecifier)
			return execErr
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil && result.Recommendation == "" {
		logger.Error("analysis run failed", "error", err)
		if isStartupConfigKind(err) {
			return exitStartupConfigError
		}
		return exitAnalysisError
	}

	fmt.Printf("score: %.3f recommendation: %s\n", result.Score, result.Recommendation)

	if result.Recommendation == hcrun.RecommendInvestigateLabel {
		return exitInvestigate
	}
	return exitPass
}

// isStartupConfigKind reports whether err's hcerr.Kind belongs to the
// resolver/plugin-startup/policy-file class of failures that §6/§7
// require to exit 3 rather than 2 — manifest resolution, download and
// verification, plugin process startup, and policy file/identity
// errors all happen before any analysis runs, so none of them are an
// "analysis error" in the §6 sense.
func isStartupConfigKind(err error) bool {
	kind, ok := hcerr.KindOf(err)
	if !ok {
		return false
	}
	switch kind {
	case hcerr.ManifestInvalid,
		hcerr.UnresolvableVersion,
		hcerr.NoArchMatch,
		hcerr.DownloadFailed,
		hcerr.HashMismatch,
		hcerr.SizeMismatch,
		hcerr.DecompressFailed,
		hcerr.PluginStartupTimeout,
		hcerr.ConfigMissingRequired,
		hcerr.ConfigUnrecognized,
		hcerr.ConfigInvalidValue,
		hcerr.ConfigFileNotFound,
		hcerr.ConfigParseError,
		hcerr.ConfigEnvVarNotSet,
		hcerr.ConfigMissingProgram,
		hcerr.PolicyFileInvalid,
		hcerr.StartupConfigError,
		hcerr.EnvVarNotSet:
		return true
	default:
		return false
	}
}

func loadConfig(path string) (*hcconfig.Config, error) {
	if path == "" {
		return hcconfig.Default()
	}
	return hcconfig.Load(path)
}
