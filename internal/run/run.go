// Package run orchestrates one full analysis: resolve the policy
// file's plugins, start and configure each one, dispatch the default
// query for the target, evaluate each analysis leaf's policy
// expression against its output, and reduce the scoring tree into a
// recommendation (§5's end-to-end data flow).
package run

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mitre/hipcheck/internal/cueschema"
	"github.com/mitre/hipcheck/internal/hcconfig"
	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/host"
	"github.com/mitre/hipcheck/internal/hostmetrics"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/policyexpr"
	"github.com/mitre/hipcheck/internal/policyfile"
	"github.com/mitre/hipcheck/internal/reportcache"
	"github.com/mitre/hipcheck/internal/resolver"
	"github.com/mitre/hipcheck/internal/scheduler"
	"github.com/mitre/hipcheck/internal/scoring"
	"github.com/mitre/hipcheck/internal/supervisor"
	"github.com/mitre/hipcheck/internal/target"
)

// RecommendInvestigateLabel is the string Result.Recommendation takes
// when the scoring tree recommends INVESTIGATE.
const RecommendInvestigateLabel = "INVESTIGATE"

// RecommendPassLabel is the string Result.Recommendation takes on PASS.
const RecommendPassLabel = "PASS"

// Result is the top-level outcome of one Run.Execute call.
type Result struct {
	Score          float64
	Recommendation string
}

// Run holds everything one Execute call needs.
type Run struct {
	Config       *hcconfig.Config
	PolicyFile   *policyfile.PolicyFile
	Pool         *host.Pool
	Logger       hclog.Logger
	ArchOverride string

	// Resolver must be set by the caller; Execute fails without one.
	// Scheduler is built lazily by Execute unless already set (tests
	// substitute fakes here).
	Resolver  *resolver.Resolver
	Scheduler *scheduler.Scheduler

	// ReportCache is opened lazily by Execute when Config.Report.Enabled
	// is set, unless already provided (tests substitute fakes here).
	ReportCache *reportcache.Cache
}

// Execute resolves the policy file's plugins, starts and configures
// them, dispatches the target through each analysis, and returns the
// reduced recommendation.
func (r *Run) Execute(ctx context.Context, targetSpecifier string) (Result, error) {
	tgt := target.Target{Specifier: targetSpecifier, LocalPath: targetSpecifier}
	keyBytes, err := json.Marshal(tgt.AsQueryKey())
	if err != nil {
		return Result{}, hcerr.Wrap(hcerr.StartupConfigError, err, "encoding target as query key")
	}
	targetKeyJSON := string(keyBytes)

	if r.Resolver == nil {
		return Result{}, hcerr.New(hcerr.StartupConfigError, "run: no resolver configured")
	}

	resolved, err := r.Resolver.Resolve(ctx, r.PolicyFile.Plugins)
	if err != nil {
		return Result{}, err
	}

	arch := r.ArchOverride
	if arch == "" {
		arch = resolver.HostArch()
	}

	if r.Scheduler == nil {
		r.Scheduler = scheduler.New(r.Pool)
	}

	if r.ReportCache == nil && r.Config.Report.Enabled {
		cache, err := reportcache.Open(r.Config.Report)
		if err != nil {
			return Result{}, err
		}
		r.ReportCache = cache
		defer r.ReportCache.Close()
	}

	if err := r.startAll(ctx, resolved, arch); err != nil {
		return Result{}, err
	}
	defer r.stopAll(resolved)

	root, err := r.buildCategory(ctx, r.PolicyFile.Root, targetKeyJSON)
	if err != nil {
		return Result{}, err
	}

	investigate := false
	if r.PolicyFile.InvestigatePolicy != "" {
		rootScore, _ := root.Score()
		scoreJSON, _ := json.Marshal(rootScore)
		investigate, err = policyexpr.Evaluate(r.PolicyFile.InvestigatePolicy, string(scoreJSON), "", nil)
		if err != nil {
			return Result{}, err
		}
	}

	var watch []identity.RoutingKey
	for _, w := range r.PolicyFile.InvestigateIfFail {
		rk, err := identity.ParseRoutingKey(w)
		if err != nil {
			return Result{}, hcerr.Wrap(hcerr.PolicyFileInvalid, err, "invalid investigate-if-fail entry %q", w)
		}
		watch = append(watch, rk)
	}

	score, rec := scoring.Reduce(root, investigate, watch)
	label := RecommendPassLabel
	if rec == scoring.RecommendInvestigate {
		label = RecommendInvestigateLabel
	}
	return Result{Score: score, Recommendation: label}, nil
}

func (r *Run) startAll(ctx context.Context, resolved map[identity.RoutingKey]resolver.ResolvedPlugin, arch string) error {
	snap := hostmetrics.Sample(ctx, 200*time.Millisecond)
	limit := snap.MaxConcurrentStarts()
	r.Logger.Debug("sizing plugin startup concurrency", "limit", limit, "cpu_percent", snap.CPUPercent, "memory_percent", snap.MemoryPercent)

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	errs := make(chan error, len(resolved))

	for key, rp := range resolved {
		key, rp := key, rp
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.startOne(ctx, key, rp, arch); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Run) startOne(ctx context.Context, key identity.RoutingKey, rp resolver.ResolvedPlugin, arch string) error {
	sup := supervisor.New(rp.Identity, r.Logger)
	if err := sup.Start(ctx, rp.Manifest, arch, r.Config.Plugin.LogLevel, r.Config.Plugin.StartupBackoffInitial, 5); err != nil {
		return err
	}

	stream, err := sup.OpenQueryStream(ctx)
	if err != nil {
		return err
	}

	rt := host.NewRuntime(rp.Identity, sup, stream)
	// Nested, plugin-initiated callbacks (§4.4) are routed back
	// through the same Scheduler so they share its memoization
	// cache with top-level queries; each gets a fresh chain root
	// since the triggering stream message carries no caller
	// context to thread the cycle-detection lineage through.
	rt.Dispatch = func(target identity.RoutingKey, queryName, keyJSON string) (string, error) {
		return r.Scheduler.Query(scheduler.NewRootContext(ctx), target, queryName, keyJSON)
	}
	r.Pool.Add(key, rt)

	go rt.Pump(ctx)

	if err := rt.LoadSchemas(ctx); err != nil {
		return err
	}
	sup.MarkReady()
	return nil
}

func (r *Run) stopAll(resolved map[identity.RoutingKey]resolver.ResolvedPlugin) {
	for key := range resolved {
		if rt, ok := r.Pool.Get(key); ok {
			rt.Supervisor.Stop()
		}
	}
}

func (r *Run) buildCategory(ctx context.Context, c policyfile.Category, targetKeyJSON string) (*scoring.Category, error) {
	cat := &scoring.Category{Name: c.Name, Weight: float64(c.Weight)}
	if cat.Weight == 0 {
		cat.Weight = 1
	}

	for _, a := range c.Analyses {
		analysis, err := r.runAnalysis(ctx, a, targetKeyJSON)
		if err != nil {
			return nil, err
		}
		cat.Analyses = append(cat.Analyses, analysis)
	}
	for _, child := range c.Categories {
		childCat, err := r.buildCategory(ctx, child, targetKeyJSON)
		if err != nil {
			return nil, err
		}
		cat.Children = append(cat.Children, childCat)
	}
	return cat, nil
}

func (r *Run) runAnalysis(ctx context.Context, a policyfile.Analysis, targetKeyJSON string) (*scoring.Analysis, error) {
	rk, err := identity.ParseRoutingKey(a.Plugin)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.PolicyFileInvalid, err, "invalid analysis plugin identity %q", a.Plugin)
	}
	weight := float64(a.Weight)
	if weight == 0 {
		weight = 1
	}
	analysis := &scoring.Analysis{Plugin: rk, Weight: weight}

	rt, ok := r.Pool.Get(rk)
	if !ok {
		analysis.Outcome = scoring.OutcomeErrored
		analysis.Err = hcerr.New(hcerr.PluginInternalError, "no running plugin for %s", rk)
		return analysis, nil
	}

	configJSON, err := cueschema.BuildConfigJSON(a.Config)
	if err != nil {
		analysis.Outcome = scoring.OutcomeErrored
		analysis.Err = err
		return analysis, nil
	}
	// A SetConfig failure is fatal for the whole run, not just this
	// leaf (§7): this plugin is, trivially, required by the score
	// tree it is itself a leaf of, so the error propagates through
	// buildCategory/Execute instead of marking the analysis errored.
	configHash, err := rt.Supervisor.Configure(ctx, configJSON)
	if err != nil {
		return nil, err
	}

	policy := a.Policy
	if policy == "" {
		policy, err = rt.Supervisor.DefaultPolicyExpression(ctx)
		if err != nil {
			analysis.Outcome = scoring.OutcomeErrored
			analysis.Err = err
			return analysis, nil
		}
	}

	output, err := r.queryWithCache(ctx, rk, configHash, targetKeyJSON)
	if err != nil {
		analysis.Outcome = scoring.OutcomeErrored
		analysis.Err = err
		return analysis, nil
	}

	pass := true
	if policy != "" {
		outputSchema := rt.OutputSchemaFor("default")
		ok, err := policyexpr.Evaluate(policy, output, outputSchema, func(msg string) { r.Logger.Debug("policy dbg", "plugin", rk, "msg", msg) })
		if err != nil {
			analysis.Outcome = scoring.OutcomeErrored
			analysis.Err = err
			return analysis, nil
		}
		pass = ok
	}

	if pass {
		analysis.Outcome = scoring.OutcomePass
	} else {
		analysis.Outcome = scoring.OutcomeFail
	}
	return analysis, nil
}

// queryWithCache answers a default-query dispatch from the report
// cache when one is configured and holds a hit for this exact
// (plugin, config hash, target) tuple, otherwise dispatches through
// the scheduler and, on success, records the result for next time.
func (r *Run) queryWithCache(ctx context.Context, rk identity.RoutingKey, configHash, targetKeyJSON string) (string, error) {
	if r.ReportCache != nil {
		if output, ok, err := r.ReportCache.Get(rk.Publisher, rk.Name, configHash, targetKeyJSON); err != nil {
			return "", err
		} else if ok {
			return output, nil
		}
	}

	output, err := r.Scheduler.Query(scheduler.NewRootContext(ctx), rk, "default", targetKeyJSON)
	if err != nil {
		return "", err
	}

	if r.ReportCache != nil {
		if err := r.ReportCache.Put(rk.Publisher, rk.Name, configHash, targetKeyJSON, output); err != nil {
			return "", err
		}
	}
	return output, nil
}
