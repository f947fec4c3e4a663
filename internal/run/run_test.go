package run

import (
	"context"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/host"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/policyfile"
	"github.com/mitre/hipcheck/internal/scoring"
	"github.com/mitre/hipcheck/internal/supervisor"
)

func newTestRun() *Run {
	return &Run{
		Pool:   host.NewPool(),
		Logger: hclog.NewNullLogger(),
	}
}

func TestRunAnalysisErrorsOnUnresolvedPlugin(t *testing.T) {
	r := newTestRun()
	analysis, err := r.runAnalysis(context.Background(), policyfile.Analysis{Plugin: "mitre/typo"}, `{"specifier":"x"}`)
	require.NoError(t, err)
	require.Equal(t, scoring.OutcomeErrored, analysis.Outcome)
	require.Error(t, analysis.Err)
}

func TestRunAnalysisRejectsMalformedPluginIdentity(t *testing.T) {
	r := newTestRun()
	_, err := r.runAnalysis(context.Background(), policyfile.Analysis{Plugin: "not-a-routing-key"}, `{}`)
	require.Error(t, err)
}

// TestRunAnalysisPropagatesConfigureFailure exercises §7's rule that a
// SetConfig failure is fatal for the whole run: an unstarted
// Supervisor's Configure call fails immediately (its rpcClient is
// nil), and that failure must come back out of runAnalysis as a real
// error rather than an errored analysis leaf.
func TestRunAnalysisPropagatesConfigureFailure(t *testing.T) {
	r := newTestRun()
	id := identity.Identity{Publisher: "mitre", Name: "typo"}
	sup := supervisor.New(id, hclog.NewNullLogger())
	rt := host.NewRuntime(id, sup, nil)
	r.Pool.Add(id.Key(), rt)

	analysis, err := r.runAnalysis(context.Background(), policyfile.Analysis{Plugin: "mitre/typo"}, `{"specifier":"x"}`)
	require.Error(t, err)
	require.Nil(t, analysis)
	require.True(t, hcerr.Is(err, hcerr.PluginInternalError))
}

func TestBuildCategoryPropagatesConfigureFailureFromChildAnalysis(t *testing.T) {
	r := newTestRun()
	id := identity.Identity{Publisher: "mitre", Name: "typo"}
	sup := supervisor.New(id, hclog.NewNullLogger())
	rt := host.NewRuntime(id, sup, nil)
	r.Pool.Add(id.Key(), rt)

	_, err := r.buildCategory(context.Background(), policyfile.Category{
		Name: "root",
		Analyses: []policyfile.Analysis{
			{Plugin: "mitre/typo", Weight: 5},
		},
	}, `{}`)
	require.Error(t, err)
}

func TestBuildCategoryDefaultsWeightToOne(t *testing.T) {
	r := newTestRun()
	cat, err := r.buildCategory(context.Background(), policyfile.Category{Name: "root"}, `{}`)
	require.NoError(t, err)
	require.Equal(t, float64(1), cat.Weight)
	require.Equal(t, "root", cat.Name)
}

func TestBuildCategoryRecursesIntoChildren(t *testing.T) {
	r := newTestRun()
	cat, err := r.buildCategory(context.Background(), policyfile.Category{
		Name:   "root",
		Weight: 2,
		Categories: []policyfile.Category{
			{Name: "child", Weight: 3},
		},
	}, `{}`)
	require.NoError(t, err)
	require.Equal(t, float64(2), cat.Weight)
	require.Len(t, cat.Children, 1)
	require.Equal(t, "child", cat.Children[0].Name)
	require.Equal(t, float64(3), cat.Children[0].Weight)
}

func TestBuildCategoryCollectsAnalysesAsErroredWhenUnresolved(t *testing.T) {
	r := newTestRun()
	cat, err := r.buildCategory(context.Background(), policyfile.Category{
		Name: "root",
		Analyses: []policyfile.Analysis{
			{Plugin: "mitre/typo", Weight: 5},
		},
	}, `{}`)
	require.NoError(t, err)
	require.Len(t, cat.Analyses, 1)
	require.Equal(t, float64(5), cat.Analyses[0].Weight)
	require.Equal(t, scoring.OutcomeErrored, cat.Analyses[0].Outcome)
}
