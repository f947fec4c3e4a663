package policyfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
)

func writePolicy(t *testing.T, dir, src string) string {
	t.Helper()
	path := filepath.Join(dir, "policy.kdl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	return path
}

func TestLoadParsesPluginsAndScoringTree(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
plugins {
	plugin "mitre/typo" version="^0.1.0" manifest="https://example.com/typo.kdl"
}

analyze {
	investigate policy="(gt 0.5 $)"
	investigate-if-fail "mitre/typo"

	category "practices" weight=2 {
		analysis "mitre/typo" policy="(not $)" weight=3 {
			threshold "0.8"
		}
	}
}
`)

	pf, err := Load(path)
	require.NoError(t, err)
	require.Len(t, pf.Plugins, 1)
	require.Equal(t, "mitre", pf.Plugins[0].Publisher)
	require.Equal(t, "typo", pf.Plugins[0].Name)
	require.Equal(t, "^0.1.0", pf.Plugins[0].VersionConstr)

	require.Equal(t, "(gt 0.5 $)", pf.InvestigatePolicy)
	require.Equal(t, []string{"mitre/typo"}, pf.InvestigateIfFail)

	require.Len(t, pf.Root.Categories, 1)
	cat := pf.Root.Categories[0]
	require.Equal(t, "practices", cat.Name)
	require.Equal(t, 2, cat.Weight)
	require.Len(t, cat.Analyses, 1)
	a := cat.Analyses[0]
	require.Equal(t, "mitre/typo", a.Plugin)
	require.Equal(t, "(not $)", a.Policy)
	require.Equal(t, 3, a.Weight)
	require.Equal(t, "0.8", a.Config["threshold"])
}

func TestLoadResolvesRelMacro(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
plugins {
	plugin "mitre/typo" version="^0.1.0" manifest="#rel(\"manifests/typo.kdl\")"
}
analyze {
	investigate policy="(not $)"
}
`)
	pf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "manifests/typo.kdl"), pf.Plugins[0].ManifestURL)
}

func TestLoadResolvesEnvMacro(t *testing.T) {
	t.Setenv("HC_TEST_TOKEN", "sekret")
	dir := t.TempDir()
	path := writePolicy(t, dir, `
plugins {
	plugin "mitre/typo" version="^0.1.0" manifest="https://example.com/m.kdl?token=#env(\"HC_TEST_TOKEN\")"
}
analyze {
	investigate policy="(not $)"
}
`)
	pf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://example.com/m.kdl?token=sekret", pf.Plugins[0].ManifestURL)
}

func TestLoadMissingEnvVarFails(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
plugins {
	plugin "mitre/typo" version="^0.1.0" manifest="#env(\"HC_DEFINITELY_UNSET_VAR\")"
}
analyze {
	investigate policy="(not $)"
}
`)
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.EnvVarNotSet))
}

func TestLoadMissingPluginsBlockFails(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
analyze {
	investigate policy="(not $)"
}
`)
	_, err := Load(path)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.PolicyFileInvalid))
}

func TestLoadDefaultWeightIsOne(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, `
plugins {
	plugin "mitre/typo" version="^0.1.0" manifest="https://example.com/m.kdl"
}
analyze {
	investigate policy="(not $)"
	analysis "mitre/typo"
}
`)
	pf, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 1, pf.Root.Analyses[0].Weight)
}
