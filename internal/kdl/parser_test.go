package kdl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseManifestLike(t *testing.T) {
	src := `
publisher "mitre"
name "typo"
version "1.2.3"
license "Apache-2.0"
entrypoint {
  on arch="x86_64-unknown-linux-gnu" "./typo"
  on arch="aarch64-apple-darwin" "./typo"
}
dependencies {
  plugin "mitre/linguist" version="^1.0" manifest="https://example.com/dl.kdl"
}
`
	nodes, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, nodes, 6)

	pub := nodes[0]
	require.Equal(t, "publisher", pub.Name)
	require.Equal(t, []string{"mitre"}, pub.Args)

	entry, ok := findNode(nodes, "entrypoint")
	require.True(t, ok)
	require.Len(t, entry.Children, 2)
	on0 := entry.Children[0]
	require.Equal(t, "on", on0.Name)
	arch, ok := on0.Prop("arch")
	require.True(t, ok)
	require.Equal(t, "x86_64-unknown-linux-gnu", arch)
	require.Equal(t, []string{"./typo"}, on0.Args)

	deps, ok := findNode(nodes, "dependencies")
	require.True(t, ok)
	plug := deps.Children[0]
	require.Equal(t, "plugin", plug.Name)
	require.Equal(t, []string{"mitre/linguist"}, plug.Args)
	v, _ := plug.Prop("version")
	require.Equal(t, "^1.0", v)
}

func TestParseQuotedExpressionProp(t *testing.T) {
	src := `investigate policy="(gt 0.5 $)"` + "\n" + `investigate-if-fail "mitre/typo"`
	nodes, err := Parse(src)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	policy, ok := nodes[0].Prop("policy")
	require.True(t, ok)
	require.Equal(t, "(gt 0.5 $)", policy)
	require.Equal(t, "investigate-if-fail", nodes[1].Name)
	require.Equal(t, []string{"mitre/typo"}, nodes[1].Args)
}

func TestParseNestedCategories(t *testing.T) {
	src := `
analyze {
  category "practices" weight=2 {
    analysis "mitre/typo" policy="(eq $ #t)" weight=1 {
      threshold "3"
    }
  }
}
`
	nodes, err := Parse(src)
	require.NoError(t, err)
	analyze := nodes[0]
	cat := analyze.Children[0]
	require.Equal(t, "category", cat.Name)
	w, _ := cat.Prop("weight")
	require.Equal(t, "2", w)
	analysis := cat.Children[0]
	require.Equal(t, "analysis", analysis.Name)
	p, _ := analysis.Prop("policy")
	require.Equal(t, "(eq $ #t)", p)
	th, ok := analysis.ChildNamed("threshold")
	require.True(t, ok)
	require.Equal(t, []string{"3"}, th.Args)
}

func TestUnterminatedStringErrors(t *testing.T) {
	_, err := Parse(`publisher "mitre`)
	require.Error(t, err)
}

func TestUnbalancedBraceErrors(t *testing.T) {
	_, err := Parse(`entrypoint { on "./x" `)
	require.Error(t, err)
}

func findNode(nodes []*Node, name string) (*Node, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}
