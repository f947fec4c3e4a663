// Package policyfile parses the user-written policy document (§6):
// the top-level `plugins` block (identities, version constraints,
// manifest URLs) and the `analyze` block (the investigate expression,
// investigate-if-fail set, and the weighted scoring tree), reusing the
// KDL-like grammar in internal/kdl and resolving the `#rel`/`#env`
// macros at load time.
package policyfile

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/kdl"
	"github.com/mitre/hipcheck/internal/resolver"
)

// AnalysisConfig is one analysis leaf's child configuration as
// property-value strings; cueschema.BuildConfigJSON turns it into a
// typed JSON object before it is sent to the plugin's SetConfig RPC.
type AnalysisConfig map[string]string

// Analysis is one `analysis` node under `analyze`.
type Analysis struct {
	Plugin string // "<publisher>/<name>"
	Policy string // overridden policy expression, empty if absent
	Weight int
	Config AnalysisConfig
}

// Category is one `category` node under `analyze`, recursively holding
// Analyses and nested Categories.
type Category struct {
	Name       string
	Weight     int
	Analyses   []Analysis
	Categories []Category
}

// PolicyFile is the fully parsed and macro-resolved document.
type PolicyFile struct {
	Plugins           []resolver.TopLevelPlugin
	InvestigatePolicy string
	InvestigateIfFail []string // "<publisher>/<name>"
	Root              Category
}

// Load reads and parses the policy file at path, resolving `#rel` and
// `#env` macros against path's directory and the process environment.
func Load(path string) (*PolicyFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.StartupConfigError, err, "reading policy file %s", path)
	}
	dir := filepath.Dir(path)

	nodes, err := kdl.Parse(string(raw))
	if err != nil {
		return nil, hcerr.Wrap(hcerr.PolicyFileInvalid, err, "parsing policy file %s", path)
	}

	pf := &PolicyFile{}

	pluginsNode, ok := findNode(nodes, "plugins")
	if !ok {
		return nil, hcerr.New(hcerr.PolicyFileInvalid, "policy file missing required 'plugins' block")
	}
	for _, p := range pluginsNode.ChildrenNamed("plugin") {
		if len(p.Args) != 1 {
			return nil, hcerr.New(hcerr.PolicyFileInvalid, "'plugin' node must have exactly one publisher/name argument")
		}
		routing, err := expandMacros(p.Args[0], dir)
		if err != nil {
			return nil, err
		}
		pub, name, err := splitPubName(routing)
		if err != nil {
			return nil, hcerr.Wrap(hcerr.PolicyFileInvalid, err, "invalid plugin identity %q", routing)
		}
		constr, ok := p.Prop("version")
		if !ok {
			return nil, hcerr.New(hcerr.PolicyFileInvalid, "plugin %q missing 'version' attribute", routing)
		}
		manifestURL, ok := p.Prop("manifest")
		if !ok {
			return nil, hcerr.New(hcerr.PolicyFileInvalid, "plugin %q missing 'manifest' attribute", routing)
		}
		manifestURL, err = expandMacros(manifestURL, dir)
		if err != nil {
			return nil, err
		}
		pf.Plugins = append(pf.Plugins, resolver.TopLevelPlugin{
			Publisher:     pub,
			Name:          name,
			VersionConstr: constr,
			ManifestURL:   manifestURL,
		})
	}

	analyzeNode, ok := findNode(nodes, "analyze")
	if !ok {
		return nil, hcerr.New(hcerr.PolicyFileInvalid, "policy file missing required 'analyze' block")
	}

	if inv, ok := analyzeNode.ChildNamed("investigate"); ok {
		policy, ok := inv.Prop("policy")
		if !ok {
			return nil, hcerr.New(hcerr.PolicyFileInvalid, "'investigate' node missing 'policy' attribute")
		}
		pf.InvestigatePolicy, err = expandMacros(policy, dir)
		if err != nil {
			return nil, err
		}
	}

	for _, watch := range analyzeNode.ChildrenNamed("investigate-if-fail") {
		for _, a := range watch.Args {
			expanded, err := expandMacros(a, dir)
			if err != nil {
				return nil, err
			}
			pf.InvestigateIfFail = append(pf.InvestigateIfFail, expanded)
		}
	}

	root, err := parseCategoryChildren(analyzeNode, dir)
	if err != nil {
		return nil, err
	}
	pf.Root = Category{Name: "root", Weight: 1, Analyses: root.Analyses, Categories: root.Categories}

	return pf, nil
}

func parseCategoryChildren(n *kdl.Node, dir string) (Category, error) {
	var cat Category
	for _, c := range n.Children {
		switch c.Name {
		case "analysis":
			a, err := parseAnalysis(c, dir)
			if err != nil {
				return Category{}, err
			}
			cat.Analyses = append(cat.Analyses, a)
		case "category":
			if len(c.Args) != 1 {
				return Category{}, hcerr.New(hcerr.PolicyFileInvalid, "'category' node must have exactly one name argument")
			}
			weight, err := weightOf(c)
			if err != nil {
				return Category{}, err
			}
			child, err := parseCategoryChildren(c, dir)
			if err != nil {
				return Category{}, err
			}
			child.Name = c.Args[0]
			child.Weight = weight
			cat.Categories = append(cat.Categories, child)
		case "investigate", "investigate-if-fail":
			// handled by the caller at the top level
		default:
			return Category{}, hcerr.New(hcerr.PolicyFileInvalid, "unexpected node %q inside 'analyze'", c.Name)
		}
	}
	return cat, nil
}

func parseAnalysis(n *kdl.Node, dir string) (Analysis, error) {
	if len(n.Args) != 1 {
		return Analysis{}, hcerr.New(hcerr.PolicyFileInvalid, "'analysis' node must have exactly one publisher/name argument")
	}
	plugin, err := expandMacros(n.Args[0], dir)
	if err != nil {
		return Analysis{}, err
	}
	weight, err := weightOf(n)
	if err != nil {
		return Analysis{}, err
	}
	a := Analysis{Plugin: plugin, Weight: weight, Config: AnalysisConfig{}}
	if policy, ok := n.Prop("policy"); ok {
		a.Policy, err = expandMacros(policy, dir)
		if err != nil {
			return Analysis{}, err
		}
	}
	for _, child := range n.Children {
		if len(child.Args) != 1 {
			return Analysis{}, hcerr.New(hcerr.PolicyFileInvalid, "analysis config node %q must have exactly one value argument", child.Name)
		}
		v, err := expandMacros(child.Args[0], dir)
		if err != nil {
			return Analysis{}, err
		}
		a.Config[child.Name] = v
	}
	return a, nil
}

func weightOf(n *kdl.Node) (int, error) {
	w, ok := n.Prop("weight")
	if !ok {
		return 1, nil
	}
	v, err := strconv.Atoi(w)
	if err != nil || v < 1 {
		return 0, hcerr.New(hcerr.PolicyFileInvalid, "'weight' attribute must be an integer >= 1, got %q", w)
	}
	return v, nil
}

func splitPubName(s string) (publisher, name string, err error) {
	i := strings.IndexByte(s, '/')
	if i < 0 {
		return "", "", hcerr.New(hcerr.PolicyFileInvalid, "expected \"<publisher>/<name>\", got %q", s)
	}
	return s[:i], s[i+1:], nil
}

func findNode(nodes []*kdl.Node, name string) (*kdl.Node, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}
