// Package manifest parses the plugin manifest and download manifest
// document formats (§3, §6) using the KDL-like grammar in
// internal/kdl, and resolves entrypoints by target-triple architecture.
package manifest

import (
	"github.com/blang/semver"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/kdl"
)

// Dependency is one plugin dependency declared by a manifest, per §3.
type Dependency struct {
	Publisher      string
	Name           string
	VersionConstr  string
	ManifestURL    string
}

// PluginManifest is the parsed per-plugin metadata document (§3):
// identity, license, entrypoints keyed by architecture, and dependencies.
type PluginManifest struct {
	Publisher    string
	Name         string
	Version      semver.Version
	License      string
	Entrypoints  map[string]string // target-triple -> command
	Dependencies []Dependency
}

// ParsePluginManifest parses a plugin.kdl document.
func ParsePluginManifest(src string) (*PluginManifest, error) {
	nodes, err := kdl.Parse(src)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "parsing plugin manifest")
	}

	m := &PluginManifest{Entrypoints: map[string]string{}}

	pub, ok := findArg(nodes, "publisher")
	if !ok {
		return nil, hcerr.New(hcerr.ManifestInvalid, "manifest missing required node 'publisher'")
	}
	m.Publisher = pub

	name, ok := findArg(nodes, "name")
	if !ok {
		return nil, hcerr.New(hcerr.ManifestInvalid, "manifest missing required node 'name'")
	}
	m.Name = name

	versionStr, ok := findArg(nodes, "version")
	if !ok {
		return nil, hcerr.New(hcerr.ManifestInvalid, "manifest missing required node 'version'")
	}
	v, err := semver.Parse(versionStr)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "manifest version %q is not valid SemVer", versionStr)
	}
	m.Version = v

	if license, ok := findArg(nodes, "license"); ok {
		m.License = license
	}

	entrypointNode, ok := findNode(nodes, "entrypoint")
	if !ok {
		return nil, hcerr.New(hcerr.ManifestInvalid, "manifest missing required node 'entrypoint'")
	}
	for _, on := range entrypointNode.ChildrenNamed("on") {
		arch, ok := on.Prop("arch")
		if !ok {
			return nil, hcerr.New(hcerr.ManifestInvalid, "entrypoint 'on' node missing 'arch' attribute at line %d", on.Line)
		}
		if len(on.Args) != 1 {
			return nil, hcerr.New(hcerr.ManifestInvalid, "entrypoint 'on' node for arch %q must have exactly one command argument", arch)
		}
		m.Entrypoints[arch] = on.Args[0]
	}

	if depsNode, ok := findNode(nodes, "dependencies"); ok {
		for _, plug := range depsNode.ChildrenNamed("plugin") {
			if len(plug.Args) != 1 {
				return nil, hcerr.New(hcerr.ManifestInvalid, "dependency 'plugin' node must have exactly one publisher/name argument")
			}
			rk, err := splitRoutingArg(plug.Args[0])
			if err != nil {
				return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "invalid dependency identity")
			}
			versionConstr, ok := plug.Prop("version")
			if !ok {
				return nil, hcerr.New(hcerr.ManifestInvalid, "dependency %q missing 'version' attribute", plug.Args[0])
			}
			manifestURL, ok := plug.Prop("manifest")
			if !ok {
				return nil, hcerr.New(hcerr.ManifestInvalid, "dependency %q missing 'manifest' attribute", plug.Args[0])
			}
			m.Dependencies = append(m.Dependencies, Dependency{
				Publisher:     rk.publisher,
				Name:          rk.name,
				VersionConstr: versionConstr,
				ManifestURL:   manifestURL,
			})
		}
	}

	return m, nil
}

// EntrypointFor resolves the manifest's entrypoint command for the
// given target triple, or NO_ARCH_MATCH if none is declared.
func (m *PluginManifest) EntrypointFor(targetTriple string) (string, error) {
	cmd, ok := m.Entrypoints[targetTriple]
	if !ok {
		return "", hcerr.New(hcerr.NoArchMatch, "plugin %s/%s has no entrypoint for arch %q", m.Publisher, m.Name, targetTriple)
	}
	return cmd, nil
}

type routingArg struct{ publisher, name string }

func splitRoutingArg(s string) (routingArg, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			return routingArg{publisher: s[:i], name: s[i+1:]}, nil
		}
	}
	return routingArg{}, hcerr.New(hcerr.ManifestInvalid, "%q is not a publisher/name pair", s)
}

func findNode(nodes []*kdl.Node, name string) (*kdl.Node, bool) {
	for _, n := range nodes {
		if n.Name == name {
			return n, true
		}
	}
	return nil, false
}

func findArg(nodes []*kdl.Node, name string) (string, bool) {
	n, ok := findNode(nodes, name)
	if !ok || len(n.Args) == 0 {
		return "", false
	}
	return n.Args[0], true
}
