// Package target defines the Target value the (out-of-scope) target
// resolver hands to the core, per §3's GLOSSARY entry: "the project
// under analysis, including a local working copy". The resolver itself
// — turning a user specifier into one of these — is an external
// collaborator the core never implements.
package target

// Target is immutable for the duration of one analysis run.
type Target struct {
	// Specifier is the original user-supplied string the resolver
	// consumed to produce this Target (a path, URL, or package ref).
	Specifier string

	// LocalPath is the working copy of the project under analysis.
	LocalPath string

	// RemoteSource, if non-nil, describes where the project's source
	// was fetched from (e.g. a VCS remote).
	RemoteSource *RemoteSource

	// Package, if non-nil, describes the package ecosystem identity
	// the Target was resolved from, when analysis started from a
	// package reference rather than a source location.
	Package *PackageDescriptor
}

// RemoteSource describes a remote VCS origin for a Target.
type RemoteSource struct {
	URL string
	Ref string
}

// PackageDescriptor describes a package-ecosystem identity.
type PackageDescriptor struct {
	Ecosystem string
	Name      string
	Version   string
}

// AsQueryKey renders the Target as the JSON-ready key value the
// scheduler's default query for each policy-declared plugin is
// dispatched with (§4.4, §6).
func (t Target) AsQueryKey() map[string]any {
	key := map[string]any{
		"specifier":  t.Specifier,
		"local_path": t.LocalPath,
	}
	if t.RemoteSource != nil {
		key["remote_source"] = map[string]any{
			"url": t.RemoteSource.URL,
			"ref": t.RemoteSource.Ref,
		}
	}
	if t.Package != nil {
		key["package"] = map[string]any{
			"ecosystem": t.Package.Ecosystem,
			"name":      t.Package.Name,
			"version":   t.Package.Version,
		}
	}
	return key
}
