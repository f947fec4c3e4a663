// Package resolver performs the fixpoint dependency resolution over
// the policy file's plugin list described in §4.1: fetch each
// download manifest, intersect active version constraints, consult
// the cache, fetch/verify/extract on a miss, and recurse into the
// installed plugin manifest's own dependencies.
package resolver

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"

	"github.com/hashicorp/go-hclog"

	"github.com/mitre/hipcheck/internal/fetcher"
	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
	"github.com/mitre/hipcheck/internal/pcache"
	"github.com/mitre/hipcheck/internal/semverc"
)

// TopLevelPlugin is one policy-declared plugin dependency (§6).
type TopLevelPlugin struct {
	Publisher     string
	Name          string
	VersionConstr string
	ManifestURL   string
}

// ResolvedPlugin is a fully resolved, installed, parsed plugin.
type ResolvedPlugin struct {
	Identity   identity.Identity
	CacheEntry pcache.Entry
	Manifest   *manifest.PluginManifest
}

// ManifestSource fetches a download manifest document from a URL. The
// default implementation performs an HTTP GET; tests substitute a map.
type ManifestSource interface {
	FetchDownloadManifest(ctx context.Context, url string) (*manifest.DownloadManifest, error)
}

// HTTPManifestSource is the production ManifestSource.
type HTTPManifestSource struct {
	Client *http.Client
}

func (s *HTTPManifestSource) FetchDownloadManifest(ctx context.Context, url string) (*manifest.DownloadManifest, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "building request for download manifest %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "fetching download manifest %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, hcerr.New(hcerr.DownloadFailed, "fetching download manifest %s: status %s", url, resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "reading download manifest body %s", url)
	}
	return manifest.ParseDownloadManifest(string(body))
}

// HostArch returns the target-triple-style architecture string used to
// select entrypoints/download entries when no override is given.
func HostArch() string {
	arch := runtime.GOARCH
	if arch == "amd64" {
		arch = "x86_64"
	}
	vendor := "unknown"
	os := runtime.GOOS
	switch os {
	case "darwin":
		vendor = "apple"
		os = "darwin"
	case "linux":
		vendor = "unknown"
		os = "linux-gnu"
	}
	return arch + "-" + vendor + "-" + os
}

// Resolver resolves a policy's top-level plugin list into fully
// installed, parsed plugins.
type Resolver struct {
	Source       ManifestSource
	Fetcher      *fetcher.Fetcher
	Store        *pcache.Store
	ArchOverride string
	Logger       hclog.Logger
}

func New(source ManifestSource, f *fetcher.Fetcher, store *pcache.Store, archOverride string, logger hclog.Logger) *Resolver {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Resolver{Source: source, Fetcher: f, Store: store, ArchOverride: archOverride, Logger: logger}
}

type workItem struct {
	key         identity.RoutingKey
	constraint  string
	manifestURL string
	path        []identity.RoutingKey
}

// Resolve runs the fixpoint described in §4.1 and returns every
// resolved plugin keyed by routing key (publisher/name).
func (r *Resolver) Resolve(ctx context.Context, topLevel []TopLevelPlugin) (map[identity.RoutingKey]ResolvedPlugin, error) {
	arch := r.ArchOverride
	if arch == "" {
		arch = HostArch()
	}

	constraintSets := map[identity.RoutingKey]*semverc.Set{}
	manifestURLs := map[identity.RoutingKey]string{}
	resolved := map[identity.RoutingKey]ResolvedPlugin{}

	var queue []workItem
	for _, tl := range topLevel {
		key := identity.RoutingKey{Publisher: tl.Publisher, Name: tl.Name}
		queue = append(queue, workItem{key: key, constraint: tl.VersionConstr, manifestURL: tl.ManifestURL, path: nil})
	}

	for len(queue) > 0 {
		item := queue[0]
		queue = queue[1:]

		for _, ancestor := range item.path {
			if ancestor == item.key {
				return nil, hcerr.New(hcerr.DependencyCycle, "dependency cycle detected at %s", item.key)
			}
		}

		set, ok := constraintSets[item.key]
		if !ok {
			set = semverc.NewSet()
			constraintSets[item.key] = set
		}
		c, err := semverc.Parse(item.constraint)
		if err != nil {
			return nil, err
		}
		set.Add(c)

		if item.manifestURL != "" {
			manifestURLs[item.key] = item.manifestURL
		}

		if existing, already := resolved[item.key]; already {
			if !c.Matches(existing.Identity.Version) {
				return nil, hcerr.New(hcerr.UnresolvableVersion,
					"plugin %s was already resolved to %s, which does not satisfy the newly added constraint %s",
					item.key, existing.Identity.Version, c.String())
			}
			continue
		}

		manifestURL, ok := manifestURLs[item.key]
		if !ok {
			// Constraint arrived before any manifest URL is known for
			// this key; defer until an item carrying the URL is seen.
			queue = append(queue, item)
			continue
		}

		dm, err := r.Source.FetchDownloadManifest(ctx, manifestURL)
		if err != nil {
			return nil, err
		}

		version, err := set.HighestMatching(dm.Versions())
		if err != nil {
			return nil, hcerr.Wrap(hcerr.UnresolvableVersion, err, "resolving %s against constraints %s", item.key, set.Describe())
		}

		entry, ok := dm.Find(version, arch)
		if !ok {
			return nil, hcerr.New(hcerr.NoArchMatch, "no download entry for %s@%s on arch %s", item.key, version, arch)
		}

		id := identity.Identity{Publisher: item.key.Publisher, Name: item.key.Name, Version: version}
		cacheEntry, err := r.Fetcher.Install(ctx, id, entry)
		if err != nil {
			return nil, err
		}

		pm, err := r.loadPluginManifest(cacheEntry)
		if err != nil {
			return nil, err
		}

		resolved[item.key] = ResolvedPlugin{Identity: id, CacheEntry: cacheEntry, Manifest: pm}
		r.Logger.Info("resolved plugin", "identity", id.String())

		nextPath := append(append([]identity.RoutingKey{}, item.path...), item.key)
		for _, dep := range pm.Dependencies {
			depKey := identity.RoutingKey{Publisher: dep.Publisher, Name: dep.Name}
			queue = append(queue, workItem{
				key:         depKey,
				constraint:  dep.VersionConstr,
				manifestURL: dep.ManifestURL,
				path:        nextPath,
			})
		}
	}

	return resolved, nil
}

func (r *Resolver) loadPluginManifest(entry pcache.Entry) (*manifest.PluginManifest, error) {
	path := filepath.Join(entry.Dir, "plugin.kdl")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "reading plugin manifest %s", path)
	}
	return manifest.ParsePluginManifest(string(data))
}
