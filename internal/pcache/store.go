// Package pcache is the on-disk plugin artifact cache: installed
// plugins live under root/<publisher>/<name>/<version>/ containing the
// extracted artifacts plus plugin.kdl, per §3 ("Cached plugin entry")
// and §6 ("Persisted state"). A per-entry lock file serializes
// concurrent downloads of the same version (§5), using O_EXCL rather
// than a filesystem-watch library — the corpus's fsnotify dependency
// (mantonx/viewra's hot_reload.go) solves a different problem (live
// config reload) and isn't a fit here; see SPEC_FULL.md.
package pcache

import (
	"os"
	"path/filepath"
	"time"

	"github.com/blang/semver"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
)

// Entry is a cached plugin entry's on-disk location (§3).
type Entry struct {
	Identity     identity.Identity
	Dir          string
	LastModified time.Time
}

// Store manages the on-disk plugin cache rooted at Root.
type Store struct {
	Root string
}

func New(root string) *Store {
	return &Store{Root: root}
}

// Dir returns the directory an identity's artifacts live (or would
// live) under, without checking existence.
func (s *Store) Dir(id identity.Identity) string {
	return filepath.Join(s.Root, id.Publisher, id.Name, id.Version.String())
}

// Lookup returns the cache entry for id if it has been fully installed
// (i.e. plugin.kdl is present at its root), per the invariant that
// installed entries are uniquely keyed by identity.
func (s *Store) Lookup(id identity.Identity) (Entry, bool) {
	dir := s.Dir(id)
	manifestPath := filepath.Join(dir, "plugin.kdl")
	info, err := os.Stat(manifestPath)
	if err != nil {
		return Entry{}, false
	}
	return Entry{Identity: id, Dir: dir, LastModified: info.ModTime()}, true
}

// lockPath is the per-entry lock file path guarding concurrent
// downloads of the same (publisher, name, version).
func (s *Store) lockPath(id identity.Identity) string {
	return filepath.Join(s.Root, id.Publisher, id.Name, id.Version.String()+".lock")
}

// AcquireLock creates the per-entry lock file, failing if another
// process/goroutine already holds it. The caller must call the
// returned release function, which removes the lock file.
func (s *Store) AcquireLock(id identity.Identity) (func(), error) {
	lockPath := s.lockPath(id)
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "creating cache directory for %s", id)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, hcerr.New(hcerr.DownloadFailed, "plugin %s is already being downloaded by another process", id)
		}
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "acquiring download lock for %s", id)
	}
	f.Close()
	return func() { os.Remove(lockPath) }, nil
}

// ListVersions returns every installed version of a (publisher, name)
// pair already present in the cache.
func (s *Store) ListVersions(key identity.RoutingKey) ([]semver.Version, error) {
	dir := filepath.Join(s.Root, key.Publisher, key.Name)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "listing cached versions for %s", key)
	}
	var out []semver.Version
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		v, err := semver.Parse(e.Name())
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
