// Package fetcher downloads, verifies, and installs plugin archives
// into the on-disk cache, per §3/§4.1.
package fetcher

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/mitre/hipcheck/internal/archive"
	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
	"github.com/mitre/hipcheck/internal/pcache"
)

// Downloader abstracts the HTTP retrieval so tests can substitute a
// fake transport without a live network.
type Downloader interface {
	Download(ctx context.Context, url string) (io.ReadCloser, error)
}

// HTTPDownloader is the default Downloader using net/http.
type HTTPDownloader struct {
	Client *http.Client
}

func (d *HTTPDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "building request for %s", url)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.DownloadFailed, err, "downloading %s", url)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, hcerr.New(hcerr.DownloadFailed, "downloading %s: unexpected status %s", url, resp.Status)
	}
	return resp.Body, nil
}

// Fetcher installs plugin artifacts into a pcache.Store.
type Fetcher struct {
	Store      *pcache.Store
	Downloader Downloader
	Logger     hclog.Logger
}

func New(store *pcache.Store, downloader Downloader, logger hclog.Logger) *Fetcher {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Fetcher{Store: store, Downloader: downloader, Logger: logger}
}

// Install ensures id's artifacts are present in the cache, downloading
// and verifying them from entry if necessary. It returns the cache
// entry once plugin.kdl is confirmed present at the artifact root.
func (f *Fetcher) Install(ctx context.Context, id identity.Identity, entry manifest.DownloadEntry) (pcache.Entry, error) {
	if cached, ok := f.Store.Lookup(id); ok {
		f.Logger.Debug("plugin cache hit", "identity", id.String())
		return cached, nil
	}

	release, err := f.Store.AcquireLock(id)
	if err != nil {
		return pcache.Entry{}, err
	}
	defer release()

	// Re-check after acquiring the lock: another caller may have
	// finished installing (and released its lock) since the first
	// lookup. AcquireLock does not wait; a held lock fails the install.
	if cached, ok := f.Store.Lookup(id); ok {
		return cached, nil
	}

	f.Logger.Info("downloading plugin artifact", "identity", id.String(), "url", entry.URL)

	body, err := f.Downloader.Download(ctx, entry.URL)
	if err != nil {
		return pcache.Entry{}, err
	}
	defer body.Close()

	stagingDir, err := os.MkdirTemp("", "hipcheck-fetch-"+uuid.NewString())
	if err != nil {
		return pcache.Entry{}, hcerr.Wrap(hcerr.DownloadFailed, err, "creating staging directory")
	}
	defer os.RemoveAll(stagingDir)

	artifactPath := filepath.Join(stagingDir, "artifact")
	out, err := os.Create(artifactPath)
	if err != nil {
		return pcache.Entry{}, hcerr.Wrap(hcerr.DownloadFailed, err, "creating staging file")
	}
	written, err := io.Copy(out, body)
	closeErr := out.Close()
	if err != nil {
		return pcache.Entry{}, hcerr.Wrap(hcerr.DownloadFailed, err, "writing staged artifact")
	}
	if closeErr != nil {
		return pcache.Entry{}, hcerr.Wrap(hcerr.DownloadFailed, closeErr, "closing staged artifact")
	}

	if written != entry.Size {
		return pcache.Entry{}, hcerr.New(hcerr.SizeMismatch, "expected %d bytes, downloaded %d", entry.Size, written)
	}

	verifyFile, err := os.Open(artifactPath)
	if err != nil {
		return pcache.Entry{}, hcerr.Wrap(hcerr.DownloadFailed, err, "reopening staged artifact for verification")
	}
	verifyErr := archive.VerifyDigest(verifyFile, entry.HashAlg, entry.Digest)
	verifyFile.Close()
	if verifyErr != nil {
		return pcache.Entry{}, verifyErr
	}

	destDir := f.Store.Dir(id)
	if err := archive.Extract(artifactPath, entry.Compress, destDir); err != nil {
		return pcache.Entry{}, err
	}
	if !archive.HasRootManifest(destDir) {
		return pcache.Entry{}, hcerr.New(hcerr.ManifestInvalid, "extracted archive for %s has no plugin.kdl at its root", id)
	}

	cached, ok := f.Store.Lookup(id)
	if !ok {
		return pcache.Entry{}, hcerr.New(hcerr.DownloadFailed, "installed artifact for %s not found after extraction", id)
	}
	f.Logger.Info("installed plugin artifact", "identity", id.String(), "dir", cached.Dir)
	return cached, nil
}
