package resolver

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"testing"

	"github.com/blang/semver"
	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/fetcher"
	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
	"github.com/mitre/hipcheck/internal/pcache"
)

// fakeManifestSource serves pre-parsed download manifests keyed by URL,
// so tests don't need a live HTTP server.
type fakeManifestSource struct {
	byURL map[string]*manifest.DownloadManifest
}

func (f *fakeManifestSource) FetchDownloadManifest(ctx context.Context, url string) (*manifest.DownloadManifest, error) {
	dm, ok := f.byURL[url]
	if !ok {
		return nil, fmt.Errorf("no manifest stubbed for %s", url)
	}
	return dm, nil
}

// fakeDownloader serves a fixed archive body per URL so the fetcher's
// real verify/extract path runs.
type fakeDownloader struct {
	byURL map[string][]byte
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	body, ok := f.byURL[url]
	if !ok {
		return nil, fmt.Errorf("no artifact stubbed for %s", url)
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

func buildArtifact(t *testing.T, manifestBody string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "plugin.kdl", Mode: 0o644, Size: int64(len(manifestBody))}))
	_, err := tw.Write([]byte(manifestBody))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func downloadManifestFor(t *testing.T, artifact []byte, arch string) *manifest.DownloadManifest {
	t.Helper()
	sum := sha256.Sum256(artifact)
	return &manifest.DownloadManifest{Entries: []manifest.DownloadEntry{{
		Version:  semver.MustParse("1.0.0"),
		Arch:     arch,
		URL:      "artifact://" + arch,
		HashAlg:  manifest.HashSHA256,
		Digest:   hex.EncodeToString(sum[:]),
		Compress: manifest.CompressTar,
		Size:     int64(len(artifact)),
	}}}
}

func TestResolveSingleTopLevelPlugin(t *testing.T) {
	arch := "x86_64-unknown-linux-gnu"
	artifact := buildArtifact(t, "publisher \"mitre\"\nname \"typo\"\nversion \"1.0.0\"\nentrypoint { on arch=\""+arch+"\" \"./typo\" }\n")
	dm := downloadManifestFor(t, artifact, arch)

	src := &fakeManifestSource{byURL: map[string]*manifest.DownloadManifest{
		"https://example.com/typo.kdl": dm,
	}}
	store := pcache.New(t.TempDir())
	f := fetcher.New(store, &fakeDownloader{byURL: map[string][]byte{"artifact://" + arch: artifact}}, nil)
	r := New(src, f, store, arch, nil)

	resolved, err := r.Resolve(context.Background(), []TopLevelPlugin{
		{Publisher: "mitre", Name: "typo", VersionConstr: "^1.0.0", ManifestURL: "https://example.com/typo.kdl"},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	key := identity.RoutingKey{Publisher: "mitre", Name: "typo"}
	got, ok := resolved[key]
	require.True(t, ok)
	require.Equal(t, "1.0.0", got.Identity.Version.String())
}

func TestResolveTransitiveDependency(t *testing.T) {
	arch := "x86_64-unknown-linux-gnu"

	depArtifact := buildArtifact(t, "publisher \"mitre\"\nname \"activity\"\nversion \"1.0.0\"\nentrypoint { on arch=\""+arch+"\" \"./activity\" }\n")
	depManifest := downloadManifestFor(t, depArtifact, arch)
	depManifest.Entries[0].URL = "artifact://activity"

	rootArtifact := buildArtifact(t, "publisher \"mitre\"\nname \"typo\"\nversion \"1.0.0\"\n"+
		"entrypoint { on arch=\""+arch+"\" \"./typo\" }\n"+
		"dependencies {\n  plugin \"mitre/activity\" version=\"^1.0.0\" manifest=\"https://example.com/activity.kdl\"\n}\n")
	rootManifest := downloadManifestFor(t, rootArtifact, arch)
	rootManifest.Entries[0].URL = "artifact://typo"

	src := &fakeManifestSource{byURL: map[string]*manifest.DownloadManifest{
		"https://example.com/typo.kdl":     rootManifest,
		"https://example.com/activity.kdl": depManifest,
	}}
	store := pcache.New(t.TempDir())
	f := fetcher.New(store, &fakeDownloader{byURL: map[string][]byte{
		"artifact://typo":     rootArtifact,
		"artifact://activity": depArtifact,
	}}, nil)
	r := New(src, f, store, arch, nil)

	resolved, err := r.Resolve(context.Background(), []TopLevelPlugin{
		{Publisher: "mitre", Name: "typo", VersionConstr: "^1.0.0", ManifestURL: "https://example.com/typo.kdl"},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 2)
	require.Contains(t, resolved, identity.RoutingKey{Publisher: "mitre", Name: "activity"})
}

func TestResolveDetectsDependencyCycle(t *testing.T) {
	arch := "x86_64-unknown-linux-gnu"

	aArtifact := buildArtifact(t, "publisher \"mitre\"\nname \"a\"\nversion \"1.0.0\"\n"+
		"entrypoint { on arch=\""+arch+"\" \"./a\" }\n"+
		"dependencies {\n  plugin \"mitre/b\" version=\"^1.0.0\" manifest=\"https://example.com/b.kdl\"\n}\n")
	aManifest := downloadManifestFor(t, aArtifact, arch)
	aManifest.Entries[0].URL = "artifact://a"

	bArtifact := buildArtifact(t, "publisher \"mitre\"\nname \"b\"\nversion \"1.0.0\"\n"+
		"entrypoint { on arch=\""+arch+"\" \"./b\" }\n"+
		"dependencies {\n  plugin \"mitre/a\" version=\"^1.0.0\" manifest=\"https://example.com/a.kdl\"\n}\n")
	bManifest := downloadManifestFor(t, bArtifact, arch)
	bManifest.Entries[0].URL = "artifact://b"

	src := &fakeManifestSource{byURL: map[string]*manifest.DownloadManifest{
		"https://example.com/a.kdl": aManifest,
		"https://example.com/b.kdl": bManifest,
	}}
	store := pcache.New(t.TempDir())
	f := fetcher.New(store, &fakeDownloader{byURL: map[string][]byte{
		"artifact://a": aArtifact,
		"artifact://b": bArtifact,
	}}, nil)
	r := New(src, f, store, arch, nil)

	_, err := r.Resolve(context.Background(), []TopLevelPlugin{
		{Publisher: "mitre", Name: "a", VersionConstr: "^1.0.0", ManifestURL: "https://example.com/a.kdl"},
	})
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.DependencyCycle))
}

func TestHostArch(t *testing.T) {
	arch := HostArch()
	require.NotEmpty(t, arch)
}

func TestResolveMissingManifestSurfacesDownloadError(t *testing.T) {
	store := pcache.New(t.TempDir())
	f := fetcher.New(store, &fakeDownloader{byURL: map[string][]byte{}}, nil)
	src := &fakeManifestSource{byURL: map[string]*manifest.DownloadManifest{}}
	r := New(src, f, store, "x86_64-unknown-linux-gnu", nil)

	_, err := r.Resolve(context.Background(), []TopLevelPlugin{
		{Publisher: "mitre", Name: "typo", VersionConstr: "^1.0.0", ManifestURL: "https://example.com/missing.kdl"},
	})
	require.Error(t, err)
	require.False(t, hcerr.Is(err, hcerr.DependencyCycle))
}
