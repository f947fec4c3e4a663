package fetcher

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"testing"

	"github.com/blang/semver"
	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/identity"
	"github.com/mitre/hipcheck/internal/manifest"
	"github.com/mitre/hipcheck/internal/pcache"
)

type fakeDownloader struct {
	body []byte
	err  error
}

func (f *fakeDownloader) Download(ctx context.Context, url string) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.body)), nil
}

func buildTarArtifact(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	content := "publisher \"mitre\"\nname \"typo\"\nversion \"1.0.0\"\nentrypoint { on arch=\"x\" \"./typo\" }\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "plugin.kdl", Mode: 0o644, Size: int64(len(content))}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestInstallDownloadsVerifiesAndExtracts(t *testing.T) {
	artifact := buildTarArtifact(t)
	sum := sha256.Sum256(artifact)
	digest := hex.EncodeToString(sum[:])

	store := pcache.New(t.TempDir())
	f := New(store, &fakeDownloader{body: artifact}, nil)

	id := identity.Identity{Publisher: "mitre", Name: "typo", Version: semver.MustParse("1.0.0")}
	entry := manifest.DownloadEntry{
		Version:  id.Version,
		Arch:     "x",
		URL:      "https://example.com/typo.tar",
		HashAlg:  manifest.HashSHA256,
		Digest:   digest,
		Compress: manifest.CompressTar,
		Size:     int64(len(artifact)),
	}

	cached, err := f.Install(context.Background(), id, entry)
	require.NoError(t, err)
	require.Equal(t, id, cached.Identity)

	// Second install is a cache hit and doesn't need the downloader again.
	f2 := New(store, &fakeDownloader{err: require.AnError}, nil)
	cached2, err := f2.Install(context.Background(), id, entry)
	require.NoError(t, err)
	require.Equal(t, cached.Dir, cached2.Dir)
}

func TestInstallSizeMismatchIsFatal(t *testing.T) {
	artifact := buildTarArtifact(t)
	store := pcache.New(t.TempDir())
	f := New(store, &fakeDownloader{body: artifact}, nil)

	id := identity.Identity{Publisher: "mitre", Name: "typo", Version: semver.MustParse("1.0.0")}
	entry := manifest.DownloadEntry{
		Version: id.Version, Arch: "x", URL: "https://example.com/typo.tar",
		HashAlg: manifest.HashSHA256, Digest: "deadbeef",
		Compress: manifest.CompressTar, Size: int64(len(artifact)) + 1,
	}

	_, err := f.Install(context.Background(), id, entry)
	require.Error(t, err)
}
