package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mitre/hipcheck/internal/hcerr"
)

const examplePluginManifest = `
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

func TestParsePluginManifest(t *testing.T) {
	m, err := ParsePluginManifest(examplePluginManifest)
	require.NoError(t, err)
	require.Equal(t, "mitre", m.Publisher)
	require.Equal(t, "typo", m.Name)
	require.Equal(t, "1.2.3", m.Version.String())
	require.Equal(t, "Apache-2.0", m.License)
	require.Equal(t, "./typo", m.Entrypoints["x86_64-unknown-linux-gnu"])
	require.Len(t, m.Dependencies, 1)
	require.Equal(t, "linguist", m.Dependencies[0].Name)
	require.Equal(t, "^1.0", m.Dependencies[0].VersionConstr)
}

func TestEntrypointForMissingArch(t *testing.T) {
	m, err := ParsePluginManifest(examplePluginManifest)
	require.NoError(t, err)
	_, err = m.EntrypointFor("windows-unknown")
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.NoArchMatch))
}

func TestParsePluginManifestMissingRequiredNode(t *testing.T) {
	_, err := ParsePluginManifest(`name "typo"`)
	require.Error(t, err)
	require.True(t, hcerr.Is(err, hcerr.ManifestInvalid))
}

const exampleDownloadManifest = `
plugin version="1.2.3" arch="x86_64-unknown-linux-gnu" {
  url "https://example.com/typo-1.2.3-x86_64.tar.gz"
  hash alg="SHA256" digest="abcd1234"
  compress format="tar.gz"
  size bytes="1048576"
}
plugin version="1.3.0" arch="x86_64-unknown-linux-gnu" {
  url "https://example.com/typo-1.3.0-x86_64.tar.zst"
  hash alg="BLAKE3" digest="deadbeef"
  compress format="tar.zst"
  size bytes="2048576"
}
`

func TestParseDownloadManifest(t *testing.T) {
	dm, err := ParseDownloadManifest(exampleDownloadManifest)
	require.NoError(t, err)
	require.Len(t, dm.Entries, 2)
	require.Equal(t, int64(1048576), dm.Entries[0].Size)
	require.Equal(t, HashSHA256, dm.Entries[0].HashAlg)
	require.Equal(t, CompressTarZst, dm.Entries[1].Compress)
	require.Len(t, dm.Versions(), 2)

	entry, ok := dm.Find(dm.Entries[0].Version, "x86_64-unknown-linux-gnu")
	require.True(t, ok)
	require.Equal(t, "abcd1234", entry.Digest)
}

func TestParseDownloadManifestUnsupportedHashAlg(t *testing.T) {
	src := `
plugin version="1.0.0" arch="x86_64-unknown-linux-gnu" {
  url "https://example.com/x.tar.gz"
  hash alg="MD5" digest="abcd"
  compress format="tar.gz"
  size bytes="10"
}
`
	_, err := ParseDownloadManifest(src)
	require.Error(t, err)
}
