package manifest

import (
	"strconv"

	"github.com/blang/semver"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/kdl"
)

// HashAlg is one of the two digest algorithms §3 allows.
type HashAlg string

const (
	HashSHA256 HashAlg = "SHA256"
	HashBLAKE3 HashAlg = "BLAKE3"
)

// CompressFormat is one of the archive formats §3/§6 allow.
type CompressFormat string

const (
	CompressTar    CompressFormat = "tar"
	CompressTarGz  CompressFormat = "tar.gz"
	CompressTarXz  CompressFormat = "tar.xz"
	CompressTarZst CompressFormat = "tar.zst"
	CompressZip    CompressFormat = "zip"
)

// DownloadEntry is one (version, arch) row of a download manifest (§3).
type DownloadEntry struct {
	Version  semver.Version
	Arch     string
	URL      string
	HashAlg  HashAlg
	Digest   string
	Compress CompressFormat
	Size     int64
}

// DownloadManifest is the full parsed download manifest document.
type DownloadManifest struct {
	Entries []DownloadEntry
}

// ParseDownloadManifest parses a download manifest document (§6).
func ParseDownloadManifest(src string) (*DownloadManifest, error) {
	nodes, err := kdl.Parse(src)
	if err != nil {
		return nil, hcerr.Wrap(hcerr.ManifestInvalid, err, "parsing download manifest")
	}

	dm := &DownloadManifest{}
	for _, n := range nodes {
		if n.Name != "plugin" {
			continue
		}
		entry, err := parseDownloadEntry(n)
		if err != nil {
			return nil, err
		}
		dm.Entries = append(dm.Entries, entry)
	}
	if len(dm.Entries) == 0 {
		return nil, hcerr.New(hcerr.ManifestInvalid, "download manifest has no 'plugin' entries")
	}
	return dm, nil
}

func parseDownloadEntry(n *kdl.Node) (DownloadEntry, error) {
	versionStr, ok := n.Prop("version")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry missing 'version' attribute at line %d", n.Line)
	}
	v, err := semver.Parse(versionStr)
	if err != nil {
		return DownloadEntry{}, hcerr.Wrap(hcerr.ManifestInvalid, err, "download entry version %q invalid", versionStr)
	}
	arch, ok := n.Prop("arch")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry missing 'arch' attribute at line %d", n.Line)
	}

	urlNode, ok := n.ChildNamed("url")
	if !ok || len(urlNode.Args) != 1 {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s missing 'url' child", arch, versionStr)
	}

	hashNode, ok := n.ChildNamed("hash")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s missing 'hash' child", arch, versionStr)
	}
	alg, ok := hashNode.Prop("alg")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s hash missing 'alg'", arch, versionStr)
	}
	digest, ok := hashNode.Prop("digest")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s hash missing 'digest'", arch, versionStr)
	}
	hashAlg := HashAlg(alg)
	if hashAlg != HashSHA256 && hashAlg != HashBLAKE3 {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "unsupported hash algorithm %q", alg)
	}

	compressNode, ok := n.ChildNamed("compress")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s missing 'compress' child", arch, versionStr)
	}
	format, ok := compressNode.Prop("format")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s compress missing 'format'", arch, versionStr)
	}
	compressFmt := CompressFormat(format)
	switch compressFmt {
	case CompressTar, CompressTarGz, CompressTarXz, CompressTarZst, CompressZip:
	default:
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "unsupported compression format %q", format)
	}

	sizeNode, ok := n.ChildNamed("size")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s missing 'size' child", arch, versionStr)
	}
	bytesStr, ok := sizeNode.Prop("bytes")
	if !ok {
		return DownloadEntry{}, hcerr.New(hcerr.ManifestInvalid, "download entry %s@%s size missing 'bytes'", arch, versionStr)
	}
	size, err := strconv.ParseInt(bytesStr, 10, 64)
	if err != nil {
		return DownloadEntry{}, hcerr.Wrap(hcerr.ManifestInvalid, err, "invalid size bytes %q", bytesStr)
	}

	return DownloadEntry{
		Version:  v,
		Arch:     arch,
		URL:      urlNode.Args[0],
		HashAlg:  hashAlg,
		Digest:   digest,
		Compress: compressFmt,
		Size:     size,
	}, nil
}

// Versions returns the distinct set of versions present in the manifest.
func (dm *DownloadManifest) Versions() []semver.Version {
	seen := map[string]bool{}
	var out []semver.Version
	for _, e := range dm.Entries {
		s := e.Version.String()
		if !seen[s] {
			seen[s] = true
			out = append(out, e.Version)
		}
	}
	return out
}

// Find returns the entry matching the given version and arch.
func (dm *DownloadManifest) Find(v semver.Version, arch string) (DownloadEntry, bool) {
	for _, e := range dm.Entries {
		if e.Version.EQ(v) && e.Arch == arch {
			return e, true
		}
	}
	return DownloadEntry{}, false
}
