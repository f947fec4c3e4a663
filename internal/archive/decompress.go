// Package archive verifies downloaded plugin artifacts and extracts
// them into the on-disk plugin cache, per §3/§4.1/§6.
package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/mitre/hipcheck/internal/hcerr"
	"github.com/mitre/hipcheck/internal/manifest"
)

// Extract decompresses and unpacks the archive at srcPath into destDir
// according to format. Per §6, archives must contain artifacts at the
// root (no nested top-level directory) and a plugin.kdl must be
// present at the root once extracted; callers check the latter.
func Extract(srcPath string, format manifest.CompressFormat, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "creating destination directory %s", destDir)
	}

	f, err := os.Open(srcPath)
	if err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "opening archive %s", srcPath)
	}
	defer f.Close()

	switch format {
	case manifest.CompressTar:
		return extractTar(f, destDir)
	case manifest.CompressTarGz:
		gz, err := gzip.NewReader(f)
		if err != nil {
			return hcerr.Wrap(hcerr.DecompressFailed, err, "opening gzip stream")
		}
		defer gz.Close()
		return extractTar(gz, destDir)
	case manifest.CompressTarZst:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return hcerr.Wrap(hcerr.DecompressFailed, err, "opening zstd stream")
		}
		defer zr.Close()
		return extractTar(zr, destDir)
	case manifest.CompressZip:
		return extractZip(srcPath, destDir)
	case manifest.CompressTarXz:
		// No xz decoder exists anywhere in the retrieved corpus (no
		// repo imports ulikunitz/xz or an equivalent), and fabricating
		// one would violate the no-stub-dependencies rule. tar.xz
		// archives are therefore rejected explicitly rather than
		// silently mishandled; see DESIGN.md.
		return hcerr.New(hcerr.DecompressFailed, "tar.xz decompression is not supported in this build (no xz codec available)")
	default:
		return hcerr.New(hcerr.ManifestInvalid, "unsupported compression format %q", format)
	}
}

func extractTar(r io.Reader, destDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return hcerr.Wrap(hcerr.DecompressFailed, err, "reading tar entry")
		}
		if err := writeEntry(destDir, hdr.Name, hdr.FileInfo().Mode(), hdr.Typeflag == tar.TypeDir, tr); err != nil {
			return err
		}
	}
}

func extractZip(srcPath, destDir string) error {
	zr, err := zip.OpenReader(srcPath)
	if err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "opening zip archive")
	}
	defer zr.Close()

	for _, f := range zr.File {
		rc, err := f.Open()
		if err != nil {
			return hcerr.Wrap(hcerr.DecompressFailed, err, "opening zip entry %s", f.Name)
		}
		err = writeEntry(destDir, f.Name, f.Mode(), f.FileInfo().IsDir(), rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(destDir, name string, mode os.FileMode, isDir bool, r io.Reader) error {
	cleaned := filepath.Clean(name)
	if cleaned == "." || strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return hcerr.New(hcerr.DecompressFailed, "archive entry %q escapes destination directory", name)
	}
	target := filepath.Join(destDir, cleaned)

	if isDir {
		return os.MkdirAll(target, 0o755)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "creating parent directory for %s", name)
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, normalizeMode(mode))
	if err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "creating file %s", target)
	}
	defer out.Close()

	if _, err := io.Copy(out, r); err != nil {
		return hcerr.Wrap(hcerr.DecompressFailed, err, "writing file %s", target)
	}
	return nil
}

func normalizeMode(mode os.FileMode) os.FileMode {
	if mode&0o777 == 0 {
		return 0o644
	}
	return mode & 0o777
}

// HasRootManifest reports whether plugin.kdl is present directly under
// dir (the "not nested in a subdirectory" invariant from §6).
func HasRootManifest(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, "plugin.kdl"))
	return err == nil
}
