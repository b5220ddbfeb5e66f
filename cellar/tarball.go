package cellar

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// extractTarGz expands a gzipped tarball into dest. Archives produced by
// hosted indexes and the GitHub snapshot API wrap everything in a single
// top-level directory; when present it is stripped so the package contents
// land directly in dest.
func extractTarGz(r io.Reader, dest string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "opening gzip stream")
	}
	defer gz.Close()

	tr := tar.NewReader(gz)

	var first string
	strip := true
	type pending struct {
		name string
		mode os.FileMode
		data []byte
		link string
		dir  bool
	}
	var entries []pending

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrap(err, "reading tar stream")
		}

		name := filepath.Clean(filepath.FromSlash(hdr.Name))
		if name == "." || strings.HasPrefix(name, ".."+string(os.PathSeparator)) || name == ".." {
			continue
		}

		top := strings.SplitN(name, string(os.PathSeparator), 2)[0]
		if first == "" {
			first = top
		} else if top != first {
			strip = false
		}
		if hdr.Typeflag == tar.TypeReg && !strings.Contains(name, string(os.PathSeparator)) {
			// A file at the archive root means there is no wrapping dir.
			strip = false
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			entries = append(entries, pending{name: name, mode: hdr.FileInfo().Mode(), dir: true})
		case tar.TypeReg:
			data, err := io.ReadAll(tr)
			if err != nil {
				return errors.Wrap(err, "reading tar entry")
			}
			entries = append(entries, pending{name: name, mode: hdr.FileInfo().Mode(), data: data})
		case tar.TypeSymlink:
			entries = append(entries, pending{name: name, mode: hdr.FileInfo().Mode(), link: hdr.Linkname})
		}
	}

	for _, e := range entries {
		name := e.name
		if strip {
			parts := strings.SplitN(name, string(os.PathSeparator), 2)
			if len(parts) < 2 {
				continue
			}
			name = parts[1]
		}
		target := filepath.Join(dest, name)

		switch {
		case e.dir:
			if err := os.MkdirAll(target, e.mode.Perm()|0700); err != nil {
				return errors.Wrap(err, "creating directory from archive")
			}
		case e.link != "":
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrap(err, "creating parent directory")
			}
			if err := os.Symlink(e.link, target); err != nil {
				return errors.Wrap(err, "restoring symlink from archive")
			}
		default:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return errors.Wrap(err, "creating parent directory")
			}
			if err := os.WriteFile(target, e.data, e.mode.Perm()|0400); err != nil {
				return errors.Wrap(err, "writing file from archive")
			}
		}
	}

	return nil
}
