// Package zipx holds the zip plumbing shared by the bundle pipeline: entry
// path validation, bounded entry reads and directory-tree packing. Every path
// taken from an archive goes through CleanEntryPath before it is written
// anywhere.
package zipx

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// IsZipMagic reports whether b starts with a zip local-file-header signature
// (PK\x03\x04, PK\x05\x06 or PK\x07\x08).
func IsZipMagic(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K'
}

// CleanEntryPath normalizes an archive entry path and rejects anything that
// could escape an extraction root: null bytes, backslash separators resolving
// to dot segments, absolute paths, empty segments. The returned path is
// slash-separated and relative.
func CleanEntryPath(name string) (string, error) {
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("invalid entry path: %q", name)
	}

	clean := strings.ReplaceAll(name, `\`, "/")
	clean = strings.TrimLeft(clean, "/")
	clean = strings.TrimSuffix(clean, "/")
	if clean == "" {
		return "", fmt.Errorf("invalid entry path: %q", name)
	}

	for _, seg := range strings.Split(clean, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return "", fmt.Errorf("invalid entry path: %q", name)
		}
	}

	return clean, nil
}

// SafeJoin joins an untrusted relative path onto base, refusing paths that
// CleanEntryPath rejects.
func SafeJoin(base, rel string) (string, error) {
	clean, err := CleanEntryPath(rel)
	if err != nil {
		return "", err
	}

	return filepath.Join(base, filepath.FromSlash(clean)), nil
}

// OpenReader opens in-memory zip bytes.
func OpenReader(data []byte) (*zip.Reader, error) {
	return zip.NewReader(bytes.NewReader(data), int64(len(data)))
}

// FindEntry returns the entry with the exact name, or nil.
func FindEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}

	return nil
}

// ReadAtMost reads at most max bytes of an entry, truncating longer content
// without error.
func ReadAtMost(f *zip.File, max int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open entry %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, max))
	if err != nil {
		return nil, fmt.Errorf("cannot read entry %s: %w", f.Name, err)
	}

	return data, nil
}

// ReadLimited reads an entry whole, failing if it exceeds max bytes.
func ReadLimited(f *zip.File, max int64) ([]byte, error) {
	data, err := ReadAtMost(f, max+1)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("entry %s exceeds %d bytes", f.Name, max)
	}

	return data, nil
}

// IsDirEntry reports whether the entry describes a directory.
func IsDirEntry(f *zip.File) bool {
	return strings.HasSuffix(f.Name, "/") || f.FileInfo().IsDir()
}

// CommonRootPrefix detects the single first path segment shared by every
// entry, typical of repository snapshot archives. Returns "<segment>/" when
// all entries share exactly one root that is none of the reserved names, ""
// otherwise.
func CommonRootPrefix(zr *zip.Reader, reserved ...string) string {
	root := ""
	for _, f := range zr.File {
		name := strings.TrimLeft(f.Name, "/")
		if name == "" {
			continue
		}

		seg, _, _ := strings.Cut(name, "/")
		if seg == "" {
			continue
		}
		if root == "" {
			root = seg
			continue
		}
		if seg != root {
			return ""
		}
	}

	if root == "" {
		return ""
	}
	for _, r := range reserved {
		if root == r {
			return ""
		}
	}

	return root + "/"
}

// PackTree serializes the directory tree rooted at root into zip bytes,
// preserving directory entries. Entry names are prefixed with base, matching
// the tree's top-level folder inside the archive.
func PackTree(fs afero.Fs, root, base string) ([]byte, error) {
	buf := bytes.Buffer{}
	zw := zip.NewWriter(&buf)

	err := afero.Walk(fs, root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		name := path.Join(base, filepath.ToSlash(rel))

		if info.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/"})
			return err
		}

		w, err := zw.Create(name)
		if err != nil {
			return err
		}
		data, err := afero.ReadFile(fs, p)
		if err != nil {
			return err
		}
		_, err = w.Write(data)

		return err
	})
	if err != nil {
		zw.Close()

		return nil, fmt.Errorf("cannot pack tree %s: %w", root, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("cannot finalize zip: %w", err)
	}

	return buf.Bytes(), nil
}
