package export

import (
	"archive/zip"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/spf13/afero"
)

// entrypointNames lists recognized checker scripts in preference order.
var entrypointNames = []string{
	"checker.py", "checker.rb", "checker.pl", "checker.sh",
	"checker.php", "checker.go", "checker.cr", "checker.js", "checker.ts",
}

type bundleReader struct {
	reader *zip.Reader
	closer io.Closer
}

func (s *exportService) openBundle(bundlePath string) (*bundleReader, error) {
	f, err := s.fs.Open(bundlePath)
	if err != nil {
		return nil, common.Normalizef("cannot open bundle %s: %v", bundlePath, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, common.Normalizef("cannot open bundle %s: %v", bundlePath, err)
	}

	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		f.Close()

		return nil, common.Normalizef("cannot read bundle %s: %v", bundlePath, err)
	}

	return &bundleReader{reader: zr, closer: f}, nil
}

// materializeCheckers lays out data/checker_<id>/ directories, extracting the
// checker/ subtree of each bundle or dropping a placeholder script when the
// bundle carries none.
func (s *exportService) materializeCheckers(dataDir string, checkers []*entity.ExportChecker, warnings *[]string) error {
	for _, c := range checkers {
		cid := normalizeID(c.ID)
		dir := filepath.Join(dataDir, "checker_"+cid)
		if err := s.fs.MkdirAll(dir, 0o755); err != nil {
			return common.Storagef("cannot create checker directory for %s: %v", cid, err)
		}

		extracted := 0
		if c.FromBundle && c.BundlePath != "" {
			n, err := s.extractCheckerTree(c.BundlePath, dir)
			if err != nil {
				return err
			}
			extracted = n
		} else {
			for _, f := range c.Files {
				dst, err := zipx.SafeJoin(dir, f.Rel)
				if err != nil {
					return common.ExportValidationf("checker %s: bad file path %q", cid, f.Rel)
				}
				if err := s.copyFile(f.Src, dst); err != nil {
					return common.Storagef("cannot copy checker file for %s: %v", cid, err)
				}
				extracted++
			}
		}

		if extracted == 0 {
			script := path.Base(strings.TrimPrefix(c.ScriptRel, "./"))
			if script == "." || script == "/" || script == "" {
				script = "checker.py"
			}
			placeholder := fmt.Sprintf("#!/usr/bin/env python3\nprint('dummy checker for %s')\n", cid)
			if err := afero.WriteFile(s.fs, filepath.Join(dir, script), []byte(placeholder), 0o755); err != nil {
				return common.Storagef("cannot write placeholder checker for %s: %v", cid, err)
			}
			*warnings = append(*warnings, fmt.Sprintf("checker %s: no checker files found, wrote a placeholder script", cid))
		}
	}

	return nil
}

// extractCheckerTree unpacks entries under checker/ from a normalized bundle
// into dst, enforcing the export-side entry and total ceilings.
func (s *exportService) extractCheckerTree(bundlePath, dst string) (int, error) {
	zr, err := s.openBundle(bundlePath)
	if err != nil {
		return 0, err
	}
	defer zr.closer.Close()

	if len(zr.reader.File) > s.limits.MaxEntries {
		return 0, common.Normalizef("bundle %s has too many entries: more than %d", bundlePath, s.limits.MaxEntries)
	}

	var (
		count int
		total int64
	)
	for _, f := range zr.reader.File {
		name, err := zipx.CleanEntryPath(f.Name)
		if err != nil {
			return 0, common.Normalizef("bundle %s has unsafe entry %q", bundlePath, f.Name)
		}
		if name == "" || !strings.HasPrefix(name, "checker/") || zipx.IsDirEntry(f) {
			continue
		}

		rel := strings.TrimPrefix(name, "checker/")
		if rel == "" {
			continue
		}

		data, err := zipx.ReadLimited(f, s.limits.MaxEntryBytes)
		if err != nil {
			return 0, common.Normalizef("bundle %s: %v", bundlePath, err)
		}
		total += int64(len(data))
		if total > s.limits.MaxTotalBytes {
			return 0, common.Normalizef("bundle %s is too large unpacked: more than %d bytes", bundlePath, s.limits.MaxTotalBytes)
		}

		target, err := zipx.SafeJoin(dst, rel)
		if err != nil {
			return 0, common.Normalizef("bundle %s has unsafe entry %q", bundlePath, f.Name)
		}
		if err := s.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, common.Storagef("cannot extract checker files: %v", err)
		}
		if err := afero.WriteFile(s.fs, target, data, 0o644); err != nil {
			return 0, common.Storagef("cannot extract checker files: %v", err)
		}
		count++
	}

	return count, nil
}

// detectEntrypoint scans the checker/ subtree of a bundle for a runnable
// script, preferring known names at the shallowest depth, then any top-level
// checker.* file, then any top-level file, then anything at all.
func (s *exportService) detectEntrypoint(bundlePath string) (string, error) {
	zr, err := s.openBundle(bundlePath)
	if err != nil {
		return "", err
	}
	defer zr.closer.Close()

	var files []string
	for _, f := range zr.reader.File {
		name, err := zipx.CleanEntryPath(f.Name)
		if err != nil || name == "" || zipx.IsDirEntry(f) {
			continue
		}
		if !strings.HasPrefix(name, "checker/") {
			continue
		}
		rel := strings.TrimPrefix(name, "checker/")
		if rel != "" {
			files = append(files, rel)
		}
	}
	if len(files) == 0 {
		return "", nil
	}

	sort.Slice(files, func(i, j int) bool {
		di, dj := strings.Count(files[i], "/"), strings.Count(files[j], "/")
		if di != dj {
			return di < dj
		}
		if len(files[i]) != len(files[j]) {
			return len(files[i]) < len(files[j])
		}

		return files[i] < files[j]
	})

	for _, want := range entrypointNames {
		for _, f := range files {
			if path.Base(f) == want {
				return "./" + f, nil
			}
		}
	}

	for _, f := range files {
		if !strings.Contains(f, "/") && strings.HasPrefix(path.Base(f), "checker.") {
			return "./" + f, nil
		}
	}
	for _, f := range files {
		if !strings.Contains(f, "/") {
			return "./" + f, nil
		}
	}

	return "./" + files[0], nil
}

// materializeBundleArchives copies each source bundle zip into
// archives/services/<id>.zip so the package stays self-contained.
func (s *exportService) materializeBundleArchives(root string, checkers []*entity.ExportChecker) error {
	for _, c := range checkers {
		if c.BundlePath == "" {
			continue
		}

		cid := normalizeID(c.ID)
		dst := filepath.Join(root, "archives", "services", cid+".zip")
		if err := s.copyFile(c.BundlePath, dst); err != nil {
			return common.Storagef("cannot copy bundle archive for %s: %v", cid, err)
		}
	}

	return nil
}
