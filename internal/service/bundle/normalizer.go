package bundle

import (
	"archive/zip"
	"bytes"
	"log/slog"
	"path"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
)

const (
	servicePrefix = "service/"
	checkerPrefix = "checker/"
)

var (
	readmeCandidates  = []string{"README.md", "readme.md", "README", "readme"}
	licenseCandidates = []string{
		"LICENSE", "LICENSE.txt", "LICENSE.md",
		"LICENCE", "LICENCE.txt",
		"COPYING", "COPYING.txt",
	}
)

type normalizerService struct {
	limits Limits
	log    *slog.Logger
}

func NewNormalizerService(limits Limits, log *slog.Logger) *normalizerService {
	return &normalizerService{
		limits: limits,
		log:    log.With(slog.String("service", "normalizer")),
	}
}

// Normalize turns arbitrary zip bytes into a canonical bundle: all payload
// under service/, an optional checker/ subtree, and README/LICENSE backfilled
// into service/ from the archive root when the uploader's service folder
// omitted them. A single noise root folder (typical of repository snapshots)
// is stripped first.
func (s *normalizerService) Normalize(raw []byte) ([]byte, error) {
	zr, err := zipx.OpenReader(raw)
	if err != nil {
		return nil, common.Normalizef("cannot read zip: %v", err)
	}
	if len(zr.File) > s.limits.MaxEntries {
		return nil, common.Normalizef("too many archive entries: %d (max %d)", len(zr.File), s.limits.MaxEntries)
	}

	root := zipx.CommonRootPrefix(zr, "service", "checker")
	srcService := root + servicePrefix
	srcChecker := root + checkerPrefix

	hasService := anyWithPrefix(zr, srcService)
	hasChecker := anyWithPrefix(zr, srcChecker)

	buf := bytes.Buffer{}
	cp := &treeCopier{zw: zip.NewWriter(&buf), limits: s.limits, log: s.log}

	var (
		serviceHasReadme  bool
		serviceHasLicense bool
	)
	markRoot := func(rel string) {
		if strings.Contains(rel, "/") {
			return
		}
		serviceHasReadme = serviceHasReadme || equalsFoldAny(rel, readmeCandidates)
		serviceHasLicense = serviceHasLicense || equalsFoldAny(rel, licenseCandidates)
	}

	var serviceFound bool
	if hasService {
		serviceFound, err = cp.copyTree(zr, srcService, servicePrefix, nil, markRoot)
	} else {
		// Ambiguous layout: everything is the service, unless a checker/
		// subtree explicitly separates it.
		var excludes []string
		if hasChecker {
			excludes = []string{checkerPrefix}
		}
		serviceFound, err = cp.copyTree(zr, root, servicePrefix, excludes, markRoot)
	}
	if err != nil {
		return nil, err
	}

	if hasChecker {
		if _, err := cp.copyTree(zr, srcChecker, checkerPrefix, nil, nil); err != nil {
			return nil, err
		}
	}

	if !serviceHasReadme {
		if name, data := readFirstAtRoot(zr, root, readmeCandidates, s.limits.MaxEntryBytes); data != nil {
			if err := cp.writeFile(servicePrefix+path.Base(name), data); err != nil {
				return nil, err
			}
		}
	}
	if !serviceHasLicense {
		if name, data := readFirstAtRoot(zr, root, licenseCandidates, s.limits.MaxEntryBytes); data != nil {
			if err := cp.writeFile(servicePrefix+path.Base(name), data); err != nil {
				return nil, err
			}
		}
	}

	if err := cp.zw.Close(); err != nil {
		return nil, common.Normalizef("cannot finalize bundle: %v", err)
	}
	if !serviceFound {
		return nil, common.Normalizef("no service content found in archive")
	}

	return buf.Bytes(), nil
}

// treeCopier writes entries into the output bundle while enforcing the
// ceilings across everything copied.
type treeCopier struct {
	zw      *zip.Writer
	limits  Limits
	total   int64
	entries int
	log     *slog.Logger
}

// copyTree copies every entry under fromPrefix into the output under
// toPrefix. Unsafe entry paths are skipped, not fatal. Returns whether at
// least one regular file was written.
func (c *treeCopier) copyTree(zr *zip.Reader, fromPrefix, toPrefix string, excludes []string, seen func(rel string)) (bool, error) {
	found := false

	for _, f := range zr.File {
		if !strings.HasPrefix(f.Name, fromPrefix) {
			continue
		}

		rel := f.Name[len(fromPrefix):]
		if rel == "" {
			continue
		}
		if hasAnyPrefix(rel, excludes) || strings.HasPrefix(rel, ".git/") {
			continue
		}

		clean, err := zipx.CleanEntryPath(rel)
		if err != nil {
			c.log.Warn("Skip unsafe archive entry", slog.String("name", f.Name))

			continue
		}
		if seen != nil {
			seen(clean)
		}

		if zipx.IsDirEntry(f) {
			if _, err := c.zw.CreateHeader(&zip.FileHeader{Name: toPrefix + clean + "/"}); err != nil {
				return found, common.Normalizef("cannot write bundle entry: %v", err)
			}

			continue
		}

		data, err := zipx.ReadLimited(f, c.limits.MaxEntryBytes)
		if err != nil {
			return found, common.Normalizef("%v", err)
		}
		if err := c.writeFile(toPrefix+clean, data); err != nil {
			return found, err
		}
		found = true
	}

	return found, nil
}

func (c *treeCopier) writeFile(name string, data []byte) error {
	c.entries++
	if c.entries > c.limits.MaxEntries {
		return common.Normalizef("too many archive entries (max %d)", c.limits.MaxEntries)
	}

	c.total += int64(len(data))
	if c.total > c.limits.MaxTotalBytes {
		return common.Normalizef("archive content exceeds %d bytes", c.limits.MaxTotalBytes)
	}

	w, err := c.zw.Create(name)
	if err != nil {
		return common.Normalizef("cannot write bundle entry %s: %v", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return common.Normalizef("cannot write bundle entry %s: %v", name, err)
	}

	return nil
}

func readFirstAtRoot(zr *zip.Reader, root string, candidates []string, maxBytes int64) (string, []byte) {
	for _, name := range candidates {
		f := zipx.FindEntry(zr, root+name)
		if f == nil || zipx.IsDirEntry(f) {
			continue
		}

		data, err := zipx.ReadAtMost(f, maxBytes)
		if err != nil || len(data) == 0 {
			continue
		}

		return name, data
	}

	return "", nil
}

func anyWithPrefix(zr *zip.Reader, prefix string) bool {
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, prefix) {
			return true
		}
	}

	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}

	return false
}

func equalsFoldAny(s string, candidates []string) bool {
	for _, c := range candidates {
		if strings.EqualFold(s, c) {
			return true
		}
	}

	return false
}
