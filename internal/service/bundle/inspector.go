package bundle

import (
	"archive/zip"
	"bytes"
	"log/slog"
	"regexp"
	"sort"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/spf13/afero"
)

const maxInspectEntryBytes = 2 * 1024 * 1024

// The four protocol response classes a complete checker script must mention.
var requiredCodes = []string{"101", "102", "103", "104"}

var checkerPathRe = regexp.MustCompile(`(^|/)checker/`)

func isCheckerPath(name string) bool {
	return checkerPathRe.MatchString(name)
}

type inspectorService struct {
	fs  afero.Fs
	log *slog.Logger
}

func NewInspectorService(log *slog.Logger) *inspectorService {
	return NewInspectorServiceWithFS(afero.NewOsFs(), log)
}

func NewInspectorServiceWithFS(fs afero.Fs, log *slog.Logger) *inspectorService {
	return &inspectorService{
		fs:  fs,
		log: log.With(slog.String("service", "inspector")),
	}
}

// Inspect scans a stored bundle's checker/ entries for the required marker
// codes without unpacking the archive.
func (s *inspectorService) Inspect(zipPath string) (*entity.InspectionResult, error) {
	f, err := s.fs.Open(zipPath)
	if err != nil {
		return nil, common.Inspectf("archive not found: %s", zipPath)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, common.Inspectf("archive not found: %s", zipPath)
	}

	zr, err := zip.NewReader(f, st.Size())
	if err != nil {
		return nil, common.Inspectf("cannot read zip %s: %v", zipPath, err)
	}

	hasChecker := false
	found := make(map[string]bool)

	for _, e := range zr.File {
		if e.Name == "" || !isCheckerPath(e.Name) {
			continue
		}
		hasChecker = true
		if zipx.IsDirEntry(e) {
			continue
		}

		data, err := zipx.ReadAtMost(e, maxInspectEntryBytes)
		if err != nil {
			s.log.Warn("Cannot read checker entry", slog.String("name", e.Name), slog.Any("error", err))

			continue
		}

		for _, code := range requiredCodes {
			if !found[code] && containsToken(data, code) {
				found[code] = true
			}
		}
		if len(found) == len(requiredCodes) {
			break
		}
	}

	if !hasChecker {
		return &entity.InspectionResult{Status: entity.CheckStatusMissing, FoundCodes: []string{}}, nil
	}
	if len(found) == len(requiredCodes) {
		return &entity.InspectionResult{Status: entity.CheckStatusCodes, FoundCodes: requiredCodes}, nil
	}

	codes := make([]string, 0, len(found))
	for code := range found {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	return &entity.InspectionResult{Status: entity.CheckStatusPresent, FoundCodes: codes}, nil
}

// containsToken reports whether token occurs in data as a standalone numeric
// token, not embedded in a longer digit run.
func containsToken(data []byte, token string) bool {
	if len(data) == 0 || token == "" {
		return false
	}

	needle := []byte(token)
	for i := 0; ; {
		pos := bytes.Index(data[i:], needle)
		if pos < 0 {
			return false
		}
		pos += i

		beforeOK := pos == 0 || !isASCIIDigit(data[pos-1])
		end := pos + len(needle)
		afterOK := end >= len(data) || !isASCIIDigit(data[end])
		if beforeOK && afterOK {
			return true
		}

		i = pos + 1
	}
}

func isASCIIDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
