package bundle

import (
	"archive/zip"
	"encoding/json"
	"log/slog"
	"path"
	"regexp"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
	"go.abhg.dev/goldmark/frontmatter"
)

const (
	maxTextBytes        = 512 * 1024
	maxDescriptionRunes = 400
	maxCopyrightRunes   = 200

	trainingFileName = "ctf01d-training.json"
)

var (
	mdLinkRe          = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	whitespaceRe      = regexp.MustCompile(`\s+`)
	copyrightMarkerRe = regexp.MustCompile(`(?i)^\(c\)\s*|^©\s*`)
)

type extractorService struct {
	md  goldmark.Markdown
	log *slog.Logger
}

func NewExtractorService(log *slog.Logger) *extractorService {
	return &extractorService{
		md: goldmark.New(
			goldmark.WithExtensions(
				&frontmatter.Extender{},
			),
		),
		log: log.With(slog.String("service", "extractor")),
	}
}

// Extract derives title, description, copyright and license identifier from
// a canonical bundle. Every field is best effort; a missing or malformed file
// just leaves its fields empty.
func (s *extractorService) Extract(bundleZip []byte) (*entity.BundleMetadata, error) {
	zr, err := zipx.OpenReader(bundleZip)
	if err != nil {
		return nil, common.Extractf("cannot read bundle zip: %v", err)
	}

	meta := &entity.BundleMetadata{}

	readme := readServiceFile(zr, readmeCandidates)
	licenseText := readServiceFile(zr, licenseCandidates)
	meta.Training = readTraining(zr)

	if meta.Training != nil && strings.TrimSpace(meta.Training.DisplayName) != "" {
		meta.Name = strings.TrimSpace(meta.Training.DisplayName)
	} else if len(readme) > 0 {
		meta.Name = s.extractTitle(readme)
	}

	if meta.Training != nil && strings.TrimSpace(meta.Training.Description) != "" {
		meta.PublicDescription = strings.TrimSpace(meta.Training.Description)
	} else if len(readme) > 0 {
		meta.PublicDescription = summarizeMarkdown(readme)
	}

	if len(licenseText) > 0 {
		meta.Copyright = extractCopyright(string(licenseText))
		meta.License = detectLicense(string(licenseText))
	}

	return meta, nil
}

// readServiceFile returns the first service/ entry whose basename matches one
// of the candidates, case-insensitively.
func readServiceFile(zr *zip.Reader, candidates []string) []byte {
	for _, name := range candidates {
		for _, f := range zr.File {
			if zipx.IsDirEntry(f) {
				continue
			}
			rel, ok := strings.CutPrefix(f.Name, servicePrefix)
			if !ok || strings.Contains(rel, "/") {
				continue
			}
			if !strings.EqualFold(rel, name) {
				continue
			}

			data, err := zipx.ReadAtMost(f, maxTextBytes)
			if err == nil && len(data) > 0 {
				return data
			}
		}
	}

	return nil
}

// readTraining looks for service/ctf01d-training.json, then for the
// shallowest entry outside checker/ ending with that filename.
func readTraining(zr *zip.Reader) *entity.TrainingInfo {
	f := zipx.FindEntry(zr, servicePrefix+trainingFileName)
	if f == nil {
		var best *zip.File
		for _, e := range zr.File {
			if zipx.IsDirEntry(e) || isCheckerPath(e.Name) {
				continue
			}
			if !strings.HasSuffix(path.Base(e.Name), trainingFileName) {
				continue
			}
			if best == nil || shallower(e.Name, best.Name) {
				best = e
			}
		}
		f = best
	}
	if f == nil {
		return nil
	}

	data, err := zipx.ReadAtMost(f, maxTextBytes)
	if err != nil {
		return nil
	}

	info := &entity.TrainingInfo{}
	if err := json.Unmarshal(data, info); err != nil {
		return nil
	}

	return info
}

func shallower(a, b string) bool {
	da, db := strings.Count(a, "/"), strings.Count(b, "/")
	if da != db {
		return da < db
	}

	return len(a) < len(b)
}

// extractTitle walks the README's markdown AST for the first level-1 heading,
// falling back to level-2. Inline links and code spans collapse to their
// text.
func (s *extractorService) extractTitle(src []byte) string {
	doc := s.md.Parser().Parse(text.NewReader(src))

	var h1, h2 string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}

		h, ok := n.(*ast.Heading)
		if !ok {
			return ast.WalkContinue, nil
		}

		title := strings.TrimSpace(nodeText(h, src))
		if title == "" {
			return ast.WalkContinue, nil
		}
		switch {
		case h.Level == 1 && h1 == "":
			h1 = title
		case h.Level == 2 && h2 == "":
			h2 = title
		}
		if h1 != "" {
			return ast.WalkStop, nil
		}

		return ast.WalkSkipChildren, nil
	})

	if h1 != "" {
		return h1
	}

	return h2
}

func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if entering {
			if t, ok := c.(*ast.Text); ok {
				sb.Write(t.Segment.Value(src))
			}
		}

		return ast.WalkContinue, nil
	})

	return sb.String()
}

// summarizeMarkdown strips frontmatter and heading lines, collapses inline
// links to their label and truncates the rest.
func summarizeMarkdown(src []byte) string {
	txt := stripFrontmatter(string(src))
	txt = mdLinkRe.ReplaceAllString(txt, "$1")

	var b strings.Builder
	for _, line := range strings.Split(txt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	return truncateRunes(strings.TrimSpace(b.String()), maxDescriptionRunes)
}

func stripFrontmatter(s string) string {
	if !strings.HasPrefix(s, "---\n") {
		return s
	}

	parts := strings.SplitN(s, "---\n", 3)
	if len(parts) < 3 {
		return s
	}

	return parts[2]
}

// extractCopyright returns the first line of the license text mentioning
// "copyright", with a leading (c)/© marker stripped and whitespace collapsed.
func extractCopyright(licenseText string) string {
	for _, line := range strings.Split(licenseText, "\n") {
		if !strings.Contains(strings.ToLower(line), "copyright") {
			continue
		}

		v := strings.TrimSpace(line)
		v = copyrightMarkerRe.ReplaceAllString(v, "")
		v = strings.TrimSpace(whitespaceRe.ReplaceAllString(v, " "))

		return truncateRunes(v, maxCopyrightRunes)
	}

	return ""
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}

	return string(r[:max])
}
