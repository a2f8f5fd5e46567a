package export

import (
	"encoding/base64"
	"fmt"
	"path/filepath"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/spf13/afero"
)

// onePixelPNG is a 1x1 transparent PNG used for fallback team images.
const onePixelPNG = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mP8/x8AAwMCAO7+ZzoAAAAASUVORK5CYII="

const fallbackIndexHTML = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>ctf01d scoreboard</title></head>
<body>
<h1>ctf01d scoreboard</h1>
<p>Replace this folder with the scoreboard HTML template.</p>
</body>
</html>
`

// materializeHTML copies the scoreboard HTML template into data/html, or lays
// down a minimal placeholder tree when no template source is available.
func (s *exportService) materializeHTML(dataDir string, opts *entity.ExportOptions) error {
	htmlDir := filepath.Join(dataDir, "html")

	if opts.HTMLSourcePath != "" && s.isDir(opts.HTMLSourcePath) {
		if err := s.copyDirTree(opts.HTMLSourcePath, htmlDir); err != nil {
			return common.Storagef("cannot copy scoreboard html: %v", err)
		}

		return nil
	}

	return s.buildFallbackHTML(htmlDir)
}

func (s *exportService) buildFallbackHTML(htmlDir string) error {
	teamsDir := filepath.Join(htmlDir, "images", "teams")
	if err := s.fs.MkdirAll(teamsDir, 0o755); err != nil {
		return common.Storagef("cannot create scoreboard html tree: %v", err)
	}

	if err := afero.WriteFile(s.fs, filepath.Join(htmlDir, "index-template.html"), []byte(fallbackIndexHTML), 0o644); err != nil {
		return common.Storagef("cannot write scoreboard html placeholder: %v", err)
	}

	png, err := base64.StdEncoding.DecodeString(onePixelPNG)
	if err != nil {
		return common.Storagef("cannot decode placeholder image: %v", err)
	}
	for i := 1; i <= 10; i++ {
		name := fmt.Sprintf("team%02d.png", i)
		if err := afero.WriteFile(s.fs, filepath.Join(teamsDir, name), png, 0o644); err != nil {
			return common.Storagef("cannot write placeholder image %s: %v", name, err)
		}
	}

	return nil
}
