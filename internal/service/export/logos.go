package export

import (
	"context"
	"encoding/base64"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/spf13/afero"
)

const avatarSize = 128

// avatarPalette is indexed by a stable hash of the team label so the same
// team always renders with the same color.
var avatarPalette = []string{
	"#3B82F6", "#10B981", "#F59E0B", "#EF4444", "#8B5CF6",
	"#06B6D4", "#EC4899", "#84CC16", "#F97316", "#22C55E",
}

var (
	dataURIBase64Re = regexp.MustCompile(`^data:image/([a-zA-Z0-9.+-]+);base64,(.+)$`)
	dataURIPlainRe  = regexp.MustCompile(`^data:image/([a-zA-Z0-9.+-]+);utf8,(.+)$`)
	logoExtRe       = regexp.MustCompile(`\.[a-zA-Z0-9]+$`)
)

func newLogoClient(cfg *config.ExportConfig) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout: cfg.ConnectTimeout,
			}).DialContext,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > cfg.MaxRedirects {
				return common.Fetchf("too many redirects")
			}
			if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
				return common.Fetchf("redirect to unsupported scheme %q", req.URL.Scheme)
			}

			return nil
		},
	}
}

// materializeLogos resolves every team logo into a file under the package
// data directory, adjusting LogoRel to match the extension of whatever source
// finally produced the image.
func (s *exportService) materializeLogos(ctx context.Context, dataDir, downloadsDir string, teams []*entity.ExportTeam) error {
	for _, t := range teams {
		rel := t.LogoRel
		if rel == "" {
			rel = "./html/images/teams/" + normalizeID(t.ID) + ".svg"
		}

		src, ext, err := s.resolveLogo(ctx, downloadsDir, t)
		if err != nil {
			return err
		}

		rel = reconcileExt(rel, ext)
		t.LogoRel = rel

		dst, err := zipx.SafeJoin(dataDir, strings.TrimPrefix(rel, "./"))
		if err != nil {
			return common.ExportValidationf("team %s: bad logo path %q", t.ID, rel)
		}
		if err := s.copyFile(src, dst); err != nil {
			return common.Storagef("cannot place logo for team %s: %v", t.ID, err)
		}
	}

	return nil
}

// resolveLogo walks the source chain: local path, public upload path, remote
// URL, inline data URI, generated avatar. Returns the scratch file holding
// the image and its extension (with the leading dot).
func (s *exportService) resolveLogo(ctx context.Context, downloadsDir string, t *entity.ExportTeam) (string, string, error) {
	if t.LogoPath != "" && s.isFile(t.LogoPath) {
		return t.LogoPath, filepath.Ext(t.LogoPath), nil
	}

	if p := s.publicUploadPath(t.LogoURL); p != "" {
		return p, filepath.Ext(p), nil
	}

	if strings.HasPrefix(t.LogoURL, "http://") || strings.HasPrefix(t.LogoURL, "https://") {
		return s.downloadLogo(ctx, downloadsDir, t)
	}

	if strings.HasPrefix(t.LogoURL, "data:image/") {
		return s.writeDataURI(downloadsDir, t)
	}

	label := t.Name
	if label == "" {
		label = t.ID
	}
	out := filepath.Join(downloadsDir, normalizeID(t.ID)+"_avatar.svg")
	if err := afero.WriteFile(s.fs, out, []byte(generateAvatar(label)), 0o644); err != nil {
		return "", "", common.Storagef("cannot write avatar for team %s: %v", t.ID, err)
	}

	return out, ".svg", nil
}

// publicUploadPath maps a site-relative logo URL onto the public assets root.
// Only uploads/ and img/ subtrees are allowed, and the resolved path must
// stay inside the root.
func (s *exportService) publicUploadPath(logoURL string) string {
	if s.cfg.PublicRoot == "" || logoURL == "" {
		return ""
	}

	rel := strings.TrimPrefix(logoURL, "/")
	if !strings.HasPrefix(rel, "uploads/") && !strings.HasPrefix(rel, "img/") {
		return ""
	}

	p, err := zipx.SafeJoin(s.cfg.PublicRoot, rel)
	if err != nil || !s.isFile(p) {
		return ""
	}

	return p
}

func (s *exportService) downloadLogo(ctx context.Context, downloadsDir string, t *entity.ExportTeam) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.LogoURL, nil)
	if err != nil {
		return "", "", common.Fetchf("bad logo url for team %s: %v", t.ID, err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", common.Fetchf("cannot download logo for team %s: %v", t.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", common.Fetchf("cannot download logo for team %s: unexpected status %d", t.ID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxLogoBytes+1))
	if err != nil {
		return "", "", common.Fetchf("cannot download logo for team %s: %v", t.ID, err)
	}
	if int64(len(data)) > s.cfg.MaxLogoBytes {
		return "", "", common.Fetchf("logo for team %s is too large: more than %d bytes", t.ID, s.cfg.MaxLogoBytes)
	}

	ct, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	ext := extFromMIME(strings.TrimSpace(ct))
	out := filepath.Join(downloadsDir, normalizeID(t.ID)+"_logo"+ext)
	tmp := out + ".part"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return "", "", common.Storagef("cannot store logo for team %s: %v", t.ID, err)
	}
	if err := s.fs.Rename(tmp, out); err != nil {
		s.fs.Remove(tmp)

		return "", "", common.Storagef("cannot store logo for team %s: %v", t.ID, err)
	}

	s.log.Debug("Downloaded team logo", slog.String("team", t.ID), slog.Int("size", len(data)))

	return out, ext, nil
}

func (s *exportService) writeDataURI(downloadsDir string, t *entity.ExportTeam) (string, string, error) {
	var (
		subtype string
		payload []byte
	)

	if m := dataURIBase64Re.FindStringSubmatch(t.LogoURL); m != nil {
		decoded, err := base64.StdEncoding.DecodeString(m[2])
		if err != nil {
			return "", "", common.ExportValidationf("team %s: malformed logo data uri: %v", t.ID, err)
		}
		subtype, payload = m[1], decoded
	} else if m := dataURIPlainRe.FindStringSubmatch(t.LogoURL); m != nil {
		decoded, err := url.QueryUnescape(m[2])
		if err != nil {
			return "", "", common.ExportValidationf("team %s: malformed logo data uri: %v", t.ID, err)
		}
		subtype, payload = m[1], []byte(decoded)
	} else {
		return "", "", common.ExportValidationf("team %s: malformed logo data uri", t.ID)
	}

	ext := extFromMIME("image/" + subtype)
	out := filepath.Join(downloadsDir, normalizeID(t.ID)+"_logo"+ext)
	if err := afero.WriteFile(s.fs, out, payload, 0o644); err != nil {
		return "", "", common.Storagef("cannot store logo for team %s: %v", t.ID, err)
	}

	return out, ext, nil
}

func extFromMIME(ct string) string {
	switch ct {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "image/svg+xml", "image/svg":
		return ".svg"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

// reconcileExt rewrites the extension of the declared logo path to match the
// extension of the file that was actually produced.
func reconcileExt(rel, ext string) string {
	if ext == "" {
		return rel
	}
	if logoExtRe.MatchString(rel) {
		return logoExtRe.ReplaceAllString(rel, ext)
	}

	return rel + ext
}

// generateAvatar renders a deterministic initial-letter SVG placeholder.
func generateAvatar(label string) string {
	color := avatarPalette[crc32.ChecksumIEEE([]byte(label))%uint32(len(avatarPalette))]

	initial := "?"
	if r, size := utf8.DecodeRuneInString(strings.TrimSpace(label)); size > 0 && r != utf8.RuneError {
		initial = string(unicode.ToUpper(r))
	}

	return fmt.Sprintf(`<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+
		`<rect width="%d" height="%d" fill="%s"/>`+
		`<text x="50%%" y="50%%" dy="0.35em" text-anchor="middle" font-family="sans-serif" font-size="%d" fill="#FFFFFF">%s</text>`+
		`</svg>`, avatarSize, avatarSize, avatarSize, avatarSize, avatarSize, avatarSize, color, avatarSize/2, initial)
}
