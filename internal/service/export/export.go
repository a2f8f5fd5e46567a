// Package export assembles the competition package consumed by the ctf01d
// orchestration tool: per-team logos, per-checker script directories, the
// original bundle archives, generated config.yml and optional static HTML and
// compose descriptor, all packed into one zip built in a scratch tree.
package export

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/service/bundle"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
	"github.com/google/uuid"
	"github.com/spf13/afero"
)

const serviceName = "export"

var (
	gameIDRe = regexp.MustCompile(`^[a-z0-9]+$`)
	ipv4Re   = regexp.MustCompile(`^(?:\d{1,3}\.){3}\d{1,3}$`)
	slugRe   = regexp.MustCompile(`[^a-z0-9]+`)
)

type exportService struct {
	fs     afero.Fs
	cfg    *config.ExportConfig
	limits bundle.Limits
	client *http.Client
	log    *slog.Logger
}

func NewExportService(cfg *config.ExportConfig, log *slog.Logger) *exportService {
	return NewExportServiceWithFS(afero.NewOsFs(), cfg, log)
}

func NewExportServiceWithFS(fs afero.Fs, cfg *config.ExportConfig, log *slog.Logger) *exportService {
	return &exportService{
		fs:     fs,
		cfg:    cfg,
		limits: bundle.LimitsFromConfig(cfg.Limits),
		client: newLogoClient(cfg),
		log:    log.With(slog.String("service", serviceName)),
	}
}

// Build validates the whole input up front and assembles the package in a
// scratch directory that is always cleaned up. Nothing is emitted on failure.
func (s *exportService) Build(
	ctx context.Context,
	game *entity.Game,
	scoreboard *entity.Scoreboard,
	teams []*entity.ExportTeam,
	checkers []*entity.ExportChecker,
	opts *entity.ExportOptions,
) (*entity.ExportPackage, error) {
	opts = s.withDefaults(opts)
	warnings := append([]string(nil), opts.Warnings...)

	if err := s.hydrateCheckers(checkers); err != nil {
		return nil, err
	}
	if err := validateInputs(game, scoreboard, teams, checkers); err != nil {
		return nil, err
	}

	scratch := filepath.Join(afero.GetTempDir(s.fs, ""), "ctf01d_export_"+uuid.NewString())
	if err := s.fs.MkdirAll(scratch, 0o755); err != nil {
		return nil, common.Storagef("cannot create scratch directory: %v", err)
	}
	defer s.fs.RemoveAll(scratch)

	root := filepath.Join(scratch, opts.Prefix)
	dataDir := filepath.Join(root, "data")
	if err := s.fs.MkdirAll(dataDir, 0o755); err != nil {
		return nil, common.Storagef("cannot create scratch directory: %v", err)
	}

	if opts.IncludeHTML {
		if err := s.materializeHTML(dataDir, opts); err != nil {
			return nil, err
		}
	}

	downloadsDir := filepath.Join(scratch, "downloads")
	if err := s.fs.MkdirAll(downloadsDir, 0o755); err != nil {
		return nil, common.Storagef("cannot create scratch directory: %v", err)
	}
	if err := s.materializeLogos(ctx, dataDir, downloadsDir, teams); err != nil {
		return nil, err
	}

	if err := s.materializeCheckers(dataDir, checkers, &warnings); err != nil {
		return nil, err
	}
	if err := s.materializeBundleArchives(root, checkers); err != nil {
		return nil, err
	}

	cfgYAML, err := buildConfigYAML(game, scoreboard, teams, checkers)
	if err != nil {
		return nil, err
	}
	if err := afero.WriteFile(s.fs, filepath.Join(dataDir, "config.yml"), cfgYAML, 0o644); err != nil {
		return nil, common.Storagef("cannot write config.yml: %v", err)
	}

	if len(warnings) > 0 {
		content := strings.Join(warnings, "\n") + "\n"
		if err := afero.WriteFile(s.fs, filepath.Join(root, "EXPORT_WARNINGS.txt"), []byte(content), 0o644); err != nil {
			return nil, common.Storagef("cannot write warnings file: %v", err)
		}
	}

	if opts.IncludeCompose {
		compose := composeYAML(opts.ComposeProject, scoreboard.Port)
		if err := afero.WriteFile(s.fs, filepath.Join(root, "docker-compose.yml"), []byte(compose), 0o644); err != nil {
			return nil, common.Storagef("cannot write docker-compose.yml: %v", err)
		}
	}

	data, err := zipx.PackTree(s.fs, root, opts.Prefix)
	if err != nil {
		return nil, common.Storagef("cannot pack export: %v", err)
	}

	s.log.Info("Built export package",
		slog.String("game_id", game.ID),
		slog.Int("teams", len(teams)),
		slog.Int("checkers", len(checkers)),
		slog.Int("size", len(data)))

	return &entity.ExportPackage{
		Filename: opts.Prefix + ".zip",
		Data:     data,
		Size:     int64(len(data)),
	}, nil
}

func (s *exportService) withDefaults(opts *entity.ExportOptions) *entity.ExportOptions {
	out := entity.ExportOptions{}
	if opts != nil {
		out = *opts
	}

	if out.Prefix == "" {
		out.Prefix = s.cfg.Prefix + "_" + uuid.NewString()[:8]
	}
	if out.HTMLSourcePath == "" {
		out.HTMLSourcePath = s.cfg.HTMLSourcePath
	}
	if out.ComposeProject == "" {
		out.ComposeProject = s.cfg.ComposeProject
	}

	return &out
}

// hydrateCheckers fills defaults derived from each checker's bundle before
// validation runs: wait/sleep floors and the auto-detected entrypoint.
func (s *exportService) hydrateCheckers(checkers []*entity.ExportChecker) error {
	for _, c := range checkers {
		if c.BundlePath == "" {
			continue
		}
		if !s.isFile(c.BundlePath) {
			return common.ExportValidationf("checker %s: bundle not found: %s", c.ID, c.BundlePath)
		}

		if c.ScriptWaitSec <= 0 {
			c.ScriptWaitSec = 10
		}
		if c.RoundSleepSec < c.ScriptWaitSec*3 {
			c.RoundSleepSec = c.ScriptWaitSec * 3
		}

		if strings.TrimSpace(c.ScriptRel) == "" {
			c.ScriptRel = "./checker.py"
			if c.FromBundle {
				if detected, err := s.detectEntrypoint(c.BundlePath); err != nil {
					return err
				} else if detected != "" {
					c.ScriptRel = detected
				}
			}
		}
	}

	return nil
}

func validateInputs(game *entity.Game, scoreboard *entity.Scoreboard, teams []*entity.ExportTeam, checkers []*entity.ExportChecker) error {
	if game == nil || scoreboard == nil {
		return common.ExportValidationf("game and scoreboard settings are required")
	}

	if game.ID == "" {
		return common.ExportValidationf("game.id is required")
	}
	if !gameIDRe.MatchString(game.ID) {
		return common.ExportValidationf("game.id must match [a-z0-9]+")
	}
	if game.Name == "" {
		return common.ExportValidationf("game.name is required")
	}
	if game.StartUTC.IsZero() || game.EndUTC.IsZero() {
		return common.ExportValidationf("game.start and game.end are required")
	}
	if !game.EndUTC.After(game.StartUTC) {
		return common.ExportValidationf("game.end must be after game.start")
	}
	if game.FlagTTLMinutes < 1 || game.FlagTTLMinutes > 25 {
		return common.ExportValidationf("game.flag_ttl_min must be within 1..25")
	}
	if game.BasicAttackCost < 1 || game.BasicAttackCost > 500 {
		return common.ExportValidationf("game.basic_attack_cost must be within 1..500")
	}

	if scoreboard.Port < 11 || scoreboard.Port > 65535 {
		return common.ExportValidationf("scoreboard.port must be within 11..65535")
	}
	if scoreboard.HTMLFolder == "" {
		return common.ExportValidationf("scoreboard.htmlfolder is required")
	}

	if len(teams) == 0 {
		return common.ExportValidationf("teams: at least one team is required")
	}
	teamIDs := make(map[string]bool)
	teamIPs := make(map[string]bool)
	for _, t := range teams {
		if t.ID == "" {
			return common.ExportValidationf("team.id is required")
		}
		if teamIDs[t.ID] {
			return common.ExportValidationf("duplicate team.id: %s", t.ID)
		}
		teamIDs[t.ID] = true

		if t.IPAddress == "" {
			return common.ExportValidationf("team %s: ip_address is required", t.ID)
		}
		if !ipv4Re.MatchString(t.IPAddress) {
			return common.ExportValidationf("team %s: ip_address must be IPv4, got %q", t.ID, t.IPAddress)
		}
		if teamIPs[t.IPAddress] {
			return common.ExportValidationf("duplicate ip_address: %s", t.IPAddress)
		}
		teamIPs[t.IPAddress] = true
	}

	if len(checkers) == 0 {
		return common.ExportValidationf("checkers: at least one service is required")
	}
	checkerIDs := make(map[string]bool)
	for _, c := range checkers {
		cid := normalizeID(c.ID)
		if cid == "" {
			return common.ExportValidationf("checker.id is required")
		}
		if checkerIDs[cid] {
			return common.ExportValidationf("duplicate checker.id: %s", cid)
		}
		checkerIDs[cid] = true

		if c.ScriptWaitSec < 5 {
			return common.ExportValidationf("checker %s: script_wait must be >= 5", cid)
		}
		if c.RoundSleepSec < c.ScriptWaitSec*3 {
			return common.ExportValidationf("checker %s: round_sleep must be >= script_wait * 3", cid)
		}
		if c.ScriptRel == "" {
			return common.ExportValidationf("checker %s: script path is required", cid)
		}
	}

	return nil
}

func (s *exportService) isFile(path string) bool {
	if path == "" {
		return false
	}

	st, err := s.fs.Stat(path)

	return err == nil && !st.IsDir()
}

func (s *exportService) isDir(path string) bool {
	if path == "" {
		return false
	}

	st, err := s.fs.Stat(path)

	return err == nil && st.IsDir()
}

func (s *exportService) copyFile(src, dst string) error {
	data, err := afero.ReadFile(s.fs, src)
	if err != nil {
		return err
	}
	if err := s.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	return afero.WriteFile(s.fs, dst, data, 0o644)
}

func (s *exportService) copyDirTree(src, dst string) error {
	return afero.Walk(s.fs, src, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return s.fs.MkdirAll(target, 0o755)
		}

		return s.copyFile(p, target)
	})
}

// normalizeID lowercases and squashes everything outside [a-z0-9] to single
// underscores.
func normalizeID(v string) string {
	out := slugRe.ReplaceAllString(strings.ToLower(v), "_")

	return strings.Trim(out, "_")
}
