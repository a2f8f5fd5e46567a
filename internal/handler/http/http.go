package httphandler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
)

const maxUploadFormBytes = 256 << 20

var (
	idRegexp = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
)

type ImporterService interface {
	ImportUpload(ctx context.Context, serviceID string, upload entity.Upload) (*entity.Service, error)
	Redownload(ctx context.Context, serviceID string) (*entity.Service, error)
	ImportRepository(ctx context.Context, repoURL, ref, author string) (*entity.Service, error)
	InspectChecker(ctx context.Context, serviceID string) (*entity.InspectionResult, error)
}

type ServiceRepository interface {
	Get(ctx context.Context, id string) (*entity.Service, error)
	List(ctx context.Context) ([]*entity.Service, error)
}

type BundleStorage interface {
	Open(path string) (io.ReadCloser, error)
}

type ExportService interface {
	Build(ctx context.Context, game *entity.Game, scoreboard *entity.Scoreboard,
		teams []*entity.ExportTeam, checkers []*entity.ExportChecker,
		opts *entity.ExportOptions) (*entity.ExportPackage, error)
}

func NewServicesHandler(repo ServiceRepository, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ServicesHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		services, err := repo.List(r.Context())
		if err != nil {
			log.Error("Cannot list services", slog.Any("error", err))
			http.Error(w, "Cannot list services", http.StatusInternalServerError)

			return
		}

		writeJSON(w, services)
	}
}

func NewServiceHandler(repo ServiceRepository, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ServiceHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		svc, err := repo.Get(r.Context(), id)
		if err != nil {
			respondError(w, log, "Cannot get service", err)

			return
		}

		writeJSON(w, svc)
	}
}

func NewUploadHandler(srv ImporterService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "UploadHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		if err := r.ParseMultipartForm(maxUploadFormBytes); err != nil {
			http.Error(w, "Cannot parse upload", http.StatusBadRequest)

			return
		}

		file, header, err := r.FormFile("archive")
		if err != nil {
			http.Error(w, "Archive file is required", http.StatusBadRequest)

			return
		}
		defer file.Close()

		upload := entity.Upload{
			Reader:      file,
			Filename:    header.Filename,
			ContentType: header.Header.Get("Content-Type"),
		}

		svc, err := srv.ImportUpload(r.Context(), id, upload)
		if err != nil {
			respondError(w, log, "Cannot import archive", err)

			return
		}

		writeJSON(w, svc)
	}
}

func NewRedownloadHandler(srv ImporterService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "RedownloadHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		svc, err := srv.Redownload(r.Context(), id)
		if err != nil {
			respondError(w, log, "Cannot download archive", err)

			return
		}

		writeJSON(w, svc)
	}
}

type importRepositoryRequest struct {
	RepoURL string `json:"repo_url"`
	Ref     string `json:"ref"`
	Author  string `json:"author"`
}

func NewImportRepositoryHandler(srv ImporterService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ImportRepositoryHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req importRepositoryRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}
		if req.RepoURL == "" {
			http.Error(w, "repo_url is required", http.StatusBadRequest)

			return
		}

		svc, err := srv.ImportRepository(r.Context(), req.RepoURL, req.Ref, req.Author)
		if err != nil {
			respondError(w, log, "Cannot import repository", err)

			return
		}

		writeJSON(w, svc)
	}
}

func NewInspectHandler(srv ImporterService, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "InspectHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		result, err := srv.InspectChecker(r.Context(), id)
		if err != nil {
			respondError(w, log, "Cannot inspect checker", err)

			return
		}

		writeJSON(w, result)
	}
}

func NewBundleDownloadHandler(repo ServiceRepository, storage BundleStorage, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "BundleDownloadHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if !idRegexp.MatchString(id) {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		svc, err := repo.Get(r.Context(), id)
		if err != nil {
			respondError(w, log, "Cannot get service", err)

			return
		}
		if svc.LocalPath == "" {
			http.Error(w, "Service has no stored bundle", http.StatusNotFound)

			return
		}

		rc, err := storage.Open(svc.LocalPath)
		if err != nil {
			respondError(w, log, "Cannot open bundle", err)

			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
		if _, err := io.Copy(w, rc); err != nil {
			log.Error("Cannot send bundle", slog.Any("error", err))
		}
	}
}

type exportGameRequest struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Start            string  `json:"start"`
	End              string  `json:"end"`
	CoffeeBreakStart string  `json:"coffee_break_start"`
	CoffeeBreakEnd   string  `json:"coffee_break_end"`
	FlagTTLMinutes   int     `json:"flag_ttl_min"`
	BasicAttackCost  int     `json:"basic_attack_cost"`
	DefenceCost      float64 `json:"defence_cost"`
}

type exportScoreboardRequest struct {
	Port       int    `json:"port"`
	HTMLFolder string `json:"htmlfolder"`
	Random     bool   `json:"random"`
}

type exportTeamRequest struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Active    bool              `json:"active"`
	IPAddress string            `json:"ip_address"`
	LogoURL   string            `json:"logo_url"`
	Extra     map[string]string `json:"extra"`
}

type exportCheckerRequest struct {
	ServiceID     string `json:"service_id"`
	Name          string `json:"name"`
	Enabled       bool   `json:"enabled"`
	ScriptWaitSec int    `json:"script_wait_sec"`
	RoundSleepSec int    `json:"round_sleep_sec"`
	ScriptPath    string `json:"script_path"`
}

type exportRequest struct {
	Game           exportGameRequest       `json:"game"`
	Scoreboard     exportScoreboardRequest `json:"scoreboard"`
	Teams          []exportTeamRequest     `json:"teams"`
	Checkers       []exportCheckerRequest  `json:"checkers"`
	IncludeHTML    bool                    `json:"include_html"`
	IncludeCompose bool                    `json:"include_compose"`
	ComposeProject string                  `json:"compose_project"`
}

func NewExportHandler(srv ExportService, repo ServiceRepository, log *slog.Logger) http.HandlerFunc {
	log = log.With(slog.String("handler", "ExportHandler"))

	return func(w http.ResponseWriter, r *http.Request) {
		var req exportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Bad request", http.StatusBadRequest)

			return
		}

		game, err := req.Game.toEntity()
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)

			return
		}
		scoreboard := &entity.Scoreboard{
			Port:       req.Scoreboard.Port,
			HTMLFolder: req.Scoreboard.HTMLFolder,
			Random:     req.Scoreboard.Random,
		}

		teams := make([]*entity.ExportTeam, 0, len(req.Teams))
		for _, t := range req.Teams {
			teams = append(teams, &entity.ExportTeam{
				ID:        t.ID,
				Name:      t.Name,
				Active:    t.Active,
				IPAddress: t.IPAddress,
				LogoURL:   t.LogoURL,
				Extra:     t.Extra,
			})
		}

		checkers := make([]*entity.ExportChecker, 0, len(req.Checkers))
		for _, c := range req.Checkers {
			checker := &entity.ExportChecker{
				ID:            c.ServiceID,
				Name:          c.Name,
				Enabled:       c.Enabled,
				ScriptWaitSec: c.ScriptWaitSec,
				RoundSleepSec: c.RoundSleepSec,
				ScriptRel:     c.ScriptPath,
			}
			svc, err := repo.Get(r.Context(), c.ServiceID)
			switch {
			case err == nil && svc.LocalPath != "":
				checker.BundlePath = svc.LocalPath
				checker.FromBundle = true
				if checker.Name == "" {
					checker.Name = svc.Name
				}
			case err != nil && !errors.Is(err, common.ErrServiceNotFoundError):
				respondError(w, log, "Cannot look up service for export", err)

				return
			}
			checkers = append(checkers, checker)
		}

		opts := &entity.ExportOptions{
			IncludeHTML:    req.IncludeHTML,
			IncludeCompose: req.IncludeCompose,
			ComposeProject: req.ComposeProject,
		}

		pkg, err := srv.Build(r.Context(), game, scoreboard, teams, checkers, opts)
		if err != nil {
			respondError(w, log, "Cannot build export", err)

			return
		}

		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", pkg.Filename))
		w.Write(pkg.Data)
	}
}

func (g exportGameRequest) toEntity() (*entity.Game, error) {
	start, err := parseGameTime(g.Start)
	if err != nil {
		return nil, fmt.Errorf("bad game.start: %w", err)
	}
	end, err := parseGameTime(g.End)
	if err != nil {
		return nil, fmt.Errorf("bad game.end: %w", err)
	}

	game := entity.Game{
		ID:              g.ID,
		Name:            g.Name,
		StartUTC:        start,
		EndUTC:          end,
		FlagTTLMinutes:  g.FlagTTLMinutes,
		BasicAttackCost: g.BasicAttackCost,
		DefenceCost:     g.DefenceCost,
	}

	if g.CoffeeBreakStart != "" && g.CoffeeBreakEnd != "" {
		cbStart, err := parseGameTime(g.CoffeeBreakStart)
		if err != nil {
			return nil, fmt.Errorf("bad game.coffee_break_start: %w", err)
		}
		cbEnd, err := parseGameTime(g.CoffeeBreakEnd)
		if err != nil {
			return nil, fmt.Errorf("bad game.coffee_break_end: %w", err)
		}
		game.CoffeeBreakStartUTC = &cbStart
		game.CoffeeBreakEndUTC = &cbEnd
	}

	return &game, nil
}

func parseGameTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse("2006-01-02 15:04:05", v)
	if err != nil {
		return time.Time{}, err
	}

	return t.UTC(), nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// respondError maps pipeline errors onto HTTP statuses. The response carries
// msg only, the cause goes to the log.
func respondError(w http.ResponseWriter, log *slog.Logger, msg string, err error) {
	var (
		fetchErr      *common.FetchError
		normErr       *common.NormalizationError
		extractErr    *common.ExtractionError
		inspectErr    *common.InspectionError
		validationErr *common.ExportValidationError
	)

	switch {
	case errors.Is(err, common.ErrServiceNotFoundError):
		http.Error(w, "Service not found", http.StatusNotFound)
	case errors.Is(err, common.ErrNoArchiveURLError),
		errors.Is(err, common.ErrNoStoredBundleError):
		http.Error(w, msg, http.StatusConflict)
	case errors.As(err, &validationErr):
		http.Error(w, validationErr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &fetchErr):
		http.Error(w, fetchErr.Error(), http.StatusBadGateway)
	case errors.As(err, &normErr):
		http.Error(w, normErr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &extractErr):
		http.Error(w, extractErr.Error(), http.StatusUnprocessableEntity)
	case errors.As(err, &inspectErr):
		http.Error(w, inspectErr.Error(), http.StatusUnprocessableEntity)
	default:
		log.Error(msg, slog.Any("error", err))
		http.Error(w, msg, http.StatusInternalServerError)
	}
}
