package app

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	httphandler "github.com/ctf01d/ctf01d-training-platform/internal/handler/http"
	svcrepo "github.com/ctf01d/ctf01d-training-platform/internal/repository/service"
	"github.com/ctf01d/ctf01d-training-platform/internal/service/bundle"
	"github.com/ctf01d/ctf01d-training-platform/internal/service/export"
	"github.com/ctf01d/ctf01d-training-platform/internal/service/fetcher"
	"github.com/ctf01d/ctf01d-training-platform/internal/service/importer"
	"github.com/ctf01d/ctf01d-training-platform/internal/storage/archive"
	"github.com/redis/go-redis/v9"
)

const shutdownTimeout = 5 * time.Second

type App struct {
	cfgPath string
	cfg     *config.Config
	srv     *http.Server
	log     *slog.Logger
}

func New(cfgPath string) *App {
	return &App{
		cfgPath: cfgPath,
	}
}

func (a *App) Start() {
	a.cfg = config.MustLoad(a.cfgPath)

	opt, err := redis.ParseURL(a.cfg.RedisURL)
	if err != nil {
		panic(err)
	}

	rdb := redis.NewClient(opt)
	ctx := context.Background()
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		panic(err)
	}

	lo := &slog.HandlerOptions{}
	switch a.cfg.LogLevel {
	case config.LogLevelInfo:
		lo.Level = slog.LevelInfo
	case config.LogLevelWarn:
		lo.Level = slog.LevelWarn
	case config.LogLevelError:
		lo.Level = slog.LevelError
	case config.LogLevelDebug:
		lo.Level = slog.LevelDebug
	default:
		panic("unknown log level")
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, lo))
	a.log = log

	repo := svcrepo.NewServiceRepository(rdb, log)
	store := archive.NewArchiveStorage(&archive.Config{RootDir: a.cfg.Storage.RootDir}, log)

	fetch := fetcher.NewFetcherService(&a.cfg.Fetcher, log)
	normalize := bundle.NewNormalizerService(bundle.LimitsFromConfig(a.cfg.ImportLimits), log)
	extract := bundle.NewExtractorService(log)
	inspect := bundle.NewInspectorService(log)

	imp := importer.NewImporterService(fetch, normalize, extract, inspect, store, repo, log)
	exp := export.NewExportService(&a.cfg.Export, log)

	http.Handle("GET /services/{$}", httphandler.NewServicesHandler(repo, log))
	http.Handle("GET /services/{id}/{$}", httphandler.NewServiceHandler(repo, log))
	http.Handle("POST /services/{id}/upload/{$}", httphandler.NewUploadHandler(imp, log))
	http.Handle("POST /services/{id}/redownload/{$}", httphandler.NewRedownloadHandler(imp, log))
	http.Handle("POST /services/{id}/inspect/{$}", httphandler.NewInspectHandler(imp, log))
	http.Handle("GET /services/{id}/bundle/{$}", httphandler.NewBundleDownloadHandler(repo, store, log))
	http.Handle("POST /import/github/{$}", httphandler.NewImportRepositoryHandler(imp, log))
	http.Handle("POST /export/{$}", httphandler.NewExportHandler(exp, repo, log))

	a.srv = &http.Server{
		Addr: a.cfg.Listen,
	}

	go func() {
		log.Info("Start listen", slog.String("addr", a.cfg.Listen))

		if err := a.srv.ListenAndServe(); err != nil {
			log.Error("Could not serve", slog.String("listen_addr", a.cfg.Listen), slog.Any("error", err))
			os.Exit(2)
		}
	}()
}

func (a *App) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.srv.Shutdown(ctx)
}
