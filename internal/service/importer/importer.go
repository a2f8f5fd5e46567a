package importer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/google/uuid"
)

const serviceName = "importer"

type ArchiveFetcher interface {
	FetchURL(ctx context.Context, url string) (*entity.RawArchive, error)
	ReadUpload(upload entity.Upload) (*entity.RawArchive, error)
	FetchRepositorySnapshot(ctx context.Context, repoURL, ref string) (*entity.RepositorySnapshot, error)
}

type Normalizer interface {
	Normalize(raw []byte) ([]byte, error)
}

type MetadataExtractor interface {
	Extract(bundleZip []byte) (*entity.BundleMetadata, error)
}

type Inspector interface {
	Inspect(zipPath string) (*entity.InspectionResult, error)
}

type BundleStorage interface {
	Store(serviceID string, data []byte) (*entity.StoredBundle, error)
}

type ServiceRepository interface {
	Save(ctx context.Context, svc *entity.Service) error
	Get(ctx context.Context, id string) (*entity.Service, error)
}

// importerService drives the import pipeline: fetch, normalize, extract
// metadata, store the bundle, update the service record.
type importerService struct {
	fetcher   ArchiveFetcher
	normalize Normalizer
	extract   MetadataExtractor
	inspect   Inspector
	store     BundleStorage
	repo      ServiceRepository
	log       *slog.Logger
}

func NewImporterService(
	fetcher ArchiveFetcher,
	normalize Normalizer,
	extract MetadataExtractor,
	inspect Inspector,
	store BundleStorage,
	repo ServiceRepository,
	log *slog.Logger,
) *importerService {
	return &importerService{
		fetcher:   fetcher,
		normalize: normalize,
		extract:   extract,
		inspect:   inspect,
		store:     store,
		repo:      repo,
		log:       log.With(slog.String("service", serviceName)),
	}
}

// ImportUpload ingests an uploaded archive into an existing service record.
func (s *importerService) ImportUpload(ctx context.Context, serviceID string, upload entity.Upload) (*entity.Service, error) {
	svc, err := s.repo.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}

	raw, err := s.fetcher.ReadUpload(upload)
	if err != nil {
		return nil, err
	}

	return s.ingest(ctx, svc, raw)
}

// Redownload re-fetches the service's archive from its configured URL.
func (s *importerService) Redownload(ctx context.Context, serviceID string) (*entity.Service, error) {
	svc, err := s.repo.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.ArchiveURL == "" {
		return nil, common.ErrNoArchiveURLError
	}

	raw, err := s.fetcher.FetchURL(ctx, svc.ArchiveURL)
	if err != nil {
		return nil, err
	}

	return s.ingest(ctx, svc, raw)
}

// ImportRepository creates a brand-new service from a repository snapshot.
// The author string is attribution only.
func (s *importerService) ImportRepository(ctx context.Context, repoURL, ref, author string) (*entity.Service, error) {
	snap, err := s.fetcher.FetchRepositorySnapshot(ctx, repoURL, ref)
	if err != nil {
		return nil, err
	}

	svc := &entity.Service{
		ID:         uuid.NewString(),
		Name:       snap.Repo,
		Author:     author,
		ArchiveURL: snap.ArchiveURL,
		Public:     false,
	}

	return s.ingest(ctx, svc, snap.Archive)
}

func (s *importerService) ingest(ctx context.Context, svc *entity.Service, raw *entity.RawArchive) (*entity.Service, error) {
	bundleZip, err := s.normalize.Normalize(raw.Data)
	if err != nil {
		s.log.Error("Cannot normalize archive", slog.String("id", svc.ID), slog.Any("error", err))

		return nil, err
	}

	meta, err := s.extract.Extract(bundleZip)
	if err != nil {
		return nil, err
	}
	applyMetadata(svc, meta)

	stored, err := s.store.Store(svc.ID, bundleZip)
	if err != nil {
		return nil, err
	}
	svc.LocalPath = stored.Path
	svc.LocalSize = stored.Size
	svc.LocalSHA256 = stored.SHA256
	svc.DownloadedAt = stored.StoredAt

	if err := s.repo.Save(ctx, svc); err != nil {
		return nil, err
	}

	s.log.Info("Imported service bundle",
		slog.String("id", svc.ID),
		slog.String("path", stored.Path),
		slog.String("sha256", stored.SHA256))

	return svc, nil
}

// InspectChecker runs the checker inspection on the stored bundle and writes
// the status back onto the record; an unreadable archive is recorded as an
// error status before the error propagates.
func (s *importerService) InspectChecker(ctx context.Context, serviceID string) (*entity.InspectionResult, error) {
	svc, err := s.repo.Get(ctx, serviceID)
	if err != nil {
		return nil, err
	}
	if svc.LocalPath == "" {
		return nil, common.ErrNoStoredBundleError
	}

	res, ierr := s.inspect.Inspect(svc.LocalPath)
	if ierr != nil {
		svc.CheckStatus = string(entity.CheckStatusError)
	} else {
		svc.CheckStatus = string(res.Status)
	}
	svc.CheckedAt = nowUTC()

	if err := s.repo.Save(ctx, svc); err != nil {
		return nil, err
	}
	if ierr != nil {
		return nil, ierr
	}

	return res, nil
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func applyMetadata(svc *entity.Service, meta *entity.BundleMetadata) {
	if meta == nil {
		return
	}

	if meta.Name != "" {
		svc.Name = meta.Name
	}
	if meta.PublicDescription != "" {
		svc.PublicDescription = meta.PublicDescription
	}

	cr := meta.Copyright
	if meta.License != "" {
		suffix := fmt.Sprintf("License: %s", meta.License)
		if cr != "" {
			cr = cr + " - " + suffix
		} else {
			cr = suffix
		}
		svc.License = meta.License
	}
	if cr != "" {
		svc.Copyright = cr
	}
}
