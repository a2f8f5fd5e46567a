// Package archive persists canonical bundle zips, one directory per service,
// with temp-file-then-rename writes so an interrupted store never leaves a
// half-written file at the canonical path.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/spf13/afero"
)

const timestampLayout = "20060102150405"

// Config is passed in explicitly; the storage root is never read from the
// process environment here.
type Config struct {
	RootDir string
}

type archiveStorage struct {
	fs  afero.Fs
	cfg *Config
	log *slog.Logger
}

func NewArchiveStorage(cfg *Config, log *slog.Logger) *archiveStorage {
	return NewArchiveStorageWithFS(afero.NewOsFs(), cfg, log)
}

func NewArchiveStorageWithFS(fs afero.Fs, cfg *Config, log *slog.Logger) *archiveStorage {
	return &archiveStorage{
		fs:  fs,
		cfg: cfg,
		log: log.With(slog.String("item", "ArchiveStorage")),
	}
}

// Store writes a bundle to <root>/<service_id>/archive_<UTC ts>.zip and
// returns its metadata. A previously stored copy is superseded, not removed.
func (s *archiveStorage) Store(serviceID string, data []byte) (*entity.StoredBundle, error) {
	if serviceID == "" {
		return nil, common.Storagef("empty service id")
	}

	dir := filepath.Join(s.cfg.RootDir, serviceID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, common.Storagef("cannot create directory %s: %v (check permissions or SERVICES_STORAGE_DIR)", dir, err)
	}

	now := time.Now().UTC()
	final := filepath.Join(dir, fmt.Sprintf("archive_%s.zip", now.Format(timestampLayout)))
	tmp := final + ".part"

	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		_ = s.fs.Remove(tmp)

		return nil, common.Storagef("directory not writable: %s: %v (check permissions or SERVICES_STORAGE_DIR)", dir, err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)

		return nil, common.Storagef("cannot move archive into place: %s: %v", final, err)
	}

	sum := sha256.Sum256(data)

	s.log.Info("Stored bundle",
		slog.String("service_id", serviceID),
		slog.String("path", final),
		slog.Int("size", len(data)))

	return &entity.StoredBundle{
		Path:     final,
		Size:     int64(len(data)),
		SHA256:   hex.EncodeToString(sum[:]),
		StoredAt: now,
	}, nil
}

// Open returns a reader over a stored bundle for download delivery.
func (s *archiveStorage) Open(path string) (io.ReadCloser, error) {
	f, err := s.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open stored bundle %s: %w", path, err)
	}

	return f, nil
}

// Read loads a stored bundle whole.
func (s *archiveStorage) Read(path string) ([]byte, error) {
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		return nil, fmt.Errorf("cannot read stored bundle %s: %w", path, err)
	}

	return data, nil
}
