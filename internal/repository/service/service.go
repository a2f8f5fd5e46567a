package service

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/redis/go-redis/v9"
)

const (
	KeyServiceIDs = "svc_ids" // SET of all service ids
	KeyService    = "svc"     // HASH per service, svc:{id}

	KeySeparator = ":"

	fieldName              = "name"
	fieldAuthor            = "author"
	fieldPublicDescription = "public_description"
	fieldCopyright         = "copyright"
	fieldLicense           = "license"
	fieldPublic            = "public"
	fieldArchiveURL        = "archive_url"
	fieldLocalPath         = "local_path"
	fieldLocalSize         = "local_size"
	fieldLocalSHA256       = "local_sha256"
	fieldDownloadedAt      = "downloaded_at"
	fieldCheckStatus       = "check_status"
	fieldCheckedAt         = "checked_at"
)

type serviceRepository struct {
	cl  *redis.Client
	log *slog.Logger
}

func NewServiceRepository(cl *redis.Client, log *slog.Logger) *serviceRepository {
	return &serviceRepository{
		cl:  cl,
		log: log.With(slog.String("item", "ServiceRepository")),
	}
}

// Save overwrites the whole record. Concurrent writers race last-writer-wins;
// the stored bundle pointer follows the same rule.
func (r *serviceRepository) Save(ctx context.Context, svc *entity.Service) error {
	if svc.ID == "" {
		return fmt.Errorf("cannot save service without id")
	}

	fields := map[string]any{
		fieldName:              svc.Name,
		fieldAuthor:            svc.Author,
		fieldPublicDescription: svc.PublicDescription,
		fieldCopyright:         svc.Copyright,
		fieldLicense:           svc.License,
		fieldPublic:            strconv.FormatBool(svc.Public),
		fieldArchiveURL:        svc.ArchiveURL,
		fieldLocalPath:         svc.LocalPath,
		fieldLocalSize:         strconv.FormatInt(svc.LocalSize, 10),
		fieldLocalSHA256:       svc.LocalSHA256,
		fieldDownloadedAt:      formatTime(svc.DownloadedAt),
		fieldCheckStatus:       svc.CheckStatus,
		fieldCheckedAt:         formatTime(svc.CheckedAt),
	}

	pipe := r.cl.Pipeline()
	pipe.SAdd(ctx, KeyServiceIDs, svc.ID)
	pipe.HSet(ctx, getKey(KeyService, svc.ID), fields)
	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Error("Cannot save service", slog.String("id", svc.ID), slog.Any("error", err))

		return fmt.Errorf("cannot save service %s: %w", svc.ID, err)
	}

	return nil
}

func (r *serviceRepository) Get(ctx context.Context, id string) (*entity.Service, error) {
	m, err := r.cl.HGetAll(ctx, getKey(KeyService, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot get service %s: %w", id, err)
	}
	if len(m) == 0 {
		return nil, common.ErrServiceNotFoundError
	}

	return fromFields(id, m), nil
}

func (r *serviceRepository) List(ctx context.Context) ([]*entity.Service, error) {
	ids, err := r.cl.SMembers(ctx, KeyServiceIDs).Result()
	if err != nil {
		return nil, fmt.Errorf("cannot list services: %w", err)
	}

	services := make([]*entity.Service, 0, len(ids))
	for _, id := range ids {
		svc, err := r.Get(ctx, id)
		if err != nil {
			if err == common.ErrServiceNotFoundError {
				continue
			}

			return nil, err
		}
		services = append(services, svc)
	}

	return services, nil
}

func (r *serviceRepository) Delete(ctx context.Context, id string) error {
	pipe := r.cl.Pipeline()
	pipe.SRem(ctx, KeyServiceIDs, id)
	pipe.Del(ctx, getKey(KeyService, id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cannot delete service %s: %w", id, err)
	}

	return nil
}

func fromFields(id string, m map[string]string) *entity.Service {
	size, _ := strconv.ParseInt(m[fieldLocalSize], 10, 64)

	return &entity.Service{
		ID:                id,
		Name:              m[fieldName],
		Author:            m[fieldAuthor],
		PublicDescription: m[fieldPublicDescription],
		Copyright:         m[fieldCopyright],
		License:           m[fieldLicense],
		Public:            m[fieldPublic] == "true",
		ArchiveURL:        m[fieldArchiveURL],
		LocalPath:         m[fieldLocalPath],
		LocalSize:         size,
		LocalSHA256:       m[fieldLocalSHA256],
		DownloadedAt:      parseTime(m[fieldDownloadedAt]),
		CheckStatus:       m[fieldCheckStatus],
		CheckedAt:         parseTime(m[fieldCheckedAt]),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}

	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}

	return t
}

func getKey(parts ...string) string {
	return strings.Join(parts, KeySeparator)
}
