package httphandler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

type fakeRepository struct {
	services map[string]*entity.Service
	getErr   error
}

func (f *fakeRepository) Get(_ context.Context, id string) (*entity.Service, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	svc, ok := f.services[id]
	if !ok {
		return nil, common.ErrServiceNotFoundError
	}

	return svc, nil
}

func (f *fakeRepository) List(_ context.Context) ([]*entity.Service, error) {
	out := make([]*entity.Service, 0, len(f.services))
	for _, svc := range f.services {
		out = append(out, svc)
	}

	return out, nil
}

type fakeExportService struct {
	checkers []*entity.ExportChecker
	err      error
}

func (f *fakeExportService) Build(_ context.Context, _ *entity.Game, _ *entity.Scoreboard,
	_ []*entity.ExportTeam, checkers []*entity.ExportChecker,
	_ *entity.ExportOptions) (*entity.ExportPackage, error) {
	f.checkers = checkers
	if f.err != nil {
		return nil, f.err
	}

	return &entity.ExportPackage{Filename: "pkg.zip", Data: []byte("zip"), Size: 3}, nil
}

const exportBody = `{
	"game": {
		"id": "testgame", "name": "Test Game",
		"start": "2024-06-01 10:00:00", "end": "2024-06-01 18:00:00",
		"flag_ttl_min": 10, "basic_attack_cost": 10, "defence_cost": 1
	},
	"scoreboard": {"port": 8080, "htmlfolder": "./html"},
	"teams": [{"id": "team1", "name": "Alpha", "active": true, "ip_address": "10.0.1.1"}],
	"checkers": [{"service_id": "svc1", "enabled": true}]
}`

func doExport(t *testing.T, srv ExportService, repo ServiceRepository) *httptest.ResponseRecorder {
	t.Helper()

	h := NewExportHandler(srv, repo, testLogger())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/export/", strings.NewReader(exportBody))
	h(rec, req)

	return rec
}

func TestExportHandlerBundledChecker(t *testing.T) {
	repo := &fakeRepository{services: map[string]*entity.Service{
		"svc1": {ID: "svc1", Name: "Service One", LocalPath: "/storage/svc1/archive.zip"},
	}}
	srv := &fakeExportService{}

	rec := doExport(t, srv, repo)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	require.Len(t, srv.checkers, 1)
	require.True(t, srv.checkers[0].FromBundle)
	require.Equal(t, "/storage/svc1/archive.zip", srv.checkers[0].BundlePath)
	require.Equal(t, "Service One", srv.checkers[0].Name)
}

func TestExportHandlerUnknownServiceFallsThrough(t *testing.T) {
	repo := &fakeRepository{services: map[string]*entity.Service{}}
	srv := &fakeExportService{}

	rec := doExport(t, srv, repo)
	require.Equal(t, http.StatusOK, rec.Code)

	require.Len(t, srv.checkers, 1)
	require.False(t, srv.checkers[0].FromBundle)
	require.Empty(t, srv.checkers[0].BundlePath)
}

func TestExportHandlerRepositoryFailure(t *testing.T) {
	repo := &fakeRepository{getErr: errors.New("connection refused")}
	srv := &fakeExportService{}

	rec := doExport(t, srv, repo)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Nil(t, srv.checkers)
}

func TestExportHandlerValidationError(t *testing.T) {
	repo := &fakeRepository{services: map[string]*entity.Service{}}
	srv := &fakeExportService{err: common.ExportValidationf("game.flag_ttl_min must be within 1..25")}

	rec := doExport(t, srv, repo)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}
