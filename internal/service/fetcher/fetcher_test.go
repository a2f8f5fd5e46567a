package fetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.FetcherConfig {
	return &config.FetcherConfig{
		ConnectTimeout:   2 * time.Second,
		ReadTimeout:      5 * time.Second,
		MaxRedirects:     5,
		MaxArchiveBytes:  1 << 20,
		MaxSnapshotBytes: 1 << 20,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	buf := bytes.Buffer{}
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func TestFetchURL(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"service/app.py": "print('hi')"})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.zip":
			w.Header().Set("Content-Type", "application/zip")
			w.Write(archive)
		case "/big.zip":
			w.Header().Set("Content-Type", "application/zip")
			w.Write([]byte("PK\x03\x04"))
			w.Write(bytes.Repeat([]byte("a"), 2<<20))
		case "/notzip":
			w.Header().Set("Content-Type", "text/html")
			w.Write([]byte("<html>not an archive</html>"))
		case "/missing":
			http.NotFound(w, r)
		case "/loop":
			http.Redirect(w, r, "/loop", http.StatusFound)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	s := NewFetcherService(testConfig(), testLogger())

	t.Run("success", func(t *testing.T) {
		raw, err := s.FetchURL(context.Background(), srv.URL+"/ok.zip")
		require.NoError(t, err)
		require.Equal(t, archive, raw.Data)
		require.Equal(t, int64(len(archive)), raw.Size)

		sum := sha256.Sum256(archive)
		require.Equal(t, hex.EncodeToString(sum[:]), raw.SHA256)
		require.Equal(t, "application/zip", raw.ContentType)
	})

	t.Run("oversize aborts mid stream", func(t *testing.T) {
		_, err := s.FetchURL(context.Background(), srv.URL+"/big.zip")
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Contains(t, err.Error(), "too large")
	})

	t.Run("not a zip", func(t *testing.T) {
		_, err := s.FetchURL(context.Background(), srv.URL+"/notzip")
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
		require.Contains(t, err.Error(), "expected a zip archive")
	})

	t.Run("http error status", func(t *testing.T) {
		_, err := s.FetchURL(context.Background(), srv.URL+"/missing")
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})

	t.Run("redirect limit", func(t *testing.T) {
		_, err := s.FetchURL(context.Background(), srv.URL+"/loop")
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})

	t.Run("bad scheme", func(t *testing.T) {
		_, err := s.FetchURL(context.Background(), "ftp://example.com/a.zip")
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})
}

func TestReadUpload(t *testing.T) {
	archive := buildTestZip(t, map[string]string{"service/main.go": "package main"})
	s := NewFetcherService(testConfig(), testLogger())

	t.Run("success", func(t *testing.T) {
		raw, err := s.ReadUpload(entity.NewUpload(archive, "bundle.zip", "application/zip"))
		require.NoError(t, err)
		require.Equal(t, archive, raw.Data)
	})

	t.Run("not a zip", func(t *testing.T) {
		_, err := s.ReadUpload(entity.NewUpload([]byte("plain text"), "bundle.zip", "text/plain"))
		require.Error(t, err)

		var fetchErr *common.FetchError
		require.ErrorAs(t, err, &fetchErr)
	})

	t.Run("too large", func(t *testing.T) {
		big := append([]byte("PK\x03\x04"), bytes.Repeat([]byte("b"), 2<<20)...)
		_, err := s.ReadUpload(entity.NewUpload(big, "bundle.zip", "application/zip"))
		require.Error(t, err)
		require.Contains(t, err.Error(), "too large")
	})
}

func TestBoundedReader(t *testing.T) {
	r := NewBoundedReader(strings.NewReader("0123456789"), 10)
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "0123456789", string(data))
	require.Equal(t, int64(10), r.BytesRead())

	sum := sha256.Sum256([]byte("0123456789"))
	require.Equal(t, hex.EncodeToString(sum[:]), r.SumHex())

	r = NewBoundedReader(strings.NewReader("0123456789x"), 10)
	_, err = io.ReadAll(r)
	require.Error(t, err)

	var fetchErr *common.FetchError
	require.ErrorAs(t, err, &fetchErr)
}

func TestParseRepositoryURL(t *testing.T) {
	testCases := []struct {
		name        string
		url         string
		owner       string
		repo        string
		ref         string
		expectError bool
	}{
		{name: "plain repo", url: "https://github.com/acme/service-demo", owner: "acme", repo: "service-demo"},
		{name: "git suffix", url: "https://github.com/acme/service-demo.git", owner: "acme", repo: "service-demo"},
		{name: "tree ref", url: "https://github.com/acme/service-demo/tree/v1.2", owner: "acme", repo: "service-demo", ref: "v1.2"},
		{name: "not github", url: "https://gitlab.com/acme/service-demo", expectError: true},
		{name: "missing repo", url: "https://github.com/acme", expectError: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			owner, repo, ref, err := parseRepositoryURL(tc.url)
			if tc.expectError {
				require.Error(t, err)

				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.owner, owner)
			require.Equal(t, tc.repo, repo)
			require.Equal(t, tc.ref, ref)
		})
	}
}
