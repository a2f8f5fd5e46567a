package fetcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/ctf01d/ctf01d-training-platform/internal/common"
	"github.com/ctf01d/ctf01d-training-platform/internal/config"
	"github.com/ctf01d/ctf01d-training-platform/internal/entity"
	"github.com/ctf01d/ctf01d-training-platform/internal/zipx"
)

const (
	serviceName = "fetcher"

	zipMagicLen = 4
)

type fetcherService struct {
	cfg    *config.FetcherConfig
	client *http.Client
	log    *slog.Logger
}

func NewFetcherService(cfg *config.FetcherConfig, log *slog.Logger) *fetcherService {
	client := &http.Client{
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

	return &fetcherService{
		cfg:    cfg,
		client: client,
		log:    log.With(slog.String("service", serviceName)),
	}
}

// FetchURL downloads a zip archive over http(s), streaming the body through
// the size ceiling and digest in one pass.
func (s *fetcherService) FetchURL(ctx context.Context, rawURL string) (*entity.RawArchive, error) {
	return s.fetch(ctx, rawURL, s.cfg.MaxArchiveBytes)
}

func (s *fetcherService) fetch(ctx context.Context, rawURL string, maxBytes int64) (*entity.RawArchive, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return nil, common.Fetchf("invalid url: %s", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, common.Fetchf("only http(s) urls are supported, got %q", u.Scheme)
	}

	// The read timeout doubles as the whole-transfer deadline, so a stalled
	// body read is cancelled mid-stream, not only before the first byte.
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ReadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, common.Fetchf("invalid url: %s", rawURL)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, normalizeTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, common.Fetchf("download failed: HTTP %d", resp.StatusCode)
	}

	contentType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")

	raw, err := readArchive(resp.Body, strings.TrimSpace(contentType), maxBytes)
	if err != nil {
		s.log.Error("Cannot download archive", slog.String("url", u.String()), slog.Any("error", err))

		return nil, err
	}

	s.log.Info("Downloaded archive",
		slog.String("url", u.String()),
		slog.Int64("size", raw.Size),
		slog.String("sha256", raw.SHA256))

	return raw, nil
}

// ReadUpload applies the same streaming, size and magic-byte discipline to an
// uploaded byte source.
func (s *fetcherService) ReadUpload(upload entity.Upload) (*entity.RawArchive, error) {
	if upload.Reader == nil {
		return nil, common.Fetchf("no upload content")
	}

	raw, err := readArchive(upload.Reader, upload.ContentType, s.cfg.MaxArchiveBytes)
	if err != nil {
		return nil, err
	}

	s.log.Info("Read uploaded archive",
		slog.String("filename", upload.Filename),
		slog.Int64("size", raw.Size))

	return raw, nil
}

func readArchive(r io.Reader, contentType string, maxBytes int64) (*entity.RawArchive, error) {
	br := NewBoundedReader(r, maxBytes)
	buf := bytes.Buffer{}

	// The magic check happens as soon as the first bytes arrive; the declared
	// content type is advisory only and used just for the error message.
	head := make([]byte, zipMagicLen)
	n, err := io.ReadFull(br, head)
	if err != nil && err != io.ErrUnexpectedEOF {
		if isFetchError(err) {
			return nil, err
		}

		return nil, common.Fetchf("cannot read archive: %v", err)
	}
	if !zipx.IsZipMagic(head[:n]) {
		return nil, common.Fetchf("expected a zip archive, got %s", orUnknown(contentType))
	}
	buf.Write(head[:n])

	if _, err := io.Copy(&buf, br); err != nil {
		if isFetchError(err) {
			return nil, err
		}

		return nil, common.Fetchf("cannot read archive: %v", err)
	}

	return &entity.RawArchive{
		Data:        buf.Bytes(),
		ContentType: contentType,
		SHA256:      br.SumHex(),
		Size:        br.BytesRead(),
	}, nil
}

// normalizeTransportError keeps the FetchError raised by the redirect policy
// and folds everything else into one fetch-error kind.
func normalizeTransportError(err error) error {
	var fe *common.FetchError
	if errors.As(err, &fe) {
		return fe
	}

	var ue *url.Error
	if errors.As(err, &ue) {
		if ue.Timeout() {
			return common.Fetchf("download timed out")
		}

		return common.Fetchf("download failed: %v", ue.Err)
	}

	return common.Fetchf("download failed: %v", err)
}

func isFetchError(err error) bool {
	var fe *common.FetchError

	return errors.As(err, &fe)
}

func orUnknown(contentType string) string {
	if contentType == "" {
		return "unknown"
	}

	return fmt.Sprintf("%q", contentType)
}
