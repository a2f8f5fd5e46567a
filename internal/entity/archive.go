package entity

import (
	"bytes"
	"io"
	"time"
)

// RawArchive is a fetched archive held in memory. Request-scoped, never
// persisted as is.
type RawArchive struct {
	Data        []byte
	ContentType string
	SHA256      string
	Size        int64
}

// Upload is raw archive input regardless of where the bytes came from
// (multipart upload, repository snapshot, test fixture). One explicit value
// type instead of ad hoc upload-like objects.
type Upload struct {
	Reader      io.Reader
	Filename    string
	ContentType string
}

func NewUpload(data []byte, filename, contentType string) Upload {
	return Upload{
		Reader:      bytes.NewReader(data),
		Filename:    filename,
		ContentType: contentType,
	}
}

// RepositorySnapshot is the result of downloading a repository archive from a
// source-code-hosting provider.
type RepositorySnapshot struct {
	Owner      string
	Repo       string
	Ref        string
	ArchiveURL string
	Archive    *RawArchive
}

// StoredBundle describes one canonical bundle zip persisted on disk.
type StoredBundle struct {
	Path     string
	Size     int64
	SHA256   string
	StoredAt time.Time
}
