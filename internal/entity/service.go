package entity

import "time"

// Service is a challenge service registered on the platform. The archive
// fields describe the latest stored bundle; only the latest copy is
// referenced, superseded files may remain on disk as orphans.
type Service struct {
	ID                string
	Name              string
	Author            string
	PublicDescription string
	Copyright         string
	License           string
	Public            bool

	ArchiveURL   string
	LocalPath    string
	LocalSize    int64
	LocalSHA256  string
	DownloadedAt time.Time

	CheckStatus string
	CheckedAt   time.Time
}

// BundleMetadata holds fields derived from a canonical bundle at import time.
// Every field is optional; absence is not an error.
type BundleMetadata struct {
	Name              string
	PublicDescription string
	Copyright         string
	License           string
	Training          *TrainingInfo
}

// TrainingInfo is the optional structured metadata file shipped inside a
// bundle (ctf01d-training.json).
type TrainingInfo struct {
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
}

type CheckStatus string

const (
	CheckStatusMissing CheckStatus = "missing"
	CheckStatusPresent CheckStatus = "present"
	CheckStatusCodes   CheckStatus = "codes"
	CheckStatusError   CheckStatus = "error"
)

// InspectionResult is the outcome of one checker inspection call.
type InspectionResult struct {
	Status     CheckStatus
	FoundCodes []string
}
