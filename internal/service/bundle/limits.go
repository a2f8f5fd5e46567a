package bundle

import "github.com/ctf01d/ctf01d-training-platform/internal/config"

// Limits bounds per-entry size, total uncompressed size and entry count while
// an archive is processed. The import pipeline and the export-side verifier
// deliberately use different ceilings; both come from configuration.
type Limits struct {
	MaxEntryBytes int64
	MaxTotalBytes int64
	MaxEntries    int
}

func LimitsFromConfig(cfg config.LimitsConfig) Limits {
	return Limits{
		MaxEntryBytes: cfg.MaxEntryBytes,
		MaxTotalBytes: cfg.MaxTotalBytes,
		MaxEntries:    cfg.MaxEntries,
	}
}
