package common

import "fmt"

var (
	ErrServiceNotFoundError = fmt.Errorf("service not found")
	ErrNoArchiveURLError    = fmt.Errorf("service has no archive url")
	ErrNoStoredBundleError  = fmt.Errorf("service has no stored bundle")
)

// FetchError covers network/transport failures, non-success statuses,
// redirect problems, oversize payloads and wrong magic bytes. It always
// carries a human-readable cause instead of a raw transport error.
type FetchError struct {
	Cause string
}

func (e *FetchError) Error() string { return "fetch failed: " + e.Cause }

func Fetchf(format string, args ...any) error {
	return &FetchError{Cause: fmt.Sprintf(format, args...)}
}

// NormalizationError covers unreadable archives, unsafe entry paths, size and
// entry-count ceilings, and archives with no derivable service content.
type NormalizationError struct {
	Cause string
}

func (e *NormalizationError) Error() string { return "normalize failed: " + e.Cause }

func Normalizef(format string, args ...any) error {
	return &NormalizationError{Cause: fmt.Sprintf(format, args...)}
}

// ExtractionError is reserved for catastrophic read failures; absent metadata
// is never an error.
type ExtractionError struct {
	Cause string
}

func (e *ExtractionError) Error() string { return "extract failed: " + e.Cause }

func Extractf(format string, args ...any) error {
	return &ExtractionError{Cause: fmt.Sprintf(format, args...)}
}

// InspectionError is returned when a stored bundle is missing on disk or not
// readable as a zip.
type InspectionError struct {
	Cause string
}

func (e *InspectionError) Error() string { return "inspect failed: " + e.Cause }

func Inspectf(format string, args ...any) error {
	return &InspectionError{Cause: fmt.Sprintf(format, args...)}
}

// ExportValidationError names the precondition an export build violated.
type ExportValidationError struct {
	Cause string
}

func (e *ExportValidationError) Error() string { return "export validation failed: " + e.Cause }

func ExportValidationf(format string, args ...any) error {
	return &ExportValidationError{Cause: fmt.Sprintf(format, args...)}
}

// StorageError marks a misconfigured bundle storage (directory cannot be
// created or is not writable), as opposed to a transient I/O failure.
type StorageError struct {
	Cause string
}

func (e *StorageError) Error() string { return "storage failed: " + e.Cause }

func Storagef(format string, args ...any) error {
	return &StorageError{Cause: fmt.Sprintf(format, args...)}
}
