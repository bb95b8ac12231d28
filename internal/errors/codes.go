// Package errors provides structured error handling for vaultindex.
//
// Error codes follow the pattern ERR_XXX_DESCRIPTION where:
//   - 1XX: Configuration errors
//   - 2XX: IO errors (file, disk)
//   - 3XX: Coordination errors (lease, roles)
//   - 4XX: Validation errors
//   - 5XX: Internal errors
package errors

// Category defines error categories for classification.
type Category string

const (
	// CategoryConfig indicates configuration-related errors.
	CategoryConfig Category = "CONFIG"
	// CategoryIO indicates file and disk I/O errors.
	CategoryIO Category = "IO"
	// CategoryCoordination indicates lease and role coordination errors.
	CategoryCoordination Category = "COORDINATION"
	// CategoryValidation indicates input validation errors.
	CategoryValidation Category = "VALIDATION"
	// CategoryInternal indicates unexpected internal errors.
	CategoryInternal Category = "INTERNAL"
)

// Severity defines error severity levels.
type Severity string

const (
	// SeverityFatal indicates unrecoverable error, must abort.
	SeverityFatal Severity = "FATAL"
	// SeverityError indicates operation failed but can continue.
	SeverityError Severity = "ERROR"
	// SeverityWarning indicates degraded operation, continuing.
	SeverityWarning Severity = "WARNING"
)

// Error codes organized by category.
const (
	// Config errors (100-199)
	ErrCodeConfigNotFound = "ERR_101_CONFIG_NOT_FOUND"
	ErrCodeConfigInvalid  = "ERR_102_CONFIG_INVALID"

	// IO errors (200-299)
	ErrCodeFileNotFound    = "ERR_201_FILE_NOT_FOUND"
	ErrCodeFilePermission  = "ERR_202_FILE_PERMISSION"
	ErrCodeDatabaseForeign = "ERR_203_DATABASE_FOREIGN"

	// Coordination errors (300-399)
	ErrCodeLeaseConflict = "ERR_301_LEASE_CONFLICT"
	ErrCodeStaleRole     = "ERR_302_STALE_ROLE"
	ErrCodeReadOnlyRole  = "ERR_303_READ_ONLY_ROLE"

	// Validation errors (400-499)
	ErrCodeInvalidInput  = "ERR_401_INVALID_INPUT"
	ErrCodeModelMismatch = "ERR_402_MODEL_MISMATCH"
	ErrCodeQueryEmpty    = "ERR_403_QUERY_EMPTY"
	ErrCodeUnknownVault  = "ERR_404_UNKNOWN_VAULT"

	// Internal errors (500-599)
	ErrCodeInternal        = "ERR_501_INTERNAL"
	ErrCodeEmbeddingFailed = "ERR_502_EMBEDDING_FAILED"
	ErrCodeStorageFailed   = "ERR_503_STORAGE_FAILED"
	ErrCodeWatcherFailed   = "ERR_504_WATCHER_FAILED"
	ErrCodeWorkerGone      = "ERR_505_WORKER_UNAVAILABLE"
)

// categoryFromCode extracts category from error code.
func categoryFromCode(code string) Category {
	if len(code) < 7 {
		return CategoryInternal
	}

	// Extract the numeric portion (e.g. "301" from "ERR_301_LEASE_CONFLICT").
	switch code[4] {
	case '1':
		return CategoryConfig
	case '2':
		return CategoryIO
	case '3':
		return CategoryCoordination
	case '4':
		return CategoryValidation
	default:
		return CategoryInternal
	}
}

// severityFromCode derives default severity from error code.
func severityFromCode(code string) Severity {
	switch code {
	case ErrCodeLeaseConflict, ErrCodeStaleRole:
		// Lost coordination races are expected in multi-instance deployments.
		return SeverityWarning
	case ErrCodeStorageFailed:
		return SeverityFatal
	default:
		return SeverityError
	}
}

// isRetryableCode reports whether operations failing with this code may be retried.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeEmbeddingFailed, ErrCodeStorageFailed, ErrCodeWatcherFailed:
		return true
	default:
		return false
	}
}
