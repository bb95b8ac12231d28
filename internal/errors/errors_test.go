package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesClassification(t *testing.T) {
	tests := []struct {
		code      string
		category  Category
		severity  Severity
		retryable bool
	}{
		{ErrCodeConfigInvalid, CategoryConfig, SeverityError, false},
		{ErrCodeFileNotFound, CategoryIO, SeverityError, false},
		{ErrCodeLeaseConflict, CategoryCoordination, SeverityWarning, false},
		{ErrCodeStaleRole, CategoryCoordination, SeverityWarning, false},
		{ErrCodeQueryEmpty, CategoryValidation, SeverityError, false},
		{ErrCodeEmbeddingFailed, CategoryInternal, SeverityError, true},
		{ErrCodeStorageFailed, CategoryInternal, SeverityFatal, true},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.category, err.Category)
			assert.Equal(t, tt.severity, err.Severity)
			assert.Equal(t, tt.retryable, err.Retryable)
		})
	}
}

func TestErrorFormatIncludesCode(t *testing.T) {
	err := New(ErrCodeUnknownVault, "no vault named work", nil)
	assert.Equal(t, "[ERR_404_UNKNOWN_VAULT] no vault named work", err.Error())
}

func TestUnwrapAndIs(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCodeStorageFailed, cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, New(ErrCodeStorageFailed, "other message", nil))
	assert.NotErrorIs(t, err, New(ErrCodeEmbeddingFailed, "other code", nil))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(ErrCodeInternal, nil))
}

func TestWithDetail(t *testing.T) {
	err := ModelMismatch("all-minilm", "nomic-embed-text")
	assert.Equal(t, ErrCodeModelMismatch, err.Code)
	assert.Equal(t, "all-minilm", err.Details["index_model"])
	assert.Equal(t, "nomic-embed-text", err.Details["configured_model"])
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsRetryable(EmbeddingError("timeout", nil)))
	assert.False(t, IsRetryable(LeaseConflict("other-instance")))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsFatal(StorageError("corrupt page", nil)))
	assert.False(t, IsFatal(StaleRole("renewal rejected")))

	assert.Equal(t, ErrCodeLeaseConflict, GetCode(LeaseConflict("someone")))
	assert.Equal(t, "", GetCode(errors.New("plain")))
}

func TestGetCodeThroughFacadeStyleWrapping(t *testing.T) {
	// Errors crossing component boundaries keep their code as long as the
	// IndexError itself is returned, not re-wrapped with fmt.Errorf.
	var err error = New(ErrCodeWorkerGone, "request timed out", nil).
		WithDetail("correlation_id", "abc-123")
	require.Equal(t, ErrCodeWorkerGone, GetCode(err))
}
