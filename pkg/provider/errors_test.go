package provider

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProviderError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *ProviderError
		expected string
	}{
		{
			name:     "with key",
			err:      &ProviderError{Op: "Head", Provider: ProviderS3, Bucket: "archive", Key: "w/j/job.json", Err: ErrNotFound},
			expected: "s3 Head: archive/w/j/job.json: object not found",
		},
		{
			name:     "without key",
			err:      &ProviderError{Op: "List", Provider: ProviderS3, Bucket: "archive", Err: ErrAccessDenied},
			expected: "s3 List: archive: access denied",
		},
		{
			name:     "without bucket",
			err:      &ProviderError{Op: "New", Provider: ProviderFile, Err: errors.New("base dir is required")},
			expected: "file New: base dir is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

func TestProviderError_Unwrap(t *testing.T) {
	err := &ProviderError{Op: "PutObject", Provider: ProviderFile, Key: "k", Err: ErrAccessDenied}
	assert.True(t, errors.Is(err, ErrAccessDenied))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, ErrAccessDenied, err.Unwrap())
}

func TestCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{ErrNotFound, CodeNotFound},
		{&ProviderError{Err: ErrBucketNotFound}, CodeNotFound},
		{fmt.Errorf("wrapped: %w", ErrAccessDenied), CodeAccessDenied},
		{ErrInvalidCredentials, CodeInvalidCredentials},
		{ErrThrottled, CodeThrottled},
		{ErrProviderUnavailable, CodeUnavailable},
		{ErrInvalidKey, CodeInvalidKey},
		{errors.New("boom"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Code(tt.err), "%v", tt.err)
	}
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(&ProviderError{Err: ErrThrottled}))
	assert.True(t, IsRetryable(ErrProviderUnavailable))
	assert.False(t, IsRetryable(ErrNotFound))
	assert.False(t, IsRetryable(errors.New("boom")))
}

func TestProviderType_String(t *testing.T) {
	assert.Equal(t, "s3", ProviderS3.String())
	assert.Equal(t, "file", ProviderFile.String())
}
