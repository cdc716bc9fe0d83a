package apperrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOfUnwrapsThroughLayers(t *testing.T) {
	cause := errors.New("connection refused")
	err := Persistence("update participant", cause)
	wrapped := fmt.Errorf("kick: %w", err)

	assert.Equal(t, CodePersistence, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodePersistence))
	assert.False(t, Is(wrapped, CodeConflict))
	assert.True(t, errors.Is(wrapped, cause))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(errors.New("boom")))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := ExternalBackend("drop connection", errors.New("timeout"))
	assert.Contains(t, err.Error(), "EXTERNAL_BACKEND_ERROR")
	assert.Contains(t, err.Error(), "timeout")

	bare := NotFound("report")
	assert.Equal(t, "NOT_FOUND: report not found", bare.Error())
	assert.Nil(t, errors.Unwrap(bare))
}
