package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestQuizError_IsByCode(t *testing.T) {
	err := NewQuizError(ErrLockNotAcquired, "session busy").WithContext("key", "s1")

	assert.True(t, errors.Is(err, &QuizError{Code: ErrLockNotAcquired}))
	assert.False(t, errors.Is(err, &QuizError{Code: ErrSessionNotFound}))
	assert.Equal(t, "s1", err.Context["key"])
}

func TestWrapError_Unwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := WrapError(ErrStoreUnavailable, "redis unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "caused by: connection refused")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrorCode(""), CodeOf(nil))
	assert.Equal(t, ErrInternalError, CodeOf(errors.New("plain")))

	wrapped := fmt.Errorf("handler: %w", NewQuizError(ErrWordNotFound, "missing"))
	assert.Equal(t, ErrWordNotFound, CodeOf(wrapped))
	assert.True(t, HasCode(wrapped, ErrWordNotFound))
	assert.False(t, HasCode(wrapped, ErrCacheMiss))
}

func TestWordFilter_IsEmpty(t *testing.T) {
	var nilFilter *WordFilter
	assert.True(t, nilFilter.IsEmpty())
	assert.True(t, (&WordFilter{}).IsEmpty())
	assert.False(t, (&WordFilter{Category: "food"}).IsEmpty())
}
