package vmerrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorParts(t *testing.T) {
	assert.Equal(t, "OutOfBounds", GetErrorName(ErrMOutOfBounds))
	assert.Equal(t, "M1", GetErrorCode(ErrMOutOfBounds))
	assert.Equal(t, "Heap access past the current heap size.", GetErrorDesc(ErrMOutOfBounds))
	assert.Equal(t, "No Error", GetErrorName(nil))
}

func TestClassification(t *testing.T) {
	wrapped := fmt.Errorf("node 7: %w", ErrVIncompatibleChildType)
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsResourceLimit(wrapped))
	assert.True(t, IsResourceLimit(fmt.Errorf("depth 5: %w", ErrRStackLimitReached)))
	assert.False(t, IsFatal(ErrMOutOfBounds))
	assert.Equal(t, "V1", GetErrorCode(wrapped))
}
