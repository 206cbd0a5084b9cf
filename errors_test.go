package convcache

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnavailable(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Unavailable("find_active", cause)

	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsUnavailable(err))
	assert.True(t, IsUnavailable(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, "conversation store unavailable: find_active: dial tcp: connection refused", err.Error())

	var storeErr *StoreError
	if assert.ErrorAs(t, err, &storeErr) {
		assert.Equal(t, "find_active", storeErr.Op)
	}
}

func TestUnavailable_Nil(t *testing.T) {
	assert.NoError(t, Unavailable("get", nil))
}

func TestIsUnavailable(t *testing.T) {
	assert.False(t, IsUnavailable(nil))
	assert.False(t, IsUnavailable(ErrNotFound))
	assert.False(t, IsUnavailable(context.Canceled))
}
