//go:build !windows

package webgpu

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/born-ml/gemmcheck/internal/fault"
)

func TestAcquire_Unavailable(t *testing.T) {
	s, err := Acquire(context.Background(), nil)
	assert.Nil(t, s)
	assert.ErrorIs(t, err, fault.ErrDeviceUnavailable)

	_, err = ListAdapters()
	assert.ErrorIs(t, err, fault.ErrDeviceUnavailable)
}
