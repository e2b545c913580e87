package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_Is(t *testing.T) {
	err := fmt.Errorf("ズームに失敗: %w", New(CodeNotReady, "セッションがありません"))

	assert.ErrorIs(t, err, ErrNotReady)
	assert.NotErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, CodeNotReady, CodeOf(err))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}

func TestError_Event(t *testing.T) {
	cause := errors.New("socket closed")

	testCases := []struct {
		name string
		err  *Error
		want string
	}{
		{"詳細あり", New(CodeBroadcastError, "NetworkError"), "BROADCAST_ERROR: NetworkError"},
		{"原因のみ", Wrap(CodeDeviceUnavailable, cause, ""), "DEVICE_UNAVAILABLE: socket closed"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Event())
		})
	}

	wrapped := Wrap(CodeDeviceUnavailable, cause, "open")
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "DEVICE_UNAVAILABLE: open: socket closed", wrapped.Error())
}
