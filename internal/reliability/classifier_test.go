package reliability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/venarius/gridtalk/internal/protocol"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		require.True(t, IsRetryableHTTPStatus(code), "status %d", code)
	}
	for _, code := range []int{200, 204, 400, 401, 403, 404} {
		require.False(t, IsRetryableHTTPStatus(code), "status %d", code)
	}
}

func TestIsRetryableVoiceError(t *testing.T) {
	require.True(t, IsRetryableVoiceError(protocol.VoiceErrNotAvailable))
	require.False(t, IsRetryableVoiceError(protocol.VoiceErrChannelFull))
	require.False(t, IsRetryableVoiceError(protocol.VoiceErrChannelLocked))
	require.False(t, IsRetryableVoiceError(protocol.VoiceErrUnknown))
}

func TestExponentialBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	require.Equal(t, base, ExponentialBackoff(0, base, cap))
	require.Equal(t, 200*time.Millisecond, ExponentialBackoff(1, base, cap))
	require.Equal(t, 400*time.Millisecond, ExponentialBackoff(2, base, cap))
	require.Equal(t, cap, ExponentialBackoff(10, base, cap))
}
