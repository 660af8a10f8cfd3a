package reliability

import (
	"time"

	"github.com/venarius/gridtalk/internal/protocol"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableVoiceError classifies voice-engine errors worth another
// credential fetch. Locked and full channels never resolve by retrying.
func IsRetryableVoiceError(code protocol.VoiceErrorCode) bool {
	return code == protocol.VoiceErrNotAvailable
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
