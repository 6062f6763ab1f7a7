package reliability

import (
	"strings"
	"time"
)

// SpeechErrorClass groups recognizer error codes by how they should be handled.
type SpeechErrorClass string

const (
	SpeechErrorNone       SpeechErrorClass = ""
	SpeechErrorPermission SpeechErrorClass = "permission"
	SpeechErrorNetwork    SpeechErrorClass = "network"
	SpeechErrorAudio      SpeechErrorClass = "audio"
	SpeechErrorBrowser    SpeechErrorClass = "browser"
	SpeechErrorUnknown    SpeechErrorClass = "unknown"
)

// ClassifySpeechError maps a recognizer error code to its class.
// Codes that are part of normal operation (no-speech, aborted) map to SpeechErrorNone.
func ClassifySpeechError(code string) SpeechErrorClass {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "no-speech", "aborted":
		return SpeechErrorNone
	case "not-allowed", "service-not-allowed", "permission-denied":
		return SpeechErrorPermission
	case "network", "network-timeout":
		return SpeechErrorNetwork
	case "audio-capture":
		return SpeechErrorAudio
	case "language-not-supported", "bad-grammar", "unsupported":
		return SpeechErrorBrowser
	default:
		return SpeechErrorUnknown
	}
}

// IsRetryableSpeechError reports whether the class may be retried automatically.
func IsRetryableSpeechError(class SpeechErrorClass) bool {
	switch class {
	case SpeechErrorNetwork, SpeechErrorAudio, SpeechErrorUnknown:
		return true
	default:
		return false
	}
}

// Sentinel returns the taxonomy error that corresponds to a speech error class.
func (c SpeechErrorClass) Sentinel() error {
	switch c {
	case SpeechErrorPermission:
		return ErrPermissionDenied
	case SpeechErrorNetwork:
		return ErrNetwork
	case SpeechErrorAudio:
		return ErrDeviceUnavailable
	case SpeechErrorBrowser:
		return ErrUnsupportedEnvironment
	case SpeechErrorNone:
		return nil
	default:
		return ErrUnknown
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		if base > cap {
			return cap
		}
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
