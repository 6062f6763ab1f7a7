package reliability

import "errors"

// Error taxonomy shared by the capture, speech and panel subsystems.
var (
	ErrPermissionDenied       = errors.New("permission denied")
	ErrDeviceUnavailable      = errors.New("device unavailable")
	ErrNetwork                = errors.New("network error")
	ErrUnsupportedEnvironment = errors.New("unsupported environment")
	ErrNoActiveSession        = errors.New("no active session")
	ErrCaptureUnavailable     = errors.New("capture unavailable")
	ErrUnknown                = errors.New("unknown error")
)

// Code returns a stable snake_case code for taxonomy errors, used in API payloads
// and metric labels.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrPermissionDenied):
		return "permission_denied"
	case errors.Is(err, ErrDeviceUnavailable):
		return "device_unavailable"
	case errors.Is(err, ErrNetwork):
		return "network_error"
	case errors.Is(err, ErrUnsupportedEnvironment):
		return "unsupported_environment"
	case errors.Is(err, ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, ErrCaptureUnavailable):
		return "capture_unavailable"
	default:
		return "unknown"
	}
}
