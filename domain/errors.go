package domain

import "errors"

// Sentinel errors shared across layers. Wrap them with fmt.Errorf("...: %w", err)
// and check with errors.Is.
var (
	ErrConfig            = errors.New("invalid configuration")
	ErrNoDetectors       = errors.New("no wake detectors available")
	ErrDeviceUnavailable = errors.New("audio device unavailable")

	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInactive = errors.New("session is not active")
	ErrSessionExists   = errors.New("session already exists")
	ErrOutOfOrderChunk = errors.New("chunk out of order")

	ErrNotConnected      = errors.New("upstream not connected")
	ErrFallbackFailed    = errors.New("generative interpretation failed")
	ErrInvalidTransition = errors.New("invalid mode transition")
)

// ErrorCategory groups errors by the layer that should react to them.
type ErrorCategory string

const (
	CategoryConfig         ErrorCategory = "config"
	CategoryTransport      ErrorCategory = "transport"
	CategorySession        ErrorCategory = "session"
	CategoryInterpretation ErrorCategory = "interpretation"
	CategoryDevice         ErrorCategory = "device"
	CategoryUnknown        ErrorCategory = "unknown"
)

// CategoryOf reports the category of err. Errors that match none of the
// sentinels are reported as CategoryUnknown.
func CategoryOf(err error) ErrorCategory {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfig), errors.Is(err, ErrNoDetectors):
		return CategoryConfig
	case errors.Is(err, ErrDeviceUnavailable):
		return CategoryDevice
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrSessionInactive),
		errors.Is(err, ErrSessionExists), errors.Is(err, ErrOutOfOrderChunk):
		return CategorySession
	case errors.Is(err, ErrNotConnected):
		return CategoryTransport
	case errors.Is(err, ErrFallbackFailed):
		return CategoryInterpretation
	default:
		return CategoryUnknown
	}
}

// IsRestartRequired reports whether the client must start a new session
// before sending more audio.
func IsRestartRequired(err error) bool {
	return errors.Is(err, ErrSessionNotFound) || errors.Is(err, ErrSessionInactive)
}
