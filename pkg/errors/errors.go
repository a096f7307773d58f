// Unified error handling for the MMU motion host.
//
// Every user-visible failure is a *HostError carrying an ErrorCode so the
// command layer can distinguish configuration problems, sync misuse,
// travel-limit violations and homing failures without string matching.

package errors

import "fmt"

// ErrorCode represents the category of error.
type ErrorCode string

const (
	// Configuration errors (fatal at bring-up)
	ErrConfigSection    ErrorCode = "CONFIG_SECTION"
	ErrConfigOption     ErrorCode = "CONFIG_OPTION"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"

	// Sync protocol errors
	ErrSyncInvalidTarget ErrorCode = "SYNC_INVALID_TARGET"

	// Move validation errors
	ErrMoveMustHome   ErrorCode = "MOVE_MUST_HOME"
	ErrMoveOutOfRange ErrorCode = "MOVE_OUT_OF_RANGE"

	// Homing errors
	ErrHomingStillTriggered ErrorCode = "HOMING_STILL_TRIGGERED"
	ErrHomingNoTrigger      ErrorCode = "HOMING_NO_TRIGGER"

	// Runtime errors
	ErrRuntime     ErrorCode = "RUNTIME"
	ErrRuntimeInit ErrorCode = "RUNTIME_INIT"
)

// HostError is the unified error type for the host system.
type HostError struct {
	// Code is the error category.
	Code ErrorCode

	// Message is a human-readable error description.
	Message string

	// Section is the config section or component context.
	Section string

	// Option is the config option name (if applicable).
	Option string

	// Err wraps the underlying error.
	Err error

	// Context provides additional key/value context.
	Context map[string]interface{}
}

// Error implements the error interface.
func (e *HostError) Error() string {
	if e.Section != "" {
		return fmt.Sprintf("[%s:%s] %s", e.Code, e.Section, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *HostError) Unwrap() error {
	return e.Err
}

// SetSection sets the context section.
func (e *HostError) SetSection(section string) *HostError {
	e.Section = section
	return e
}

// SetOption sets the config option.
func (e *HostError) SetOption(option string) *HostError {
	e.Option = option
	return e
}

// SetContext adds additional context.
func (e *HostError) SetContext(key string, value interface{}) *HostError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new HostError.
func New(code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message}
}

// Wrap wraps an existing error with a code and message.
func Wrap(err error, code ErrorCode, message string) *HostError {
	return &HostError{Code: code, Message: message, Err: err}
}

// ConfigError creates a fatal configuration error.
func ConfigError(section, message string) *HostError {
	return New(ErrConfigValidation, message).SetSection(section)
}

// ConfigOptionError creates an error for a bad config option.
func ConfigOptionError(section, option, reason string) *HostError {
	return New(ErrConfigOption, fmt.Sprintf("option '%s': %s", option, reason)).
		SetSection(section).
		SetOption(option)
}

// InvalidSyncTarget reports a sync request against a name that does not
// resolve to an extruder-capable collaborator.
func InvalidSyncTarget(name string) *HostError {
	return New(ErrSyncInvalidTarget, fmt.Sprintf("'%s' is not a valid extruder", name)).
		SetContext("target", name)
}

// MustHomeFirst reports a move on an axis whose travel bounds are unknown.
func MustHomeFirst() *HostError {
	return New(ErrMoveMustHome, "must home axis first")
}

// MoveOutOfRange reports a move target outside the configured travel range.
func MoveOutOfRange(pos []float64) *HostError {
	e := New(ErrMoveOutOfRange, fmt.Sprintf("move out of range: %.3v", pos))
	return e.SetContext("end_pos", pos)
}

// StillTriggered reports an endstop that remains triggered after the
// retract-and-rehome pass.
func StillTriggered(endstopName string) *HostError {
	return New(ErrHomingStillTriggered,
		fmt.Sprintf("endstop %s still triggered after retract", endstopName)).
		SetContext("endstop", endstopName)
}

// NoTrigger reports a homing move that completed without any watched
// endstop triggering.
func NoTrigger(endstopName string) *HostError {
	return New(ErrHomingNoTrigger,
		fmt.Sprintf("no trigger on %s after full movement", endstopName)).
		SetContext("endstop", endstopName)
}

// RuntimeError creates a general runtime error.
func RuntimeError(message string) *HostError {
	return New(ErrRuntime, message)
}

// InitError creates an initialization failure error.
func InitError(component, reason string) *HostError {
	return New(ErrRuntimeInit, fmt.Sprintf("failed to initialize %s: %s", component, reason)).
		SetSection(component)
}

// Is checks if err matches the given error code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		if he, ok := err.(*HostError); ok && he.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// IsConfig checks if err is any configuration error.
func IsConfig(err error) bool {
	return Is(err, ErrConfigSection) ||
		Is(err, ErrConfigOption) ||
		Is(err, ErrConfigValidation)
}

// IsTravelLimit checks if err is a move validation error.
func IsTravelLimit(err error) bool {
	return Is(err, ErrMoveMustHome) || Is(err, ErrMoveOutOfRange)
}

// IsHoming checks if err is a homing failure.
func IsHoming(err error) bool {
	return Is(err, ErrHomingStillTriggered) || Is(err, ErrHomingNoTrigger)
}
