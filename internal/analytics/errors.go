package analytics

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidEvent is matched by every ValidationError.
	ErrInvalidEvent = errors.New("invalid event")

	// ErrStaleEvent is returned by Ingest when an event is older than the
	// window start minus the late tolerance. The event is dropped; the engine
	// is unaffected.
	ErrStaleEvent = errors.New("stale event dropped")

	// ErrInvalidConfig is matched by every ConfigError.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// ValidationError identifies the event field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid event: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidEvent }

// ConfigError identifies the tunable that was rejected at construction.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }
