package models

import (
	"errors"
	"fmt"
)

var (
	ErrConfigurationInvalid    = errors.New("configuration invalid")
	ErrProviderUnreachable     = errors.New("provider unreachable")
	ErrProviderRejected        = errors.New("provider rejected request")
	ErrIntegrationNotFound     = errors.New("integration not found")
	ErrUnsupportedConflictType = errors.New("unsupported conflict type")
	ErrAdapterNotImplemented   = errors.New("adapter capability not implemented")

	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrSyncEventNotFound   = errors.New("sync event not found")
	ErrConflictResolved    = errors.New("conflict already resolved")
	ErrNoReplacementSlot   = errors.New("no replacement slot supplied")
)

// ProviderError is a failed provider call. Kind is ErrProviderRejected or
// ErrProviderUnreachable.
type ProviderError struct {
	Provider   Provider
	Kind       error
	StatusCode int
	Message    string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Provider, e.Kind, e.StatusCode, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Provider, e.Kind, e.Message)
}

func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Rejected builds the error for a non-2xx provider response.
func Rejected(p Provider, status int, message string) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrProviderRejected, StatusCode: status, Message: message}
}

// Unreachable builds the error for a network failure or timeout.
func Unreachable(p Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Kind: ErrProviderUnreachable, Err: err}
}

// Misconfigured wraps a configuration problem found by an adapter.
func Misconfigured(p Provider, format string, args ...any) error {
	return fmt.Errorf("%s: %w: %s", p, ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}
