// Package provider defines the contract every calendar provider adapter
// implements and the dispatch table the orchestrator selects them from.
package provider

import (
	"coachsync/internal/models"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// DefaultTimeout bounds every outbound provider call.
const DefaultTimeout = 15 * time.Second

// Adapter is one provider's implementation of the normalized calendar contract.
type Adapter interface {
	Provider() models.Provider
	// Validate reports a ConfigurationInvalid error when the integration lacks
	// the calendar id or the credential subset this adapter needs.
	Validate(ctx context.Context, rec *models.Integration) error
	// TestConnection returns false for any auth or network failure. It only
	// returns an error for misconfiguration.
	TestConnection(ctx context.Context, rec *models.Integration) (bool, error)
	// FetchEvents returns timed events starting in [start, end), sorted by start.
	FetchEvents(ctx context.Context, rec *models.Integration, start, end time.Time) ([]models.ExternalEvent, error)
}

// Exporter is implemented by adapters that can write events to the provider.
type Exporter interface {
	ExportEvent(ctx context.Context, rec *models.Integration, event models.ExternalEvent) (string, error)
}

// Export pushes an event through the adapter when it supports writing.
func Export(ctx context.Context, a Adapter, rec *models.Integration, event models.ExternalEvent) (string, error) {
	exporter, ok := a.(Exporter)
	if !ok {
		return "", fmt.Errorf("%s export: %w", a.Provider(), models.ErrAdapterNotImplemented)
	}
	return exporter.ExportEvent(ctx, rec, event)
}

// Updater is implemented by exporters that can move an event they wrote earlier.
type Updater interface {
	UpdateEvent(ctx context.Context, rec *models.Integration, externalID string, event models.ExternalEvent) error
}

// Update rewrites a previously exported event when the adapter supports it.
func Update(ctx context.Context, a Adapter, rec *models.Integration, externalID string, event models.ExternalEvent) error {
	updater, ok := a.(Updater)
	if !ok {
		return fmt.Errorf("%s update: %w", a.Provider(), models.ErrAdapterNotImplemented)
	}
	return updater.UpdateEvent(ctx, rec, externalID, event)
}

// Registry maps a provider to its adapter.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.Provider]Adapter
}

// NewRegistry builds a registry from the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[models.Provider]Adapter, len(adapters))}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its provider.
func (r *Registry) Register(a Adapter) {
	if a == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.Provider()] = a
}

// Adapter returns the adapter for p.
func (r *Registry) Adapter(p models.Provider) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter for provider %q: %w", p, models.ErrAdapterNotImplemented)
	}
	return a, nil
}

// RequireCalendar is the common check every adapter starts with.
func RequireCalendar(rec *models.Integration) error {
	if rec == nil {
		return fmt.Errorf("nil integration: %w", models.ErrConfigurationInvalid)
	}
	if rec.CalendarID == "" {
		return models.Misconfigured(rec.Provider, "calendar id is required")
	}
	return nil
}

// Normalize drops events without a usable interval or whose start falls
// outside [start, end), and sorts the rest by start time.
func Normalize(events []models.ExternalEvent, start, end time.Time) []models.ExternalEvent {
	out := make([]models.ExternalEvent, 0, len(events))
	for _, ev := range events {
		if ev.ID == "" || ev.Start.IsZero() || ev.End.IsZero() || !ev.End.After(ev.Start) {
			continue
		}
		if ev.Start.Before(start) || !ev.Start.Before(end) {
			continue
		}
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start.Equal(out[j].Start) {
			return out[i].ID < out[j].ID
		}
		return out[i].Start.Before(out[j].Start)
	})
	return out
}

// TransportError classifies a failed round trip. Anything that is not
// already a ProviderError is a network failure or timeout.
func TransportError(p models.Provider, err error) error {
	if err == nil {
		return nil
	}
	var pe *models.ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return models.Unreachable(p, err)
}
