// Package store persists integrations, their sync events and the coach's
// appointments in a SQL database.
package store

import (
	"coachsync/internal/models"
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Store is the persistence surface the rest of the engine works against.
type Store interface {
	CreateIntegration(ctx context.Context, rec *models.Integration) error
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	// ListIntegrations returns every integration of coachID, or of every coach
	// when coachID is empty.
	ListIntegrations(ctx context.Context, coachID string, activeOnly bool) ([]models.Integration, error)
	FindActiveIntegration(ctx context.Context, coachID string, p models.Provider, calendarID string) (*models.Integration, error)
	UpdateIntegration(ctx context.Context, rec *models.Integration) error
	UpdateSyncMetadata(ctx context.Context, id string, at time.Time, lastErr *string) error
	DeleteIntegration(ctx context.Context, id string) error

	GetSyncEvent(ctx context.Context, integrationID, externalEventID string) (*models.SyncEvent, error)
	GetSyncEventByAppointment(ctx context.Context, integrationID, appointmentID string) (*models.SyncEvent, error)
	CreateSyncEvent(ctx context.Context, ev *models.SyncEvent) error
	UpdateSyncEvent(ctx context.Context, ev *models.SyncEvent) error
	ListSyncEvents(ctx context.Context, integrationID string) ([]models.SyncEvent, error)

	CreateAppointment(ctx context.Context, appt *models.Appointment) error
	GetAppointment(ctx context.Context, id string) (*models.Appointment, error)
	// ListAppointments returns the coach's appointments dated within
	// [fromDate, toDate]. Empty bounds are open.
	ListAppointments(ctx context.Context, coachID, fromDate, toDate string) ([]models.Appointment, error)
	UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus) error
	UpdateAppointmentSlot(ctx context.Context, id string, slot models.Slot) error

	Close() error
}

// Factory opens a store for a DSN of its scheme.
type Factory func(dsn string) (Store, error)

var backends = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

// RegisterBackend makes a factory available to Open under scheme.
func RegisterBackend(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backends.mu.Lock()
	defer backends.mu.Unlock()
	backends.factories[scheme] = factory
}

func lookupBackend(scheme string) (Factory, bool) {
	backends.mu.RLock()
	defer backends.mu.RUnlock()
	factory, ok := backends.factories[normalizeScheme(scheme)]
	return factory, ok
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func init() {
	RegisterBackend("sqlite", openSQLiteDSN)
	RegisterBackend("sqlite3", openSQLiteDSN)
	RegisterBackend("postgres", OpenPostgres)
	RegisterBackend("postgresql", OpenPostgres)
}

// Open selects a backend from the DSN scheme. A DSN without a scheme is a
// SQLite file path.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("database dsn is empty: %w", models.ErrConfigurationInvalid)
	}
	scheme := ""
	if i := strings.Index(dsn, "://"); i > 0 {
		scheme = dsn[:i]
	}
	if scheme == "" {
		return openSQLitePath(dsn)
	}
	factory, ok := lookupBackend(scheme)
	if !ok {
		return nil, fmt.Errorf("unsupported database scheme %q: %w", scheme, models.ErrConfigurationInvalid)
	}
	return factory(dsn)
}

func openSQLiteDSN(dsn string) (Store, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid sqlite dsn: %w", err)
	}
	path := parsed.Host + parsed.Path
	if path == "" {
		path = parsed.Opaque
	}
	if path == "" {
		return nil, fmt.Errorf("sqlite dsn has no path: %w", models.ErrConfigurationInvalid)
	}
	return openSQLitePath(path)
}

func openSQLitePath(path string) (Store, error) {
	s, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	return s, nil
}
