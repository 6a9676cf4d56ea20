package reconciler

import (
	"coachsync/internal/models"
	"coachsync/internal/store"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setup(t *testing.T) (store.Store, *models.Integration) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "reconcile.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	rec := &models.Integration{
		CoachID:     "coach-1",
		Provider:    models.ProviderGoogle,
		CalendarID:  "primary",
		Credentials: models.Credentials{APIKey: "key"},
		Settings:    models.DefaultSyncSettings(),
		IsActive:    true,
	}
	require.NoError(t, s.CreateIntegration(context.Background(), rec))
	return s, rec
}

func gym(title string) models.ExternalEvent {
	return models.ExternalEvent{
		ID:    "ext1",
		Title: title,
		Start: time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 1, 10, 10, 0, 0, 0, time.UTC),
	}
}

func TestReconcileCreatesThenOverwrites(t *testing.T) {
	ctx := context.Background()
	s, rec := setup(t)
	r := New(testLogger(), s)

	first := time.Date(2024, 1, 9, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return first }
	res := r.Reconcile(ctx, rec, []models.ExternalEvent{gym("Gym")})
	assert.Equal(t, 1, res.Imported)
	assert.Empty(t, res.Errors)

	second := first.Add(time.Minute)
	r.now = func() time.Time { return second }
	res = r.Reconcile(ctx, rec, []models.ExternalEvent{gym("Gym with Sam")})
	assert.Equal(t, 1, res.Imported)

	rows, err := s.ListSyncEvents(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Gym with Sam", rows[0].Snapshot.Title)
	assert.Equal(t, models.SyncDirectionImport, rows[0].Direction)
	assert.Equal(t, models.SyncStatusSuccess, rows[0].Status)
	assert.True(t, rows[0].LastSyncedAt.Equal(second))
}

func TestReconcileUpgradesExportedRows(t *testing.T) {
	ctx := context.Background()
	s, rec := setup(t)

	apptID := "appt-1"
	require.NoError(t, s.CreateSyncEvent(ctx, &models.SyncEvent{
		IntegrationID:   rec.ID,
		ExternalEventID: "ext1",
		AppointmentID:   &apptID,
		Snapshot:        gym("Session").Snapshot(),
		Direction:       models.SyncDirectionExport,
		Status:          models.SyncStatusSuccess,
		LastSyncedAt:    time.Now(),
	}))

	res := New(testLogger(), s).Reconcile(ctx, rec, []models.ExternalEvent{gym("Session")})
	assert.Equal(t, 1, res.Imported)

	got, err := s.GetSyncEvent(ctx, rec.ID, "ext1")
	require.NoError(t, err)
	assert.Equal(t, models.SyncDirectionBidirectional, got.Direction)
	require.NotNil(t, got.AppointmentID)
	assert.Equal(t, "appt-1", *got.AppointmentID)
}

// flakyStore fails writes for one external id.
type flakyStore struct {
	EventStore
	failID string
}

func (f *flakyStore) CreateSyncEvent(ctx context.Context, ev *models.SyncEvent) error {
	if ev.ExternalEventID == f.failID {
		return errors.New("database is locked")
	}
	return f.EventStore.CreateSyncEvent(ctx, ev)
}

func TestReconcileContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	s, rec := setup(t)
	r := New(testLogger(), &flakyStore{EventStore: s, failID: "b"})

	events := []models.ExternalEvent{gym("A"), gym("B"), gym("C")}
	events[0].ID, events[1].ID, events[2].ID = "a", "b", "c"

	res := r.Reconcile(ctx, rec, events)
	assert.Equal(t, 2, res.Imported)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "event b")

	rows, err := s.ListSyncEvents(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestReconcileStopsOnCancellation(t *testing.T) {
	s, rec := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := New(testLogger(), s).Reconcile(ctx, rec, []models.ExternalEvent{gym("Gym")})
	assert.Zero(t, res.Imported)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "interrupted")
}
