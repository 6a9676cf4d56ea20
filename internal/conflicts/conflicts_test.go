package conflicts

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

var (
	windowStart = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	windowEnd   = windowStart.AddDate(0, 0, 1)
)

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  store.Store
	google *models.Integration
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "conflicts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	f := &fixture{t: t, ctx: context.Background(), store: s}
	f.google = f.integration(models.ProviderGoogle, "primary")
	f.event(f.google, "ext1", "Gym", "2024-01-10T09:00:00Z", "2024-01-10T10:00:00Z", models.SyncDirectionImport, nil)
	return f
}

func (f *fixture) integration(p models.Provider, calendar string) *models.Integration {
	rec := &models.Integration{
		CoachID:     "coach-1",
		Provider:    p,
		CalendarID:  calendar,
		Credentials: models.Credentials{AccessToken: "tok"},
		Settings:    models.DefaultSyncSettings(),
		IsActive:    true,
	}
	require.NoError(f.t, f.store.CreateIntegration(f.ctx, rec))
	return rec
}

func (f *fixture) event(rec *models.Integration, id, title, start, end string, dir models.SyncDirection, apptID *string) {
	s, err := time.Parse(time.RFC3339, start)
	require.NoError(f.t, err)
	e, err := time.Parse(time.RFC3339, end)
	require.NoError(f.t, err)
	require.NoError(f.t, f.store.CreateSyncEvent(f.ctx, &models.SyncEvent{
		IntegrationID:   rec.ID,
		ExternalEventID: id,
		AppointmentID:   apptID,
		Snapshot:        models.EventSnapshot{Title: title, Start: s, End: e},
		Direction:       dir,
		Status:          models.SyncStatusSuccess,
		LastSyncedAt:    time.Now(),
	}))
}

func (f *fixture) appointment(start, end string) *models.Appointment {
	appt := &models.Appointment{CoachID: "coach-1", Title: "Session", Date: "2024-01-10", StartTime: start, EndTime: end}
	require.NoError(f.t, f.store.CreateAppointment(f.ctx, appt))
	return appt
}

func (f *fixture) detect() []models.Conflict {
	out, err := NewDetector(testLogger(), f.store, time.UTC).Detect(f.ctx, "coach-1", windowStart, windowEnd)
	require.NoError(f.t, err)
	return out
}

func TestDetectHalfOverlapIsMedium(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment("09:30", "10:30")

	got := f.detect()
	require.Len(t, got, 1)
	c := got[0]
	assert.Equal(t, models.ConflictTypeAppointment, c.Type)
	assert.Equal(t, appt.ID, c.Subject.ID)
	assert.Equal(t, "ext1", c.Occupant.ID)
	assert.Equal(t, models.ProviderGoogle, c.Occupant.Provider)
	assert.Equal(t, 30*time.Minute, c.Overlap)
	assert.Equal(t, models.SeverityMedium, c.Severity)

	// Detect is a pure read.
	assert.Equal(t, got, f.detect())
}

func TestDetectExcludesCancelledAppointments(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment("09:30", "10:30")
	require.NoError(t, f.store.UpdateAppointmentStatus(f.ctx, appt.ID, models.AppointmentStatusCancelled))

	assert.Empty(t, f.detect())
}

func TestDetectIgnoresBackToBack(t *testing.T) {
	f := newFixture(t)
	f.appointment("10:00", "11:00")
	f.appointment("08:00", "09:00")

	assert.Empty(t, f.detect())
}

func TestDetectMostlyOverlappingIsHigh(t *testing.T) {
	f := newFixture(t)
	f.appointment("09:15", "10:15")

	got := f.detect()
	require.Len(t, got, 1)
	assert.Equal(t, 45*time.Minute, got[0].Overlap)
	assert.Equal(t, models.SeverityHigh, got[0].Severity)
}

func TestDetectAcrossProvidersAndOwnCalendar(t *testing.T) {
	f := newFixture(t)
	outlook := f.integration(models.ProviderOutlook, "primary")
	f.event(outlook, "ol-1", "Dentist", "2024-01-10T09:45:00Z", "2024-01-10T11:00:00Z", models.SyncDirectionImport, nil)

	apple := f.integration(models.ProviderApple, "Coaching")
	f.event(apple, "exported", "Session", "2024-01-10T09:50:00Z", "2024-01-10T10:20:00Z", models.SyncDirectionExport, nil)

	// Same calendar pairs never conflict.
	f.event(f.google, "ext2", "Lunch", "2024-01-10T09:30:00Z", "2024-01-10T10:30:00Z", models.SyncDirectionImport, nil)

	got := f.detect()
	byPair := map[[2]string]models.Conflict{}
	for _, c := range got {
		assert.Equal(t, models.ConflictTypeExternalEvent, c.Type)
		byPair[[2]string{c.Subject.ID, c.Occupant.ID}] = c
	}
	require.Len(t, byPair, 5)

	assert.Equal(t, models.SeverityMedium, byPair[[2]string{"ext1", "ol-1"}].Severity)
	assert.Equal(t, models.SeverityLow, byPair[[2]string{"ext1", "exported"}].Severity)
	assert.Equal(t, models.ProviderInternal, byPair[[2]string{"ext1", "exported"}].Occupant.Provider)
	assert.Equal(t, models.SeverityHigh, byPair[[2]string{"ext2", "ol-1"}].Severity)
	assert.Equal(t, models.SeverityLow, byPair[[2]string{"ol-1", "exported"}].Severity)
	assert.Equal(t, models.SeverityLow, byPair[[2]string{"ext2", "exported"}].Severity)

	assert.Len(t, Involving(got, outlook.ID), 3)
}

func TestDetectSkipsExportOfSameAppointment(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment("12:00", "13:00")
	apple := f.integration(models.ProviderApple, "Coaching")
	f.event(apple, "appt-uid", "Session", "2024-01-10T12:00:00Z", "2024-01-10T13:00:00Z", models.SyncDirectionExport, &appt.ID)

	assert.Empty(t, f.detect())
}

func TestDetectSkipsExportsOfOneAppointmentToSeveralCalendars(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment("13:00", "14:00")
	outlook := f.integration(models.ProviderOutlook, "work")
	f.event(f.google, "exp-g", "Session", "2024-01-10T13:00:00Z", "2024-01-10T14:00:00Z", models.SyncDirectionExport, &appt.ID)
	f.event(outlook, "exp-o", "Session", "2024-01-10T13:00:00Z", "2024-01-10T14:00:00Z", models.SyncDirectionBidirectional, &appt.ID)

	assert.Empty(t, f.detect())

	// A different appointment's export still collides with the shared slot.
	other := "another-appointment"
	f.event(outlook, "exp-x", "Review", "2024-01-10T13:30:00Z", "2024-01-10T14:30:00Z", models.SyncDirectionExport, &other)
	got := f.detect()
	// exp-x against the appointment and against exp-g; exp-o shares its calendar.
	require.Len(t, got, 2)
	for _, c := range got {
		assert.Equal(t, models.SeverityLow, c.Severity)
	}
}

func TestDetectSkipsInactiveIntegrations(t *testing.T) {
	f := newFixture(t)
	f.appointment("09:30", "10:30")
	f.google.IsActive = false
	require.NoError(t, f.store.UpdateIntegration(f.ctx, f.google))

	assert.Empty(t, f.detect())
}

func TestClassifyBoundaries(t *testing.T) {
	assert.Equal(t, models.SeverityMedium, Classify(30*time.Minute, time.Hour))
	assert.Equal(t, models.SeverityHigh, Classify(31*time.Minute, time.Hour))
	assert.Equal(t, models.SeverityMedium, Classify(time.Minute, time.Hour))
	assert.Equal(t, models.Severity(""), Classify(0, time.Hour))
}

func TestOverlap(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 1, 10, h, m, 0, 0, time.UTC) }

	assert.Equal(t, 30*time.Minute, Overlap(at(9, 0), at(10, 0), at(9, 30), at(10, 30)))
	assert.Equal(t, 30*time.Minute, Overlap(at(9, 30), at(10, 30), at(9, 0), at(10, 0)))
	assert.Equal(t, time.Hour, Overlap(at(8, 0), at(12, 0), at(9, 0), at(10, 0)))
	assert.Zero(t, Overlap(at(9, 0), at(10, 0), at(10, 0), at(11, 0)))
	assert.Zero(t, Overlap(at(9, 0), at(10, 0), at(11, 0), at(12, 0)))
}

type recordingWriter struct {
	statuses map[string]models.AppointmentStatus
	slots    map[string]models.Slot
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{statuses: map[string]models.AppointmentStatus{}, slots: map[string]models.Slot{}}
}

func (w *recordingWriter) UpdateAppointmentStatus(_ context.Context, id string, status models.AppointmentStatus) error {
	w.statuses[id] = status
	return nil
}

func (w *recordingWriter) UpdateAppointmentSlot(_ context.Context, id string, slot models.Slot) error {
	w.slots[id] = slot
	return nil
}

func sampleConflict(typ models.ConflictType) models.Conflict {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	return models.Conflict{
		Type:     typ,
		Subject:  models.ScheduleEntry{ID: "appt-1", Start: start.Add(30 * time.Minute), End: start.Add(90 * time.Minute), Source: AppointmentSource},
		Occupant: models.ScheduleEntry{ID: "ext1", Start: start, End: start.Add(time.Hour), Source: "int-1"},
		Overlap:  30 * time.Minute,
		Severity: models.SeverityMedium,
	}
}

func TestSessionCancel(t *testing.T) {
	ctx := context.Background()
	w := newRecordingWriter()
	s := NewSession(testLogger(), w)
	c := sampleConflict(models.ConflictTypeAppointment)

	require.NoError(t, s.Cancel(ctx, c))
	assert.Equal(t, models.AppointmentStatusCancelled, w.statuses["appt-1"])
	assert.Equal(t, StateCancelled, s.State(c))

	err := s.Cancel(ctx, c)
	assert.True(t, errors.Is(err, models.ErrConflictResolved))
	err = s.Ignore(c)
	assert.True(t, errors.Is(err, models.ErrConflictResolved))
}

func TestSessionRejectsExternalEventCancel(t *testing.T) {
	w := newRecordingWriter()
	s := NewSession(testLogger(), w)
	c := sampleConflict(models.ConflictTypeExternalEvent)

	err := s.Cancel(context.Background(), c)
	assert.True(t, errors.Is(err, models.ErrUnsupportedConflictType))
	assert.Empty(t, w.statuses)
	assert.Equal(t, StateOpen, s.State(c))
}

func TestSessionRescheduleNeedsSlot(t *testing.T) {
	ctx := context.Background()
	w := newRecordingWriter()
	s := NewSession(testLogger(), w)
	c := sampleConflict(models.ConflictTypeAppointment)

	err := s.Reschedule(ctx, c, nil)
	assert.True(t, errors.Is(err, models.ErrNoReplacementSlot))
	assert.Empty(t, w.slots)
	assert.Equal(t, StateOpen, s.State(c))

	err = s.Reschedule(ctx, c, &models.Slot{Date: "2024-01-10", StartTime: "12:00", EndTime: "11:00"})
	assert.Error(t, err)
	assert.Empty(t, w.slots)

	slot := models.Slot{Date: "2024-01-10", StartTime: "11:00", EndTime: "12:00"}
	require.NoError(t, s.Resolve(ctx, c, ActionReschedule, &slot))
	assert.Equal(t, slot, w.slots["appt-1"])
	assert.Equal(t, StateRescheduled, s.State(c))
}

func TestSessionIgnoreIsNotPersistent(t *testing.T) {
	w := newRecordingWriter()
	c := sampleConflict(models.ConflictTypeAppointment)
	other := sampleConflict(models.ConflictTypeExternalEvent)
	other.Occupant.ID = "ext2"

	s := NewSession(testLogger(), w)
	require.NoError(t, s.Ignore(c))
	assert.Equal(t, []models.Conflict{other}, s.Filter([]models.Conflict{c, other}))
	assert.Empty(t, w.statuses)

	fresh := NewSession(testLogger(), w)
	assert.Len(t, fresh.Filter([]models.Conflict{c, other}), 2)
}

func TestCancelRemovesConflictOnNextDetect(t *testing.T) {
	f := newFixture(t)
	f.appointment("09:30", "10:30")

	got := f.detect()
	require.Len(t, got, 1)
	found, ok := Find(got, got[0].Fingerprint())
	require.True(t, ok)

	require.NoError(t, NewSession(testLogger(), f.store).Resolve(f.ctx, found, ActionCancel, nil))
	assert.Empty(t, f.detect())
}

func TestParseAction(t *testing.T) {
	a, err := ParseAction(" Cancel ")
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, a)

	_, err = ParseAction("delete")
	assert.True(t, errors.Is(err, models.ErrConfigurationInvalid))
}
