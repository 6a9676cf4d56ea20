package syncer

import (
	"coachsync/internal/conflicts"
	"coachsync/internal/models"
	"coachsync/internal/provider"
	"coachsync/internal/reconciler"
	"coachsync/internal/store"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultWindowDays  = 30
	DefaultConcurrency = 4
	metadataTimeout    = 5 * time.Second
)

// exportNamespace seeds the deterministic UIDs of exported appointments.
var exportNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("coachsync:appointment"))

// ConflictDetector counts conflicts after a run.
type ConflictDetector interface {
	Detect(ctx context.Context, coachID string, start, end time.Time) ([]models.Conflict, error)
}

// SyncResult summarizes one sync run of one integration.
type SyncResult struct {
	IntegrationID     string
	Provider          models.Provider
	Success           bool
	EventsImported    int
	EventsExported    int
	ConflictsDetected int
	Errors            []string
}

func (r *SyncResult) fail(err error) {
	r.Success = false
	r.Errors = append(r.Errors, err.Error())
}

// Options tunes the orchestrator. Zero values fall back to defaults.
type Options struct {
	WindowDays  int
	Concurrency int
	// Location is the zone appointment times are written in.
	Location *time.Location
}

// Syncer orchestrates fetch, reconciliation and metadata updates for the
// coach's integrations.
type Syncer struct {
	logger     *slog.Logger
	store      store.Store
	adapters   *provider.Registry
	reconciler *reconciler.Reconciler
	detector   ConflictDetector
	windowDays int
	limit      int
	loc        *time.Location
	now        func() time.Time

	// locks serializes runs of the same integration.
	locks sync.Map
}

// NewSyncer creates a new Syncer. detector may be nil.
func NewSyncer(logger *slog.Logger, st store.Store, adapters *provider.Registry, detector ConflictDetector, opts Options) *Syncer {
	if opts.WindowDays <= 0 {
		opts.WindowDays = DefaultWindowDays
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Syncer{
		logger:     logger,
		store:      st,
		adapters:   adapters,
		reconciler: reconciler.New(logger, st),
		detector:   detector,
		windowDays: opts.WindowDays,
		limit:      opts.Concurrency,
		loc:        opts.Location,
		now:        time.Now,
	}
}

// SyncOne runs one sync cycle for an integration. Provider and reconciliation
// failures are reported in the result; only a missing integration or an
// unreadable store returns an error.
func (s *Syncer) SyncOne(ctx context.Context, integrationID string) (SyncResult, error) {
	rec, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return SyncResult{}, err
	}

	mu := s.lockFor(rec.ID)
	mu.Lock()
	defer mu.Unlock()

	s.logger.Info("Starting sync cycle.", "integrationID", rec.ID, "provider", rec.Provider)
	result := SyncResult{IntegrationID: rec.ID, Provider: rec.Provider, Success: true}
	start := s.now().UTC()
	end := start.AddDate(0, 0, s.windowDays)

	adapter, err := s.adapters.Adapter(rec.Provider)
	if err != nil {
		result.fail(err)
	} else {
		if rec.Settings.AutoImport {
			s.importEvents(ctx, adapter, rec, start, end, &result)
		}
		if rec.Settings.AutoExport {
			s.exportAppointments(ctx, adapter, rec, start, end, &result)
		}
	}

	if s.detector != nil && ctx.Err() == nil {
		found, err := s.detector.Detect(ctx, rec.CoachID, start, end)
		if err != nil {
			s.logger.Warn("Conflict detection failed", "integrationID", rec.ID, "error", err)
		} else {
			result.ConflictsDetected = len(conflicts.Involving(found, rec.ID))
		}
	}

	s.recordOutcome(ctx, rec.ID, &result)
	s.logger.Info("Sync cycle finished.", "integrationID", rec.ID, "success", result.Success,
		"imported", result.EventsImported, "exported", result.EventsExported, "conflicts", result.ConflictsDetected)
	return result, nil
}

func (s *Syncer) importEvents(ctx context.Context, adapter provider.Adapter, rec *models.Integration, start, end time.Time, result *SyncResult) {
	events, err := adapter.FetchEvents(ctx, rec, start, end)
	if err != nil {
		s.logger.Error("Could not fetch events", "integrationID", rec.ID, "error", err)
		result.fail(err)
		return
	}
	s.logger.Info("Fetched events.", "integrationID", rec.ID, "count", len(events))

	rr := s.reconciler.Reconcile(ctx, rec, events)
	result.EventsImported = rr.Imported
	if len(rr.Errors) > 0 {
		result.Success = false
		result.Errors = append(result.Errors, rr.Errors...)
	}
}

// exportAppointments pushes the coach's appointments in the window that have
// not been exported to this integration yet.
func (s *Syncer) exportAppointments(ctx context.Context, adapter provider.Adapter, rec *models.Integration, start, end time.Time, result *SyncResult) {
	appts, err := s.store.ListAppointments(ctx, rec.CoachID,
		start.In(s.loc).Format(models.DateLayout), end.In(s.loc).Format(models.DateLayout))
	if err != nil {
		result.fail(fmt.Errorf("failed to list appointments: %w", err))
		return
	}

	for _, appt := range appts {
		if ctx.Err() != nil {
			result.fail(fmt.Errorf("export interrupted: %w", ctx.Err()))
			return
		}
		if appt.Status == models.AppointmentStatusCancelled {
			continue
		}
		apptStart, apptEnd, err := appt.Interval(s.loc)
		if err != nil {
			result.fail(err)
			continue
		}
		if apptStart.Before(start) || !apptStart.Before(end) {
			continue
		}
		event := models.ExternalEvent{
			ID:    ExportUID(appt.ID),
			Title: appt.Title,
			Start: apptStart,
			End:   apptEnd,
		}

		row, err := s.store.GetSyncEventByAppointment(ctx, rec.ID, appt.ID)
		if err == nil {
			if !row.Snapshot.Start.Equal(apptStart) || !row.Snapshot.End.Equal(apptEnd) {
				s.moveExport(ctx, adapter, rec, row, event, result)
			}
			continue
		}
		if !errors.Is(err, models.ErrSyncEventNotFound) {
			result.fail(err)
			continue
		}

		externalID, err := provider.Export(ctx, adapter, rec, event)
		if errors.Is(err, models.ErrAdapterNotImplemented) {
			result.fail(err)
			return
		}
		if err != nil {
			s.logger.Error("Could not export appointment", "integrationID", rec.ID, "appointmentID", appt.ID, "error", err)
			result.fail(err)
			continue
		}
		if err := s.linkExport(ctx, rec.ID, externalID, appt.ID, event); err != nil {
			result.fail(err)
			continue
		}
		result.EventsExported++
	}
}

// moveExport pushes the new time of a rescheduled appointment to the copy
// exported earlier and refreshes the row's snapshot.
func (s *Syncer) moveExport(ctx context.Context, adapter provider.Adapter, rec *models.Integration, row *models.SyncEvent, event models.ExternalEvent, result *SyncResult) {
	if err := provider.Update(ctx, adapter, rec, row.ExternalEventID, event); err != nil {
		s.logger.Error("Could not move exported appointment", "integrationID", rec.ID, "externalID", row.ExternalEventID, "error", err)
		result.fail(err)
		return
	}
	row.Snapshot.Title = event.Title
	row.Snapshot.Start = event.Start.UTC()
	row.Snapshot.End = event.End.UTC()
	row.Status = models.SyncStatusSuccess
	row.ErrorMessage = nil
	row.LastSyncedAt = s.now().UTC()
	if err := s.store.UpdateSyncEvent(ctx, row); err != nil {
		result.fail(err)
		return
	}
	result.EventsExported++
}

func (s *Syncer) linkExport(ctx context.Context, integrationID, externalID, appointmentID string, event models.ExternalEvent) error {
	row := &models.SyncEvent{
		IntegrationID:   integrationID,
		ExternalEventID: externalID,
		AppointmentID:   &appointmentID,
		Snapshot:        event.Snapshot(),
		Direction:       models.SyncDirectionExport,
		Status:          models.SyncStatusSuccess,
		LastSyncedAt:    s.now().UTC(),
	}
	err := s.store.CreateSyncEvent(ctx, row)
	if !errors.Is(err, models.ErrConfigurationInvalid) {
		return err
	}
	// Already imported under the same id: it now travels both ways.
	existing, err := s.store.GetSyncEvent(ctx, integrationID, externalID)
	if err != nil {
		return err
	}
	existing.AppointmentID = &appointmentID
	existing.Direction = models.SyncDirectionBidirectional
	existing.LastSyncedAt = row.LastSyncedAt
	return s.store.UpdateSyncEvent(ctx, existing)
}

// recordOutcome persists last_sync and last_error even when ctx is already
// cancelled or timed out, so a partial run is never silently discarded.
func (s *Syncer) recordOutcome(ctx context.Context, integrationID string, result *SyncResult) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metadataTimeout)
	defer cancel()

	var lastErr *string
	if len(result.Errors) > 0 {
		msg := strings.Join(result.Errors, "; ")
		lastErr = &msg
	}
	if err := s.store.UpdateSyncMetadata(ctx, integrationID, s.now().UTC(), lastErr); err != nil {
		s.logger.Error("Failed to save sync metadata", "integrationID", integrationID, "error", err)
		result.fail(fmt.Errorf("failed to save sync metadata: %w", err))
	}
}

func (s *Syncer) lockFor(id string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// SyncAll runs SyncOne for every active integration of the coach (of every
// coach when coachID is empty). Runs are independent; results keep the list
// order of the integrations.
func (s *Syncer) SyncAll(ctx context.Context, coachID string) ([]SyncResult, error) {
	return s.syncMatching(ctx, coachID, func(models.Integration) bool { return true })
}

// SyncDue is SyncAll restricted to integrations whose sync frequency has
// elapsed since their last run.
func (s *Syncer) SyncDue(ctx context.Context, coachID string) ([]SyncResult, error) {
	now := s.now()
	return s.syncMatching(ctx, coachID, func(rec models.Integration) bool {
		if rec.LastSyncAt == nil {
			return true
		}
		next := rec.LastSyncAt.Add(time.Duration(rec.Settings.FrequencyMinutes) * time.Minute)
		return !now.Before(next)
	})
}

func (s *Syncer) syncMatching(ctx context.Context, coachID string, due func(models.Integration) bool) ([]SyncResult, error) {
	all, err := s.store.ListIntegrations(ctx, coachID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	var recs []models.Integration
	for _, rec := range all {
		if due(rec) {
			recs = append(recs, rec)
		}
	}

	results := make([]SyncResult, len(recs))
	var g errgroup.Group
	g.SetLimit(s.limit)
	for i, rec := range recs {
		g.Go(func() error {
			res, err := s.SyncOne(ctx, rec.ID)
			if err != nil {
				res = SyncResult{IntegrationID: rec.ID, Provider: rec.Provider}
				res.fail(err)
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

// Watch runs SyncDue every interval until ctx is done. report, if set, sees
// each cycle's results.
func (s *Syncer) Watch(ctx context.Context, coachID string, interval time.Duration, report func([]SyncResult)) error {
	if interval <= 0 {
		return fmt.Errorf("%w: watch interval must be positive, got %s", models.ErrConfigurationInvalid, interval)
	}
	s.logger.Info("Starting watcher.", "interval", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		results, err := s.SyncDue(ctx, coachID)
		if err != nil {
			s.logger.Error("Sync cycle failed", "error", err)
		} else if report != nil {
			report(results)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// ExportUID derives the stable provider UID an appointment is exported under.
func ExportUID(appointmentID string) string {
	return uuid.NewSHA1(exportNamespace, []byte(appointmentID)).String()
}
