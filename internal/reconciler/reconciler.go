// Package reconciler merges freshly fetched external events into the stored
// shadow copies of one integration.
package reconciler

import (
	"coachsync/internal/models"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// EventStore is the slice of the store the reconciler writes through.
type EventStore interface {
	GetSyncEvent(ctx context.Context, integrationID, externalEventID string) (*models.SyncEvent, error)
	CreateSyncEvent(ctx context.Context, ev *models.SyncEvent) error
	UpdateSyncEvent(ctx context.Context, ev *models.SyncEvent) error
}

// Result summarizes one reconciliation batch.
type Result struct {
	Imported int
	Errors   []string
}

// Reconciler upserts external events keyed by (integration, external id).
type Reconciler struct {
	logger *slog.Logger
	store  EventStore
	now    func() time.Time
}

// New creates a Reconciler.
func New(logger *slog.Logger, store EventStore) *Reconciler {
	return &Reconciler{logger: logger, store: store, now: time.Now}
}

// Reconcile writes every event of the batch. The provider is the source of
// truth, so an existing row's snapshot is overwritten, never merged. A failing
// event is recorded in the result and the rest of the batch continues; only
// cancellation stops the loop early.
func (r *Reconciler) Reconcile(ctx context.Context, rec *models.Integration, events []models.ExternalEvent) Result {
	var res Result
	for _, ev := range events {
		if err := ctx.Err(); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("reconciliation interrupted: %v", err))
			break
		}
		if err := r.upsert(ctx, rec.ID, ev); err != nil {
			r.logger.Error("Failed to reconcile event", "integrationID", rec.ID, "externalID", ev.ID, "error", err)
			res.Errors = append(res.Errors, fmt.Sprintf("event %s: %v", ev.ID, err))
			continue
		}
		res.Imported++
	}
	r.logger.Info("Reconciled events", "integrationID", rec.ID, "imported", res.Imported, "errors", len(res.Errors))
	return res
}

func (r *Reconciler) upsert(ctx context.Context, integrationID string, ev models.ExternalEvent) error {
	now := r.now().UTC()
	existing, err := r.store.GetSyncEvent(ctx, integrationID, ev.ID)
	switch {
	case errors.Is(err, models.ErrSyncEventNotFound):
		created := &models.SyncEvent{
			IntegrationID:   integrationID,
			ExternalEventID: ev.ID,
			Snapshot:        ev.Snapshot(),
			Direction:       models.SyncDirectionImport,
			Status:          models.SyncStatusSuccess,
			LastSyncedAt:    now,
		}
		err := r.store.CreateSyncEvent(ctx, created)
		if !errors.Is(err, models.ErrConfigurationInvalid) {
			return err
		}
		// Lost an insert race with a concurrent run; the row exists now.
		existing, err = r.store.GetSyncEvent(ctx, integrationID, ev.ID)
		if err != nil {
			return err
		}
	case err != nil:
		return err
	}

	existing.Snapshot = ev.Snapshot()
	existing.Status = models.SyncStatusSuccess
	existing.ErrorMessage = nil
	existing.LastSyncedAt = now
	if existing.Direction == models.SyncDirectionExport {
		existing.Direction = models.SyncDirectionBidirectional
	}
	return r.store.UpdateSyncEvent(ctx, existing)
}
