// Package integrations is the entry point for managing a coach's calendar
// integrations.
package integrations

import (
	"coachsync/internal/models"
	"coachsync/internal/provider"
	"coachsync/internal/store"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.uber.org/multierr"
)

// SyncFunc runs the first sync of a newly registered integration.
type SyncFunc func(ctx context.Context, integrationID string) error

// RegisterRequest carries the user supplied fields of a new integration.
type RegisterRequest struct {
	CoachID     string
	Provider    models.Provider
	CalendarID  string
	Credentials models.Credentials
	// Settings defaults to models.DefaultSyncSettings when nil.
	Settings *models.SyncSettings
}

// Service validates integrations against their provider before storing them.
type Service struct {
	logger    *slog.Logger
	store     store.Store
	adapters  *provider.Registry
	firstSync SyncFunc
}

// NewService creates a Service. firstSync may be nil.
func NewService(logger *slog.Logger, st store.Store, adapters *provider.Registry, firstSync SyncFunc) *Service {
	return &Service{logger: logger, store: st, adapters: adapters, firstSync: firstSync}
}

// Register validates the request, checks connectivity and stores the
// integration as active. Any validation failure is ErrConfigurationInvalid
// and nothing is persisted. A first sync runs afterwards; its failure only
// shows up in the integration's last error.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*models.Integration, error) {
	settings := models.DefaultSyncSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}
	rec := &models.Integration{
		CoachID:     strings.TrimSpace(req.CoachID),
		Provider:    models.Provider(strings.ToLower(strings.TrimSpace(string(req.Provider)))),
		CalendarID:  strings.TrimSpace(req.CalendarID),
		Credentials: req.Credentials,
		Settings:    settings,
		IsActive:    true,
	}

	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	switch _, err := s.store.FindActiveIntegration(ctx, rec.CoachID, rec.Provider, rec.CalendarID); {
	case err == nil:
		return nil, fmt.Errorf("an active %s integration for calendar %q already exists: %w",
			rec.Provider, rec.CalendarID, models.ErrConfigurationInvalid)
	case !errors.Is(err, models.ErrIntegrationNotFound):
		return nil, err
	}
	if err := s.checkConnection(ctx, rec); err != nil {
		return nil, err
	}

	if err := s.store.CreateIntegration(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("Registered integration", "integrationID", rec.ID, "coachID", rec.CoachID, "provider", rec.Provider)

	if s.firstSync != nil {
		if err := s.firstSync(ctx, rec.ID); err != nil {
			s.logger.Warn("First sync failed", "integrationID", rec.ID, "error", err)
		}
		if fresh, err := s.store.GetIntegration(ctx, rec.ID); err == nil {
			rec = fresh
		}
	}
	return rec, nil
}

// validateRecord collects every static problem with rec.
func validateRecord(rec *models.Integration) error {
	var err error
	if rec.CoachID == "" {
		err = multierr.Append(err, errors.New("coach id is required"))
	}
	if !rec.Provider.IsValid() {
		err = multierr.Append(err, fmt.Errorf("unknown provider %q", rec.Provider))
	}
	if rec.CalendarID == "" {
		err = multierr.Append(err, errors.New("calendar id is required"))
	}
	err = multierr.Append(err, rec.Settings.Validate())
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrConfigurationInvalid, err)
	}
	return nil
}

// checkConnection runs the adapter's credential check and a live
// connectivity test.
func (s *Service) checkConnection(ctx context.Context, rec *models.Integration) error {
	adapter, err := s.adapters.Adapter(rec.Provider)
	if err != nil {
		return fmt.Errorf("%w: %w", models.ErrConfigurationInvalid, err)
	}
	if err := adapter.Validate(ctx, rec); err != nil {
		return err
	}
	ok, err := adapter.TestConnection(ctx, rec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s connection test failed for calendar %q: %w", rec.Provider, rec.CalendarID, models.ErrConfigurationInvalid)
	}
	return nil
}

// Update applies patch. Changes to the calendar or credentials of an active
// integration are re-validated against the provider first.
func (s *Service) Update(ctx context.Context, id string, patch models.IntegrationPatch) (*models.Integration, error) {
	rec, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	patch.Apply(rec)
	if err := validateRecord(rec); err != nil {
		return nil, err
	}
	if rec.IsActive && (patch.CalendarID != nil || patch.Credentials != nil || patch.IsActive != nil) {
		if err := s.checkConnection(ctx, rec); err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateIntegration(ctx, rec); err != nil {
		return nil, err
	}
	s.logger.Info("Updated integration", "integrationID", rec.ID)
	return rec, nil
}

// Deactivate keeps the integration and its events but stops syncing it.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	rec, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return err
	}
	rec.IsActive = false
	if err := s.store.UpdateIntegration(ctx, rec); err != nil {
		return err
	}
	s.logger.Info("Deactivated integration", "integrationID", id)
	return nil
}

// Delete removes the integration and all of its sync events.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.store.DeleteIntegration(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Deleted integration", "integrationID", id)
	return nil
}

// List returns the coach's integrations, active or not.
func (s *Service) List(ctx context.Context, coachID string) ([]models.Integration, error) {
	return s.store.ListIntegrations(ctx, coachID, false)
}

// TestConnection checks a stored integration against its provider.
func (s *Service) TestConnection(ctx context.Context, id string) (bool, error) {
	rec, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return false, err
	}
	adapter, err := s.adapters.Adapter(rec.Provider)
	if err != nil {
		return false, err
	}
	return adapter.TestConnection(ctx, rec)
}
