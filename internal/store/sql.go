package store

import (
	"coachsync/internal/models"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLStore implements Store on database/sql for SQLite and Postgres.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

var _ Store = (*SQLStore)(nil)

func newSQLStore(db *sql.DB, d dialect) *SQLStore {
	return &SQLStore{db: db, dialect: d}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return s.db.QueryRowContext(ctx, s.dialect.rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, s.dialect.rebind(query), args...)
}

// isUniqueViolation reports whether err is a unique constraint failure in
// either dialect.
func isUniqueViolation(err error) bool {
	return isSQLiteUniqueViolation(err) || isPostgresUniqueViolation(err)
}

// timestampLayout is fixed width so stored values sort chronologically as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func parseTime(v string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", v, err)
	}
	return t, nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func mustAffect(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// Integrations

const integrationColumns = `id, coach_id, provider, calendar_id, api_key, access_token, refresh_token,
	username, password, frequency_minutes, auto_import, auto_export, conflict_mode, is_active,
	last_sync_at, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntegration(row rowScanner) (*models.Integration, error) {
	var (
		rec                  models.Integration
		provider, mode       string
		lastSync, lastErr    sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(&rec.ID, &rec.CoachID, &provider, &rec.CalendarID,
		&rec.Credentials.APIKey, &rec.Credentials.AccessToken, &rec.Credentials.RefreshToken,
		&rec.Credentials.Username, &rec.Credentials.Password,
		&rec.Settings.FrequencyMinutes, &rec.Settings.AutoImport, &rec.Settings.AutoExport, &mode,
		&rec.IsActive, &lastSync, &lastErr, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Provider = models.Provider(provider)
	rec.Settings.ConflictMode = models.ConflictMode(mode)
	rec.LastError = stringPtr(lastErr)
	if lastSync.Valid {
		t, err := parseTime(lastSync.String)
		if err != nil {
			return nil, err
		}
		rec.LastSyncAt = &t
	}
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

// CreateIntegration inserts rec, assigning an id and timestamps when unset.
// A second active integration for the same coach, provider and calendar is
// rejected with ErrConfigurationInvalid.
func (s *SQLStore) CreateIntegration(ctx context.Context, rec *models.Integration) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now

	_, err := s.exec(ctx, `INSERT INTO integrations (`+integrationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CoachID, string(rec.Provider), rec.CalendarID,
		rec.Credentials.APIKey, rec.Credentials.AccessToken, rec.Credentials.RefreshToken,
		rec.Credentials.Username, rec.Credentials.Password,
		rec.Settings.FrequencyMinutes, rec.Settings.AutoImport, rec.Settings.AutoExport, string(rec.Settings.ConflictMode),
		rec.IsActive, nullTime(rec.LastSyncAt), nullString(rec.LastError),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("an active %s integration for calendar %q already exists: %w",
				rec.Provider, rec.CalendarID, models.ErrConfigurationInvalid)
		}
		return fmt.Errorf("failed to insert integration: %w", err)
	}
	return nil
}

func (s *SQLStore) GetIntegration(ctx context.Context, id string) (*models.Integration, error) {
	rec, err := scanIntegration(s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("integration %s: %w", id, models.ErrIntegrationNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return rec, nil
}

func (s *SQLStore) ListIntegrations(ctx context.Context, coachID string, activeOnly bool) ([]models.Integration, error) {
	var (
		conds []string
		args  []any
	)
	if coachID != "" {
		conds = append(conds, "coach_id = ?")
		args = append(args, coachID)
	}
	if activeOnly {
		conds = append(conds, "is_active = ?")
		args = append(args, true)
	}
	query := `SELECT ` + integrationColumns + ` FROM integrations`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, id"

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	defer rows.Close()

	var out []models.Integration
	for rows.Next() {
		rec, err := scanIntegration(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan integration: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// FindActiveIntegration returns the active integration for the triple, or
// ErrIntegrationNotFound.
func (s *SQLStore) FindActiveIntegration(ctx context.Context, coachID string, p models.Provider, calendarID string) (*models.Integration, error) {
	rec, err := scanIntegration(s.queryRow(ctx, `SELECT `+integrationColumns+` FROM integrations
		WHERE coach_id = ? AND provider = ? AND calendar_id = ? AND is_active = ?`,
		coachID, string(p), calendarID, true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrIntegrationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up integration: %w", err)
	}
	return rec, nil
}

// UpdateIntegration writes the user editable fields of rec.
func (s *SQLStore) UpdateIntegration(ctx context.Context, rec *models.Integration) error {
	rec.UpdatedAt = time.Now().UTC()
	res, err := s.exec(ctx, `UPDATE integrations SET
		calendar_id = ?, api_key = ?, access_token = ?, refresh_token = ?, username = ?, password = ?,
		frequency_minutes = ?, auto_import = ?, auto_export = ?, conflict_mode = ?, is_active = ?,
		updated_at = ?
		WHERE id = ?`,
		rec.CalendarID, rec.Credentials.APIKey, rec.Credentials.AccessToken, rec.Credentials.RefreshToken,
		rec.Credentials.Username, rec.Credentials.Password,
		rec.Settings.FrequencyMinutes, rec.Settings.AutoImport, rec.Settings.AutoExport, string(rec.Settings.ConflictMode),
		rec.IsActive, formatTime(rec.UpdatedAt), rec.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("an active %s integration for calendar %q already exists: %w",
				rec.Provider, rec.CalendarID, models.ErrConfigurationInvalid)
		}
		return fmt.Errorf("failed to update integration: %w", err)
	}
	return mustAffect(res, fmt.Errorf("integration %s: %w", rec.ID, models.ErrIntegrationNotFound))
}

// UpdateSyncMetadata records the outcome of a sync attempt. A nil lastErr
// clears the previous error.
func (s *SQLStore) UpdateSyncMetadata(ctx context.Context, id string, at time.Time, lastErr *string) error {
	res, err := s.exec(ctx, `UPDATE integrations SET last_sync_at = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		formatTime(at), nullString(lastErr), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update sync metadata: %w", err)
	}
	return mustAffect(res, fmt.Errorf("integration %s: %w", id, models.ErrIntegrationNotFound))
}

// DeleteIntegration removes the integration and every sync event it owns.
func (s *SQLStore) DeleteIntegration(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM sync_events WHERE integration_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete sync events: %w", err)
	}
	res, err := tx.ExecContext(ctx, s.dialect.rebind(`DELETE FROM integrations WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete integration: %w", err)
	}
	if err := mustAffect(res, fmt.Errorf("integration %s: %w", id, models.ErrIntegrationNotFound)); err != nil {
		return err
	}
	return tx.Commit()
}

// Sync events

const syncEventColumns = `id, integration_id, external_event_id, appointment_id, event_data,
	direction, status, error_message, last_synced_at, created_at`

func scanSyncEvent(row rowScanner) (*models.SyncEvent, error) {
	var (
		ev                        models.SyncEvent
		appointmentID, errMessage sql.NullString
		data, direction, status   string
		lastSynced, createdAt     string
	)
	err := row.Scan(&ev.ID, &ev.IntegrationID, &ev.ExternalEventID, &appointmentID, &data,
		&direction, &status, &errMessage, &lastSynced, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), &ev.Snapshot); err != nil {
		return nil, fmt.Errorf("invalid event snapshot for %s: %w", ev.ID, err)
	}
	ev.AppointmentID = stringPtr(appointmentID)
	ev.ErrorMessage = stringPtr(errMessage)
	ev.Direction = models.SyncDirection(direction)
	ev.Status = models.SyncStatus(status)
	if ev.LastSyncedAt, err = parseTime(lastSynced); err != nil {
		return nil, err
	}
	if ev.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &ev, nil
}

func (s *SQLStore) getSyncEvent(ctx context.Context, where string, args ...any) (*models.SyncEvent, error) {
	ev, err := scanSyncEvent(s.queryRow(ctx, `SELECT `+syncEventColumns+` FROM sync_events WHERE `+where, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSyncEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync event: %w", err)
	}
	return ev, nil
}

func (s *SQLStore) GetSyncEvent(ctx context.Context, integrationID, externalEventID string) (*models.SyncEvent, error) {
	return s.getSyncEvent(ctx, `integration_id = ? AND external_event_id = ?`, integrationID, externalEventID)
}

func (s *SQLStore) GetSyncEventByAppointment(ctx context.Context, integrationID, appointmentID string) (*models.SyncEvent, error) {
	return s.getSyncEvent(ctx, `integration_id = ? AND appointment_id = ?`, integrationID, appointmentID)
}

// CreateSyncEvent inserts ev. A duplicate (integration, external id) pair is
// reported as ErrConfigurationInvalid so callers can fall back to an update.
func (s *SQLStore) CreateSyncEvent(ctx context.Context, ev *models.SyncEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	data, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode event snapshot: %w", err)
	}
	_, err = s.exec(ctx, `INSERT INTO sync_events (`+syncEventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.IntegrationID, ev.ExternalEventID, nullString(ev.AppointmentID), string(data),
		string(ev.Direction), string(ev.Status), nullString(ev.ErrorMessage),
		formatTime(ev.LastSyncedAt), formatTime(ev.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("sync event %s/%s already exists: %w", ev.IntegrationID, ev.ExternalEventID, models.ErrConfigurationInvalid)
		}
		return fmt.Errorf("failed to insert sync event: %w", err)
	}
	return nil
}

// UpdateSyncEvent rewrites the mutable fields of the row keyed by
// (integration, external id).
func (s *SQLStore) UpdateSyncEvent(ctx context.Context, ev *models.SyncEvent) error {
	data, err := json.Marshal(ev.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode event snapshot: %w", err)
	}
	res, err := s.exec(ctx, `UPDATE sync_events SET
		appointment_id = ?, event_data = ?, direction = ?, status = ?, error_message = ?, last_synced_at = ?
		WHERE integration_id = ? AND external_event_id = ?`,
		nullString(ev.AppointmentID), string(data), string(ev.Direction), string(ev.Status),
		nullString(ev.ErrorMessage), formatTime(ev.LastSyncedAt),
		ev.IntegrationID, ev.ExternalEventID)
	if err != nil {
		return fmt.Errorf("failed to update sync event: %w", err)
	}
	return mustAffect(res, models.ErrSyncEventNotFound)
}

func (s *SQLStore) ListSyncEvents(ctx context.Context, integrationID string) ([]models.SyncEvent, error) {
	rows, err := s.query(ctx, `SELECT `+syncEventColumns+` FROM sync_events
		WHERE integration_id = ? ORDER BY external_event_id`, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync events: %w", err)
	}
	defer rows.Close()

	var out []models.SyncEvent
	for rows.Next() {
		ev, err := scanSyncEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync event: %w", err)
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// Appointments

const appointmentColumns = `id, coach_id, title, date, start_time, end_time, status, created_at, updated_at`

func scanAppointment(row rowScanner) (*models.Appointment, error) {
	var (
		appt                 models.Appointment
		status               string
		createdAt, updatedAt string
	)
	err := row.Scan(&appt.ID, &appt.CoachID, &appt.Title, &appt.Date, &appt.StartTime, &appt.EndTime,
		&status, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	appt.Status = models.AppointmentStatus(status)
	if appt.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if appt.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &appt, nil
}

func (s *SQLStore) CreateAppointment(ctx context.Context, appt *models.Appointment) error {
	if appt.ID == "" {
		appt.ID = uuid.NewString()
	}
	if appt.Status == "" {
		appt.Status = models.AppointmentStatusScheduled
	}
	now := time.Now().UTC()
	appt.CreatedAt, appt.UpdatedAt = now, now

	_, err := s.exec(ctx, `INSERT INTO appointments (`+appointmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		appt.ID, appt.CoachID, appt.Title, appt.Date, appt.StartTime, appt.EndTime,
		string(appt.Status), formatTime(appt.CreatedAt), formatTime(appt.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert appointment: %w", err)
	}
	return nil
}

func (s *SQLStore) GetAppointment(ctx context.Context, id string) (*models.Appointment, error) {
	appt, err := scanAppointment(s.queryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("appointment %s: %w", id, models.ErrAppointmentNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load appointment: %w", err)
	}
	return appt, nil
}

func (s *SQLStore) ListAppointments(ctx context.Context, coachID, fromDate, toDate string) ([]models.Appointment, error) {
	query := `SELECT ` + appointmentColumns + ` FROM appointments WHERE coach_id = ?`
	args := []any{coachID}
	if fromDate != "" {
		query += ` AND date >= ?`
		args = append(args, fromDate)
	}
	if toDate != "" {
		query += ` AND date <= ?`
		args = append(args, toDate)
	}
	query += ` ORDER BY date, start_time, id`

	rows, err := s.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	defer rows.Close()

	var out []models.Appointment
	for rows.Next() {
		appt, err := scanAppointment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan appointment: %w", err)
		}
		out = append(out, *appt)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateAppointmentStatus(ctx context.Context, id string, status models.AppointmentStatus) error {
	res, err := s.exec(ctx, `UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update appointment status: %w", err)
	}
	return mustAffect(res, fmt.Errorf("appointment %s: %w", id, models.ErrAppointmentNotFound))
}

func (s *SQLStore) UpdateAppointmentSlot(ctx context.Context, id string, slot models.Slot) error {
	res, err := s.exec(ctx, `UPDATE appointments SET date = ?, start_time = ?, end_time = ?, updated_at = ? WHERE id = ?`,
		slot.Date, slot.StartTime, slot.EndTime, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update appointment slot: %w", err)
	}
	return mustAffect(res, fmt.Errorf("appointment %s: %w", id, models.ErrAppointmentNotFound))
}
