package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Timestamps are stored as RFC 3339 text in both dialects so rows scan the
// same way regardless of driver.
var schemaTables = []string{
	`CREATE TABLE IF NOT EXISTS integrations (
		id                TEXT PRIMARY KEY,
		coach_id          TEXT NOT NULL,
		provider          TEXT NOT NULL,
		calendar_id       TEXT NOT NULL,
		api_key           TEXT NOT NULL DEFAULT '',
		access_token      TEXT NOT NULL DEFAULT '',
		refresh_token     TEXT NOT NULL DEFAULT '',
		username          TEXT NOT NULL DEFAULT '',
		password          TEXT NOT NULL DEFAULT '',
		frequency_minutes INTEGER NOT NULL,
		auto_import       BOOLEAN NOT NULL,
		auto_export       BOOLEAN NOT NULL,
		conflict_mode     TEXT NOT NULL,
		is_active         BOOLEAN NOT NULL,
		last_sync_at      TEXT,
		last_error        TEXT,
		created_at        TEXT NOT NULL,
		updated_at        TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sync_events (
		id                TEXT PRIMARY KEY,
		integration_id    TEXT NOT NULL REFERENCES integrations(id) ON DELETE CASCADE,
		external_event_id TEXT NOT NULL,
		appointment_id    TEXT,
		event_data        TEXT NOT NULL,
		direction         TEXT NOT NULL,
		status            TEXT NOT NULL,
		error_message     TEXT,
		last_synced_at    TEXT NOT NULL,
		created_at        TEXT NOT NULL,
		UNIQUE (integration_id, external_event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS appointments (
		id         TEXT PRIMARY KEY,
		coach_id   TEXT NOT NULL,
		title      TEXT NOT NULL DEFAULT '',
		date       TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time   TEXT NOT NULL,
		status     TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
}

var schemaIndexes = []string{
	`CREATE INDEX IF NOT EXISTS idx_integrations_coach ON integrations(coach_id)`,
	`CREATE INDEX IF NOT EXISTS idx_sync_events_appointment ON sync_events(integration_id, appointment_id)`,
	`CREATE INDEX IF NOT EXISTS idx_appointments_coach_date ON appointments(coach_id, date)`,
}

// dialect carries what differs between the SQLite and Postgres renditions.
type dialect struct {
	name string
	// activeIndex enforces one active integration per (coach, provider, calendar).
	activeIndex string
	numbered    bool
}

var (
	sqliteDialect = dialect{
		name:        "sqlite",
		activeIndex: `CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_active ON integrations(coach_id, provider, calendar_id) WHERE is_active = 1`,
	}
	postgresDialect = dialect{
		name:        "postgres",
		activeIndex: `CREATE UNIQUE INDEX IF NOT EXISTS idx_integrations_active ON integrations(coach_id, provider, calendar_id) WHERE is_active`,
		numbered:    true,
	}
)

// rebind rewrites ? placeholders into $n for dialects that number them.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// initSchema creates the tables and indexes if they don't exist.
func initSchema(ctx context.Context, db *sql.DB, d dialect) error {
	statements := append(append([]string{}, schemaTables...), schemaIndexes...)
	statements = append(statements, d.activeIndex)
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize %s schema: %w", d.name, err)
		}
	}
	return nil
}
