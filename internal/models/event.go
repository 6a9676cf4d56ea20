package models

import "time"

// ExternalEvent is a calendar entry as reported by a provider adapter.
// It is the only shape adapters hand to the rest of the system.
type ExternalEvent struct {
	ID          string    // Provider-assigned identifier, stable across fetches
	Title       string    // Summary or title of the event
	Start       time.Time // Start instant
	End         time.Time // End instant
	Description string
	Location    string
	Attendees   []string // Attendee emails
}

// Snapshot converts the event into the stored snapshot form.
func (e ExternalEvent) Snapshot() EventSnapshot {
	return EventSnapshot{
		Title:       e.Title,
		Start:       e.Start.UTC(),
		End:         e.End.UTC(),
		Description: e.Description,
		Location:    e.Location,
		Attendees:   e.Attendees,
	}
}

// EventSnapshot is the copy of an external event kept on a SyncEvent row.
// It is persisted as a single JSON blob.
type EventSnapshot struct {
	Title       string    `json:"title"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	Attendees   []string  `json:"attendees,omitempty"`
}

// SyncDirection records which way an event travelled.
type SyncDirection string

const (
	SyncDirectionImport        SyncDirection = "import"
	SyncDirectionExport        SyncDirection = "export"
	SyncDirectionBidirectional SyncDirection = "bidirectional"
)

// Outbound reports whether the event originated from the coach's own schedule.
func (d SyncDirection) Outbound() bool {
	return d == SyncDirectionExport || d == SyncDirectionBidirectional
}

// SyncStatus is the outcome of the last write of a SyncEvent.
type SyncStatus string

const (
	SyncStatusSuccess SyncStatus = "success"
	SyncStatusFailed  SyncStatus = "failed"
	SyncStatusPending SyncStatus = "pending"
)

// SyncEvent is the internal shadow of one external calendar entry.
// (IntegrationID, ExternalEventID) is unique.
type SyncEvent struct {
	ID              string
	IntegrationID   string
	ExternalEventID string
	AppointmentID   *string // set when the event was exported from an appointment
	Snapshot        EventSnapshot
	Direction       SyncDirection
	Status          SyncStatus
	ErrorMessage    *string
	LastSyncedAt    time.Time
	CreatedAt       time.Time
}
