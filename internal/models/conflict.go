package models

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// ConflictType says what kind of record a conflict is about.
type ConflictType string

const (
	ConflictTypeAppointment   ConflictType = "appointment"
	ConflictTypeExternalEvent ConflictType = "external_event"
)

// Severity ranks how much of a slot is double booked.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// ScheduleEntry is one side of a conflict.
type ScheduleEntry struct {
	ID       string
	Title    string
	Start    time.Time
	End      time.Time
	Provider Provider
	Source   string // appointment table or integration id
}

// Conflict is a derived overlap between two schedule sources. It is never stored.
type Conflict struct {
	Type     ConflictType
	Subject  ScheduleEntry // the record the conflict is about
	Occupant ScheduleEntry // what is occupying the slot
	Overlap  time.Duration
	Severity Severity
}

// Fingerprint identifies the overlap across detect runs as long as neither
// side moves.
func (c Conflict) Fingerprint() string {
	h := sha1.New()
	for _, e := range []ScheduleEntry{c.Subject, c.Occupant} {
		h.Write([]byte(e.Source))
		h.Write([]byte{0})
		h.Write([]byte(e.ID))
		h.Write([]byte{0})
		h.Write([]byte(e.Start.UTC().Format(time.RFC3339)))
		h.Write([]byte(e.End.UTC().Format(time.RFC3339)))
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
