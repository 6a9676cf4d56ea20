// Package conflicts finds double booked time ranges across a coach's
// schedule sources and drives their manual resolution.
package conflicts

import (
	"coachsync/internal/models"
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// AppointmentSource is the Source of entries that come from the coach's own
// appointment book.
const AppointmentSource = "appointments"

// Store is the read side the detector needs.
type Store interface {
	ListAppointments(ctx context.Context, coachID, fromDate, toDate string) ([]models.Appointment, error)
	ListIntegrations(ctx context.Context, coachID string, activeOnly bool) ([]models.Integration, error)
	ListSyncEvents(ctx context.Context, integrationID string) ([]models.SyncEvent, error)
}

// Detector computes conflicts on demand. It never writes.
type Detector struct {
	logger *slog.Logger
	store  Store
	loc    *time.Location
}

// NewDetector creates a Detector. loc is the zone appointment wall clock
// times are expressed in.
func NewDetector(logger *slog.Logger, store Store, loc *time.Location) *Detector {
	if loc == nil {
		loc = time.UTC
	}
	return &Detector{logger: logger, store: store, loc: loc}
}

// entry is a schedule interval plus what the pairing logic needs to know
// about where it came from.
type entry struct {
	models.ScheduleEntry
	appointmentID string // for exported rows, the appointment they mirror
}

func (e entry) isAppointment() bool {
	return e.Source == AppointmentSource
}

// Detect returns every strict overlap between entries of different sources
// starting in [start, end). The result is sorted and identical across calls
// with unchanged data.
func (d *Detector) Detect(ctx context.Context, coachID string, start, end time.Time) ([]models.Conflict, error) {
	entries, err := d.collect(ctx, coachID, start, end)
	if err != nil {
		return nil, err
	}

	var out []models.Conflict
	for i := 0; i < len(entries); i++ {
		for j := i + 1; j < len(entries); j++ {
			if c, ok := pair(entries[i], entries[j]); ok {
				out = append(out, c)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if !a.Subject.Start.Equal(b.Subject.Start) {
			return a.Subject.Start.Before(b.Subject.Start)
		}
		if !a.Occupant.Start.Equal(b.Occupant.Start) {
			return a.Occupant.Start.Before(b.Occupant.Start)
		}
		return a.Fingerprint() < b.Fingerprint()
	})

	d.logger.Debug("Detected conflicts", "coachID", coachID, "entries", len(entries), "conflicts", len(out))
	return out, nil
}

func (d *Detector) collect(ctx context.Context, coachID string, start, end time.Time) ([]entry, error) {
	inWindow := func(t time.Time) bool {
		return !t.Before(start) && t.Before(end)
	}

	appointments, err := d.store.ListAppointments(ctx, coachID,
		start.In(d.loc).Format(models.DateLayout), end.In(d.loc).Format(models.DateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	var entries []entry
	for _, appt := range appointments {
		if appt.Status == models.AppointmentStatusCancelled {
			continue
		}
		s, e, err := appt.Interval(d.loc)
		if err != nil {
			d.logger.Warn("Skipping appointment with unparseable time", "appointmentID", appt.ID, "error", err)
			continue
		}
		if !inWindow(s) || !e.After(s) {
			continue
		}
		entries = append(entries, entry{ScheduleEntry: models.ScheduleEntry{
			ID:       appt.ID,
			Title:    appt.Title,
			Start:    s,
			End:      e,
			Provider: models.ProviderInternal,
			Source:   AppointmentSource,
		}})
	}

	integrations, err := d.store.ListIntegrations(ctx, coachID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	for _, rec := range integrations {
		events, err := d.store.ListSyncEvents(ctx, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to list sync events for %s: %w", rec.ID, err)
		}
		for _, ev := range events {
			snap := ev.Snapshot
			if !inWindow(snap.Start) || !snap.End.After(snap.Start) {
				continue
			}
			p := rec.Provider
			if ev.Direction.Outbound() {
				p = models.ProviderInternal
			}
			en := entry{ScheduleEntry: models.ScheduleEntry{
				ID:       ev.ExternalEventID,
				Title:    snap.Title,
				Start:    snap.Start,
				End:      snap.End,
				Provider: p,
				Source:   rec.ID,
			}}
			if ev.AppointmentID != nil {
				en.appointmentID = *ev.AppointmentID
			}
			entries = append(entries, en)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return a.ID < b.ID
	})
	return entries, nil
}

// pair builds the conflict between a and b if they come from different
// sources and strictly overlap.
func pair(a, b entry) (models.Conflict, bool) {
	if a.Source == b.Source {
		return models.Conflict{}, false
	}
	// An exported row is the appointment itself as seen by the provider.
	if (a.isAppointment() && b.appointmentID == a.ID) || (b.isAppointment() && a.appointmentID == b.ID) {
		return models.Conflict{}, false
	}
	// Two integrations carrying exports of the same appointment.
	if a.appointmentID != "" && a.appointmentID == b.appointmentID {
		return models.Conflict{}, false
	}
	overlap := Overlap(a.Start, a.End, b.Start, b.End)
	if overlap <= 0 {
		return models.Conflict{}, false
	}

	c := models.Conflict{
		Type:     models.ConflictTypeExternalEvent,
		Subject:  a.ScheduleEntry,
		Occupant: b.ScheduleEntry,
		Overlap:  overlap,
	}
	if b.isAppointment() {
		c.Subject, c.Occupant = b.ScheduleEntry, a.ScheduleEntry
	}
	if a.isAppointment() || b.isAppointment() {
		c.Type = models.ConflictTypeAppointment
	}

	shorter := a.End.Sub(a.Start)
	if d := b.End.Sub(b.Start); d < shorter {
		shorter = d
	}
	c.Severity = Classify(overlap, shorter)
	for _, e := range []entry{a, b} {
		if !e.isAppointment() && e.Provider == models.ProviderInternal {
			c.Severity = models.SeverityLow
		}
	}
	return c, true
}

// Overlap returns the length of the strict intersection of [aStart, aEnd)
// and [bStart, bEnd), or zero when they only touch or are disjoint.
func Overlap(aStart, aEnd, bStart, bEnd time.Time) time.Duration {
	if !aStart.Before(bEnd) || !bStart.Before(aEnd) {
		return 0
	}
	lo, hi := aStart, aEnd
	if bStart.After(lo) {
		lo = bStart
	}
	if bEnd.Before(hi) {
		hi = bEnd
	}
	return hi.Sub(lo)
}

// Classify ranks an overlap against the shorter of the two intervals: more
// than half is high, anything above zero up to half is medium.
func Classify(overlap, shorter time.Duration) models.Severity {
	if overlap <= 0 {
		return ""
	}
	if 2*overlap > shorter {
		return models.SeverityHigh
	}
	return models.SeverityMedium
}

// Involving returns the conflicts that have source on either side.
func Involving(conflicts []models.Conflict, source string) []models.Conflict {
	var out []models.Conflict
	for _, c := range conflicts {
		if c.Subject.Source == source || c.Occupant.Source == source {
			out = append(out, c)
		}
	}
	return out
}
