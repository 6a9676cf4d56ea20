package models

import (
	"fmt"
	"time"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// AppointmentStatus is owned by the booking side; only cancellation is written here.
type AppointmentStatus string

const (
	AppointmentStatusScheduled AppointmentStatus = "scheduled"
	AppointmentStatusConfirmed AppointmentStatus = "confirmed"
	AppointmentStatusCompleted AppointmentStatus = "completed"
	AppointmentStatusCancelled AppointmentStatus = "cancelled"
)

// Appointment is a coach's internally booked session.
// Date is YYYY-MM-DD and the times are HH:MM wall clock in the coach's zone.
type Appointment struct {
	ID        string
	CoachID   string
	Title     string
	Date      string
	StartTime string
	EndTime   string
	Status    AppointmentStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Interval resolves the appointment to absolute instants in loc.
func (a *Appointment) Interval(loc *time.Location) (time.Time, time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	start, err := time.ParseInLocation(DateLayout+" "+TimeLayout, a.Date+" "+a.StartTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid appointment start %q %q: %w", a.Date, a.StartTime, err)
	}
	end, err := time.ParseInLocation(DateLayout+" "+TimeLayout, a.Date+" "+a.EndTime, loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid appointment end %q %q: %w", a.Date, a.EndTime, err)
	}
	return start, end, nil
}

// Slot is a replacement time for an appointment.
type Slot struct {
	Date      string
	StartTime string
	EndTime   string
}

// Validate checks the slot parses and ends after it starts.
func (s Slot) Validate() error {
	candidate := Appointment{Date: s.Date, StartTime: s.StartTime, EndTime: s.EndTime}
	start, end, err := candidate.Interval(time.UTC)
	if err != nil {
		return err
	}
	if !end.After(start) {
		return fmt.Errorf("slot end %s must be after start %s", s.EndTime, s.StartTime)
	}
	return nil
}
