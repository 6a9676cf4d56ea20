package models

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCredentialsSecretPrefersAPIKey(t *testing.T) {
	assert.Equal(t, "key", Credentials{APIKey: "key", AccessToken: "tok"}.Secret())
	assert.Equal(t, "tok", Credentials{AccessToken: " tok "}.Secret())
	assert.Empty(t, Credentials{RefreshToken: "refresh"}.Secret())
}

func TestIntegrationStatus(t *testing.T) {
	now := time.Now()
	msg := "boom"

	assert.Equal(t, IntegrationStatusInactive, (&Integration{}).Status())
	assert.Equal(t, IntegrationStatusPending, (&Integration{IsActive: true}).Status())
	assert.Equal(t, IntegrationStatusHealthy, (&Integration{IsActive: true, LastSyncAt: &now}).Status())
	assert.Equal(t, IntegrationStatusError, (&Integration{IsActive: true, LastSyncAt: &now, LastError: &msg}).Status())
}

func TestSyncSettingsValidate(t *testing.T) {
	require.NoError(t, DefaultSyncSettings().Validate())

	err := SyncSettings{FrequencyMinutes: 0, ConflictMode: "sometimes"}.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frequency")
	assert.Contains(t, err.Error(), "sometimes")
}

func TestAppointmentInterval(t *testing.T) {
	appt := &Appointment{Date: "2024-01-10", StartTime: "09:30", EndTime: "10:30"}

	start, end, err := appt.Interval(nil)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC), start)
	assert.Equal(t, time.Hour, end.Sub(start))

	_, _, err = (&Appointment{Date: "2024-01-10", StartTime: "9h", EndTime: "10:30"}).Interval(time.UTC)
	assert.Error(t, err)
}

func TestSlotValidate(t *testing.T) {
	assert.NoError(t, Slot{Date: "2024-01-10", StartTime: "11:00", EndTime: "12:00"}.Validate())
	assert.Error(t, Slot{Date: "2024-01-10", StartTime: "12:00", EndTime: "11:00"}.Validate())
	assert.Error(t, Slot{Date: "tomorrow", StartTime: "11:00", EndTime: "12:00"}.Validate())
}

func TestProviderErrorKinds(t *testing.T) {
	rejected := Rejected(ProviderGoogle, 403, "forbidden")
	assert.True(t, errors.Is(rejected, ErrProviderRejected))
	assert.False(t, errors.Is(rejected, ErrProviderUnreachable))
	assert.Contains(t, rejected.Error(), "403")

	cause := errors.New("dial tcp: timeout")
	unreachable := Unreachable(ProviderOutlook, cause)
	assert.True(t, errors.Is(unreachable, ErrProviderUnreachable))
	assert.True(t, errors.Is(unreachable, cause))

	assert.True(t, errors.Is(Misconfigured(ProviderApple, "missing %s", "username"), ErrConfigurationInvalid))
}

func TestConflictFingerprintStable(t *testing.T) {
	start := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)
	c := Conflict{
		Subject:  ScheduleEntry{ID: "a1", Source: "appointments", Start: start, End: start.Add(time.Hour)},
		Occupant: ScheduleEntry{ID: "e1", Source: "int-1", Start: start, End: start.Add(time.Hour)},
	}
	moved := c
	moved.Occupant.Start = start.Add(time.Minute)

	assert.Equal(t, c.Fingerprint(), c.Fingerprint())
	assert.NotEqual(t, c.Fingerprint(), moved.Fingerprint())
	assert.Len(t, c.Fingerprint(), 16)
}
