package models

import (
	"errors"
	"strings"
	"time"

	"go.uber.org/multierr"
)

// Provider identifies an external calendar provider.
type Provider string

const (
	ProviderGoogle  Provider = "google"
	ProviderOutlook Provider = "outlook"
	ProviderApple   Provider = "apple"

	// ProviderInternal marks entries that originate from the coach's own schedule.
	// It cannot be registered as an integration.
	ProviderInternal Provider = "internal"
)

var validProviders = map[Provider]bool{
	ProviderGoogle:  true,
	ProviderOutlook: true,
	ProviderApple:   true,
}

// IsValid returns true if the provider can back an integration.
func (p Provider) IsValid() bool {
	return validProviders[p]
}

// ConflictMode is how an integration wants conflicts handled.
type ConflictMode string

const (
	ConflictModeManual         ConflictMode = "manual"
	ConflictModeAutoReschedule ConflictMode = "auto_reschedule"
	ConflictModeAutoBlock      ConflictMode = "auto_block"
)

var validConflictModes = map[ConflictMode]bool{
	ConflictModeManual:         true,
	ConflictModeAutoReschedule: true,
	ConflictModeAutoBlock:      true,
}

// IsValid returns true if the mode is a known value.
func (m ConflictMode) IsValid() bool {
	return validConflictModes[m]
}

// Credentials holds the secret material of an integration. Adapters declare
// which subset they need; none of the fields is required on its own.
type Credentials struct {
	APIKey       string `json:"-"`
	AccessToken  string `json:"-"`
	RefreshToken string `json:"-"`
	Username     string `json:"-"`
	Password     string `json:"-"`
}

// Secret returns the credential used for token style authentication.
// The api key wins over the access token when both are present.
func (c Credentials) Secret() string {
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return k
	}
	return strings.TrimSpace(c.AccessToken)
}

// SyncSettings are the user supplied knobs of an integration.
type SyncSettings struct {
	FrequencyMinutes int          `json:"frequency_minutes"`
	AutoImport       bool         `json:"auto_import"`
	AutoExport       bool         `json:"auto_export"`
	ConflictMode     ConflictMode `json:"conflict_mode"`
}

// DefaultSyncSettings returns the settings used when a caller supplies none.
func DefaultSyncSettings() SyncSettings {
	return SyncSettings{
		FrequencyMinutes: 15,
		AutoImport:       true,
		ConflictMode:     ConflictModeManual,
	}
}

// Validate checks the settings and returns every problem found.
func (s SyncSettings) Validate() error {
	var err error
	if s.FrequencyMinutes <= 0 {
		err = multierr.Append(err, errors.New("sync frequency must be positive"))
	}
	if !s.ConflictMode.IsValid() {
		err = multierr.Append(err, errors.New("unknown conflict resolution mode: "+string(s.ConflictMode)))
	}
	return err
}

// Integration is a configured link between one coach and one external calendar.
type Integration struct {
	ID          string
	CoachID     string
	Provider    Provider
	CalendarID  string
	Credentials Credentials
	Settings    SyncSettings
	IsActive    bool
	LastSyncAt  *time.Time
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IntegrationStatus is the badge shown next to an integration.
type IntegrationStatus string

const (
	IntegrationStatusInactive IntegrationStatus = "inactive"
	IntegrationStatusPending  IntegrationStatus = "pending"
	IntegrationStatusError    IntegrationStatus = "error"
	IntegrationStatusHealthy  IntegrationStatus = "healthy"
)

// Status derives the badge from the runtime state.
func (i *Integration) Status() IntegrationStatus {
	switch {
	case !i.IsActive:
		return IntegrationStatusInactive
	case i.LastError != nil:
		return IntegrationStatusError
	case i.LastSyncAt == nil:
		return IntegrationStatusPending
	default:
		return IntegrationStatusHealthy
	}
}

// IntegrationPatch carries the user editable fields of an update call.
// Nil fields are left untouched.
type IntegrationPatch struct {
	CalendarID  *string
	Credentials *Credentials
	Settings    *SyncSettings
	IsActive    *bool
}

// Apply copies the set fields of the patch onto the integration.
func (p IntegrationPatch) Apply(i *Integration) {
	if p.CalendarID != nil {
		i.CalendarID = strings.TrimSpace(*p.CalendarID)
	}
	if p.Credentials != nil {
		i.Credentials = *p.Credentials
	}
	if p.Settings != nil {
		i.Settings = *p.Settings
	}
	if p.IsActive != nil {
		i.IsActive = *p.IsActive
	}
}
