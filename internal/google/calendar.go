package google

import (
	"coachsync/internal/models"
	"coachsync/internal/provider"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	maxResults = 250 // Google Calendar API max per page
	userAgent  = "coachsync/1.0"
)

// apiKeyTransport authenticates requests with a Google API key.
type apiKeyTransport struct {
	APIKey    string
	Transport http.RoundTripper
}

// RoundTrip adds the API key and user agent to each request.
func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("X-Goog-Api-Key", t.APIKey)
	req.Header.Set("User-Agent", userAgent)
	return t.Transport.RoundTrip(req)
}

// Options configures the Google adapter. Zero values fall back to defaults.
type Options struct {
	HTTPClient *http.Client
	Endpoint   string // overrides the Calendar API base path
	Timeout    time.Duration
}

// Adapter talks to the Google Calendar API.
type Adapter struct {
	logger     *slog.Logger
	creds      provider.CredentialSource
	httpClient *http.Client
	endpoint   string
	timeout    time.Duration
}

// NewAdapter creates a Google Calendar adapter.
func NewAdapter(logger *slog.Logger, creds provider.CredentialSource, opts Options) *Adapter {
	if creds == nil {
		creds = provider.StoredCredentials{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = provider.DefaultTimeout
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Adapter{
		logger:     logger,
		creds:      creds,
		httpClient: httpClient,
		endpoint:   strings.TrimSpace(opts.Endpoint),
		timeout:    timeout,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderGoogle
}

// Validate requires a calendar id and either an API key or an access token.
func (a *Adapter) Validate(ctx context.Context, rec *models.Integration) error {
	if err := provider.RequireCalendar(rec); err != nil {
		return err
	}
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to load google credentials: %w", err)
	}
	if creds.Secret() == "" {
		return models.Misconfigured(models.ProviderGoogle, "an api key or access token is required")
	}
	return nil
}

// TestConnection reads the calendar's metadata.
func (a *Adapter) TestConnection(ctx context.Context, rec *models.Integration) (bool, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	service, err := a.service(ctx, rec)
	if err != nil {
		return false, err
	}
	if _, err := service.Calendars.Get(rec.CalendarID).Context(ctx).Do(); err != nil {
		a.logger.Warn("Google connection test failed", "integrationID", rec.ID, "error", classify(err))
		return false, nil
	}
	return true, nil
}

// FetchEvents lists single (expanded) timed events starting in [start, end).
func (a *Adapter) FetchEvents(ctx context.Context, rec *models.Integration, start, end time.Time) ([]models.ExternalEvent, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	service, err := a.service(ctx, rec)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("Fetching Google events", "integrationID", rec.ID, "calendarID", rec.CalendarID, "start", start, "end", end)

	var items []*calendar.Event
	err = service.Events.List(rec.CalendarID).
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(start.UTC().Format(time.RFC3339)).
		TimeMax(end.UTC().Format(time.RFC3339)).
		OrderBy("startTime").
		MaxResults(maxResults).
		Pages(ctx, func(page *calendar.Events) error {
			items = append(items, page.Items...)
			return nil
		})
	if err != nil {
		return nil, classify(err)
	}

	events := provider.Normalize(a.toExternalEvents(items), start, end)
	a.logger.Info("Fetched events from Google Calendar", "integrationID", rec.ID, "count", len(events))
	return events, nil
}

// ExportEvent inserts the event into the integration's calendar.
func (a *Adapter) ExportEvent(ctx context.Context, rec *models.Integration, event models.ExternalEvent) (string, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	service, err := a.service(ctx, rec)
	if err != nil {
		return "", err
	}
	created, err := service.Events.Insert(rec.CalendarID, &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       &calendar.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339)},
		End:         &calendar.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	return created.Id, nil
}

// UpdateEvent moves a previously exported event to the event's new time.
func (a *Adapter) UpdateEvent(ctx context.Context, rec *models.Integration, externalID string, event models.ExternalEvent) error {
	if err := a.Validate(ctx, rec); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	service, err := a.service(ctx, rec)
	if err != nil {
		return err
	}
	_, err = service.Events.Patch(rec.CalendarID, externalID, &calendar.Event{
		Summary: event.Title,
		Start:   &calendar.EventDateTime{DateTime: event.Start.UTC().Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: event.End.UTC().Format(time.RFC3339)},
	}).Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	a.logger.Info("Updated Google event", "integrationID", rec.ID, "eventID", externalID)
	return nil
}

// service builds a Calendar API client authenticated with the integration's credentials.
func (a *Adapter) service(ctx context.Context, rec *models.Integration) (*calendar.Service, error) {
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("failed to load google credentials: %w", err)
	}

	var client *http.Client
	if key := strings.TrimSpace(creds.APIKey); key != "" {
		transport := a.httpClient.Transport
		if transport == nil {
			transport = http.DefaultTransport
		}
		client = &http.Client{
			Timeout:   a.httpClient.Timeout,
			Transport: &apiKeyTransport{APIKey: key, Transport: transport},
		}
	} else {
		client = provider.BearerClient(a.httpClient, creds.Secret())
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	return service, nil
}

// toExternalEvents converts Google Calendar events to the normalized shape.
func (a *Adapter) toExternalEvents(items []*calendar.Event) []models.ExternalEvent {
	events := make([]models.ExternalEvent, 0, len(items))
	for _, item := range items {
		if skip, reason := shouldSkipEvent(item); skip {
			a.logger.Debug("Skipping Google event", "reason", reason)
			continue
		}

		startTime, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			a.logger.Debug("Skipping Google event with unparsable start", "id", item.Id, "error", err)
			continue
		}
		endTime, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			a.logger.Debug("Skipping Google event with unparsable end", "id", item.Id, "error", err)
			continue
		}

		var attendees []string
		for _, attendee := range item.Attendees {
			if attendee.Email != "" {
				attendees = append(attendees, attendee.Email)
			}
		}

		events = append(events, models.ExternalEvent{
			ID:          item.Id,
			Title:       item.Summary,
			Description: item.Description,
			Start:       startTime,
			End:         endTime,
			Location:    item.Location,
			Attendees:   attendees,
		})
	}
	return events
}

// shouldSkipEvent reports whether an item lacks a timed interval or is not a
// single occurrence.
func shouldSkipEvent(item *calendar.Event) (bool, string) {
	switch {
	case item == nil:
		return true, "nil event"
	case item.Status == "cancelled":
		return true, "cancelled"
	case item.Start == nil || item.End == nil:
		return true, "missing start or end"
	case item.Start.Date != "" || item.Start.DateTime == "" || item.End.DateTime == "":
		return true, "all-day event"
	case len(item.Recurrence) > 0:
		return true, "recurring master"
	}
	return false, ""
}

// classify turns a Calendar API failure into a ProviderError.
func classify(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		message := apiErr.Message
		if message == "" {
			message = http.StatusText(apiErr.Code)
		}
		return models.Rejected(models.ProviderGoogle, apiErr.Code, message)
	}
	return provider.TransportError(models.ProviderGoogle, err)
}
