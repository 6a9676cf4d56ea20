// Package outlook implements the Microsoft Graph calendar adapter.
package outlook

import (
	"coachsync/internal/models"
	"coachsync/internal/provider"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultBaseURL = "https://graph.microsoft.com/v1.0"
	pageSize       = 100
	graphTimeZone  = "UTC"
	// maxResponseBytes caps a single Graph response body.
	maxResponseBytes = 4 << 20
	// Graph returns seven fractional digits and no zone designator.
	graphTimeLayout = "2006-01-02T15:04:05.9999999"
)

// Options configures the Graph adapter. Zero values fall back to defaults.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Adapter reads Outlook calendars through Microsoft Graph. It has no
// export capability.
type Adapter struct {
	logger     *slog.Logger
	creds      provider.CredentialSource
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	maxBody    int64
}

// NewAdapter creates a Graph adapter.
func NewAdapter(logger *slog.Logger, creds provider.CredentialSource, opts Options) *Adapter {
	if creds == nil {
		creds = provider.StoredCredentials{}
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
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
		baseURL:    baseURL,
		httpClient: httpClient,
		timeout:    timeout,
		maxBody:    maxResponseBytes,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderOutlook
}

// Validate requires a calendar (or mailbox calendar) id and a bearer secret.
func (a *Adapter) Validate(ctx context.Context, rec *models.Integration) error {
	if err := provider.RequireCalendar(rec); err != nil {
		return err
	}
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to load outlook credentials: %w", err)
	}
	if creds.Secret() == "" {
		return models.Misconfigured(models.ProviderOutlook, "an api key or access token is required")
	}
	return nil
}

// TestConnection reads the calendar resource.
func (a *Adapter) TestConnection(ctx context.Context, rec *models.Integration) (bool, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	var cal struct {
		ID string `json:"id"`
	}
	if err := a.get(ctx, rec, a.calendarURL(rec.CalendarID), &cal); err != nil {
		a.logger.Warn("Outlook connection test failed", "integrationID", rec.ID, "error", err)
		return false, nil
	}
	return true, nil
}

// FetchEvents reads the calendar view, which expands recurring series into
// occurrences, and follows the next links until exhausted.
func (a *Adapter) FetchEvents(ctx context.Context, rec *models.Integration, start, end time.Time) ([]models.ExternalEvent, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	params := url.Values{}
	params.Set("startDateTime", start.UTC().Format(time.RFC3339))
	params.Set("endDateTime", end.UTC().Format(time.RFC3339))
	params.Set("$orderby", "start/dateTime")
	params.Set("$top", fmt.Sprint(pageSize))
	next := a.calendarURL(rec.CalendarID) + "/calendarView?" + params.Encode()

	var collected []models.ExternalEvent
	for next != "" {
		var page eventPage
		if err := a.get(ctx, rec, next, &page); err != nil {
			return nil, err
		}
		for _, item := range page.Value {
			if ev, ok := item.toExternalEvent(); ok {
				collected = append(collected, ev)
			}
		}
		next = page.NextLink
	}

	events := provider.Normalize(collected, start, end)
	a.logger.Info("Fetched events from Outlook", "integrationID", rec.ID, "count", len(events))
	return events, nil
}

func (a *Adapter) calendarURL(calendarID string) string {
	if calendarID == "primary" {
		return a.baseURL + "/me/calendar"
	}
	return a.baseURL + "/me/calendars/" + url.PathEscape(calendarID)
}

// get performs an authenticated GET and decodes the JSON body into out.
func (a *Adapter) get(ctx context.Context, rec *models.Integration, target string, out any) error {
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to load outlook credentials: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", fmt.Sprintf("outlook.timezone=%q", graphTimeZone))

	resp, err := provider.BearerClient(a.httpClient, creds.Secret()).Do(req)
	if err != nil {
		return provider.TransportError(models.ProviderOutlook, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBody+1))
	if err != nil {
		return provider.TransportError(models.ProviderOutlook, err)
	}
	oversized := int64(len(body)) > a.maxBody
	if oversized {
		body = body[:a.maxBody]
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return models.Rejected(models.ProviderOutlook, resp.StatusCode, errorMessage(resp.StatusCode, body))
	}
	if oversized {
		return fmt.Errorf("outlook response from %s exceeds %d bytes", req.URL.Path, a.maxBody)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode outlook response: %w", err)
	}
	return nil
}

func errorMessage(status int, body []byte) string {
	var payload struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Message != "" {
		if payload.Error.Code != "" {
			return payload.Error.Code + ": " + payload.Error.Message
		}
		return payload.Error.Message
	}
	return http.StatusText(status)
}

type eventPage struct {
	Value    []graphEvent `json:"value"`
	NextLink string       `json:"@odata.nextLink"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

func (d *graphDateTime) instant() (time.Time, bool) {
	if d == nil || d.DateTime == "" {
		return time.Time{}, false
	}
	loc := time.UTC
	if d.TimeZone != "" && d.TimeZone != graphTimeZone {
		if l, err := time.LoadLocation(d.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation(graphTimeLayout, d.DateTime, loc)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type graphEvent struct {
	ID          string         `json:"id"`
	Subject     string         `json:"subject"`
	BodyPreview string         `json:"bodyPreview"`
	IsAllDay    bool           `json:"isAllDay"`
	IsCancelled bool           `json:"isCancelled"`
	Type        string         `json:"type"`
	Start       *graphDateTime `json:"start"`
	End         *graphDateTime `json:"end"`
	Location    struct {
		DisplayName string `json:"displayName"`
	} `json:"location"`
	Attendees []struct {
		EmailAddress struct {
			Address string `json:"address"`
		} `json:"emailAddress"`
	} `json:"attendees"`
}

func (g graphEvent) toExternalEvent() (models.ExternalEvent, bool) {
	if g.IsAllDay || g.IsCancelled || g.Type == "seriesMaster" {
		return models.ExternalEvent{}, false
	}
	start, ok := g.Start.instant()
	if !ok {
		return models.ExternalEvent{}, false
	}
	end, ok := g.End.instant()
	if !ok {
		return models.ExternalEvent{}, false
	}
	var attendees []string
	for _, a := range g.Attendees {
		if a.EmailAddress.Address != "" {
			attendees = append(attendees, a.EmailAddress.Address)
		}
	}
	return models.ExternalEvent{
		ID:          g.ID,
		Title:       g.Subject,
		Description: g.BodyPreview,
		Start:       start,
		End:         end,
		Location:    g.Location.DisplayName,
		Attendees:   attendees,
	}, true
}
