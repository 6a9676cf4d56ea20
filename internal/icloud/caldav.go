package icloud

import (
	"coachsync/internal/models"
	"coachsync/internal/provider"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	iCloudCalDAVEndpoint = "https://caldav.icloud.com/"
	userAgent            = "coachsync/1.0"
)

// customTransport adds the user agent iCloud expects to each request and
// remembers the last error status the server answered with.
type customTransport struct {
	Transport http.RoundTripper
	status    *lastStatus
}

// RoundTrip adds required headers to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.Transport.RoundTrip(req)
	if err == nil && resp.StatusCode >= 400 && t.status != nil {
		t.status.set(resp.StatusCode)
	}
	return resp, err
}

// lastStatus is shared by one client's requests. go-webdav reports a failed
// response as a plain error, so the code is taken from the transport.
type lastStatus struct {
	mu   sync.Mutex
	code int
}

func (s *lastStatus) set(code int) {
	s.mu.Lock()
	s.code = code
	s.mu.Unlock()
}

func (s *lastStatus) get() int {
	if s == nil {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.code
}

// Options configures the CalDAV adapter. Zero values fall back to iCloud defaults.
type Options struct {
	Endpoint   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Adapter reads and writes an iCloud (or any CalDAV) calendar.
// The integration's calendar id is the calendar's display name or path.
type Adapter struct {
	logger     *slog.Logger
	creds      provider.CredentialSource
	endpoint   string
	httpClient *http.Client
	timeout    time.Duration
}

// NewAdapter creates a CalDAV adapter.
func NewAdapter(logger *slog.Logger, creds provider.CredentialSource, opts Options) *Adapter {
	if creds == nil {
		creds = provider.StoredCredentials{}
	}
	endpoint := strings.TrimSpace(opts.Endpoint)
	if endpoint == "" {
		endpoint = iCloudCalDAVEndpoint
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
		endpoint:   endpoint,
		httpClient: httpClient,
		timeout:    timeout,
	}
}

func (a *Adapter) Provider() models.Provider {
	return models.ProviderApple
}

// Validate requires a calendar name and the Apple ID with an app specific password.
func (a *Adapter) Validate(ctx context.Context, rec *models.Integration) error {
	if err := provider.RequireCalendar(rec); err != nil {
		return err
	}
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return fmt.Errorf("failed to load caldav credentials: %w", err)
	}
	if creds.Username == "" || creds.Password == "" {
		return models.Misconfigured(models.ProviderApple, "username and app specific password are required")
	}
	return nil
}

// TestConnection discovers the configured calendar.
func (a *Adapter) TestConnection(ctx context.Context, rec *models.Integration) (bool, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, _, err := a.client(ctx, rec)
	if err != nil {
		return false, err
	}
	if _, err := findCalendar(ctx, client, rec.CalendarID); err != nil {
		a.logger.Warn("CalDAV connection test failed", "integrationID", rec.ID, "error", err)
		return false, nil
	}
	return true, nil
}

// FetchEvents runs a calendar-query REPORT for VEVENTs in [start, end).
func (a *Adapter) FetchEvents(ctx context.Context, rec *models.Integration, start, end time.Time) ([]models.ExternalEvent, error) {
	if err := a.Validate(ctx, rec); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, status, err := a.client(ctx, rec)
	if err != nil {
		return nil, err
	}
	calendarPath, err := findCalendar(ctx, client, rec.CalendarID)
	if err != nil {
		return nil, classify(err, status.get())
	}

	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:  ical.CompCalendar,
			Comps: []caldav.CalendarCompRequest{{Name: ical.CompEvent, AllProps: true}},
		},
		CompFilter: caldav.CompFilter{
			Name:  ical.CompCalendar,
			Comps: []caldav.CompFilter{{Name: ical.CompEvent, Start: start.UTC(), End: end.UTC()}},
		},
	}
	objects, err := client.QueryCalendar(ctx, calendarPath, query)
	if err != nil {
		return nil, classify(err, status.get())
	}

	var collected []models.ExternalEvent
	for _, obj := range objects {
		collected = append(collected, toExternalEvents(obj.Data)...)
	}
	events := provider.Normalize(collected, start, end)
	a.logger.Info("Fetched events from CalDAV", "integrationID", rec.ID, "count", len(events))
	return events, nil
}

// ExportEvent writes the event as a calendar object named after its UID.
// The UID is returned as the external id.
func (a *Adapter) ExportEvent(ctx context.Context, rec *models.Integration, event models.ExternalEvent) (string, error) {
	uid := event.ID
	if uid == "" {
		a.logger.Warn("Event has no UID, generating a new one.", "title", event.Title)
		uid = GenerateUID()
	}
	if err := a.put(ctx, rec, uid, event); err != nil {
		return "", err
	}
	a.logger.Info("Exported event to CalDAV", "integrationID", rec.ID, "uid", uid)
	return uid, nil
}

// UpdateEvent overwrites the calendar object of a previously exported event.
func (a *Adapter) UpdateEvent(ctx context.Context, rec *models.Integration, externalID string, event models.ExternalEvent) error {
	if err := a.put(ctx, rec, externalID, event); err != nil {
		return err
	}
	a.logger.Info("Updated event in CalDAV", "integrationID", rec.ID, "uid", externalID)
	return nil
}

func (a *Adapter) put(ctx context.Context, rec *models.Integration, uid string, event models.ExternalEvent) error {
	if err := a.Validate(ctx, rec); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	client, status, err := a.client(ctx, rec)
	if err != nil {
		return err
	}
	calendarPath, err := findCalendar(ctx, client, rec.CalendarID)
	if err != nil {
		return classify(err, status.get())
	}

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, "-//coachsync//EN")
	cal.Children = append(cal.Children, toICal(uid, event))

	objectPath := path.Join(calendarPath, uid+".ics")
	if _, err := client.PutCalendarObject(ctx, objectPath, cal); err != nil {
		return classify(err, status.get())
	}
	return nil
}

func (a *Adapter) client(ctx context.Context, rec *models.Integration) (*caldav.Client, *lastStatus, error) {
	creds, err := a.creds.Credentials(ctx, rec)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load caldav credentials: %w", err)
	}
	transport := a.httpClient.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	status := &lastStatus{}
	base := &http.Client{
		Timeout:   a.httpClient.Timeout,
		Transport: &customTransport{Transport: transport, status: status},
	}
	client, err := caldav.NewClient(webdav.HTTPClientWithBasicAuth(base, creds.Username, creds.Password), a.endpoint)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create caldav client: %w", err)
	}
	return client, status, nil
}

// findCalendar discovers the user's calendars and returns the path of the
// one whose name or path matches.
func findCalendar(ctx context.Context, client *caldav.Client, name string) (string, error) {
	principalPath, err := client.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := client.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := client.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name || strings.TrimSuffix(cal.Path, "/") == strings.TrimSuffix(name, "/") {
			return cal.Path, nil
		}
	}
	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// toExternalEvents extracts the timed, single occurrence VEVENTs of a calendar object.
func toExternalEvents(cal *ical.Calendar) []models.ExternalEvent {
	if cal == nil {
		return nil
	}
	var events []models.ExternalEvent
	for _, ev := range cal.Events() {
		if ev.Props.Get(ical.PropRecurrenceRule) != nil {
			continue
		}
		dtstart := ev.Props.Get(ical.PropDateTimeStart)
		if dtstart == nil || dtstart.ValueType() == ical.ValueDate {
			continue
		}
		if ev.Props.Get(ical.PropDateTimeEnd) == nil && ev.Props.Get(ical.PropDuration) == nil {
			continue
		}
		start, err := ev.DateTimeStart(time.UTC)
		if err != nil {
			continue
		}
		end, err := ev.DateTimeEnd(time.UTC)
		if err != nil {
			continue
		}

		id, _ := ev.Props.Text(ical.PropUID)
		if rid := ev.Props.Get(ical.PropRecurrenceID); rid != nil && id != "" {
			id = id + "/" + rid.Value
		}
		title, _ := ev.Props.Text(ical.PropSummary)
		description, _ := ev.Props.Text(ical.PropDescription)
		location, _ := ev.Props.Text(ical.PropLocation)

		var attendees []string
		for _, p := range ev.Props.Values(ical.PropAttendee) {
			email := p.Value
			if strings.HasPrefix(strings.ToLower(email), "mailto:") {
				email = email[len("mailto:"):]
			}
			if email != "" {
				attendees = append(attendees, email)
			}
		}

		events = append(events, models.ExternalEvent{
			ID:          id,
			Title:       title,
			Start:       start,
			End:         end,
			Description: description,
			Location:    location,
			Attendees:   attendees,
		})
	}
	return events
}

// toICal converts an event to a VEVENT component.
func toICal(uid string, event models.ExternalEvent) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, uid)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.Start.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.End.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for _, attendee := range event.Attendees {
		p := ical.NewProp(ical.PropAttendee)
		p.SetText(fmt.Sprintf("mailto:%s", attendee))
		ve.Props.Add(p)
	}
	return ve
}

// classify maps a CalDAV failure to a ProviderError. Transport failures are
// unreachable; anything the server answered is a rejection carrying status.
func classify(err error, status int) error {
	var netErr net.Error
	var urlErr *url.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) || errors.As(err, &urlErr) {
		return models.Unreachable(models.ProviderApple, err)
	}
	return &models.ProviderError{
		Provider:   models.ProviderApple,
		Kind:       models.ErrProviderRejected,
		StatusCode: status,
		Message:    err.Error(),
		Err:        err,
	}
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
