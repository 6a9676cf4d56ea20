package outlook

import (
	"coachsync/internal/models"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func graphEventJSON(id, subject, start, end string) map[string]any {
	return map[string]any{
		"id":      id,
		"subject": subject,
		"type":    "singleInstance",
		"start":   map[string]string{"dateTime": start, "timeZone": "UTC"},
		"end":     map[string]string{"dateTime": end, "timeZone": "UTC"},
	}
}

func TestFetchEventsFollowsNextLink(t *testing.T) {
	var server *httptest.Server
	var auths []string
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/me/calendars/mailbox-1/calendarView":
			assert.Equal(t, "start/dateTime", r.URL.Query().Get("$orderby"))
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []any{
					graphEventJSON("b", "Second", "2024-01-10T11:00:00.0000000", "2024-01-10T12:00:00.0000000"),
					map[string]any{"id": "allday", "isAllDay": true,
						"start": map[string]string{"dateTime": "2024-01-11T00:00:00.0000000", "timeZone": "UTC"},
						"end":   map[string]string{"dateTime": "2024-01-12T00:00:00.0000000", "timeZone": "UTC"}},
				},
				"@odata.nextLink": server.URL + "/next-page",
			})
		case "/next-page":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"value": []any{
					graphEventJSON("a", "First", "2024-01-10T09:00:00.0000000", "2024-01-10T10:00:00.0000000"),
					map[string]any{"id": "master", "type": "seriesMaster",
						"start": map[string]string{"dateTime": "2024-01-10T07:00:00", "timeZone": "UTC"},
						"end":   map[string]string{"dateTime": "2024-01-10T08:00:00", "timeZone": "UTC"}},
					map[string]any{"id": "no-end", "start": map[string]string{"dateTime": "2024-01-10T13:00:00"}},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	adapter := NewAdapter(testLogger(), nil, Options{BaseURL: server.URL, HTTPClient: server.Client()})
	rec := &models.Integration{
		ID:          "int-outlook",
		CalendarID:  "mailbox-1",
		Credentials: models.Credentials{APIKey: "key", AccessToken: "token"},
	}
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	events, err := adapter.FetchEvents(context.Background(), rec, start, start.AddDate(0, 0, 30))
	require.NoError(t, err)

	require.Len(t, events, 2)
	assert.Equal(t, "a", events[0].ID)
	assert.Equal(t, "b", events[1].ID)
	assert.Equal(t, time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC), events[0].Start)
	assert.Equal(t, []string{"Bearer key", "Bearer key"}, auths)
}

func TestFetchEventsRejectedCarriesStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"code":"InvalidAuthenticationToken","message":"Access token has expired."}}`))
	}))
	defer server.Close()

	adapter := NewAdapter(testLogger(), nil, Options{BaseURL: server.URL, HTTPClient: server.Client()})
	_, err := adapter.FetchEvents(context.Background(),
		&models.Integration{CalendarID: "primary", Credentials: models.Credentials{AccessToken: "expired"}},
		time.Now(), time.Now().Add(time.Hour))

	var pe *models.ProviderError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, http.StatusUnauthorized, pe.StatusCode)
	assert.Equal(t, "InvalidAuthenticationToken: Access token has expired.", pe.Message)
	assert.True(t, errors.Is(err, models.ErrProviderRejected))
}

func TestFetchEventsReportsOversizedPage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"value": []any{
			graphEventJSON("e1", "Gym", "2024-01-10T09:00:00.0000000", "2024-01-10T10:00:00.0000000"),
			graphEventJSON("e2", "Lunch", "2024-01-10T12:00:00.0000000", "2024-01-10T13:00:00.0000000"),
		}})
	}))
	defer server.Close()

	adapter := NewAdapter(testLogger(), nil, Options{BaseURL: server.URL, HTTPClient: server.Client()})
	adapter.maxBody = 64
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	_, err := adapter.FetchEvents(context.Background(),
		&models.Integration{CalendarID: "primary", Credentials: models.Credentials{AccessToken: "tok"}},
		start, start.Add(24*time.Hour))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 64 bytes")
	assert.NotContains(t, err.Error(), "decode")
}

func TestFetchEventsTimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	adapter := NewAdapter(testLogger(), nil, Options{BaseURL: server.URL, HTTPClient: server.Client(), Timeout: 50 * time.Millisecond})
	_, err := adapter.FetchEvents(context.Background(),
		&models.Integration{CalendarID: "primary", Credentials: models.Credentials{AccessToken: "tok"}},
		time.Now(), time.Now().Add(time.Hour))

	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrProviderUnreachable))
}

func TestTestConnection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/calendar" || r.Header.Get("Authorization") != "Bearer ok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		_, _ = w.Write([]byte(`{"id":"cal-1"}`))
	}))
	defer server.Close()

	adapter := NewAdapter(testLogger(), nil, Options{BaseURL: server.URL, HTTPClient: server.Client()})

	ok, err := adapter.TestConnection(context.Background(), &models.Integration{CalendarID: "primary", Credentials: models.Credentials{AccessToken: "ok"}})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = adapter.TestConnection(context.Background(), &models.Integration{CalendarID: "primary", Credentials: models.Credentials{AccessToken: "nope"}})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = adapter.TestConnection(context.Background(), &models.Integration{CalendarID: "primary"})
	assert.True(t, errors.Is(err, models.ErrConfigurationInvalid))
}

func TestGraphDateTimeZones(t *testing.T) {
	d := &graphDateTime{DateTime: "2024-01-10T09:00:00", TimeZone: "Europe/Berlin"}
	got, ok := d.instant()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 10, 8, 0, 0, 0, time.UTC), got.UTC())

	_, ok = (&graphDateTime{DateTime: "not a time"}).instant()
	assert.False(t, ok)
}
