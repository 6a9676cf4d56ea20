package provider

import (
	"coachsync/internal/models"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	provider models.Provider
}

func (s stubAdapter) Provider() models.Provider {
	return s.provider
}

func (s stubAdapter) Validate(_ context.Context, rec *models.Integration) error {
	return RequireCalendar(rec)
}

func (s stubAdapter) TestConnection(context.Context, *models.Integration) (bool, error) {
	return true, nil
}

func (s stubAdapter) FetchEvents(context.Context, *models.Integration, time.Time, time.Time) ([]models.ExternalEvent, error) {
	return nil, nil
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(stubAdapter{provider: models.ProviderGoogle}, nil)

	a, err := reg.Adapter(models.ProviderGoogle)
	require.NoError(t, err)
	assert.Equal(t, models.ProviderGoogle, a.Provider())

	_, err = reg.Adapter(models.ProviderApple)
	assert.True(t, errors.Is(err, models.ErrAdapterNotImplemented))
}

func TestExportWithoutCapability(t *testing.T) {
	_, err := Export(context.Background(), stubAdapter{provider: models.ProviderOutlook}, &models.Integration{}, models.ExternalEvent{})
	assert.True(t, errors.Is(err, models.ErrAdapterNotImplemented))
}

func TestUpdateWithoutCapability(t *testing.T) {
	err := Update(context.Background(), stubAdapter{provider: models.ProviderOutlook}, &models.Integration{}, "evt-1", models.ExternalEvent{})
	assert.True(t, errors.Is(err, models.ErrAdapterNotImplemented))
}

func TestRequireCalendar(t *testing.T) {
	assert.True(t, errors.Is(RequireCalendar(nil), models.ErrConfigurationInvalid))
	assert.True(t, errors.Is(RequireCalendar(&models.Integration{Provider: models.ProviderGoogle}), models.ErrConfigurationInvalid))
	assert.NoError(t, RequireCalendar(&models.Integration{CalendarID: "primary"}))
}

func TestNormalizeFiltersAndSorts(t *testing.T) {
	start := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	at := func(h int) time.Time { return start.Add(time.Duration(h) * time.Hour) }

	events := []models.ExternalEvent{
		{ID: "late", Start: at(15), End: at(16)},
		{ID: "early", Start: at(9), End: at(10)},
		{ID: "no-end", Start: at(11)},
		{ID: "", Start: at(12), End: at(13)},
		{ID: "before-window", Start: at(-1), End: at(1)},
		{ID: "at-window-end", Start: end, End: end.Add(time.Hour)},
		{ID: "inverted", Start: at(14), End: at(13)},
		{ID: "window-start", Start: start, End: at(1)},
	}

	got := Normalize(events, start, end)
	ids := make([]string, 0, len(got))
	for _, ev := range got {
		ids = append(ids, ev.ID)
	}
	assert.Equal(t, []string{"window-start", "early", "late"}, ids)
}

func TestTransportErrorKeepsProviderErrors(t *testing.T) {
	rejected := models.Rejected(models.ProviderGoogle, 401, "nope")
	assert.Same(t, rejected, TransportError(models.ProviderGoogle, rejected))

	err := TransportError(models.ProviderGoogle, context.DeadlineExceeded)
	assert.True(t, errors.Is(err, models.ErrProviderUnreachable))
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.NoError(t, TransportError(models.ProviderGoogle, nil))
}

func TestBearerClientSetsAuthorization(t *testing.T) {
	var auth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	client := BearerClient(server.Client(), "secret-token")
	resp, err := client.Get(server.URL)
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, "Bearer secret-token", auth)
}

func TestStoredCredentials(t *testing.T) {
	rec := &models.Integration{Credentials: models.Credentials{APIKey: "k"}}
	creds, err := StoredCredentials{}.Credentials(context.Background(), rec)
	require.NoError(t, err)
	assert.Equal(t, "k", creds.APIKey)

	_, err = StoredCredentials{}.Credentials(context.Background(), nil)
	assert.Error(t, err)
}
