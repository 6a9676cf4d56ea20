package provider

import (
	"coachsync/internal/models"
	"context"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
)

// CredentialSource hands secret material to an adapter at call time so that
// storage and rotation stay outside the sync logic.
type CredentialSource interface {
	Credentials(ctx context.Context, rec *models.Integration) (models.Credentials, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context, rec *models.Integration) (models.Credentials, error)

func (f CredentialFunc) Credentials(ctx context.Context, rec *models.Integration) (models.Credentials, error) {
	return f(ctx, rec)
}

// StoredCredentials reads the secrets persisted on the integration row.
type StoredCredentials struct{}

func (StoredCredentials) Credentials(_ context.Context, rec *models.Integration) (models.Credentials, error) {
	if rec == nil {
		return models.Credentials{}, fmt.Errorf("nil integration: %w", models.ErrConfigurationInvalid)
	}
	return rec.Credentials, nil
}

// BearerClient returns an HTTP client that sends secret as a bearer token on
// top of base.
func BearerClient(base *http.Client, secret string) *http.Client {
	if base == nil {
		base = &http.Client{Timeout: DefaultTimeout}
	}
	transport := base.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &http.Client{
		Timeout: base.Timeout,
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: secret, TokenType: "Bearer"}),
			Base:   transport,
		},
	}
}
