package providers

import (
	"context"
	"fmt"
	"os"
)

// Authenticator supplies request credentials for a provider. Strategies
// that never expire report NeedsRefresh false and Refresh is a no-op.
type Authenticator interface {
	// AuthHeaders returns the headers carrying the credential.
	AuthHeaders(ctx context.Context) (map[string]string, error)

	// NeedsRefresh reports whether the credential should be renewed
	// before the next request.
	NeedsRefresh() bool

	// Refresh renews the credential.
	Refresh(ctx context.Context) error
}

// APIKeyAuth reads a key from the environment and sends it in a single
// header, x-api-key unless overridden. Secrets never live in config
// files; only the environment variable name does.
type APIKeyAuth struct {
	EnvVar string
	Header string
}

func (a *APIKeyAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	key := os.Getenv(a.EnvVar)
	if key == "" {
		return nil, fmt.Errorf("api key env %s is not set", a.EnvVar)
	}
	header := a.Header
	if header == "" {
		header = "x-api-key"
	}
	return map[string]string{header: key}, nil
}

func (a *APIKeyAuth) NeedsRefresh() bool               { return false }
func (a *APIKeyAuth) Refresh(ctx context.Context) error { return nil }

// BearerAuth reads a token from the environment and sends it as an
// Authorization bearer header.
type BearerAuth struct {
	EnvVar string
}

func (a *BearerAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token := os.Getenv(a.EnvVar)
	if token == "" {
		return nil, fmt.Errorf("bearer token env %s is not set", a.EnvVar)
	}
	return map[string]string{"Authorization": "Bearer " + token}, nil
}

func (a *BearerAuth) NeedsRefresh() bool               { return false }
func (a *BearerAuth) Refresh(ctx context.Context) error { return nil }

// NoAuth is for local backends that take no credentials.
type NoAuth struct{}

func (NoAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	return map[string]string{}, nil
}

func (NoAuth) NeedsRefresh() bool               { return false }
func (NoAuth) Refresh(ctx context.Context) error { return nil }
