package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// tokenRefreshWindow is how close to expiry a cached token may get before
// it is refreshed ahead of a request.
const tokenRefreshWindow = 5 * time.Minute

// DeviceCodeAuth implements the OAuth2 device authorization grant for
// providers that hand out short-lived tokens instead of API keys. The
// token is cached on disk (0600) between runs and refreshed when it is
// within tokenRefreshWindow of expiry.
type DeviceCodeAuth struct {
	cfg       *oauth2.Config
	cachePath string
	present   func(*oauth2.DeviceAuthResponse)

	mu    sync.Mutex
	token *oauth2.Token
}

// NewDeviceCodeAuth builds the authenticator. present is called during
// Login to show the user code and verification URL; nil prints to stdout.
func NewDeviceCodeAuth(cfg *oauth2.Config, cachePath string, present func(*oauth2.DeviceAuthResponse)) *DeviceCodeAuth {
	if present == nil {
		present = func(da *oauth2.DeviceAuthResponse) {
			fmt.Printf("To sign in, open %s and enter code: %s\n", da.VerificationURI, da.UserCode)
		}
	}
	return &DeviceCodeAuth{cfg: cfg, cachePath: cachePath, present: present}
}

// Login runs the interactive device flow: request a device code, show it
// to the user, poll for the token, and cache it.
func (a *DeviceCodeAuth) Login(ctx context.Context) error {
	da, err := a.cfg.DeviceAuth(ctx)
	if err != nil {
		return fmt.Errorf("device auth request: %w", err)
	}
	a.present(da)

	token, err := a.cfg.DeviceAccessToken(ctx, da)
	if err != nil {
		return fmt.Errorf("device token poll: %w", err)
	}
	return a.setToken(token)
}

func (a *DeviceCodeAuth) AuthHeaders(ctx context.Context) (map[string]string, error) {
	token, err := a.currentToken()
	if err != nil {
		return nil, err
	}
	if a.needsRefresh(token) {
		if err := a.Refresh(ctx); err != nil {
			return nil, err
		}
		if token, err = a.currentToken(); err != nil {
			return nil, err
		}
	}
	return map[string]string{"Authorization": "Bearer " + token.AccessToken}, nil
}

func (a *DeviceCodeAuth) NeedsRefresh() bool {
	token, err := a.currentToken()
	if err != nil {
		return true
	}
	return a.needsRefresh(token)
}

// Refresh exchanges the refresh token for a new access token and rewrites
// the cache.
func (a *DeviceCodeAuth) Refresh(ctx context.Context) error {
	token, err := a.currentToken()
	if err != nil {
		return err
	}
	fresh, err := a.cfg.TokenSource(ctx, token).Token()
	if err != nil {
		return fmt.Errorf("token refresh: %w", err)
	}
	return a.setToken(fresh)
}

func (a *DeviceCodeAuth) needsRefresh(token *oauth2.Token) bool {
	return !token.Expiry.IsZero() && time.Until(token.Expiry) < tokenRefreshWindow
}

// currentToken returns the in-memory token, falling back to the disk
// cache once per process.
func (a *DeviceCodeAuth) currentToken() (*oauth2.Token, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.token != nil {
		return a.token, nil
	}

	data, err := os.ReadFile(a.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no cached token at %s: run login first", a.cachePath)
		}
		return nil, err
	}
	var token oauth2.Token
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, fmt.Errorf("token cache %s: %w", a.cachePath, err)
	}
	a.token = &token
	return a.token, nil
}

func (a *DeviceCodeAuth) setToken(token *oauth2.Token) error {
	a.mu.Lock()
	a.token = token
	a.mu.Unlock()

	data, err := json.MarshalIndent(token, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(a.cachePath), 0o755); err != nil {
		return err
	}
	return os.WriteFile(a.cachePath, data, 0o600)
}
