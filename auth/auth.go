package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/projecteru2/core/log"
)

const (
	// appJWTLifetime is below GitHub's 10 minute maximum.
	appJWTLifetime = 9 * time.Minute
	// tokenSafetyMargin is subtracted from an installation token's expiry so
	// we never hand out a token about to die mid-request.
	tokenSafetyMargin = 5 * time.Minute
)

// Auth authenticates as a GitHub App and derives installation access tokens
// from it. The private key and webhook secret are frozen at construction:
// config reloads do not touch them, a restart does.
type Auth struct {
	appID         int64
	key           *rsa.PrivateKey
	webhookSecret []byte

	// APIBase is the REST endpoint, overridable in tests.
	APIBase string
	hc      *http.Client

	mu            sync.Mutex
	installations map[string]*installation // keyed by owner login
}

type installation struct {
	id        int64
	token     string
	expiresAt time.Time
}

// New parses the PEM private key and freezes the credentials.
func New(appID int64, keyPEM []byte, webhookSecret string) (*Auth, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	return &Auth{
		appID:         appID,
		key:           key,
		webhookSecret: []byte(webhookSecret),
		APIBase:       "https://api.github.com",
		hc:            &http.Client{Timeout: 30 * time.Second},
		installations: make(map[string]*installation),
	}, nil
}

// WebhookSecret returns the frozen webhook HMAC key.
func (a *Auth) WebhookSecret() []byte {
	return a.webhookSecret
}

// AppJWT signs a short-lived RS256 JWT identifying the app itself.
func (a *Auth) AppJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer: fmt.Sprintf("%d", a.appID),
		// A minute of backdating tolerates clock skew against the API.
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app JWT: %w", err)
	}
	return signed, nil
}

// SetInstallation records the installation id for an owner. Called from the
// webhook path, which carries the id on every event.
func (a *Auth) SetInstallation(owner string, id int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	inst := a.installations[owner]
	if inst == nil {
		a.installations[owner] = &installation{id: id}
		return
	}
	if inst.id != id {
		// Re-installed under a new id: the cached token is dead.
		inst.id = id
		inst.token = ""
	}
}

// InstallationToken returns a valid installation access token for owner,
// minting a new one when the cache is empty or near expiry.
func (a *Auth) InstallationToken(ctx context.Context, owner string) (string, error) {
	a.mu.Lock()
	inst := a.installations[owner]
	if inst != nil && inst.token != "" && time.Now().Before(inst.expiresAt.Add(-tokenSafetyMargin)) {
		token := inst.token
		a.mu.Unlock()
		return token, nil
	}
	var id int64
	if inst != nil {
		id = inst.id
	}
	a.mu.Unlock()

	if id == 0 {
		var err error
		id, err = a.discoverInstallation(ctx, owner)
		if err != nil {
			return "", err
		}
		a.SetInstallation(owner, id)
	}

	token, expiresAt, err := a.mintToken(ctx, id)
	if err != nil {
		return "", err
	}

	a.mu.Lock()
	a.installations[owner] = &installation{id: id, token: token, expiresAt: expiresAt}
	a.mu.Unlock()

	log.WithFunc("auth.InstallationToken").Debugf(ctx, "minted installation token for %s (expires %s)", owner, expiresAt)
	return token, nil
}

// discoverInstallation finds the app installation for an owner. Needed on
// the polling path, which may run before any webhook told us the id.
func (a *Auth) discoverInstallation(ctx context.Context, owner string) (int64, error) {
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := a.appGet(ctx, "/users/"+owner+"/installation", &resp); err != nil {
		// Organizations live under a different route.
		if err := a.appGet(ctx, "/orgs/"+owner+"/installation", &resp); err != nil {
			return 0, fmt.Errorf("discover installation for %s: %w", owner, err)
		}
	}
	return resp.ID, nil
}

func (a *Auth) mintToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := a.AppJWT()
	if err != nil {
		return "", time.Time{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.APIBase, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	res, err := a.hc.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("mint installation token: %w", err)
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return "", time.Time{}, fmt.Errorf("mint installation token: %s: %s", res.Status, body)
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	return payload.Token, payload.ExpiresAt, nil
}

func (a *Auth) appGet(ctx context.Context, path string, out any) error {
	appJWT, err := a.AppJWT()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.APIBase+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	res, err := a.hc.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close() //nolint:errcheck

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("%s: %s: %s", path, res.Status, body)
	}
	return json.NewDecoder(res.Body).Decode(out)
}
