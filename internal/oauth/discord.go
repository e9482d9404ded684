// Package oauth implements the Discord authorization-code flow used to
// sign members in.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/crashsignal/portal/internal/config"
	"github.com/crashsignal/portal/internal/errors"
	"github.com/crashsignal/portal/pkg/logger"
)

const requestTimeout = 10 * time.Second

// User is the Discord identity attached to a session.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

// Discord exchanges authorization codes for Discord identities.
type Discord struct {
	cfg        config.OAuthConfig
	httpClient *http.Client
	log        *logger.Logger
}

// NewDiscord creates a Discord OAuth client.
func NewDiscord(cfg config.OAuthConfig, log *logger.Logger) *Discord {
	if log == nil {
		log = logger.NewDefault("oauth")
	}
	return &Discord{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: requestTimeout},
		log:        log,
	}
}

// SetHTTPClient overrides the HTTP client, mainly for tests.
func (d *Discord) SetHTTPClient(hc *http.Client) {
	if hc != nil {
		d.httpClient = hc
	}
}

// Configured reports whether application credentials are present.
func (d *Discord) Configured() bool {
	return d.cfg.ClientID != "" && d.cfg.ClientSecret != "" && d.cfg.RedirectURI != ""
}

// AuthorizeURL builds the Discord consent URL carrying the signed state
// token.
func (d *Discord) AuthorizeURL(state string) string {
	q := url.Values{}
	q.Set("client_id", d.cfg.ClientID)
	q.Set("redirect_uri", d.cfg.RedirectURI)
	q.Set("response_type", "code")
	q.Set("scope", "identify")
	q.Set("state", state)
	return d.cfg.AuthorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for the authenticated user.
func (d *Discord) Exchange(ctx context.Context, code string) (User, error) {
	token, err := d.fetchToken(ctx, code)
	if err != nil {
		return User{}, err
	}
	return d.fetchUser(ctx, token)
}

func (d *Discord) fetchToken(ctx context.Context, code string) (string, error) {
	form := url.Values{}
	form.Set("client_id", d.cfg.ClientID)
	form.Set("client_secret", d.cfg.ClientSecret)
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", d.cfg.RedirectURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Upstream("discord token", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", errors.Upstream("discord token", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", errors.Upstream("discord token", err)
	}
	if resp.StatusCode != http.StatusOK {
		d.log.WithField("status", resp.StatusCode).Warn("discord token exchange failed")
		return "", errors.Upstream("discord token", fmt.Errorf("status %d", resp.StatusCode))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", errors.Upstream("discord token", err)
	}
	if payload.AccessToken == "" {
		return "", errors.Upstream("discord token", fmt.Errorf("empty access token"))
	}
	return payload.AccessToken, nil
}

func (d *Discord) fetchUser(ctx context.Context, accessToken string) (User, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.cfg.UserURL, nil)
	if err != nil {
		return User{}, errors.Upstream("discord user", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return User{}, errors.Upstream("discord user", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return User{}, errors.Upstream("discord user", fmt.Errorf("status %d", resp.StatusCode))
	}

	var user User
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&user); err != nil {
		return User{}, errors.Upstream("discord user", err)
	}
	if user.ID == "" {
		return User{}, errors.Upstream("discord user", fmt.Errorf("missing user id"))
	}
	return user, nil
}
