package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

// IdentityClient exchanges the bot's app id and secret for an access token.
type IdentityClient struct {
	URL          string
	AppID        string
	ClientSecret string
	HTTPClient   *http.Client

	now func() time.Time
}

func NewIdentityClient(url string, appID string, clientSecret string) *IdentityClient {
	if strings.TrimSpace(url) == "" {
		url = DefaultTokenURL
	}

	return &IdentityClient{
		URL:          url,
		AppID:        appID,
		ClientSecret: clientSecret,
		HTTPClient:   &http.Client{Timeout: 15 * time.Second},
		now:          time.Now,
	}
}

type tokenRequest struct {
	AppID        string `json:"appId"`
	ClientSecret string `json:"clientSecret"`
}

type tokenResponse struct {
	AccessToken string   `json:"access_token"`
	ExpiresIn   lifetime `json:"expires_in"`
	Code        int      `json:"code"`
	Message     string   `json:"message"`
}

// lifetime accepts expires_in as either a JSON number or a numeric string.
type lifetime struct {
	seconds int64
	set     bool
}

func (l *lifetime) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		return nil
	}
	if unquoted, err := strconv.Unquote(raw); err == nil {
		raw = strings.TrimSpace(unquoted)
	}
	if raw == "" {
		return nil
	}

	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse expires_in %q: %w", raw, err)
	}

	l.seconds = seconds
	l.set = true
	return nil
}

func (l lifetime) duration() time.Duration {
	if !l.set {
		return DefaultLifetime
	}
	return time.Duration(l.seconds) * time.Second
}

func (c *IdentityClient) Fetch(ctx context.Context) (Credential, error) {
	body, err := json.Marshal(tokenRequest{AppID: c.AppID, ClientSecret: c.ClientSecret})
	if err != nil {
		return Credential{}, &AuthError{Err: fmt.Errorf("encode token request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return Credential{}, &AuthError{Err: fmt.Errorf("build token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return Credential{}, &AuthError{Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, &AuthError{Status: resp.StatusCode, Message: "read response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Credential{}, &AuthError{Status: resp.StatusCode, Message: strings.TrimSpace(string(payload))}
	}

	var parsed tokenResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return Credential{}, &AuthError{Status: resp.StatusCode, Message: "malformed token response", Err: err}
	}
	if parsed.AccessToken == "" {
		message := parsed.Message
		if message == "" {
			message = "access_token missing from response"
		}
		return Credential{}, &AuthError{Status: resp.StatusCode, Message: message}
	}

	now := time.Now
	if c.now != nil {
		now = c.now
	}

	return Credential{
		Token:     parsed.AccessToken,
		ExpiresAt: now().Add(parsed.ExpiresIn.duration()),
	}, nil
}
