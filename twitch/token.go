package twitch

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const tokenURL = "https://id.twitch.tv/oauth2/token"

// tokenSource fetches and caches an app access (client credentials) token.
type tokenSource struct {
	clientId     string
	clientSecret string
	client       *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

func (ts *tokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > time.Minute {
		token := ts.token
		ts.mu.RUnlock()
		return token, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *tokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > time.Minute {
		return ts.token, nil
	}
	if ts.clientId == "" || ts.clientSecret == "" {
		return "", errors.New("missing client id/secret for twitch app token")
	}
	form := url.Values{}
	form.Set("client_id", ts.clientId)
	form.Set("client_secret", ts.clientSecret)
	form.Set("grant_type", "client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	response, err := ts.client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "unable to request twitch app token")
	}
	defer closeBody(response.Body)
	if response.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(response.Body)
		return "", errors.Errorf("twitch token request failed: %v: %v", response.Status, string(body))
	}
	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		return "", errors.Wrap(err, "unable to decode twitch token response")
	}
	if payload.AccessToken == "" {
		return "", errors.New("empty access_token in twitch response")
	}
	ts.token = payload.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return ts.token, nil
}
