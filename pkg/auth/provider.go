package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/apivet/apivet/internal/config"
	"github.com/apivet/apivet/internal/httpclient"
	"github.com/apivet/apivet/internal/logger"
)

// Provider obtains bearer tokens from a client-credentials token endpoint
// and caches them until five minutes before expiry. Zero-value credentials
// disable the provider entirely: Token returns an empty string and no
// request is made.
type Provider struct {
	cfg    config.AuthConfig
	client *http.Client
	log    *logger.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

const expiryMargin = 5 * time.Minute

func NewProvider(cfg config.AuthConfig, client *http.Client, log *logger.Logger) *Provider {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Provider{
		cfg:    cfg,
		client: client,
		log:    log.WithComponent("auth"),
	}
}

// Configured reports whether credentials are present.
func (p *Provider) Configured() bool {
	return p.cfg.TokenURL != "" && p.cfg.ClientID != ""
}

func (p *Provider) Token(ctx context.Context) (string, error) {
	if !p.Configured() {
		return "", nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && time.Now().Before(p.expiresAt) {
		return p.token, nil
	}

	p.log.Infow("Requesting new access token", "url", p.cfg.TokenURL)

	tokenURL, err := url.Parse(p.cfg.TokenURL)
	if err != nil {
		return "", fmt.Errorf("invalid token url: %w", err)
	}
	q := tokenURL.Query()
	q.Set("client_id", p.cfg.ClientID)
	q.Set("client_secret", p.cfg.ClientSecret)
	tokenURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL.String(), strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer httpclient.CloseBody(resp)

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("decoding token response: %w", err)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned no access_token")
	}
	if payload.ExpiresIn <= 0 {
		payload.ExpiresIn = 86400
	}

	p.token = payload.AccessToken
	p.expiresAt = time.Now().Add(time.Duration(payload.ExpiresIn)*time.Second - expiryMargin)

	p.log.Infow("Access token obtained", "expires_in_seconds", payload.ExpiresIn)
	return p.token, nil
}

// Invalidate drops the cached token so the next call fetches a fresh one.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.token = ""
	p.expiresAt = time.Time{}
}
