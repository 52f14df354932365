package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/emeroid/billing/pkg/config"
	"github.com/emeroid/billing/pkg/tool"
	"go.uber.org/zap"
)

const (
	sandboxBaseURL = "https://api-m.sandbox.paypal.com"
	liveBaseURL    = "https://api-m.paypal.com"

	// Tokens are refreshed this long before PayPal's expiry so that in-flight
	// requests never carry a token about to lapse.
	tokenExpirySkew = 5 * time.Minute
)

// client wraps the PayPal REST API with client-credentials auth. The access
// token is cached in memory and refreshed under a mutex; a race between two
// refreshes is harmless, the last writer wins.
type client struct {
	cfg  config.PaypalConfig
	http *http.Client
	log  *zap.SugaredLogger

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

func newClient(cfg config.PaypalConfig, log *zap.SugaredLogger) (*client, error) {
	if cfg.ClientID == "" || cfg.Secret == "" {
		return nil, errors.New("paypal client credentials are not set")
	}
	if cfg.BaseURL == "" {
		if cfg.Mode == "live" {
			cfg.BaseURL = liveBaseURL
		} else {
			cfg.BaseURL = sandboxBaseURL
		}
	}
	return &client{
		cfg:  cfg,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  log,
	}, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *client) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.Secret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("paypal token request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("paypal token request failed (http %d)", resp.StatusCode)
	}
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return "", fmt.Errorf("paypal token response malformed: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("paypal token response missing access_token")
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenExpirySkew)
	c.log.Debugw("paypal access token refreshed", "expires_in", tr.ExpiresIn)
	return c.accessToken, nil
}

// do issues an authenticated API call and returns the raw response body.
// Mutating calls carry a PayPal-Request-Id so gateway-side retries stay
// idempotent.
func (c *client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rdr = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, rdr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	if method == http.MethodPost {
		req.Header.Set("PayPal-Request-Id", tool.GenerateUUIDV7())
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(raw, &apiErr)
		if apiErr.Message == "" {
			apiErr.Message = "unknown error"
		}
		return nil, fmt.Errorf("%s (http %d)", apiErr.Message, resp.StatusCode)
	}
	return raw, nil
}
