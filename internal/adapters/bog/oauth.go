package bog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

// defaultTokenLifetime applies when the token response omits expires_in.
const defaultTokenLifetime = 5 * time.Minute

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

// OAuthClient performs the client-credentials exchange against the BOG token endpoint.
type OAuthClient struct {
	tokenURL     string
	clientID     string
	clientSecret string
	timeout      time.Duration
	httpClient   *http.Client
	now          func() time.Time
}

// NewOAuthClient creates a token exchanger.
func NewOAuthClient(cfg Config) *OAuthClient {
	return &OAuthClient{
		tokenURL:     cfg.OAuthURL,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		timeout:      cfg.timeout(),
		httpClient:   &http.Client{Timeout: cfg.timeout()},
		now:          time.Now,
	}
}

// ExchangeToken requests a new bearer token. Credentials go both in the form
// and as HTTP basic auth, since token endpoints differ in which they read.
func (c *OAuthClient) ExchangeToken(ctx context.Context) (domain.GatewayToken, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return domain.GatewayToken{}, domain.NewServiceError(domain.ErrAuth, "failed to create token request", "REQUEST_ERROR")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(c.clientID, c.clientSecret)

	requestedAt := c.now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.GatewayToken{}, transportError("token exchange", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		// invalid_client / unauthorized_client per RFC 6749.
		return domain.GatewayToken{}, domain.NewServiceError(domain.ErrAuth, "token exchange: credentials rejected", "GATEWAY_AUTH_ERROR")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.GatewayToken{}, statusError("token exchange", resp)
	}

	var tr tokenResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(&tr); err != nil {
		return domain.GatewayToken{}, domain.NewServiceError(domain.ErrAuth, "token exchange: failed to decode response", "DECODE_ERROR")
	}
	if tr.AccessToken == "" {
		return domain.GatewayToken{}, domain.NewServiceError(domain.ErrAuth, "token exchange: response has no access_token", "DECODE_ERROR")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = defaultTokenLifetime
	}
	// Measured from the request so clock drift during the call only shortens the lifetime.
	return domain.GatewayToken{
		Value:     tr.AccessToken,
		ExpiresAt: requestedAt.Add(lifetime),
		Scope:     tr.Scope,
	}, nil
}
