// Package enrollment provides the HTTP client that tells the marketplace backend
// about payment outcomes so it can grant or revoke formation enrollments.
package enrollment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gli-international/gli-payments/internal/core/domain"
)

const maxErrorBody = 4 << 10

// Client implements ports.EventPublisher over the backend's webhook endpoint.
type Client struct {
	webhookURL string
	secret     string
	httpClient *http.Client
}

// NewClient creates a new enrollment backend client.
func NewClient(webhookURL, secret string) *Client {
	return &Client{
		webhookURL: webhookURL,
		secret:     secret,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// Publish posts the event as JSON. The body is signed with the shared secret
// in X-Signature, and the secret itself travels in X-Webhook-Secret for
// backends that only compare it.
func (c *Client) Publish(ctx context.Context, event domain.PaymentEvent) error {
	jsonBody, err := json.Marshal(event)
	if err != nil {
		return domain.NewServiceError(domain.ErrEventDelivery,
			"failed to marshal event", "MARSHAL_ERROR")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.webhookURL, bytes.NewReader(jsonBody))
	if err != nil {
		return domain.NewServiceError(domain.ErrEventDelivery,
			"failed to create request", "REQUEST_ERROR")
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Event", event.Event)
	if c.secret != "" {
		req.Header.Set("X-Webhook-Secret", c.secret)
		req.Header.Set("X-Signature", sign(c.secret, jsonBody))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return domain.NewServiceError(domain.ErrEventDelivery,
			"request failed: "+err.Error(), "HTTP_ERROR")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return domain.NewServiceError(domain.ErrEventDelivery,
			fmt.Sprintf("backend returned status %d: %s", resp.StatusCode, string(body)),
			"BACKEND_ERROR")
	}

	return nil
}

func sign(secret string, body []byte) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}
