// Package notify sends patient SMS notifications after appointment
// changes reach the remote service.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/dentaldesk/syncd/internal/errors"
)

// Message is one outbound SMS.
type Message struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// Sender delivers SMS messages.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// GatewayConfig holds SMS gateway configuration
type GatewayConfig struct {
	URL     string
	APIKey  string
	From    string
	Timeout time.Duration
}

// HTTPGateway posts messages as JSON to an SMS gateway.
type HTTPGateway struct {
	config GatewayConfig
	client *http.Client
}

// NewHTTPGateway creates a gateway client.
func NewHTTPGateway(config GatewayConfig) *HTTPGateway {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPGateway{
		config: config,
		client: &http.Client{Timeout: timeout},
	}
}

// IsConfigured returns true if the gateway URL is set
func (g *HTTPGateway) IsConfigured() bool {
	return g.config.URL != ""
}

type gatewayRequest struct {
	From string `json:"from,omitempty"`
	To   string `json:"to"`
	Body string `json:"body"`
}

// Send posts msg to the gateway. A 4xx answer is reported as
// ValidationRejected, anything else that fails as TransientNetwork.
func (g *HTTPGateway) Send(ctx context.Context, msg Message) error {
	if !g.IsConfigured() {
		return apperrors.New(apperrors.ErrSyncNotConfigured, "sms gateway not configured")
	}

	body, err := json.Marshal(gatewayRequest{From: g.config.From, To: msg.To, Body: msg.Body})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode sms", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.URL, bytes.NewReader(body))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "build sms request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.config.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrTransientNetwork, "send sms", err)
	}
	defer resp.Body.Close()
	detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return apperrors.New(apperrors.ErrValidationRejected,
			fmt.Sprintf("sms gateway rejected message: %d %s", resp.StatusCode, bytes.TrimSpace(detail)))
	default:
		return apperrors.New(apperrors.ErrTransientNetwork,
			fmt.Sprintf("sms gateway returned %d", resp.StatusCode))
	}
}
