package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyd/notifyd/internal/failure"
)

// PushProvider delivers push notifications by posting to an HTTP push gateway.
type PushProvider struct {
	gatewayURL string
	client     *http.Client
}

// NewPushProvider creates a PushProvider for the given gateway endpoint.
func NewPushProvider(gatewayURL string) *PushProvider {
	return &PushProvider{
		gatewayURL: gatewayURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// Name returns the provider identifier.
func (p *PushProvider) Name() string { return "push" }

// Send posts the message to the push gateway. msg.To is the device token.
func (p *PushProvider) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(map[string]string{
		"token": msg.To,
		"title": msg.Subject,
		"body":  msg.Body,
	})
	if err != nil {
		return fmt.Errorf("encoding push payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.gatewayURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return failure.Retriable(fmt.Errorf("posting push notification: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 500:
		return failure.Retriable(fmt.Errorf("push gateway returned %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return failure.Permanent(fmt.Errorf("push gateway returned %d", resp.StatusCode))
	}
	return nil
}
