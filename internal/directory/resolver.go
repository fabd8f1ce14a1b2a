// Package directory resolves notification recipients through the external
// user service. The service is an opaque collaborator: this client only knows
// its lookup endpoint and the contact fields the delivery worker needs.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyd/notifyd/internal/failure"
)

// Recipient is the resolved contact profile for one user.
type Recipient struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Email        string `json:"email"`
	DeviceToken  string `json:"device_token"`
	EmailEnabled bool   `json:"email_enabled"`
	PushEnabled  bool   `json:"push_enabled"`
}

// ChannelEnabled reports whether the recipient accepts the given channel.
func (r *Recipient) ChannelEnabled(channel string) bool {
	switch channel {
	case "email":
		return r.EmailEnabled
	case "push":
		return r.PushEnabled
	}
	return false
}

// ContactAddress returns the delivery address for the given channel, or ""
// when the recipient has none.
func (r *Recipient) ContactAddress(channel string) string {
	switch channel {
	case "email":
		return r.Email
	case "push":
		return r.DeviceToken
	}
	return ""
}

// Resolver looks up recipients by id.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*Recipient, error)
}

// HTTPResolver is a Resolver backed by the user service's REST API.
type HTTPResolver struct {
	baseURL string
	client  *http.Client
}

// NewHTTPResolver creates an HTTPResolver for the given user service base URL.
func NewHTTPResolver(baseURL string) *HTTPResolver {
	return &HTTPResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Resolve fetches the recipient profile. A 404 is a permanent failure; 5xx
// and transport errors are retriable.
func (r *HTTPResolver) Resolve(ctx context.Context, id string) (*Recipient, error) {
	url := fmt.Sprintf("%s/api/v1/users/%s", r.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building recipient request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, failure.Retriable(fmt.Errorf("fetching recipient %s: %w", id, err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, failure.Permanent(&failure.NotFoundError{Resource: "recipient", ID: id})
	case resp.StatusCode >= 500:
		return nil, failure.Retriable(fmt.Errorf("user service returned %d for recipient %s", resp.StatusCode, id))
	case resp.StatusCode >= 400:
		return nil, failure.Permanent(fmt.Errorf("user service returned %d for recipient %s", resp.StatusCode, id))
	}

	// The user service wraps payloads in a data envelope.
	var envelope struct {
		Data *Recipient `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, failure.Permanent(fmt.Errorf("decoding recipient %s: %w", id, err))
	}
	if envelope.Data == nil {
		return nil, failure.Permanent(&failure.NotFoundError{Resource: "recipient", ID: id})
	}
	return envelope.Data, nil
}
