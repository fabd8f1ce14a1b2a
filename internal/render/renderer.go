// Package render turns template codes plus variable bags into deliverable
// subject/content pairs by calling the external template service. Rendering
// internals are opaque to this pipeline.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/notifyd/notifyd/internal/failure"
)

// Rendered is the output of a template render call.
type Rendered struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// Renderer renders templates with variables.
type Renderer interface {
	Render(ctx context.Context, templateCode string, variables map[string]any) (*Rendered, error)
}

// HTTPRenderer is a Renderer backed by the template service's REST API.
type HTTPRenderer struct {
	baseURL string
	client  *http.Client
}

// NewHTTPRenderer creates an HTTPRenderer for the given template service base URL.
func NewHTTPRenderer(baseURL string) *HTTPRenderer {
	return &HTTPRenderer{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Render posts the variables to the render endpoint. Unknown templates and
// bad variables are permanent failures; 5xx and transport errors retriable.
func (r *HTTPRenderer) Render(ctx context.Context, templateCode string, variables map[string]any) (*Rendered, error) {
	body, err := json.Marshal(variables)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("encoding variables for template %s: %w", templateCode, err))
	}

	url := fmt.Sprintf("%s/api/v1/templates/render/%s", r.baseURL, templateCode)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building render request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, failure.Retriable(fmt.Errorf("rendering template %s: %w", templateCode, err))
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, failure.Permanent(&failure.NotFoundError{Resource: "template", ID: templateCode})
	case resp.StatusCode >= 500:
		return nil, failure.Retriable(fmt.Errorf("template service returned %d for %s", resp.StatusCode, templateCode))
	case resp.StatusCode >= 400:
		return nil, failure.Permanent(fmt.Errorf("template service returned %d for %s", resp.StatusCode, templateCode))
	}

	var envelope struct {
		Data *Rendered `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, failure.Permanent(fmt.Errorf("decoding render response for %s: %w", templateCode, err))
	}
	if envelope.Data == nil {
		return nil, failure.Permanent(fmt.Errorf("template service returned empty render for %s", templateCode))
	}
	return envelope.Data, nil
}
