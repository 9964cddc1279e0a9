// Package scoring is the HTTP adapter for the external anomaly-classifier
// service. The engine treats the model as a black box: it posts an enriched
// event and reads back a boolean verdict.
package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// Client calls a remote scoring endpoint. It implements anomaly.Scorer.
type Client struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a scoring client with a bounded request timeout.
func NewClient(url string, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

type scoreResponse struct {
	Anomaly bool `json:"anomaly"`
}

// Score posts the event and returns the classifier's verdict. Any transport
// or decoding failure is returned to the caller, which treats it as a
// negative verdict.
func (c *Client) Score(ctx context.Context, ev domain.EnrichedEvent) (bool, error) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("encode scoring request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return false, fmt.Errorf("build scoring request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("scoring request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("scoring service returned status %d", resp.StatusCode)
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode scoring response: %w", err)
	}
	return out.Anomaly, nil
}
