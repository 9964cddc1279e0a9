package dimension

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/agrolytix/farm-insights-engine/internal/domain"
)

// FileFetcher loads the dimension snapshot from a local JSON file holding an
// array of location rows. Re-read on every fetch so edits are picked up on
// the next poll.
type FileFetcher struct {
	path string
}

// NewFileFetcher creates a FileFetcher for the given path.
func NewFileFetcher(path string) *FileFetcher {
	return &FileFetcher{path: path}
}

func (f *FileFetcher) Fetch(_ context.Context) ([]domain.LocationMeta, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read dimension file: %w", err)
	}
	var rows []domain.LocationMeta
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("parse dimension file: %w", err)
	}
	return rows, nil
}

// HTTPFetcher polls a dimension service endpoint returning a JSON array of
// location rows.
type HTTPFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPFetcher creates an HTTPFetcher with a bounded request timeout.
func NewHTTPFetcher(url string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]domain.LocationMeta, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build dimension request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch dimension rows: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dimension service returned status %d", resp.StatusCode)
	}

	var rows []domain.LocationMeta
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode dimension rows: %w", err)
	}
	return rows, nil
}
