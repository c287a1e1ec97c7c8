// Package adapters builds the scheduler.Adapter set for configured
// platforms. The platform integrations themselves are out of scope (the
// spec treats each platform as an opaque HTTP API reached through the
// Adapter capability interface); this package supplies a generic adapter
// that performs a JSON GET against a configured search endpoint, which is
// as far as a domain-agnostic orchestration core can go without knowing a
// given platform's actual query and result shape.
package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/joborch/jobhub/pkg/scheduler"
	"github.com/joborch/jobhub/pkg/types"
)

// HTTPAdapter performs a templated GET against a platform's search
// endpoint and decodes a JSON array of results.
type HTTPAdapter struct {
	Platform   string
	BaseURL    string
	Client     *http.Client
}

// NewHTTPAdapter builds an adapter for a platform whose search endpoint is
// reachable at baseURL?q=...&location=...&limit=....
func NewHTTPAdapter(platform, baseURL string) *HTTPAdapter {
	return &HTTPAdapter{
		Platform: platform,
		BaseURL:  baseURL,
		Client:   &http.Client{Timeout: 20 * time.Second},
	}
}

// Search implements scheduler.Adapter.
func (a *HTTPAdapter) Search(ctx context.Context, query, location string, limit int) (scheduler.AdapterResult, error) {
	u, err := url.Parse(a.BaseURL)
	if err != nil {
		return scheduler.AdapterResult{}, fmt.Errorf("adapters: %s: invalid base url: %w", a.Platform, err)
	}
	q := u.Query()
	q.Set("q", query)
	if location != "" {
		q.Set("location", location)
	}
	q.Set("limit", fmt.Sprintf("%d", limit))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return scheduler.AdapterResult{}, err
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return scheduler.AdapterResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return scheduler.AdapterResult{}, fmt.Errorf("adapters: %s: search returned status %d", a.Platform, resp.StatusCode)
	}

	var records []types.JobRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return scheduler.AdapterResult{}, fmt.Errorf("adapters: %s: decode response: %w", a.Platform, err)
	}
	for i := range records {
		records[i].SourcePlatform = a.Platform
	}

	return scheduler.AdapterResult{Records: records}, nil
}
