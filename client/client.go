package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/brojonat/mintscope/service/activity"
	"github.com/brojonat/mintscope/service/metadata"
)

// Watch is a mint the server refreshes on a schedule.
type Watch struct {
	Mint            string        `json:"mint"`
	RefreshInterval time.Duration `json:"refresh_interval"`
	CreatedAt       time.Time     `json:"created_at"`
	LastRefreshedAt *time.Time    `json:"last_refreshed_at,omitempty"`
	LastEventCount  int           `json:"last_event_count"`
}

// ClassificationFailure is a transaction the server could not classify.
type ClassificationFailure struct {
	Mint      string    `json:"mint"`
	Signature string    `json:"signature"`
	Reason    string    `json:"reason"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FailureFilter narrows ListFailures. Empty fields match all.
type FailureFilter struct {
	Mint   string
	Reason string
	Limit  int
}

// Client is the HTTP client for the mintscope service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new mintscope service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		// Activity queries walk full token histories.
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// GetActivity runs a full activity query for mint on the server.
func (c *Client) GetActivity(ctx context.Context, mint string) (*activity.Result, error) {
	var result activity.Result
	if err := c.getJSON(ctx, "/api/v1/tokens/"+url.PathEscape(mint)+"/activity", &result); err != nil {
		return nil, err
	}
	c.logger.Debug("activity fetched", "mint", mint, "events", len(result.Events), "failed", result.Failed)
	return &result, nil
}

// GetStoredEvents returns the events the server stored for a watched mint.
func (c *Client) GetStoredEvents(ctx context.Context, mint string, limit int) ([]activity.Event, error) {
	path := "/api/v1/tokens/" + url.PathEscape(mint) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Events []activity.Event `json:"events"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// GetMetadata resolves the metadata of mint.
func (c *Client) GetMetadata(ctx context.Context, mint string) (*metadata.Metadata, error) {
	var md metadata.Metadata
	if err := c.getJSON(ctx, "/api/v1/tokens/"+url.PathEscape(mint)+"/metadata", &md); err != nil {
		return nil, err
	}
	return &md, nil
}

// Watch asks the server to refresh mint on the given interval. A zero
// interval uses the server default.
func (c *Client) Watch(ctx context.Context, mint string, interval time.Duration) (*Watch, error) {
	reqBody := map[string]interface{}{}
	if interval > 0 {
		reqBody["refresh_interval"] = interval.String()
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	u := fmt.Sprintf("%s/api/v1/watches/%s", c.baseURL, url.PathEscape(mint))
	req, err := http.NewRequestWithContext(ctx, "POST", u, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, c.parseErrorResponse(resp)
	}

	var apiWatch watchResponse
	if err := json.NewDecoder(resp.Body).Decode(&apiWatch); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("mint watched", "mint", mint, "refresh_interval", apiWatch.RefreshInterval)
	return responseToWatch(&apiWatch)
}

// Unwatch tells the server to stop refreshing mint.
func (c *Client) Unwatch(ctx context.Context, mint string) error {
	u := fmt.Sprintf("%s/api/v1/watches/%s", c.baseURL, url.PathEscape(mint))
	req, err := http.NewRequestWithContext(ctx, "DELETE", u, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		return c.parseErrorResponse(resp)
	}

	c.logger.Debug("mint unwatched", "mint", mint)
	return nil
}

// GetWatch retrieves the watch of a single mint.
func (c *Client) GetWatch(ctx context.Context, mint string) (*Watch, error) {
	var apiWatch watchResponse
	if err := c.getJSON(ctx, "/api/v1/watches/"+url.PathEscape(mint), &apiWatch); err != nil {
		return nil, err
	}
	return responseToWatch(&apiWatch)
}

// ListWatches retrieves all watched mints.
func (c *Client) ListWatches(ctx context.Context) ([]*Watch, error) {
	var resp struct {
		Watches []watchResponse `json:"watches"`
	}
	if err := c.getJSON(ctx, "/api/v1/watches", &resp); err != nil {
		return nil, err
	}

	watches := make([]*Watch, 0, len(resp.Watches))
	for i := range resp.Watches {
		w, err := responseToWatch(&resp.Watches[i])
		if err != nil {
			return nil, err
		}
		watches = append(watches, w)
	}
	return watches, nil
}

// ListFailures retrieves recorded classification failures.
func (c *Client) ListFailures(ctx context.Context, filter FailureFilter) ([]*ClassificationFailure, error) {
	q := url.Values{}
	if filter.Mint != "" {
		q.Set("mint", filter.Mint)
	}
	if filter.Reason != "" {
		q.Set("reason", filter.Reason)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	path := "/api/v1/classification-failures"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Failures []*ClassificationFailure `json:"failures"`
	}
	if err := c.getJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return resp.Failures, nil
}

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// watchResponse is the API representation of a watch.
type watchResponse struct {
	Mint            string     `json:"mint"`
	RefreshInterval string     `json:"refresh_interval"`
	CreatedAt       time.Time  `json:"created_at"`
	LastRefreshedAt *time.Time `json:"last_refreshed_at,omitempty"`
	LastEventCount  int        `json:"last_event_count"`
}

// responseToWatch converts an API response to a Watch.
func responseToWatch(resp *watchResponse) (*Watch, error) {
	interval, err := time.ParseDuration(resp.RefreshInterval)
	if err != nil {
		return nil, fmt.Errorf("invalid refresh_interval %q: %w", resp.RefreshInterval, err)
	}

	return &Watch{
		Mint:            resp.Mint,
		RefreshInterval: interval,
		CreatedAt:       resp.CreatedAt,
		LastRefreshedAt: resp.LastRefreshedAt,
		LastEventCount:  resp.LastEventCount,
	}, nil
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}

	return fmt.Errorf("request failed: %s", errResp.Error)
}
