package lunchmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oakhurst/monzosync/service/metrics"
)

// ErrUnavailable indicates a transient failure talking to the Lunch Money API
// (network error, 5xx, rate limit). Callers retry with bounded backoff.
var ErrUnavailable = errors.New("lunchmoney: sink unavailable")

// RejectedError is a permanent, per-request validation failure from the
// Lunch Money API. It is never retried; callers report the affected entries
// and continue with the rest of the batch.
type RejectedError struct {
	StatusCode int
	Messages   []string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("lunchmoney: rejected (%d): %s", e.StatusCode, strings.Join(e.Messages, "; "))
}

const (
	serviceName = "lunchmoney"
	maxAttempts = 3
)

// Doer is the subset of http.Client used by the Lunch Money client.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to the Lunch Money REST API.
type Client struct {
	baseURL string
	token   string
	http    Doer
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewClient creates a new Lunch Money client. If httpClient is nil a default
// client with a 30s timeout is used. If m is nil, no metrics are recorded.
func NewClient(baseURL, token string, httpClient Doer, m *metrics.Metrics, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
		metrics: m,
		logger:  logger,
	}
}

// InsertTransactions creates transactions in Lunch Money and returns the IDs
// assigned to them, in input order. apply_rules is always set so the user's
// Lunch Money rules run against inserted transactions, matching the sync's
// hands-off contract.
func (c *Client) InsertTransactions(ctx context.Context, txns []InsertTransaction) ([]int64, error) {
	if len(txns) == 0 {
		return nil, nil
	}

	payload := map[string]any{
		"transactions": txns,
		"apply_rules":  true,
	}

	var resp struct {
		IDs   []int64         `json:"ids"`
		Error json.RawMessage `json:"error,omitempty"`
	}
	if err := c.do(ctx, http.MethodPost, "transactions", payload, &resp); err != nil {
		return nil, err
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return nil, &RejectedError{
			StatusCode: http.StatusOK, // 200 with an error body, API quirk
			Messages:   decodeAPIErrors(resp.Error),
		}
	}

	c.logger.DebugContext(ctx, "inserted lunchmoney transactions",
		"count", len(txns),
		"ids", resp.IDs,
	)

	return resp.IDs, nil
}

// UpdateTransaction updates the mutable fields of an existing transaction.
func (c *Client) UpdateTransaction(ctx context.Context, id int64, patch UpdateTransaction) error {
	payload := map[string]any{
		"transaction": patch,
	}

	var resp struct {
		Updated bool            `json:"updated"`
		Error   json.RawMessage `json:"error,omitempty"`
	}
	endpoint := "transactions/" + strconv.FormatInt(id, 10)
	if err := c.do(ctx, http.MethodPut, endpoint, payload, &resp); err != nil {
		return err
	}

	if len(resp.Error) > 0 && string(resp.Error) != "null" {
		return &RejectedError{
			StatusCode: http.StatusOK,
			Messages:   decodeAPIErrors(resp.Error),
		}
	}

	c.logger.DebugContext(ctx, "updated lunchmoney transaction", "id", id)
	return nil
}

// ListCategories fetches the user's categories. The reconciliation engine
// builds its name-to-ID mapping from this.
func (c *Client) ListCategories(ctx context.Context) ([]Category, error) {
	var resp struct {
		Categories []Category `json:"categories"`
	}
	if err := c.do(ctx, http.MethodGet, "categories", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Categories, nil
}

// ListAssets fetches the user's manually-managed accounts.
func (c *Client) ListAssets(ctx context.Context) ([]Asset, error) {
	var resp struct {
		Assets []Asset `json:"assets"`
	}
	if err := c.do(ctx, http.MethodGet, "assets", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Assets, nil
}

// do performs an authenticated request with bounded retry and backoff.
// Network errors, 429 and 5xx are retried; other 4xx responses produce a
// RejectedError immediately.
func (c *Client) do(ctx context.Context, method, endpoint string, payload, out any) error {
	u := c.baseURL + "/" + endpoint

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal %s payload: %w", endpoint, err)
		}
	}

	// Metric label without the per-transaction ID suffix.
	metricEndpoint := endpoint
	if i := strings.IndexByte(endpoint, '/'); i > 0 {
		metricEndpoint = endpoint[:i]
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(1<<uint(attempt-1)) * time.Second
			c.logger.WarnContext(ctx, "retrying lunchmoney request",
				"method", method,
				"endpoint", endpoint,
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			if c.metrics != nil {
				c.metrics.RecordAPIRetry(serviceName, metricEndpoint, "transient")
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, reader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		resp, err := c.http.Do(req)
		duration := time.Since(start).Seconds()

		if err != nil {
			if c.metrics != nil {
				c.metrics.RecordAPICall(serviceName, metricEndpoint, "error", duration)
			}
			lastErr = fmt.Errorf("%w: %v", ErrUnavailable, err)
			continue
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()

		if c.metrics != nil {
			c.metrics.RecordAPICall(serviceName, metricEndpoint, strconv.Itoa(resp.StatusCode), duration)
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if readErr != nil {
				lastErr = fmt.Errorf("%w: reading response: %v", ErrUnavailable, readErr)
				continue
			}
			if out != nil {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
				}
			}
			return nil

		case resp.StatusCode == http.StatusTooManyRequests:
			if c.metrics != nil {
				c.metrics.RecordRateLimitHit(serviceName)
			}
			lastErr = fmt.Errorf("%w: rate limited (429)", ErrUnavailable)
			continue

		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%w: server error (%d)", ErrUnavailable, resp.StatusCode)
			continue

		default:
			// Validation failure: permanent, reported per-entry upstream.
			return &RejectedError{
				StatusCode: resp.StatusCode,
				Messages:   decodeErrorBody(respBody),
			}
		}
	}

	return lastErr
}

// decodeErrorBody extracts error messages from a non-2xx response body.
func decodeErrorBody(body []byte) []string {
	var wrapped struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.Error) > 0 {
		return decodeAPIErrors(wrapped.Error)
	}
	return []string{strings.TrimSpace(string(body))}
}

// decodeAPIErrors handles the API returning "error" as either a string or a
// list of strings.
func decodeAPIErrors(raw json.RawMessage) []string {
	var many []string
	if err := json.Unmarshal(raw, &many); err == nil {
		return many
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		return []string{one}
	}
	return []string{string(raw)}
}
