// Package ledger предоставляет клиент внешнего источника событий леджера.
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
)

// Client инкапсулирует HTTP-взаимодействие с источником событий леджера.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт HTTP-клиент источника событий по указанному адресу.
// Сетевые сбои и ответы 5xx повторяются с экспоненциальной задержкой.
func NewClient(baseURL string) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Second
	rc.Logger = nil
	// 429 не повторяется здесь: задержку Retry-After выдерживает потребитель.
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if err == nil && resp != nil && resp.StatusCode == http.StatusTooManyRequests {
			return false, nil
		}
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: rc.StandardClient(),
	}
}

// Events запрашивает события строго после ключа after в порядке возрастания
// ключей. Нулевой after означает запрос с самого начала истории.
// Ненулевая задержка в ответе означает запрос 429 Too Many Requests:
// повторить стоит не раньше, чем она истечёт.
func (c *Client) Events(ctx context.Context, after *event.OrderingKey, limit int) ([]event.Envelope, time.Duration, error) {
	if c == nil || c.baseURL == "" {
		return nil, 0, fmt.Errorf("ledger client not configured")
	}

	base := c.baseURL
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	url := fmt.Sprintf("%s/api/events?limit=%d", base, limit)
	if after != nil {
		url += "&after=" + after.String()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return nil, retryAfter, nil
	}

	if resp.StatusCode == http.StatusNoContent {
		return nil, 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var events []event.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		return nil, 0, fmt.Errorf("decode response: %w", err)
	}

	return events, 0, nil
}
