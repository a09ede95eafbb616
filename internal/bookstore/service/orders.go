package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/25x8/bookstore-rewards/internal/bookstore/models"
)

// OrderLookup reads orders from the order workflow
type OrderLookup interface {
	GetOrder(ctx context.Context, orderID string) (*models.OrderInfo, error)
}

// RateLimitedError is returned when the order service asks us to back off
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("order service rate limited, retry after %s", e.RetryAfter)
	}
	return "order service rate limited"
}

// Unwrap makes a rate limit a transient failure
func (e *RateLimitedError) Unwrap() error {
	return models.ErrTransientStorage
}

// OrderClient handles communication with the order service
type OrderClient struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu       sync.Mutex
	resumeAt time.Time
}

// NewOrderClient creates a new order service client allowing rps requests
// per second; a non-positive rps disables limiting
func NewOrderClient(baseURL string, rps float64) *OrderClient {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &OrderClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		limiter: rate.NewLimiter(limit, 1),
	}
}

// GetOrder fetches an order. A nil order without error means the order
// service does not know it.
func (c *OrderClient) GetOrder(ctx context.Context, orderID string) (*models.OrderInfo, error) {
	if err := c.wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}

	endpoint := fmt.Sprintf("%s/api/orders/%s", c.baseURL, url.PathEscape(orderID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}
	defer resp.Body.Close()

	// Handle rate limiting
	if resp.StatusCode == http.StatusTooManyRequests {
		limited := &RateLimitedError{}
		if seconds, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			limited.RetryAfter = time.Duration(seconds) * time.Second
			c.backOff(limited.RetryAfter)
		}
		return nil, limited
	}

	// Handle 204 No Content (order not registered)
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("%w: order service returned status %d", models.ErrTransientStorage, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("order service returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrTransientStorage, err)
	}

	var order models.OrderInfo
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, err
	}

	return &order, nil
}

// wait blocks until the limiter and any Retry-After pause allow a request
func (c *OrderClient) wait(ctx context.Context) error {
	c.mu.Lock()
	pause := time.Until(c.resumeAt)
	c.mu.Unlock()

	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.limiter.Wait(ctx)
}

func (c *OrderClient) backOff(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until := time.Now().Add(d); until.After(c.resumeAt) {
		c.resumeAt = until
	}
}
