package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"prediction-trader/pkg/utils"
)

const maxRetries = 3

// restClient is the shared HTTP layer for venue adapters: one rate limiter
// per venue, bounded exponential backoff on 429/5xx/network errors, no
// retry on 4xx.
type restClient struct {
	http    *http.Client
	limiter *rate.Limiter
	logger  zerolog.Logger
}

func newRESTClient(rps float64, logger zerolog.Logger) *restClient {
	return &restClient{
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(rps), 1),
		logger:  logger,
	}
}

// getJSON performs a rate-limited GET and decodes the JSON response into out.
func (c *restClient) getJSON(ctx context.Context, url string, headers map[string]string, out interface{}) error {
	return c.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, out)
}

// postJSON performs a rate-limited POST with a JSON body and decodes the
// response into out.
func (c *restClient) postJSON(ctx context.Context, url string, headers map[string]string, body, out interface{}) error {
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}
	return c.doJSON(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		return req, nil
	}, out)
}

func (c *restClient) doJSON(ctx context.Context, build func() (*http.Request, error), out interface{}) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if attempt == maxRetries {
				return fmt.Errorf("request failed after %d retries: %w", maxRetries, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == maxRetries {
				return fmt.Errorf("status %d after %d retries", resp.StatusCode, maxRetries)
			}
			c.logger.Warn().Int("status", resp.StatusCode).Int("attempt", attempt+1).
				Str("url", req.URL.Path).Msg("Retrying request")
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			return utils.Permanent(fmt.Errorf("client error %d: %s", resp.StatusCode, string(body)))
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("exhausted %d retries", maxRetries)
}

func (c *restClient) sleep(ctx context.Context, attempt int) {
	wait := utils.CalculateBackoff(attempt, time.Second, 10*time.Second, 2.0)
	select {
	case <-ctx.Done():
	case <-time.After(wait):
	}
}
