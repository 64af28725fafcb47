package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	requestTimeout    = 30 * time.Second
	maxRetryElapsed   = 2 * time.Minute
	initialRetryDelay = 1 * time.Second
)

// getJSON performs a GET request and decodes the JSON response into target.
// Transient failures (network errors, HTTP 5xx, rate limiting) are retried
// with exponential backoff; client errors other than 429 fail immediately.
func getJSON(ctx context.Context, client *http.Client, url string, target interface{}) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("creating request: %w", err))
		}
		req.Header.Set("Accept", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return fmt.Errorf("executing request: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading response body: %w", err)
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			// fall through to decode
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body))
		default:
			return backoff.Permanent(fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(body)))
		}

		if err := json.Unmarshal(body, target); err != nil {
			return backoff.Permanent(fmt.Errorf("unmarshaling response: %w", err))
		}
		return nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = initialRetryDelay
	expBackoff.MaxElapsedTime = maxRetryElapsed

	return backoff.Retry(operation, backoff.WithContext(expBackoff, ctx))
}
