package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Retry policy shared by every service client: connection errors and
// retryable HTTP status codes back off exponentially (base 1s,
// doubling, capped at 30s) for up to 3 retries. HTTP 4xx is never
// retried here — a 401 retry-with-refreshed-credentials is a one-shot
// decision made by the calling client, not part of this backoff.
const (
	maxRetries  = 3
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

// retryableStatus is the server-side error set that earns a retry.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	520:                            true,
	521:                            true,
	522:                            true,
	523:                            true,
	524:                            true,
}

// RetryableStatus reports whether code is one of the retryable
// upstream server errors.
func RetryableStatus(code int) bool {
	return retryableStatus[code]
}

// newBackOff is a var so tests can substitute a near-zero backoff and
// exercise the retry count without waiting out the real delays.
var newBackOff = func() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = backoffBase
	bo.Multiplier = 2
	bo.MaxInterval = backoffCap
	return bo
}

// doWithRetry runs fn, retrying connection errors and retryable HTTP
// statuses with exponential backoff. A non-retryable HTTP response
// (including every 4xx) is returned as-is on the first attempt — the
// caller decides how to interpret it.
func doWithRetry(ctx context.Context, fn func() (*http.Response, error)) (*http.Response, error) {
	bo := newBackOff()

	return backoff.Retry(ctx, func() (*http.Response, error) {
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		if retryableStatus[resp.StatusCode] {
			resp.Body.Close()
			return nil, fmt.Errorf("retryable status %d", resp.StatusCode)
		}
		return resp, nil
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(maxRetries+1))
}
