package mcptransport

import (
	"context"
	"errors"
	"net/http"
	"time"
)

const (
	httpRequestMaxAttempts = 2
	httpRetryBaseBackoff   = 150 * time.Millisecond
)

// retryableError marks an HTTP failure that is worth retrying (a transient
// network error, 408/429, or a 5xx).
type retryableError struct {
	err error
}

func (e retryableError) Error() string { return e.err.Error() }
func (e retryableError) Unwrap() error { return e.err }

func makeRetryable(err error) error {
	if err == nil {
		return nil
	}
	return retryableError{err: err}
}

func isRetryable(err error) bool {
	var target retryableError
	return errors.As(err, &target)
}

func shouldRetryHTTPStatus(statusCode int) bool {
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusTooManyRequests {
		return true
	}
	return statusCode >= 500 && statusCode <= 599
}

func waitHTTPRetry(ctx context.Context, retryIndex int) error {
	if retryIndex <= 0 {
		return nil
	}
	backoff := time.Duration(retryIndex) * httpRetryBaseBackoff
	timer := time.NewTimer(backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func applyHeaders(dst http.Header, src map[string]string) {
	for key, value := range src {
		if key == "" {
			continue
		}
		dst.Set(key, value)
	}
}
