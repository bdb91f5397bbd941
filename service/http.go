package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/airbusgeo/landsat-ingester/service/log"
	"go.uber.org/zap"
)

// DefaultRequestTimeout is the timeout of every outbound API call
const DefaultRequestTimeout = 10 * time.Second

// RetryPolicy configures DoWithRetry.
// Only timeouts are retried: the request is sent at most MaxRetries+1 times.
// After each timeout, the client sleeps for Sleep, then Sleep grows by a random factor in [1, 2).
type RetryPolicy struct {
	MaxRetries int
	Sleep      time.Duration
}

// DefaultRetryPolicy returns the policy shared by the catalog clients
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 5, Sleep: 5 * time.Second}
}

// NewHTTPClient returns a client with a per-request timeout
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &http.Client{Timeout: timeout}
}

// NewRequestFunc builds a new request for each attempt (bodies cannot be replayed)
type NewRequestFunc func(ctx context.Context) (*http.Request, error)

// DoWithRetry sends the request built by newReq, retrying on timeouts only.
// Exhausting the retries returns ErrRequestTimedOut.
// Any status other than 200 is returned as ErrRequestNotOK and is not retried.
// On success, the caller must close the response body.
func DoWithRetry(ctx context.Context, client *http.Client, newReq NewRequestFunc, policy RetryPolicy) (*http.Response, error) {
	return doWithRetry(ctx, client, newReq, policy, true)
}

// DoWithRetryAnyStatus is DoWithRetry, returning the response whatever its status
func DoWithRetryAnyStatus(ctx context.Context, client *http.Client, newReq NewRequestFunc, policy RetryPolicy) (*http.Response, error) {
	return doWithRetry(ctx, client, newReq, policy, false)
}

func doWithRetry(ctx context.Context, client *http.Client, newReq NewRequestFunc, policy RetryPolicy, statusOK bool) (*http.Response, error) {
	sleep := policy.Sleep
	var url string
	for retry := 0; ; retry++ {
		req, err := newReq(ctx)
		if err != nil {
			return nil, fmt.Errorf("DoWithRetry.NewRequest: %w", err)
		}
		url = req.URL.String()
		log.Logger(ctx).Sugar().Debugf("sending %s request to %s (retry: %d)", req.Method, url, retry)

		resp, err := client.Do(req)
		if err == nil {
			if statusOK && resp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				return nil, ErrRequestNotOK{URL: url, StatusCode: resp.StatusCode}
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("DoWithRetry: %w", ctx.Err())
		}
		if !IsTimeout(err) {
			return nil, fmt.Errorf("DoWithRetry: %w", err)
		}
		if retry >= policy.MaxRetries {
			break
		}
		log.Logger(ctx).Warn("connection timeout", zap.String("url", url), zap.Int("retry", retry+1), zap.Int("maxRetries", policy.MaxRetries))

		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return nil, fmt.Errorf("DoWithRetry: %w", ctx.Err())
		}
		sleep = time.Duration((1 + rand.Float64()) * float64(sleep))
	}
	return nil, ErrRequestTimedOut{URL: url, Retries: policy.MaxRetries}
}

// DecodeJSON reads and closes the body of the response, decoding it into v
func DecodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("DecodeJSON.ReadAll: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("DecodeJSON.Unmarshal [%.200s]: %w", body, err)
	}
	return nil
}
