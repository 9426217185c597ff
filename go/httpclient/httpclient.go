// Package httpclient is the outbound HTTP client shared by the archive,
// commitfest and CI adapters. It stamps a User-Agent on every request, bounds
// every request with the configured timeout, retries 5xx responses with
// exponential backoff, and sleeps between fetches so we are kind to the
// upstream servers.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// transientError marks a failure the work queue should retry: the job rolls
// back and is re-claimed after its lease expires.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so IsTransient reports true for it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err (or anything it wraps) was marked as a
// retryable network failure.
func IsTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}

// Client is a slow, polite HTTP fetcher.
type Client struct {
	client    *http.Client
	userAgent string
	sleep     time.Duration
}

// New returns a Client. slowFetchSleep is the pause inserted after every
// request; pass 0 in tests.
func New(userAgent string, timeout, slowFetchSleep time.Duration) *Client {
	return &Client{
		client: &http.Client{
			Timeout:   timeout,
			Transport: &backOffTransport{base: http.DefaultTransport},
		},
		userAgent: userAgent,
		sleep:     slowFetchSleep,
	}
}

// backOffTransport retries transport failures and 5xx responses with
// exponential backoff. Other status codes are returned as-is so callers can
// distinguish 404 from real failures.
type backOffTransport struct {
	base http.RoundTripper
}

func (t *backOffTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	var bodyBuf []byte
	if req.Body != nil {
		var err error
		bodyBuf, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, errors.Wrap(err, "reading request body")
		}
	}
	bo := backoff.WithContext(&backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      30 * time.Second,
		Clock:               backoff.SystemClock,
	}, req.Context())

	var resp *http.Response
	roundTripOp := func() error {
		if req.Body != nil {
			req.Body = io.NopCloser(bytes.NewReader(bodyBuf))
		}
		var err error
		resp, err = t.base.RoundTrip(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 && resp.StatusCode <= 599 {
			_ = resp.Body.Close()
			return errors.Errorf("status %d", resp.StatusCode)
		}
		return nil
	}
	notify := func(err error, wait time.Duration) {
		zap.S().Warnf("Retrying %s %s after %s: %s", req.Method, req.URL, wait, err)
	}
	if err := backoff.RetryNotify(roundTripOp, bo, notify); err != nil {
		return nil, err
	}
	return resp, nil
}

// Fetch GETs a URL and returns the body. A 404 returns (nil, nil); callers
// treat that as "no data". Network failures and remaining non-200 statuses
// are returned as transient errors.
func (c *Client) Fetch(ctx context.Context, url string) ([]byte, error) {
	defer c.beKind()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}
	req.Header.Set("User-Agent", c.userAgent)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "fetching %s", url))
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Transient(errors.Errorf("fetching %s: status %d", url, resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "reading body of %s", url))
	}
	return body, nil
}

// PostJSON POSTs a JSON-encoded payload and returns the response body.
// Non-2xx statuses are transient errors; the posting jobs retry them.
func (c *Client) PostJSON(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	defer c.beKind()
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, errors.Wrapf(err, "building request for %s", url)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "posting to %s", url))
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, Transient(errors.Wrapf(err, "reading response of %s", url))
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, Transient(errors.Errorf("posting to %s: status %d: %s", url, resp.StatusCode, body))
	}
	return body, nil
}

func (c *Client) beKind() {
	if c.sleep > 0 {
		time.Sleep(c.sleep)
	}
}
