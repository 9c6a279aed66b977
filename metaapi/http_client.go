package metaapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	sdkerrors "github.com/metaapi-cloud/metaapi-go/errors"
)

// timeoutWaitingForMetrics is the exact failure message for an aborted
// 202-retry loop.
const timeoutWaitingForMetrics = "Timed out waiting for the end of the process of calculating metrics"

// RetryOptions tune the HTTP retry policy.
type RetryOptions struct {
	// Retries is the number of retry attempts on retryable errors.
	// Default 2, i.e. up to 3 calls in total.
	Retries int
	// MinRetryDelay is the first backoff step. Default 1s.
	MinRetryDelay time.Duration
	// MaxRetryDelay caps the doubling backoff. Default 30s.
	MaxRetryDelay time.Duration
	// MaxDelay bounds how long the client is willing to sleep on server
	// advice: a recommendedRetryTime further away, a single retry-after
	// longer than this, or a cumulative retry-after wait beyond it all
	// surface instead of sleeping. Default 30s.
	MaxDelay time.Duration
}

func (o *RetryOptions) fill() {
	if o.Retries == 0 {
		o.Retries = 2
	}
	if o.MinRetryDelay == 0 {
		o.MinRetryDelay = time.Second
	}
	if o.MaxRetryDelay == 0 {
		o.MaxRetryDelay = 30 * time.Second
	}
	if o.MaxDelay == 0 {
		o.MaxDelay = 30 * time.Second
	}
}

// RequestOptions describe one REST call.
type RequestOptions struct {
	Method  string
	URL     string
	Headers map[string]string
	Query   url.Values
	// Body is JSON-encoded when non-nil.
	Body interface{}
}

// HttpClient issues typed REST calls with the taxonomy-aware retry policy:
// generic upstream and transient internal errors back off exponentially,
// rate limits sleep until the server's recommended moment without spending
// a retry credit, 202 "calculation in progress" responses poll within a
// bounded budget, and every other error kind surfaces immediately.
type HttpClient struct {
	core  *http.Client
	retry RetryOptions
	// sleep is swapped in tests.
	sleep func(time.Duration)
	now   func() time.Time
}

// NewHttpClient builds a client with the given timeout and retry policy.
func NewHttpClient(timeout time.Duration, retry RetryOptions) *HttpClient {
	retry.fill()
	return &HttpClient{
		core:  &http.Client{Timeout: timeout},
		retry: retry,
		sleep: time.Sleep,
		now:   time.Now,
	}
}

// Get issues a GET request.
func (c *HttpClient) Get(ctx context.Context, rawURL string, opts *RequestOptions) ([]byte, error) {
	return c.Request(ctx, withMethod(http.MethodGet, rawURL, opts))
}

// Post issues a POST request.
func (c *HttpClient) Post(ctx context.Context, rawURL string, opts *RequestOptions) ([]byte, error) {
	return c.Request(ctx, withMethod(http.MethodPost, rawURL, opts))
}

// Put issues a PUT request.
func (c *HttpClient) Put(ctx context.Context, rawURL string, opts *RequestOptions) ([]byte, error) {
	return c.Request(ctx, withMethod(http.MethodPut, rawURL, opts))
}

// Delete issues a DELETE request.
func (c *HttpClient) Delete(ctx context.Context, rawURL string, opts *RequestOptions) ([]byte, error) {
	return c.Request(ctx, withMethod(http.MethodDelete, rawURL, opts))
}

func withMethod(method, rawURL string, opts *RequestOptions) RequestOptions {
	var out RequestOptions
	if opts != nil {
		out = *opts
	}
	out.Method = method
	out.URL = rawURL
	return out
}

// Request runs one logical call through the retry policy and returns the
// response body.
func (c *HttpClient) Request(ctx context.Context, opts RequestOptions) ([]byte, error) {
	retriesLeft := c.retry.Retries
	delay := c.retry.MinRetryDelay
	var waitedForMetrics time.Duration

	for {
		body, status, header, err := c.do(ctx, opts)
		if err == nil && status == http.StatusAccepted {
			// Calculation still in progress server-side.
			retryAfter := parseRetryAfter(header)
			if retryAfter > c.retry.MaxDelay || waitedForMetrics+retryAfter > c.retry.MaxDelay {
				return nil, &sdkerrors.TimeoutError{Message: timeoutWaitingForMetrics}
			}
			waitedForMetrics += retryAfter
			c.sleep(retryAfter)
			continue
		}
		if err == nil && status >= 200 && status < 300 {
			return body, nil
		}
		if err == nil {
			err = sdkerrors.FromHTTPStatus(status, body)
		}

		var tooMany *sdkerrors.TooManyRequestsError
		switch {
		case asTooManyRequests(err, &tooMany):
			wait := tooMany.Metadata.RecommendedRetryTime.Sub(c.now())
			if wait > c.retry.MaxDelay {
				return nil, err
			}
			if wait > 0 {
				// Does not consume a retry credit.
				c.sleep(wait)
			}
			continue
		case sdkerrors.IsRetryable(err):
			if retriesLeft == 0 {
				return nil, err
			}
			retriesLeft--
			c.sleep(delay)
			delay *= 2
			if delay > c.retry.MaxRetryDelay {
				delay = c.retry.MaxRetryDelay
			}
			continue
		default:
			return nil, err
		}
	}
}

func asTooManyRequests(err error, target **sdkerrors.TooManyRequestsError) bool {
	e, ok := err.(*sdkerrors.TooManyRequestsError)
	if ok {
		*target = e
	}
	return ok
}

func parseRetryAfter(header http.Header) time.Duration {
	seconds, err := strconv.Atoi(header.Get("retry-after"))
	if err != nil || seconds < 0 {
		seconds = 1
	}
	return time.Duration(seconds) * time.Second
}

// do performs a single HTTP exchange. Transport-level failures are reported
// as ApiError so the retry policy treats them as generic upstream failures.
func (c *HttpClient) do(ctx context.Context, opts RequestOptions) ([]byte, int, http.Header, error) {
	rawURL := opts.URL
	if len(opts.Query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + opts.Query.Encode()
	}

	var reqBody io.Reader
	if opts.Body != nil {
		encoded, err := json.Marshal(opts.Body)
		if err != nil {
			return nil, 0, nil, &sdkerrors.ValidationError{Message: fmt.Sprintf("failed to encode request body: %v", err)}
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, rawURL, reqBody)
	if err != nil {
		return nil, 0, nil, &sdkerrors.ValidationError{Message: err.Error()}
	}
	if opts.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range opts.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.core.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, nil, ctx.Err()
		}
		return nil, 0, nil, &sdkerrors.ApiError{Code: "NetworkError", Message: err.Error()}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, nil, &sdkerrors.ApiError{Code: "NetworkError", Message: err.Error()}
	}
	return body, resp.StatusCode, resp.Header, nil
}
