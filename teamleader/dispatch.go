package teamleader

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-querystring/query"
	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/tidwall/gjson"

	"github.com/MCore-Services-bv/teamleader-go/auth"
	"github.com/MCore-Services-bv/teamleader-go/lib"
	"github.com/MCore-Services-bv/teamleader-go/lib/backoff"
	"github.com/MCore-Services-bv/teamleader-go/lib/logger"
	"github.com/MCore-Services-bv/teamleader-go/ratelimit"
)

// Response is an API response with its body already drained.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode unmarshals the response body into out.
func (r *Response) Decode(out interface{}) error {
	return trace.Wrap(lib.FastUnmarshal(r.Body, out))
}

// Dispatch sends one API call through the full policy chain: valid token,
// rate-limit capacity, send, then response interpretation with bounded
// retries. Params are encoded as query parameters for GET/DELETE (a struct
// with url tags, or url.Values) and as a JSON body otherwise.
//
// An auth failure is terminal: a request that cannot obtain a token will not
// succeed by retrying. A single 401 forces one token refresh and one resend;
// 429 and 5xx are retried with capped jittered backoff up to the configured
// budget, honoring Retry-After when the server provides it.
func (c *Client) Dispatch(ctx context.Context, method, path string, params interface{}) (*Response, error) {
	ctx, log := logger.WithField(ctx, "dispatch_id", uuid.New().String())

	queryValues, body, err := encodeParams(method, params)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	bo := backoff.NewDecorr(c.conf.Retry.BaseDelay(), c.conf.Retry.MaxDelay(), c.clock)
	var attempts, unauthorized int

	for {
		token, err := c.auth.GetValidAccessToken(ctx)
		if err != nil {
			return nil, trace.Wrap(err)
		}

		if err := c.waitForCapacity(ctx); err != nil {
			return nil, trace.Wrap(err)
		}

		// Recorded before the response arrives so concurrent in-flight
		// requests all count against the window.
		c.limiter.RecordRequest()

		resp, err := c.send(ctx, method, path, queryValues, body, token)
		if err != nil {
			if ctx.Err() != nil {
				return nil, trace.Wrap(ctx.Err())
			}
			attempts++
			if attempts > c.conf.Retry.MaxRetries {
				return nil, trace.Wrap(&TransientError{Attempts: attempts, Err: err})
			}
			log.WithError(err).WithField("attempt", attempts).Debug("Network error, backing off")
			if err := bo.Do(ctx); err != nil {
				return nil, trace.Wrap(err)
			}
			continue
		}

		c.observe(resp)

		status := resp.StatusCode()
		switch {
		case status >= http.StatusOK && status < http.StatusMultipleChoices:
			return &Response{
				StatusCode: status,
				Header:     resp.Header(),
				Body:       resp.Body(),
			}, nil

		case status == http.StatusUnauthorized:
			unauthorized++
			if unauthorized > 1 {
				return nil, trace.Wrap(auth.NewError(auth.KindUnauthorized, nil))
			}
			log.Debug("Got 401, forcing a token refresh and retrying once")
			c.auth.ForceExpire(token)
			continue

		case status == http.StatusTooManyRequests:
			attempts++
			if attempts > c.conf.Retry.MaxRetries {
				return nil, trace.Wrap(&RateLimitError{Attempts: attempts})
			}
			retryAfter, err := ratelimit.ParseRetryAfter(resp.Header().Get(ratelimit.HeaderRetry), c.clock.Now())
			if err != nil {
				retryAfter = 0
			}
			log.WithField("retry_after", retryAfter).WithField("attempt", attempts).Debug("Got 429, backing off")
			if err := c.backoffAtLeast(ctx, bo, retryAfter); err != nil {
				return nil, trace.Wrap(err)
			}
			continue

		case status >= http.StatusInternalServerError:
			attempts++
			if attempts > c.conf.Retry.MaxRetries {
				return nil, trace.Wrap(&TransientError{StatusCode: status, Attempts: attempts})
			}
			log.WithField("status", status).WithField("attempt", attempts).Debug("Server error, backing off")
			if err := bo.Do(ctx); err != nil {
				return nil, trace.Wrap(err)
			}
			continue

		default:
			return nil, trace.Wrap(parseAPIError(status, resp.Body()))
		}
	}
}

// Get dispatches a GET request and decodes the response into out.
func (c *Client) Get(ctx context.Context, path string, params interface{}, out interface{}) error {
	resp, err := c.Dispatch(ctx, http.MethodGet, path, params)
	if err != nil {
		return trace.Wrap(err)
	}
	if out == nil {
		return nil
	}
	return trace.Wrap(resp.Decode(out))
}

// Post dispatches a POST request and decodes the response into out.
func (c *Client) Post(ctx context.Context, path string, body interface{}, out interface{}) error {
	resp, err := c.Dispatch(ctx, http.MethodPost, path, body)
	if err != nil {
		return trace.Wrap(err)
	}
	if out == nil {
		return nil
	}
	return trace.Wrap(resp.Decode(out))
}

// waitForCapacity consults the limiter, pays at most one delay, and
// re-checks once. A hard-blocked window after the re-check is an error, not
// an indefinite sleep.
func (c *Client) waitForCapacity(ctx context.Context) error {
	decision := c.limiter.Allow()
	if decision.Proceed {
		return nil
	}

	logger.Get(ctx).WithField("delay", decision.Delay).Debug("Rate limiter asked for a delay")
	if err := c.sleep(ctx, decision.Delay); err != nil {
		return trace.Wrap(err)
	}

	decision = c.limiter.Allow()
	if decision.Proceed || decision.Remaining > 0 {
		// One throttle delay has been paid; a second soft delay would
		// defer the caller indefinitely under sustained load.
		return nil
	}
	return trace.Wrap(&RateLimitError{RetryAfter: decision.Delay})
}

// encodeParams splits params into query values or a request body depending
// on the method. Encoding happens once per dispatch, before any retries.
func encodeParams(method string, params interface{}) (url.Values, interface{}, error) {
	if params == nil {
		return nil, nil, nil
	}
	switch method {
	case http.MethodGet, http.MethodDelete:
		if values, ok := params.(url.Values); ok {
			return values, nil, nil
		}
		values, err := query.Values(params)
		if err != nil {
			return nil, nil, trace.Wrap(err)
		}
		return values, nil, nil
	default:
		return nil, params, nil
	}
}

func (c *Client) send(ctx context.Context, method, path string, queryValues url.Values, body interface{}, token string) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetAuthToken(token)

	if queryValues != nil {
		req.SetQueryParamsFromValues(queryValues)
	}
	if body != nil {
		req.SetBody(body)
	}

	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "request to %s failed", path)
	}
	return resp, nil
}

// backoffAtLeast sleeps the backoff duration, extended to no less than min.
func (c *Client) backoffAtLeast(ctx context.Context, bo backoff.Backoff, min time.Duration) error {
	start := c.clock.Now()
	if err := bo.Do(ctx); err != nil {
		return trace.Wrap(err)
	}
	if rest := min - c.clock.Now().Sub(start); rest > 0 {
		return trace.Wrap(c.sleep(ctx, rest))
	}
	return nil
}

func (c *Client) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-c.clock.After(d):
		return nil
	case <-ctx.Done():
		return trace.Wrap(ctx.Err())
	}
}

// observe feeds server-reported rate limit headers back into the limiter.
func (c *Client) observe(resp *resty.Response) {
	remaining := ratelimit.ParseRemaining(resp.Header().Get(ratelimit.HeaderRemaining))
	resetAt := ratelimit.ParseReset(resp.Header().Get(ratelimit.HeaderReset))
	if remaining >= 0 || !resetAt.IsZero() {
		c.limiter.ObserveResponseHeaders(remaining, resetAt)
	}
}

// parseAPIError probes the error body for the JSON:API-style shape the Focus
// API uses; shapes vary by endpoint, so missing fields are fine.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status}
	if title := gjson.GetBytes(body, "errors.0.title"); title.Exists() {
		apiErr.Title = title.String()
	}
	if code := gjson.GetBytes(body, "errors.0.code"); code.Exists() {
		apiErr.Code = code.String()
	}
	if apiErr.Title == "" {
		if message := gjson.GetBytes(body, "message"); message.Exists() {
			apiErr.Title = message.String()
		}
	}
	return apiErr
}
