package teamleader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"
	"github.com/stretchr/testify/require"

	"github.com/MCore-Services-bv/teamleader-go/auth"
	"github.com/MCore-Services-bv/teamleader-go/lib"
)

type apiRequest struct {
	Method string
	Path   string
	Query  string
	Token  string
	Body   []byte
}

// fakeFocus fakes both the Focus API and its authorization server.
type fakeFocus struct {
	apiSrv  *httptest.Server
	authSrv *httptest.Server

	respond atomic.Value // func(http.ResponseWriter, apiRequest)

	mu         sync.Mutex
	requests   []apiRequest
	tokenCalls int
}

func newFakeFocus(t *testing.T) *fakeFocus {
	f := &fakeFocus{}

	api := httprouter.New()
	api.NotFound = http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			body = nil
		}
		req := apiRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.RawQuery,
			Token:  r.Header.Get("Authorization"),
			Body:   body,
		}
		f.mu.Lock()
		f.requests = append(f.requests, req)
		f.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		f.respond.Load().(func(http.ResponseWriter, apiRequest))(rw, req)
	})
	f.apiSrv = httptest.NewServer(api)
	t.Cleanup(f.apiSrv.Close)

	authRouter := httprouter.New()
	authRouter.POST("/oauth2/access_token", func(rw http.ResponseWriter, r *http.Request, _ httprouter.Params) {
		f.mu.Lock()
		f.tokenCalls++
		n := f.tokenCalls
		f.mu.Unlock()
		rw.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(rw, `{"access_token":"token-%d","refresh_token":"refresh-%d","token_type":"Bearer","expires_in":3600}`, n, n)
	})
	f.authSrv = httptest.NewServer(authRouter)
	t.Cleanup(f.authSrv.Close)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.Write([]byte(`{"data":[]}`))
	})
	return f
}

func (f *fakeFocus) respondWith(fn func(http.ResponseWriter, apiRequest)) {
	f.respond.Store(fn)
}

func (f *fakeFocus) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeFocus) request(i int) apiRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[i]
}

func (f *fakeFocus) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenCalls
}

func newTestClient(t *testing.T, f *fakeFocus, opts ...Option) *Client {
	conf := Config{
		Teamleader: TeamleaderConfig{
			ClientID:     "test-client",
			ClientSecret: "test-secret",
			APIURL:       f.apiSrv.URL,
			AuthURL:      f.authSrv.URL,
		},
		Retry: RetryConfig{
			MaxRetries:      3,
			BaseDelayMillis: 1,
			MaxDelaySeconds: 1,
		},
	}
	client, err := NewClient(conf, opts...)
	require.NoError(t, err)

	require.NoError(t, client.auth.SetTokens(context.Background(), "test-token", "test-refresh", "", 3600))
	return client
}

func TestDispatchGet(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.Header().Set("X-RateLimit-Remaining", "123")
		rw.Write([]byte(`{"data":[{"id":"c1"},{"id":"c2"}]}`))
	})

	type listQuery struct {
		PageSize int `url:"page[size]"`
	}
	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := client.Get(context.Background(), "companies.list", listQuery{PageSize: 20}, &result)
	require.NoError(t, err)
	require.Len(t, result.Data, 2)
	require.Equal(t, "c1", result.Data[0].ID)

	require.Equal(t, 1, f.requestCount())
	req := f.request(0)
	require.Equal(t, http.MethodGet, req.Method)
	require.Equal(t, "/companies.list", req.Path)
	require.Contains(t, req.Query, "page%5Bsize%5D=20")
	require.Equal(t, "Bearer test-token", req.Token)

	// The server-reported remaining capacity took over the local estimate.
	require.Equal(t, 123, client.Stats().Remaining)
}

func TestDispatchPost(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.Write([]byte(`{"data":{"type":"company","id":"new-id"}}`))
	})

	payload := map[string]string{"name": "ACME"}
	var result struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	err := client.Post(context.Background(), "companies.add", payload, &result)
	require.NoError(t, err)
	require.Equal(t, "new-id", result.Data.ID)

	req := f.request(0)
	require.Equal(t, http.MethodPost, req.Method)

	var sent map[string]string
	require.NoError(t, lib.FastUnmarshal(req.Body, &sent))
	require.Equal(t, "ACME", sent["name"])
}

func TestDispatchRefreshesOn401(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		if req.Token == "Bearer test-token" {
			rw.WriteHeader(http.StatusUnauthorized)
			return
		}
		rw.Write([]byte(`{"data":[]}`))
	})

	_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.NoError(t, err)

	require.Equal(t, 2, f.requestCount())
	require.Equal(t, 1, f.refreshCount())
	require.Equal(t, "Bearer token-1", f.request(1).Token)
}

func TestDispatchGivesUpOnSecond401(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.WriteHeader(http.StatusUnauthorized)
	})

	_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.Error(t, err)
	require.True(t, auth.HasKind(err, auth.KindUnauthorized))

	// One original send plus one resend with a freshly refreshed token.
	require.Equal(t, 2, f.requestCount())
	require.Equal(t, 1, f.refreshCount())
}

func TestDispatchRetries429(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	var calls int64
	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		if atomic.AddInt64(&calls, 1) <= 2 {
			rw.Header().Set("Retry-After", "0")
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		rw.Write([]byte(`{"data":[]}`))
	})

	resp, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, 3, f.requestCount())
}

func TestDispatch429BudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.Error(t, err)
	require.True(t, IsRateLimitError(err))

	rlErr, ok := trace.Unwrap(err).(*RateLimitError)
	require.True(t, ok)
	require.Equal(t, 4, rlErr.Attempts)
	require.Equal(t, 4, f.requestCount())
}

func TestDispatch5xxBudgetExhausted(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.WriteHeader(http.StatusBadGateway)
	})

	_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.Error(t, err)
	require.True(t, IsTransientError(err))
	require.Equal(t, 4, f.requestCount())
}

func TestDispatchAPIError(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	client := newTestClient(t, f)

	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		rw.WriteHeader(http.StatusBadRequest)
		rw.Write([]byte(`{"errors":[{"code":"invalid_filter","title":"Unknown filter field"}]}`))
	})

	_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
	require.Error(t, err)
	require.False(t, IsTransientError(err))

	apiErr, ok := GetAPIError(err)
	require.True(t, ok)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "invalid_filter", apiErr.Code)
	require.Equal(t, "Unknown filter field", apiErr.Title)

	// A client mistake is not retried.
	require.Equal(t, 1, f.requestCount())
}

func TestDispatchHonorsRetryAfter(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	clock := clockwork.NewFakeClock()
	client := newTestClient(t, f, WithClock(clock))

	var calls int64
	f.respondWith(func(rw http.ResponseWriter, req apiRequest) {
		if atomic.AddInt64(&calls, 1) == 1 {
			rw.Header().Set("Retry-After", "2")
			rw.WriteHeader(http.StatusTooManyRequests)
			return
		}
		rw.Write([]byte(`{"data":[]}`))
	})

	done := make(chan error, 1)
	start := clock.Now()
	go func() {
		_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
		done <- err
	}()

	// Drive the fake clock until the dispatch finishes and check the total
	// wait covered the server's Retry-After.
	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.GreaterOrEqual(t, clock.Since(start), 2*time.Second)
			require.Equal(t, 2, f.requestCount())
			return
		case <-deadline:
			t.Fatal("dispatch did not finish")
		default:
			clock.Advance(5 * time.Millisecond)
			runtime.Gosched()
		}
	}
}

func TestDispatchLocalThrottle(t *testing.T) {
	t.Parallel()
	f := newFakeFocus(t)
	clock := clockwork.NewFakeClock()
	client := newTestClient(t, f, WithClock(clock))

	// Fill the window right up to the ceiling; one slot stays free, so the
	// dispatcher pays one throttle delay and then proceeds.
	for i := 0; i < client.conf.RateLimit.Limit-1; i++ {
		client.limiter.RecordRequest()
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.Dispatch(context.Background(), http.MethodGet, "companies.list", nil)
		done <- err
	}()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case err := <-done:
			require.NoError(t, err)
			require.Equal(t, 1, f.requestCount())
			return
		case <-deadline:
			t.Fatal("dispatch did not finish")
		default:
			clock.Advance(5 * time.Millisecond)
			runtime.Gosched()
		}
	}
}
