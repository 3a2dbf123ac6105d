// Package teamleader is a client for the Teamleader Focus API. Every
// outbound call goes through one dispatch policy that owns token lifecycle,
// rate limiting and retries; resource wrappers never touch those directly.
package teamleader

import (
	"context"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/MCore-Services-bv/teamleader-go/auth"
	"github.com/MCore-Services-bv/teamleader-go/auth/lock"
	"github.com/MCore-Services-bv/teamleader-go/auth/oauth"
	"github.com/MCore-Services-bv/teamleader-go/auth/storage"
	"github.com/MCore-Services-bv/teamleader-go/lib/logger"
	"github.com/MCore-Services-bv/teamleader-go/ratelimit"
)

const (
	// DefaultAPIBaseURL is the Teamleader Focus API endpoint.
	DefaultAPIBaseURL = "https://api.focus.teamleader.eu"

	apiHTTPTimeout = 30 * time.Second
	apiMaxConns    = 100
)

// Client is the Teamleader Focus API client.
type Client struct {
	conf       Config
	http       *resty.Client
	auth       *auth.Manager
	authorizer *oauth.TeamleaderAuthorizer
	limiter    *ratelimit.Limiter
	clock      clockwork.Clock
	log        logrus.FieldLogger
}

type clientOptions struct {
	store     storage.Store
	cache     storage.Cache
	lock      lock.Lock
	clock     clockwork.Clock
	transport http.RoundTripper
	log       logrus.FieldLogger
}

// Option customizes client construction, mostly for tests and for
// deployments that bring their own storage or lock backends.
type Option func(*clientOptions)

// WithStore plugs in a durable token store backend.
func WithStore(store storage.Store) Option {
	return func(o *clientOptions) { o.store = store }
}

// WithCache plugs in a token cache backend.
func WithCache(cache storage.Cache) Option {
	return func(o *clientOptions) { o.cache = cache }
}

// WithLock plugs in a distributed lock backend.
func WithLock(l lock.Lock) Option {
	return func(o *clientOptions) { o.lock = l }
}

// WithClock substitutes the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(o *clientOptions) { o.clock = clock }
}

// WithTransport substitutes the HTTP transport.
func WithTransport(transport http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = transport }
}

// WithLogger substitutes the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *clientOptions) { o.log = log }
}

// NewClient builds a client from the configuration. Unless overridden via
// options, tokens live in a diskv store under auth.storage_dir, or in memory
// when no directory is configured.
func NewClient(conf Config, opts ...Option) (*Client, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	var options clientOptions
	for _, opt := range opts {
		opt(&options)
	}
	if options.clock == nil {
		options.clock = clockwork.NewRealClock()
	}
	if options.log == nil {
		options.log = logger.Standard()
	}
	if options.store == nil {
		if conf.Auth.StorageDir != "" {
			store, err := storage.NewDiskvStore(conf.Auth.StorageDir)
			if err != nil {
				return nil, trace.Wrap(err)
			}
			options.store = store
		} else {
			options.store = storage.NewMemoryStore()
		}
	}
	if options.cache == nil {
		options.cache = storage.NewMemoryCache(options.clock)
	}
	if options.lock == nil {
		options.lock = lock.NewMemoryLock(options.clock)
	}

	authorizer, err := oauth.NewTeamleaderAuthorizer(oauth.AuthorizerConfig{
		ClientID:     conf.Teamleader.ClientID,
		ClientSecret: conf.Teamleader.ClientSecret,
		BaseURL:      conf.Teamleader.AuthURL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	manager, err := auth.NewManager(auth.ManagerConfig{
		Store:        options.store,
		Cache:        options.cache,
		Lock:         options.lock,
		Refresher:    authorizer,
		Exchanger:    authorizer,
		Clock:        options.clock,
		Log:          options.log,
		ExpiryMargin: conf.Auth.ExpiryMargin(),
		LockTTL:      conf.Auth.LockTTL(),
		LockWait:     conf.Auth.LockWait(),
		PollTimeout:  conf.Auth.PollTimeout(),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	limiter, err := ratelimit.NewLimiter(ratelimit.Config{
		Limit:             conf.RateLimit.Limit,
		Window:            conf.RateLimit.Window(),
		ThrottleThreshold: conf.RateLimit.ThrottleThreshold,
		MaxDelay:          conf.RateLimit.MaxDelay(),
		Clock:             options.clock,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	httpClient := &http.Client{
		Timeout: apiHTTPTimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     apiMaxConns,
			MaxIdleConnsPerHost: apiMaxConns,
		},
	}
	if options.transport != nil {
		httpClient.Transport = options.transport
	}
	restyClient := resty.NewWithClient(httpClient).
		SetBaseURL(conf.Teamleader.APIURL).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{
		conf:       conf,
		http:       restyClient,
		auth:       manager,
		authorizer: authorizer,
		limiter:    limiter,
		clock:      options.clock,
		log:        options.log,
	}, nil
}

// AuthorizationURL returns the URL the user must visit to grant the
// integration access to their Teamleader account.
func (c *Client) AuthorizationURL(state string) (string, error) {
	url, err := c.authorizer.AuthorizationURL(c.conf.Teamleader.RedirectURL, state)
	return url, trace.Wrap(err)
}

// Authenticate exchanges an authorization code for tokens and stores them.
func (c *Client) Authenticate(ctx context.Context, authorizationCode string) error {
	return trace.Wrap(c.auth.ExchangeCode(ctx, authorizationCode, c.conf.Teamleader.RedirectURL))
}

// Logout discards the stored tokens.
func (c *Client) Logout(ctx context.Context) error {
	return trace.Wrap(c.auth.Clear(ctx))
}

// IsAuthenticated reports whether a usable token record is present.
func (c *Client) IsAuthenticated(ctx context.Context) bool {
	return c.auth.IsAuthenticated(ctx)
}

// Stats returns a snapshot of the rate limiter state.
func (c *Client) Stats() ratelimit.Stats {
	return c.limiter.Stats()
}
