package oauth

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/go-querystring/query"
	"github.com/gravitational/trace"
	"github.com/sethvargo/go-limiter"
	"github.com/sethvargo/go-limiter/memorystore"
)

const (
	// DefaultAuthBaseURL is the Teamleader Focus authorization server.
	DefaultAuthBaseURL = "https://focus.teamleader.eu"

	tokenEndpoint     = "oauth2/access_token"
	authorizeEndpoint = "oauth2/authorize"

	authHTTPTimeout = 10 * time.Second
	authMaxConns    = 10

	// Refresh attempts against the token endpoint are capped so a dead
	// refresh token cannot make the client hammer the identity provider.
	defaultAttemptBudget   = 10
	defaultAttemptInterval = time.Minute
)

// AuthorizerConfig holds the settings of the Teamleader authorizer.
type AuthorizerConfig struct {
	ClientID     string
	ClientSecret string
	// BaseURL overrides the authorization server, set only in tests.
	BaseURL string
	// AttemptBudget caps token-endpoint calls per AttemptInterval.
	AttemptBudget   uint64
	AttemptInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *AuthorizerConfig) CheckAndSetDefaults() error {
	if c.ClientID == "" {
		return trace.BadParameter("client id is not set")
	}
	if c.ClientSecret == "" {
		return trace.BadParameter("client secret is not set")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultAuthBaseURL
	}
	if c.AttemptBudget == 0 {
		c.AttemptBudget = defaultAttemptBudget
	}
	if c.AttemptInterval == 0 {
		c.AttemptInterval = defaultAttemptInterval
	}
	return nil
}

// TeamleaderAuthorizer implements Authorizer for the Teamleader Focus
// authorization server.
type TeamleaderAuthorizer struct {
	client   *resty.Client
	conf     AuthorizerConfig
	attempts limiter.Store
}

// NewTeamleaderAuthorizer returns a new authorizer.
func NewTeamleaderAuthorizer(conf AuthorizerConfig) (*TeamleaderAuthorizer, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}

	attempts, err := memorystore.New(&memorystore.Config{
		Tokens:   conf.AttemptBudget,
		Interval: conf.AttemptInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	client := resty.NewWithClient(&http.Client{
		Timeout: authHTTPTimeout,
		Transport: &http.Transport{
			MaxConnsPerHost:     authMaxConns,
			MaxIdleConnsPerHost: authMaxConns,
		},
	})
	client.SetBaseURL(conf.BaseURL)
	client.SetHeader("Accept", "application/json")

	return &TeamleaderAuthorizer{
		client:   client,
		conf:     conf,
		attempts: attempts,
	}, nil
}

type accessResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
}

type errorResponse struct {
	ErrorCode        string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// authorizeQuery is serialized by go-querystring into the authorize URL.
type authorizeQuery struct {
	ClientID     string `url:"client_id"`
	ResponseType string `url:"response_type"`
	RedirectURI  string `url:"redirect_uri,omitempty"`
	State        string `url:"state,omitempty"`
}

// AuthorizationURL builds the URL the user must visit to grant access.
func (a *TeamleaderAuthorizer) AuthorizationURL(redirectURI, state string) (string, error) {
	values, err := query.Values(authorizeQuery{
		ClientID:     a.conf.ClientID,
		ResponseType: "code",
		RedirectURI:  redirectURI,
		State:        state,
	})
	if err != nil {
		return "", trace.Wrap(err)
	}

	u, err := url.Parse(a.conf.BaseURL)
	if err != nil {
		return "", trace.Wrap(err)
	}
	u.Path = "/" + authorizeEndpoint
	u.RawQuery = values.Encode()
	return u.String(), nil
}

// Exchange implements Exchanger.
func (a *TeamleaderAuthorizer) Exchange(ctx context.Context, authorizationCode string, redirectURI string) (*Credentials, error) {
	return a.token(ctx, map[string]string{
		"client_id":     a.conf.ClientID,
		"client_secret": a.conf.ClientSecret,
		"grant_type":    "authorization_code",
		"code":          authorizationCode,
		"redirect_uri":  redirectURI,
	})
}

// Refresh implements Refresher.
func (a *TeamleaderAuthorizer) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	_, _, _, ok, err := a.attempts.Take(ctx, a.conf.ClientID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !ok {
		return nil, trace.LimitExceeded("too many token refresh attempts, next budget in %s", a.conf.AttemptInterval)
	}

	return a.token(ctx, map[string]string{
		"client_id":     a.conf.ClientID,
		"client_secret": a.conf.ClientSecret,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	})
}

func (a *TeamleaderAuthorizer) token(ctx context.Context, form map[string]string) (*Credentials, error) {
	var result accessResponse
	var errResult errorResponse

	resp, err := a.client.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&result).
		SetError(&errResult).
		Post(tokenEndpoint)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "token endpoint request failed")
	}

	if resp.IsError() {
		if errResult.ErrorCode != "" {
			return nil, trace.Wrap(&Error{
				Code:        errResult.ErrorCode,
				Description: errResult.ErrorDescription,
			})
		}
		return nil, trace.Errorf("token endpoint returned %v: %s", resp.StatusCode(), resp.Body())
	}

	if result.AccessToken == "" {
		return nil, trace.Errorf("token endpoint response is missing access_token")
	}

	return &Credentials{
		AccessToken:  result.AccessToken,
		RefreshToken: result.RefreshToken,
		TokenType:    result.TokenType,
		ExpiresIn:    result.ExpiresIn,
	}, nil
}

var _ Authorizer = (*TeamleaderAuthorizer)(nil)
