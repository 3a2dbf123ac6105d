package teamleader

import (
	"os"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/pelletier/go-toml"

	"github.com/MCore-Services-bv/teamleader-go/lib/logger"
)

// Config stores the full configuration of a Teamleader client.
type Config struct {
	Teamleader TeamleaderConfig `toml:"teamleader"`
	RateLimit  RateLimitConfig  `toml:"ratelimit"`
	Retry      RetryConfig      `toml:"retry"`
	Auth       AuthConfig       `toml:"auth"`
	Log        logger.Config    `toml:"log"`
}

// TeamleaderConfig holds the OAuth2 integration credentials and endpoints.
type TeamleaderConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	RedirectURL  string `toml:"redirect_url"`
	// APIURL and AuthURL are overridden only in tests.
	APIURL  string `toml:"api_url"`
	AuthURL string `toml:"auth_url"`
}

// RateLimitConfig holds the sliding-window settings.
type RateLimitConfig struct {
	Limit             int     `toml:"limit"`
	WindowSeconds     int     `toml:"window_seconds"`
	ThrottleThreshold float64 `toml:"throttle_threshold"`
	MaxDelaySeconds   int     `toml:"max_delay_seconds"`
}

// Window returns the window length as a duration.
func (c RateLimitConfig) Window() time.Duration {
	return time.Duration(c.WindowSeconds) * time.Second
}

// MaxDelay returns the delay cap as a duration.
func (c RateLimitConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// RetryConfig bounds the dispatcher's retry behavior.
type RetryConfig struct {
	MaxRetries      int `toml:"max_retries"`
	BaseDelayMillis int `toml:"base_delay_ms"`
	MaxDelaySeconds int `toml:"max_delay_seconds"`
}

// BaseDelay returns the backoff base as a duration.
func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMillis) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelaySeconds) * time.Second
}

// AuthConfig holds token lifecycle settings.
type AuthConfig struct {
	// StorageDir is where the durable token record lives. When empty the
	// client keeps tokens in memory only.
	StorageDir          string `toml:"storage_dir"`
	ExpiryMarginSeconds int    `toml:"expiry_margin_seconds"`
	LockTTLSeconds      int    `toml:"lock_ttl_seconds"`
	LockWaitSeconds     int    `toml:"lock_wait_seconds"`
	PollTimeoutSeconds  int    `toml:"poll_timeout_seconds"`
}

// ExpiryMargin returns the safety margin as a duration.
func (c AuthConfig) ExpiryMargin() time.Duration {
	return time.Duration(c.ExpiryMarginSeconds) * time.Second
}

// LockTTL returns the refresh lock TTL as a duration.
func (c AuthConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// LockWait returns the lock acquisition budget as a duration.
func (c AuthConfig) LockWait() time.Duration {
	return time.Duration(c.LockWaitSeconds) * time.Second
}

// PollTimeout returns the peer-refresh wait budget as a duration.
func (c AuthConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSeconds) * time.Second
}

const exampleConfig = `# Example teamleader client configuration TOML file

[teamleader]
client_id = "my-integration-id"         # Teamleader Marketplace client ID
client_secret = "my-integration-secret" # Teamleader Marketplace client secret
redirect_url = "https://example.com/oauth/callback"

[ratelimit]
limit = 200              # Requests allowed per sliding window
window_seconds = 60      # Window length
throttle_threshold = 0.7 # Usage fraction where gradual slowdown starts
max_delay_seconds = 10   # Longest wait the limiter may ask for

[retry]
max_retries = 3       # Retry budget for 429/5xx/network failures
base_delay_ms = 500   # Backoff base
max_delay_seconds = 8 # Backoff cap

[auth]
storage_dir = "/var/lib/teamleader"  # Token record directory; empty keeps tokens in memory
expiry_margin_seconds = 30           # Refresh this long before the real expiry
lock_ttl_seconds = 10                # Refresh lock TTL
lock_wait_seconds = 5                # How long to wait for the refresh lock
poll_timeout_seconds = 5             # How long to wait for a peer's refresh

[log]
output = "stderr" # Logger output. Could be "stdout", "stderr" or "/var/log/teamleader.log"
severity = "INFO" # Logger severity. Could be "INFO", "ERROR", "DEBUG" or "WARN".
`

// ExampleConfig returns an example TOML configuration.
func ExampleConfig() string {
	return exampleConfig
}

// LoadConfig reads the config file, initializes a new Config struct object, and returns it.
// Optionally returns an error if the file is not readable, or if file format is invalid.
func LoadConfig(filepath string) (*Config, error) {
	t, err := toml.LoadFile(filepath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	conf := &Config{}
	if err := t.Unmarshal(conf); err != nil {
		return nil, trace.Wrap(err)
	}
	if strings.HasPrefix(conf.Teamleader.ClientSecret, "/") {
		secretBytes, err := os.ReadFile(conf.Teamleader.ClientSecret)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		conf.Teamleader.ClientSecret = strings.TrimSpace(string(secretBytes))
	}
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return conf, nil
}

// CheckAndSetDefaults checks the config struct for any logical errors, and sets default values
// if some values are missing.
func (c *Config) CheckAndSetDefaults() error {
	if c.Teamleader.ClientID == "" {
		return trace.BadParameter("missing required value teamleader.client_id")
	}
	if c.Teamleader.ClientSecret == "" {
		return trace.BadParameter("missing required value teamleader.client_secret")
	}
	if c.Teamleader.APIURL == "" {
		c.Teamleader.APIURL = DefaultAPIBaseURL
	}

	if c.RateLimit.Limit == 0 {
		c.RateLimit.Limit = 200
	}
	if c.RateLimit.WindowSeconds == 0 {
		c.RateLimit.WindowSeconds = 60
	}
	if c.RateLimit.ThrottleThreshold == 0 {
		c.RateLimit.ThrottleThreshold = 0.7
	}
	if c.RateLimit.MaxDelaySeconds == 0 {
		c.RateLimit.MaxDelaySeconds = 10
	}

	if c.Retry.MaxRetries == 0 {
		c.Retry.MaxRetries = 3
	}
	if c.Retry.BaseDelayMillis == 0 {
		c.Retry.BaseDelayMillis = 500
	}
	if c.Retry.MaxDelaySeconds == 0 {
		c.Retry.MaxDelaySeconds = 8
	}

	if c.Auth.ExpiryMarginSeconds == 0 {
		c.Auth.ExpiryMarginSeconds = 30
	}
	if c.Auth.LockTTLSeconds == 0 {
		c.Auth.LockTTLSeconds = 10
	}
	if c.Auth.LockWaitSeconds == 0 {
		c.Auth.LockWaitSeconds = 5
	}
	if c.Auth.PollTimeoutSeconds == 0 {
		c.Auth.PollTimeoutSeconds = 5
	}
	if c.Auth.LockWaitSeconds > c.Auth.LockTTLSeconds {
		return trace.BadParameter("auth.lock_wait_seconds must not exceed auth.lock_ttl_seconds")
	}

	return nil
}
