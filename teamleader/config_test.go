package teamleader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gravitational/trace"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	testCases := []struct {
		desc      string
		in        string
		expectErr require.ErrorAssertionFunc
		check     func(*testing.T, *Config)
	}{
		{
			desc: "minimal config gets defaults",
			in: `
			[teamleader]
			client_id = "my-id"
			client_secret = "my-secret"
			`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, DefaultAPIBaseURL, c.Teamleader.APIURL)
				require.Equal(t, 200, c.RateLimit.Limit)
				require.Equal(t, 60, c.RateLimit.WindowSeconds)
				require.Equal(t, 0.7, c.RateLimit.ThrottleThreshold)
				require.Equal(t, 3, c.Retry.MaxRetries)
				require.Equal(t, 30, c.Auth.ExpiryMarginSeconds)
				require.Equal(t, 10, c.Auth.LockTTLSeconds)
			},
		},
		{
			desc: "explicit values survive",
			in: `
			[teamleader]
			client_id = "my-id"
			client_secret = "my-secret"
			api_url = "https://sandbox.example.com"

			[ratelimit]
			limit = 50
			window_seconds = 30

			[retry]
			max_retries = 5
			`,
			check: func(t *testing.T, c *Config) {
				require.Equal(t, "https://sandbox.example.com", c.Teamleader.APIURL)
				require.Equal(t, 50, c.RateLimit.Limit)
				require.Equal(t, 30, c.RateLimit.WindowSeconds)
				require.Equal(t, 5, c.Retry.MaxRetries)
			},
		},
		{
			desc: "missing client_id",
			in: `
			[teamleader]
			client_secret = "my-secret"
			`,
			expectErr: func(tt require.TestingT, e error, i ...interface{}) {
				require.Error(t, e)
				require.True(t, trace.IsBadParameter(e))
			},
		},
		{
			desc: "missing client_secret",
			in: `
			[teamleader]
			client_id = "my-id"
			`,
			expectErr: func(tt require.TestingT, e error, i ...interface{}) {
				require.Error(t, e)
				require.True(t, trace.IsBadParameter(e))
			},
		},
		{
			desc: "lock wait exceeding lock ttl",
			in: `
			[teamleader]
			client_id = "my-id"
			client_secret = "my-secret"

			[auth]
			lock_ttl_seconds = 2
			lock_wait_seconds = 5
			`,
			expectErr: func(tt require.TestingT, e error, i ...interface{}) {
				require.Error(t, e)
				require.True(t, trace.IsBadParameter(e))
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			filePath := filepath.Join(t.TempDir(), "config_test.toml")
			err := os.WriteFile(filePath, []byte(tc.in), 0777)
			require.NoError(t, err)

			c, err := LoadConfig(filePath)
			if tc.expectErr != nil {
				tc.expectErr(t, err)
				return
			}

			require.NoError(t, err)
			tc.check(t, c)
		})
	}
}

func TestLoadConfigSecretFromFile(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(secretPath, []byte("file-secret\n"), 0600))

	confPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(confPath, []byte(`
	[teamleader]
	client_id = "my-id"
	client_secret = "`+secretPath+`"
	`), 0777))

	c, err := LoadConfig(confPath)
	require.NoError(t, err)
	require.Equal(t, "file-secret", c.Teamleader.ClientSecret)
}

func TestExampleConfigIsValid(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "example.toml")
	require.NoError(t, os.WriteFile(filePath, []byte(ExampleConfig()), 0777))

	c, err := LoadConfig(filePath)
	require.NoError(t, err)
	require.Equal(t, "my-integration-id", c.Teamleader.ClientID)
	require.Equal(t, 200, c.RateLimit.Limit)
	require.Equal(t, "stderr", c.Log.Output)
}
