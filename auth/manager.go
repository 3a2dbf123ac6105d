// Package auth owns the OAuth2 token lifecycle: it hands out valid access
// tokens, refreshes them on demand and keeps the durable store and the fast
// cache in agreement.
//
// Refresh is serialized on two levels. A singleflight group collapses
// concurrent callers within the process, and a distributed lock serializes
// refresh across processes sharing the durable store. A caller that cannot
// get the lock does not refresh: it polls the store for the winner's token
// and fails fast if none appears, since serving a stale token would only
// produce guaranteed 401s downstream.
package auth

import (
	"context"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/MCore-Services-bv/teamleader-go/auth/lock"
	"github.com/MCore-Services-bv/teamleader-go/auth/oauth"
	"github.com/MCore-Services-bv/teamleader-go/auth/storage"
	"github.com/MCore-Services-bv/teamleader-go/lib/logger"
)

const (
	defaultExpiryMargin = 30 * time.Second
	defaultLockKey      = "oauth-refresh"
	defaultLockTTL      = 10 * time.Second
	defaultLockWait     = 5 * time.Second
	defaultPollInterval = 250 * time.Millisecond
	defaultPollTimeout  = 5 * time.Second
	defaultCacheKey     = "teamleader/token"
	defaultCacheTTL     = time.Minute

	refreshFlightKey = "refresh"
)

// ManagerConfig wires the manager's collaborators and tuning knobs.
type ManagerConfig struct {
	Store     storage.Store
	Cache     storage.Cache
	Lock      lock.Lock
	Refresher oauth.Refresher
	// Exchanger is optional; required only for ExchangeCode.
	Exchanger oauth.Exchanger
	Clock     clockwork.Clock
	Log       logrus.FieldLogger

	// ExpiryMargin is how long before the actual expiry a token is already
	// treated as expired. It also absorbs clock skew between processes.
	ExpiryMargin time.Duration
	// LockKey/LockTTL configure the distributed refresh lock. LockWait is
	// the acquisition budget and must not exceed LockTTL, so that a waiter
	// never times out while still holding a useful lock.
	LockKey  string
	LockTTL  time.Duration
	LockWait time.Duration
	// PollInterval/PollTimeout bound the wait for a peer's refresh result.
	PollInterval time.Duration
	PollTimeout  time.Duration
	CacheKey     string
	CacheTTL     time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *ManagerConfig) CheckAndSetDefaults() error {
	if c.Store == nil {
		return trace.BadParameter("manager config is missing Store")
	}
	if c.Cache == nil {
		return trace.BadParameter("manager config is missing Cache")
	}
	if c.Lock == nil {
		return trace.BadParameter("manager config is missing Lock")
	}
	if c.Refresher == nil {
		return trace.BadParameter("manager config is missing Refresher")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Log == nil {
		c.Log = logger.Standard()
	}
	if c.ExpiryMargin == 0 {
		c.ExpiryMargin = defaultExpiryMargin
	}
	if c.LockKey == "" {
		c.LockKey = defaultLockKey
	}
	if c.LockTTL == 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.LockWait == 0 {
		c.LockWait = defaultLockWait
	}
	if c.LockWait > c.LockTTL {
		return trace.BadParameter("LockWait %s exceeds LockTTL %s", c.LockWait, c.LockTTL)
	}
	if c.PollInterval == 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.PollTimeout == 0 {
		c.PollTimeout = defaultPollTimeout
	}
	if c.CacheKey == "" {
		c.CacheKey = defaultCacheKey
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = defaultCacheTTL
	}
	return nil
}

// Manager is the token lifecycle manager.
type Manager struct {
	conf  ManagerConfig
	clock clockwork.Clock
	log   logrus.FieldLogger

	group singleflight.Group

	mu sync.Mutex
	// stale is an access token a 401 proved dead; it is refreshed on the
	// next request regardless of its recorded expiry.
	stale string
}

// NewManager creates a token lifecycle manager.
func NewManager(conf ManagerConfig) (*Manager, error) {
	if err := conf.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Manager{
		conf:  conf,
		clock: conf.Clock,
		log:   conf.Log,
	}, nil
}

// GetValidAccessToken returns an access token that is valid now. If the
// current token is within the expiry margin it is refreshed first; the call
// fails rather than returning a token known to be stale.
func (m *Manager) GetValidAccessToken(ctx context.Context) (string, error) {
	record, err := m.current(ctx)
	if err != nil && !trace.IsNotFound(err) {
		return "", trace.Wrap(err)
	}
	if record != nil && m.usable(record) {
		return record.AccessToken, nil
	}

	token, err, _ := m.group.Do(refreshFlightKey, func() (interface{}, error) {
		// The flight is shared by every collapsed caller, so the winning
		// caller's cancellation must not fail the others. The refresh has
		// its own bounded waits and HTTP timeouts.
		return m.refresh(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", trace.Wrap(err)
	}
	return token.(string), nil
}

// SetTokens atomically replaces the current token record. The durable store
// is written before the cache so a crash in between never leaves the cache
// ahead of the store.
func (m *Manager) SetTokens(ctx context.Context, accessToken, refreshToken, tokenType string, expiresIn int) error {
	record := storage.NewTokenRecord(accessToken, refreshToken, tokenType, expiresIn, m.clock.Now())
	if err := m.conf.Store.Save(ctx, record); err != nil {
		return trace.Wrap(err)
	}
	m.cachePut(ctx, record)

	m.mu.Lock()
	m.stale = ""
	m.mu.Unlock()
	return nil
}

// Clear removes the token from the store and the cache. Until a new OAuth
// exchange happens, GetValidAccessToken fails as unauthenticated.
func (m *Manager) Clear(ctx context.Context) error {
	if err := m.conf.Store.Delete(ctx); err != nil {
		return trace.Wrap(err)
	}
	if err := m.conf.Cache.Forget(ctx, m.conf.CacheKey); err != nil {
		return trace.Wrap(err)
	}

	m.mu.Lock()
	m.stale = ""
	m.mu.Unlock()
	return nil
}

// ForceExpire marks the given access token as dead so the next
// GetValidAccessToken refreshes regardless of the recorded expiry. The
// dispatcher calls this after a 401.
func (m *Manager) ForceExpire(accessToken string) {
	m.mu.Lock()
	m.stale = accessToken
	m.mu.Unlock()
}

// ExchangeCode performs the authorization-code exchange and stores the
// resulting tokens. This is the entry point of first-time authentication.
func (m *Manager) ExchangeCode(ctx context.Context, authorizationCode, redirectURI string) error {
	if m.conf.Exchanger == nil {
		return trace.BadParameter("manager has no Exchanger configured")
	}
	creds, err := m.conf.Exchanger.Exchange(ctx, authorizationCode, redirectURI)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(m.SetTokens(ctx, creds.AccessToken, creds.RefreshToken, creds.TokenType, creds.ExpiresIn))
}

// IsAuthenticated reports whether a token record exists that is either still
// valid or refreshable.
func (m *Manager) IsAuthenticated(ctx context.Context) bool {
	record, err := m.current(ctx)
	if err != nil || record == nil {
		return false
	}
	return record.Valid(m.clock.Now(), 0) || record.RefreshToken != ""
}

// current reads the cache first and falls back to the durable store,
// repopulating the cache on the way back up.
func (m *Manager) current(ctx context.Context) (*storage.TokenRecord, error) {
	record, err := m.conf.Cache.Get(ctx, m.conf.CacheKey)
	if err == nil {
		return record, nil
	}
	if !trace.IsNotFound(err) {
		m.log.WithError(err).Warn("Token cache read failed, falling back to the store")
	}

	record, err = m.conf.Store.Load(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	m.cachePut(ctx, record)
	return record, nil
}

func (m *Manager) cachePut(ctx context.Context, record *storage.TokenRecord) {
	// The cache is a best-effort accelerator: a write failure is logged,
	// not propagated, because the store already has the record.
	if err := m.conf.Cache.Put(ctx, m.conf.CacheKey, record, m.conf.CacheTTL); err != nil {
		m.log.WithError(err).Warn("Failed to cache the token record")
	}
}

func (m *Manager) usable(record *storage.TokenRecord) bool {
	m.mu.Lock()
	stale := m.stale
	m.mu.Unlock()
	if stale != "" && record.AccessToken == stale {
		return false
	}
	return record.Valid(m.clock.Now(), m.conf.ExpiryMargin)
}

// refresh runs inside the singleflight group: one flight per process.
func (m *Manager) refresh(ctx context.Context) (string, error) {
	log := logger.Get(ctx)

	// Re-check against the authoritative store first: the flight may have
	// queued behind a refresh that already replaced the token.
	record, err := m.conf.Store.Load(ctx)
	if err != nil {
		if trace.IsNotFound(err) {
			return "", trace.Wrap(NewError(KindUnauthenticated, err))
		}
		return "", trace.Wrap(err)
	}
	if m.usable(record) {
		m.cachePut(ctx, record)
		return record.AccessToken, nil
	}
	if record.RefreshToken == "" {
		return "", trace.Wrap(NewError(KindNoRefreshToken, nil))
	}

	handle, err := m.acquireLock(ctx)
	if err != nil {
		if trace.IsLimitExceeded(err) {
			// Someone else is refreshing. Wait for their result instead.
			log.Debug("Refresh lock is busy, polling the store for a fresh token")
			return m.awaitPeerRefresh(ctx, record.AccessToken)
		}
		return "", trace.Wrap(err)
	}
	defer func() {
		if err := m.conf.Lock.Release(ctx, handle); err != nil {
			log.WithError(err).Warn("Failed to release the refresh lock")
		}
	}()

	// Re-read once more: another process may have refreshed while this one
	// was waiting for the lock.
	if fresh, err := m.conf.Store.Load(ctx); err == nil && m.usable(fresh) {
		m.cachePut(ctx, fresh)
		return fresh.AccessToken, nil
	}

	log.Debug("Refreshing the access token")
	creds, err := m.conf.Refresher.Refresh(ctx, record.RefreshToken)
	if err != nil {
		if oauth.IsInvalidGrant(err) {
			// The refresh token is dead; keeping the record would only
			// repeat this failure on every request.
			if clearErr := m.Clear(ctx); clearErr != nil {
				log.WithError(clearErr).Error("Failed to clear the dead token record")
			}
			return "", trace.Wrap(NewError(KindReauthorizationRequired, err))
		}
		return "", trace.Wrap(NewError(KindRefreshFailed, err))
	}

	refreshToken := creds.RefreshToken
	if refreshToken == "" {
		// The server did not rotate the refresh token, keep the old one.
		refreshToken = record.RefreshToken
	}
	if err := m.SetTokens(ctx, creds.AccessToken, refreshToken, creds.TokenType, creds.ExpiresIn); err != nil {
		return "", trace.Wrap(err)
	}

	log.Debug("Access token refreshed")
	return creds.AccessToken, nil
}

// acquireLock polls TryAcquire until the wait budget runs out. A budget
// overrun is reported as a LimitExceeded error so the caller can tell it
// apart from infrastructure failures.
func (m *Manager) acquireLock(ctx context.Context) (*lock.Handle, error) {
	deadline := m.clock.Now().Add(m.conf.LockWait)
	for {
		handle, err := m.conf.Lock.TryAcquire(ctx, m.conf.LockKey, m.conf.LockTTL)
		if err == nil {
			return handle, nil
		}
		if !lock.IsBusy(err) {
			return nil, trace.Wrap(err)
		}
		if m.clock.Now().Add(m.conf.PollInterval).After(deadline) {
			return nil, trace.LimitExceeded("timed out waiting for the refresh lock")
		}
		select {
		case <-m.clock.After(m.conf.PollInterval):
		case <-ctx.Done():
			return nil, trace.Wrap(ctx.Err())
		}
	}
}

// awaitPeerRefresh polls the store for a token that differs from the stale
// one and is still valid. Failing fast here beats serving the stale token:
// that would only convert one visible error into many downstream 401s.
func (m *Manager) awaitPeerRefresh(ctx context.Context, staleToken string) (string, error) {
	deadline := m.clock.Now().Add(m.conf.PollTimeout)
	for {
		record, err := m.conf.Store.Load(ctx)
		if err == nil && record.AccessToken != staleToken && m.usable(record) {
			m.cachePut(ctx, record)
			return record.AccessToken, nil
		}

		if m.clock.Now().Add(m.conf.PollInterval).After(deadline) {
			return "", trace.Wrap(NewError(KindRefreshTimeout, nil))
		}
		select {
		case <-m.clock.After(m.conf.PollInterval):
		case <-ctx.Done():
			return "", trace.Wrap(ctx.Err())
		}
	}
}
