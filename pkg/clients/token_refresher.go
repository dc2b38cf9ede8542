package clients

import (
	"context"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// Authenticator injects credentials into outbound requests. Invalidate
// forces the next Authorize to mint a fresh credential.
type Authenticator interface {
	Authorize(ctx context.Context, req *http.Request) error
	Invalidate()
}

// TokenKey identifies one credential identity.
type TokenKey struct {
	ClientID string
	AuthURL  string
	Scope    string
}

// TokenRefresher always yields a credential that stays valid for at least
// its margin. One mint runs at a time; callers arriving during a refresh wait
// for its result. A timer refreshes the credential shortly before expiry.
type TokenRefresher struct {
	key     TokenKey
	grant   Grant
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	current *Credentials
	timer   interface{ Stop() bool }
	closed  bool

	// baseCtx bounds scheduled refreshes; cancelled by Close
	baseCtx context.Context
	cancel  context.CancelFunc
}

// TokenRefresherOption configures a TokenRefresher.
type TokenRefresherOption func(*TokenRefresher)

// WithRefresherClock sets the time source.
func WithRefresherClock(c clock.Clock) TokenRefresherOption {
	return func(r *TokenRefresher) { r.clk = c }
}

// WithRefresherLogger sets the logger.
func WithRefresherLogger(l *zap.Logger) TokenRefresherOption {
	return func(r *TokenRefresher) { r.logger = l }
}

// WithRefresherMetrics sets the metrics sink.
func WithRefresherMetrics(m *metrics.Metrics) TokenRefresherOption {
	return func(r *TokenRefresher) { r.metrics = m }
}

// NewTokenRefresher creates a refresher. Most callers go through Registry.
func NewTokenRefresher(key TokenKey, grant Grant, opts ...TokenRefresherOption) *TokenRefresher {
	r := &TokenRefresher{
		key:    key,
		grant:  grant,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.clk = clock.OrReal(r.clk)
	r.metrics = metrics.OrDefault(r.metrics)
	r.logger = r.logger.With(zap.String("component", "token_refresher"), zap.String("client_id", key.ClientID))
	r.baseCtx, r.cancel = context.WithCancel(context.Background())
	return r
}

// Acquire returns a credential valid for at least its margin, minting one
// synchronously when the cached credential is missing or stale.
func (r *TokenRefresher) Acquire(ctx context.Context) (*Credentials, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errors.New(errors.ErrorTypeShutdown, "token refresher closed")
	}
	if !r.current.IsExpired(r.clk.Now()) {
		c := *r.current
		return &c, nil
	}
	if err := r.refreshLocked(ctx); err != nil {
		return nil, err
	}
	c := *r.current
	return &c, nil
}

// Refresh unconditionally mints a new credential and re-arms the timer.
func (r *TokenRefresher) Refresh(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errors.New(errors.ErrorTypeShutdown, "token refresher closed")
	}
	return r.refreshLocked(ctx)
}

// Invalidate drops the cached credential.
func (r *TokenRefresher) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = nil
}

// Authorize implements Authenticator.
func (r *TokenRefresher) Authorize(ctx context.Context, req *http.Request) error {
	c, err := r.Acquire(ctx)
	if err != nil {
		return err
	}
	name, value := c.Header()
	req.Header.Set(name, value)
	return nil
}

// Close cancels the scheduled refresh. It is idempotent.
func (r *TokenRefresher) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cancel()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

func (r *TokenRefresher) refreshLocked(ctx context.Context) error {
	now := r.clk.Now()
	creds, err := r.grant.Mint(ctx, now)
	if err != nil {
		r.metrics.TokenRefreshes.WithLabelValues(r.key.ClientID, string(errors.TypeOf(err))).Inc()
		r.logger.Warn("token refresh failed", zap.Error(err))
		return err
	}
	if creds.AccessToken == "" {
		return errors.New(errors.ErrorTypeConfig, "token endpoint response lacks access_token")
	}
	if creds.CreatedAt.IsZero() {
		creds.CreatedAt = now
	}
	r.current = creds
	r.metrics.TokenRefreshes.WithLabelValues(r.key.ClientID, "success").Inc()
	r.logger.Debug("token refreshed", zap.Duration("expires_in", creds.ExpiresIn), zap.Duration("margin", creds.Margin()))
	r.scheduleLocked(creds)
	return nil
}

func (r *TokenRefresher) scheduleLocked(creds *Credentials) {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if creds.ExpiresIn <= 0 {
		return
	}
	delay := creds.RefreshAt().Sub(r.clk.Now())
	if delay <= 0 {
		return
	}
	// Some clocks run callbacks under their own lock; hop to a goroutine.
	r.timer = r.clk.AfterFunc(delay, func() { go r.scheduledRefresh(creds) })
}

func (r *TokenRefresher) scheduledRefresh(expected *Credentials) {
	r.mu.Lock()
	defer r.mu.Unlock()
	// Skip if closed or someone already replaced the credential.
	if r.closed || r.current != expected {
		return
	}
	if err := r.refreshLocked(r.baseCtx); err != nil {
		// The next Acquire retries synchronously.
		r.logger.Warn("scheduled token refresh failed", zap.Error(err))
	}
}

// Registry memoizes one TokenRefresher per TokenKey. It replaces a
// process-global instance map: the binary builds one and passes it down.
type Registry struct {
	mu         sync.Mutex
	refreshers map[TokenKey]*TokenRefresher
	opts       []TokenRefresherOption
}

// NewRegistry creates a registry whose refreshers share opts.
func NewRegistry(opts ...TokenRefresherOption) *Registry {
	return &Registry{
		refreshers: make(map[TokenKey]*TokenRefresher),
		opts:       opts,
	}
}

// Get returns the refresher for key, creating it from newGrant on first use.
func (reg *Registry) Get(key TokenKey, newGrant func() (Grant, error)) (*TokenRefresher, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if r, ok := reg.refreshers[key]; ok {
		return r, nil
	}
	grant, err := newGrant()
	if err != nil {
		return nil, err
	}
	r := NewTokenRefresher(key, grant, reg.opts...)
	reg.refreshers[key] = r
	return r, nil
}

// Len returns the number of live refreshers.
func (reg *Registry) Len() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	return len(reg.refreshers)
}

// Close closes every refresher.
func (reg *Registry) Close() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for k, r := range reg.refreshers {
		r.Close()
		delete(reg.refreshers, k)
	}
}
