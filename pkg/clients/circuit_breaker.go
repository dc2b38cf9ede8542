package clients

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// DetailCircuit marks errors returned while a host's circuit is open.
const DetailCircuit = "circuit"

// CircuitState represents the state of a circuit breaker
type CircuitState int32

const (
	// StateClosed allows all requests to pass through
	StateClosed CircuitState = iota
	// StateOpen rejects requests until OpenTimeout elapsed
	StateOpen
	// StateHalfOpen lets a limited number of trial requests through
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig is the configuration for circuit breaker
type CircuitBreakerConfig struct {
	FailureThreshold int           // consecutive upstream failures before opening
	SuccessThreshold int           // half-open successes before closing
	OpenTimeout      time.Duration // time spent open before trial requests
	HalfOpenLimit    int           // concurrent trial requests
}

// DefaultCircuitBreakerConfig opens after 10 consecutive failures and lets
// one trial request through after a minute.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 10,
		SuccessThreshold: 1,
		OpenTimeout:      time.Minute,
		HalfOpenLimit:    1,
	}
}

// outcome of one attempt as seen by a breaker.
type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeFailure
	// outcomeIgnored releases a trial slot without counting
	outcomeIgnored
)

// CircuitBreaker tracks one upstream host. Only server-side failures
// (5xx, timeouts, connection errors) count; any answer below 500 proves
// the host is up.
type CircuitBreaker struct {
	host    string
	config  CircuitBreakerConfig
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu                   sync.Mutex
	state                CircuitState
	consecutiveFailures  int
	consecutiveSuccesses int
	halfOpenInFlight     int
	nextRetryTime        time.Time
}

// NewCircuitBreaker creates a closed breaker for host.
func NewCircuitBreaker(host string, config CircuitBreakerConfig, clk clock.Clock, logger *zap.Logger, m *metrics.Metrics) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.HalfOpenLimit <= 0 {
		config.HalfOpenLimit = def.HalfOpenLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := &CircuitBreaker{
		host:    host,
		config:  config,
		clk:     clock.OrReal(clk),
		logger:  logger.With(zap.String("component", "circuit_breaker"), zap.String("host", host)),
		metrics: metrics.OrDefault(m),
	}
	cb.metrics.HTTPCircuitState.WithLabelValues(host).Set(float64(StateClosed))
	return cb
}

// Allow reserves a request. While open it fails fast with an
// upstream_unavailable error carrying DetailCircuit and the remaining wait
// as DetailRetryAfter.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := cb.clk.Now()
	if cb.state == StateOpen {
		if now.Before(cb.nextRetryTime) {
			return cb.openError(cb.nextRetryTime.Sub(now))
		}
		cb.setState(StateHalfOpen)
		cb.consecutiveSuccesses = 0
		cb.halfOpenInFlight = 0
	}
	if cb.state == StateHalfOpen {
		if cb.halfOpenInFlight >= cb.config.HalfOpenLimit {
			return cb.openError(0)
		}
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) openError(wait time.Duration) error {
	e := errors.Newf(errors.ErrorTypeUpstreamUnavailable, "circuit open for %s", cb.host).
		WithDetail(DetailCircuit, cb.state.String())
	if wait > 0 {
		e = e.WithDetail(DetailRetryAfter, wait)
	}
	return e
}

// record settles a request reserved by Allow.
func (cb *CircuitBreaker) record(o outcome) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen && cb.halfOpenInFlight > 0 {
		cb.halfOpenInFlight--
	}
	switch o {
	case outcomeSuccess:
		cb.consecutiveFailures = 0
		if cb.state == StateHalfOpen {
			cb.consecutiveSuccesses++
			if cb.consecutiveSuccesses >= cb.config.SuccessThreshold {
				cb.setState(StateClosed)
				cb.logger.Info("circuit breaker closed")
			}
		}
	case outcomeFailure:
		cb.consecutiveFailures++
		if cb.state == StateHalfOpen || cb.consecutiveFailures >= cb.config.FailureThreshold {
			cb.open()
		}
	}
}

func (cb *CircuitBreaker) open() {
	cb.setState(StateOpen)
	cb.nextRetryTime = cb.clk.Now().Add(cb.config.OpenTimeout)
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	cb.logger.Warn("circuit breaker opened",
		zap.Time("retry_after", cb.nextRetryTime),
		zap.Int("consecutive_failures", cb.consecutiveFailures))
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	cb.metrics.HTTPCircuitState.WithLabelValues(cb.host).Set(float64(s))
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// circuitBreakers holds one breaker per host.
type circuitBreakers struct {
	config  CircuitBreakerConfig
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	hosts map[string]*CircuitBreaker
}

func (b *circuitBreakers) get(host string) *CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.hosts[host]; ok {
		return cb
	}
	if b.hosts == nil {
		b.hosts = make(map[string]*CircuitBreaker)
	}
	cb := NewCircuitBreaker(host, b.config, b.clk, b.logger, b.metrics)
	b.hosts[host] = cb
	return cb
}

// attemptOutcome classifies the result of one round trip.
func attemptOutcome(statusCode int, err error) outcome {
	switch {
	case err == nil && statusCode >= 500:
		return outcomeFailure
	case err == nil:
		return outcomeSuccess
	case errors.IsType(err, errors.ErrorTypeTimeout), errors.IsType(err, errors.ErrorTypeConnection):
		return outcomeFailure
	default:
		return outcomeIgnored
	}
}
