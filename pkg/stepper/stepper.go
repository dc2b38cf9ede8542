// Package stepper produces the successive UTC time windows a polling
// connector queries.
package stepper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// Config drives the stepper.
type Config struct {
	// Frequency is the largest step between windows
	Frequency time.Duration
	// Lag keeps window ends behind real time
	Lag time.Duration
	// StartTime is how far back a cold start begins
	StartTime time.Duration
	// MaxAge clamps every window start to now - MaxAge; 0 disables
	MaxAge time.Duration
}

// ConfigFrom maps connector settings.
func ConfigFrom(c *config.ConnectorConfig) Config {
	return Config{
		Frequency: c.FrequencyDuration(),
		Lag:       c.LagDuration(),
		StartTime: c.StartTimeDuration(),
		MaxAge:    c.MaxAgeDuration(),
	}
}

// Window is a half-open [Start, End) interval in UTC.
type Window struct {
	Start time.Time
	End   time.Time
}

// Duration is End - Start.
func (w Window) Duration() time.Duration {
	return w.End.Sub(w.Start)
}

// Stepper yields windows that never reach past now - lag. A cold start
// covers [now-lag-start_time, now-lag] in one window; afterwards every
// window spans at most Frequency. When the next end lies in the future the
// stepper sleeps, cooperatively, for at most Frequency.
type Stepper struct {
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger
	scope  *metrics.Scope

	start time.Time
	end   time.Time
}

// Option configures a Stepper.
type Option func(*Stepper)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Stepper) { s.logger = l }
}

// WithMetrics reports time_window_lag_seconds on scope.
func WithMetrics(scope *metrics.Scope) Option {
	return func(s *Stepper) { s.scope = scope }
}

// New creates a stepper. checkpoint is the last committed event time, nil
// on cold start.
func New(cfg Config, clk clock.Clock, checkpoint *time.Time, opts ...Option) (*Stepper, error) {
	if cfg.Frequency <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "stepper: frequency must be positive")
	}
	if cfg.Lag < 0 || cfg.StartTime < 0 || cfg.MaxAge < 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "stepper: negative duration")
	}
	s := &Stepper{cfg: cfg, clk: clock.OrReal(clk), logger: zap.NewNop(), scope: metrics.Nop()}
	for _, opt := range opts {
		opt(s)
	}

	now := clock.Now(s.clk)
	horizon := now.Add(-cfg.Lag)
	if checkpoint == nil {
		s.end = horizon
		s.start = horizon.Add(-cfg.StartTime)
		if cfg.StartTime == 0 {
			s.start = horizon.Add(-cfg.Frequency)
		}
	} else {
		s.start = clock.UTC(*checkpoint)
		s.end = s.start.Add(cfg.Frequency)
	}
	if cfg.MaxAge > 0 {
		floor := now.Add(-cfg.MaxAge)
		if s.start.Before(floor) {
			s.logger.Info("window start clamped to max age",
				zap.Time("requested", s.start), zap.Time("start", floor))
			s.start = floor
			if s.end.Before(s.start) {
				s.end = s.start.Add(cfg.Frequency)
			}
		}
	}
	return s, nil
}

// Next returns the next window. It blocks while the window end is in the
// future and returns ctx.Err() if ctx is cancelled meanwhile.
func (s *Stepper) Next(ctx context.Context) (Window, error) {
	for {
		horizon := clock.Now(s.clk).Add(-s.cfg.Lag)
		if !s.end.After(horizon) {
			break
		}
		wait := s.end.Sub(horizon)
		if wait > s.cfg.Frequency {
			wait = s.cfg.Frequency
		}
		s.logger.Debug("waiting for next window", zap.Duration("wait", wait))
		if err := clock.Sleep(ctx, s.clk, wait); err != nil {
			return Window{}, err
		}
		horizon = clock.Now(s.clk).Add(-s.cfg.Lag)
		if s.end.After(horizon) {
			s.end = horizon
		}
		if s.end.After(s.start) {
			break
		}
		s.end = s.start.Add(s.cfg.Frequency)
	}

	w := Window{Start: s.start, End: s.end}
	lag := clock.Now(s.clk).Add(-s.cfg.Lag).Sub(w.End)
	s.scope.SetWindowLag(lag)

	s.start = s.end
	s.end = s.end.Add(s.cfg.Frequency)
	return w, nil
}

// Peek returns the window Next would yield without waiting.
func (s *Stepper) Peek() Window {
	return Window{Start: s.start, End: s.end}
}
