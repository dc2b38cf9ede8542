package connector

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// closeTimeout bounds Source.Close once the runner stops.
const closeTimeout = 10 * time.Second

// Runner drives one Source: fetch a batch, push it, commit it. Failures
// follow one policy:
//
//   - shutdown returns nil
//   - config and validation errors are returned and the stream stops
//   - a failed push aborts the batch and retries one frequency later
//   - anything else is logged and retried one frequency later
type Runner struct {
	source    Source
	sink      intake.Pusher
	frequency time.Duration
	clk       clock.Clock
	logger    *zap.Logger
	scope     *metrics.Scope
}

// NewRunner creates a runner. frequency <= 0 means one minute.
func NewRunner(src Source, sink intake.Pusher, frequency time.Duration, opts ...Option) *Runner {
	o := buildOptions(opts)
	if frequency <= 0 {
		frequency = time.Minute
	}
	return &Runner{
		source:    src,
		sink:      sink,
		frequency: frequency,
		clk:       o.clk,
		logger:    o.logger.With(zap.String("component", "runner"), zap.String("stream", src.Name())),
		scope:     o.scope,
	}
}

// Run loops until ctx is cancelled or a fatal error occurs.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("stream started", zap.Duration("frequency", r.frequency))
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if err := r.source.Close(closeCtx); err != nil {
			r.logger.Warn("failed to close source", zap.Error(err))
		}
		r.logger.Info("stream stopped")
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		err := r.Step(ctx)
		switch {
		case err == nil:
		case errors.IsShutdown(err) || ctx.Err() != nil:
			return nil
		case errors.IsFatal(err):
			logger.Critical(r.logger, "stream stopped on configuration error", zap.Error(err))
			return err
		}
	}
}

// Step performs one fetch-push-commit cycle and sleeps one frequency when
// the source is drained or failed. It returns only shutdown and fatal
// errors.
func (r *Runner) Step(ctx context.Context) error {
	batch, err := r.source.NextBatch(ctx)
	if err == nil && batch == nil {
		err = ErrDrained
	}
	if err != nil {
		return r.fetchFailed(ctx, err)
	}
	r.scope.Discarded(batch.Discarded)

	if len(batch.Events) == 0 {
		if err := batch.commit(context.WithoutCancel(ctx)); err != nil {
			r.logger.Error("failed to commit empty batch", zap.Error(err))
			return r.pause(ctx)
		}
		return nil
	}

	r.scope.Collected(len(batch.Events))
	ids, err := r.sink.Push(ctx, intake.NewBatch(r.source.Name(), batch.Payloads()))
	if err != nil {
		batch.abort(context.WithoutCancel(ctx), err)
		if errors.IsShutdown(err) {
			return err
		}
		r.logger.Error("failed to forward events, checkpoint kept",
			zap.Int("events", len(batch.Events)), zap.Error(err))
		return r.pause(ctx)
	}

	// the push is done; persist it even if shutdown started meanwhile
	if err := batch.commit(context.WithoutCancel(ctx)); err != nil {
		r.logger.Error("failed to commit forwarded batch", zap.Int("events", len(ids)), zap.Error(err))
		return r.pause(ctx)
	}
	r.observe(batch)
	r.logger.Debug("batch forwarded", zap.Int("events", len(ids)))
	return nil
}

func (r *Runner) fetchFailed(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, ErrDrained):
		return r.pause(ctx)
	case errors.IsShutdown(err), ctx.Err() != nil:
		return err
	case errors.IsFatal(err):
		return err
	case errors.IsType(err, errors.ErrorTypeAuthentication):
		logger.Critical(r.logger, "vendor rejected credentials", zap.Error(err))
	case errors.IsType(err, errors.ErrorTypeClient), errors.IsType(err, errors.ErrorTypeParse):
		r.logger.Warn("vendor request rejected", zap.Error(err))
	default:
		r.logger.Warn("fetch failed, retrying next cycle", zap.String("type", string(errors.TypeOf(err))), zap.Error(err))
	}
	return r.pause(ctx)
}

func (r *Runner) pause(ctx context.Context) error {
	return clock.Sleep(ctx, r.clk, r.frequency)
}

func (r *Runner) observe(b *Batch) {
	now := clock.Now(r.clk)
	newest := b.Latest()
	if newest.IsZero() {
		return
	}
	ref := b.Horizon
	if ref.IsZero() {
		ref = now
	}
	lag := ref.Sub(newest)
	if lag < 0 {
		lag = 0
	}
	r.scope.SetEventsLag(lag)
	for _, e := range b.Events {
		if !e.Timestamp.IsZero() {
			r.scope.ObserveMessageAge(now.Sub(e.Timestamp))
		}
	}
}
