package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/intake"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

// Env holds the process-wide resources shared by every stream.
type Env struct {
	Runtime *config.RuntimeConfig
	Metrics *metrics.Metrics
	// Tokens shares one TokenRefresher per credential identity
	Tokens *clients.Registry
	// OpenStore returns the checkpoint store named by a stream's
	// CheckpointKey. Streams of one connector get the same key and must
	// get a store serializing their updates.
	OpenStore func(ctx context.Context, key string) (checkpoint.Store, error)
	Clock     clock.Clock
	Logger    *zap.Logger
}

// Deps are the per-stream resources handed to a Factory.
type Deps struct {
	Env    Env
	Stream *config.StreamConfig
	Scope  *metrics.Scope
	Sink   intake.Pusher
	Store  checkpoint.Store
	Logger *zap.Logger

	closers []func()
}

// OnClose registers cleanup run when the worker returns.
func (d *Deps) OnClose(fn func()) {
	d.closers = append(d.closers, fn)
}

// Options returns the connector options for sources and runners.
func (d *Deps) Options() []Option {
	return []Option{WithClock(d.Env.Clock), WithLogger(d.Logger), WithMetrics(d.Scope)}
}

// VendorHTTP builds a vendor client carrying the stream's credentials,
// rate limits and request timeout. It is closed with the worker.
func (d *Deps) VendorHTTP() (*clients.HTTPClient, error) {
	cc := &d.Stream.ConnectorConfig
	cfg := clients.DefaultHTTPConfig()
	cfg.RequestTimeout = cc.RequestTimeoutDuration()

	opts := []clients.HTTPOption{
		clients.WithMetrics(d.Env.Metrics),
		clients.WithRateLimiter(clients.NewRateLimiter(clients.RateLimiterConfigFrom(cc), d.Env.Clock)),
		clients.WithCircuitBreaker(clients.DefaultCircuitBreakerConfig()),
	}
	if cc.Credentials.Kind() != config.CredentialNone {
		creds := cc.Credentials
		key := clients.TokenKey{ClientID: creds.ClientID, AuthURL: creds.AuthURL, Scope: creds.Scope}
		if key.ClientID == "" {
			// static grants share nothing worth caching across streams
			key.ClientID = d.Stream.Name
		}
		refresher, err := d.Env.Tokens.Get(key, func() (clients.Grant, error) {
			return clients.NewGrant(creds, nil)
		})
		if err != nil {
			return nil, err
		}
		opts = append(opts, clients.WithAuthenticator(refresher))
	}
	hc := clients.NewHTTPClient(cfg, d.Logger, opts...)
	d.OnClose(func() { _ = hc.Close() })
	return hc, nil
}

// Factory builds the worker of one stream type.
type Factory func(ctx context.Context, d *Deps) (Worker, error)

// Registry manages connector registration and instantiation
type Registry struct {
	factories map[string]Factory
	mu        sync.RWMutex
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory for streamType.
func (r *Registry) Register(streamType string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[streamType]; exists {
		return errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s already registered", streamType))
	}
	r.factories[streamType] = factory
	return nil
}

// List returns the registered types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Has checks if a type is registered.
func (r *Registry) Has(streamType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[streamType]
	return exists
}

// Build creates the worker of stream: its metric scope, intake sink and
// checkpoint store, then the type's factory. The returned worker releases
// the stream's clients when it returns.
func (r *Registry) Build(ctx context.Context, env Env, stream *config.StreamConfig) (Worker, error) {
	r.mu.RLock()
	factory, exists := r.factories[stream.Type]
	r.mu.RUnlock()
	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("connector type %s not found", stream.Type)).
			WithDetail("stream", stream.Name)
	}

	if env.Logger == nil {
		env.Logger = logger.Get()
	}
	env.Metrics = metrics.OrDefault(env.Metrics)
	if env.Tokens == nil {
		env.Tokens = clients.NewRegistry()
	}
	env.Clock = clock.OrReal(env.Clock)

	d := &Deps{
		Env:    env,
		Stream: stream,
		Scope:  env.Metrics.For(stream.IntakeKey, stream.Type),
		Logger: env.Logger.With(zap.String("stream", stream.Name), zap.String("type", stream.Type), zap.String("intake_key", stream.IntakeKey)),
	}
	worker, err := r.build(ctx, d, factory)
	if err != nil {
		d.close()
		return nil, errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("failed to create stream %s", stream.Name))
	}
	return WorkerFunc(func(ctx context.Context) error {
		defer d.close()
		return worker.Run(ctx)
	}), nil
}

func (r *Registry) build(ctx context.Context, d *Deps, factory Factory) (Worker, error) {
	if d.Env.OpenStore != nil {
		store, err := d.Env.OpenStore(ctx, d.Stream.CheckpointKey())
		if err != nil {
			return nil, err
		}
		d.OnClose(func() { _ = store.Close() })
		d.Store = store
		if d.Stream.SharesCheckpoint() {
			d.Store = checkpoint.NewStreamView(store, d.Stream.Name)
		}
	}

	intakeCfg := clients.DefaultHTTPConfig()
	if d.Env.Runtime != nil && d.Env.Runtime.Intake.Timeout > 0 {
		intakeCfg.RequestTimeout = time.Duration(d.Env.Runtime.Intake.Timeout) * time.Second
	}
	intakeHTTP := clients.NewHTTPClient(intakeCfg, d.Logger, clients.WithMetrics(d.Env.Metrics))
	d.OnClose(func() { _ = intakeHTTP.Close() })

	runtime := d.Env.Runtime
	if runtime == nil {
		runtime = &config.RuntimeConfig{Intake: config.IntakeConfig{URL: config.DefaultIntakeURL}}
	}
	sink, err := intake.New(intake.ConfigFrom(runtime, &d.Stream.ConnectorConfig), intakeHTTP,
		intake.WithMetrics(d.Scope), intake.WithLogger(d.Logger))
	if err != nil {
		return nil, err
	}
	d.Sink = sink
	return factory(ctx, d)
}

func (d *Deps) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i]()
	}
	d.closers = nil
}

// Clear removes all registered factories (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Register adds a factory to the global registry.
func Register(streamType string, factory Factory) error {
	return globalRegistry.Register(streamType, factory)
}

// MustRegister is Register for init functions.
func MustRegister(streamType string, factory Factory) {
	if err := Register(streamType, factory); err != nil {
		panic(err)
	}
}

// Build creates a worker from the global registry.
func Build(ctx context.Context, env Env, stream *config.StreamConfig) (Worker, error) {
	return globalRegistry.Build(ctx, env, stream)
}

// List returns the types in the global registry.
func List() []string {
	return globalRegistry.List()
}

// Has reports whether the global registry knows streamType.
func Has(streamType string) bool {
	return globalRegistry.Has(streamType)
}

// GetRegistry returns the global registry instance.
func GetRegistry() *Registry {
	return globalRegistry
}
