package main

import (
	"context"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/config"
	"github.com/ajitpratap0/intakeflow/pkg/connector"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
	"github.com/ajitpratap0/intakeflow/pkg/observability"
	"github.com/ajitpratap0/intakeflow/pkg/signals"
	"github.com/ajitpratap0/intakeflow/pkg/supervisor"
)

// loadConfig reads the configured file and applies the flag and
// environment overrides.
func loadConfig(v *viper.Viper) (*config.RuntimeConfig, error) {
	rc, err := config.Load(v.GetString(keyConfig))
	if err != nil {
		return nil, err
	}
	applyOverrides(v, rc)
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return rc, nil
}

func applyOverrides(v *viper.Viper, rc *config.RuntimeConfig) {
	if s := v.GetString(keyLogLevel); s != "" {
		rc.Logging.Level = s
	}
	if s := v.GetString(keyDataPath); s != "" {
		rc.DataPath = s
	}
	if s := v.GetString(keyIntakeURL); s != "" {
		rc.Intake.URL = s
	}
	if s := v.GetString(keyMetricsAddress); s != "" {
		rc.Metrics.Address = s
		rc.Metrics.Enabled = true
	}
}

// storeOpener returns the checkpoint factory for the configured backend and
// a func releasing what the backend shares across streams. File stores are
// kept per key so sibling streams of a connector serialize on one mutex;
// Redis stores rely on WATCH instead.
func storeOpener(rc *config.RuntimeConfig, log *zap.Logger) (func(context.Context, string) (checkpoint.Store, error), func()) {
	if rc.Checkpoint.Backend == "redis" {
		client := redis.NewClient(&redis.Options{Addr: rc.Checkpoint.RedisAddr, DB: rc.Checkpoint.RedisDB})
		return func(_ context.Context, key string) (checkpoint.Store, error) {
			return checkpoint.NewRedisStore(client, rc.Checkpoint.KeyPrefix+key, false, log), nil
		}, func() { _ = client.Close() }
	}
	var mu sync.Mutex
	stores := make(map[string]*checkpoint.FileStore)
	return func(_ context.Context, key string) (checkpoint.Store, error) {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := stores[key]; ok {
			return s, nil
		}
		s, err := checkpoint.NewFileStore(filepath.Join(rc.DataPath, key), log)
		if err != nil {
			return nil, err
		}
		stores[key] = s
		return s, nil
	}, func() {}
}

func run(ctx context.Context, rc *config.RuntimeConfig) error {
	if err := logger.Init(logger.Config{
		Level:       rc.Logging.Level,
		Encoding:    rc.Logging.Encoding,
		Development: rc.Logging.Development,
	}); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to initialize logger")
	}
	log := logger.Get()
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := observability.InitTracing(ctx, rc.Tracing, version, nil)
	if err != nil {
		return err
	}

	m := metrics.Default
	tokens := clients.NewRegistry(
		clients.WithRefresherLogger(log),
		clients.WithRefresherMetrics(m),
	)
	openStore, closeStores := storeOpener(rc, log)
	env := connector.Env{
		Runtime:   rc,
		Metrics:   m,
		Tokens:    tokens,
		OpenStore: openStore,
		Clock:     clock.Real(),
		Logger:    log,
	}

	sup := supervisor.New(time.Duration(rc.Supervisor.Interval)*time.Second,
		supervisor.WithLogger(log), supervisor.WithMetrics(m))
	for i := range rc.Streams {
		stream := &rc.Streams[i]
		if !stream.IsEnabled() {
			log.Info("stream disabled", zap.String("stream", stream.Name))
			continue
		}
		err := sup.Add(stream.Name, func(ctx context.Context) (supervisor.Worker, error) {
			return connector.Build(ctx, env, stream)
		})
		if err != nil {
			return err
		}
	}

	var srv *http.Server
	if rc.Metrics.Enabled {
		srv = serveMetrics(rc.Metrics.Address, sup, log)
	}

	sup.OnStop(tokens.Close)
	sup.OnStop(closeStores)
	sup.OnStop(func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(flushCtx)
		}
		if err := shutdownTracing(flushCtx); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	})

	stopTimeout := time.Duration(rc.Supervisor.StopTimeout) * time.Second
	ctx, stop := signals.NotifyContext(ctx, func() {
		log.Info("shutdown requested")
	})
	defer stop()

	log.Info("intakeflow starting", zap.String("version", version), zap.Int("streams", len(rc.Streams)))
	sup.StartAll(ctx)
	sup.Supervise(ctx)
	return sup.StopAll(stopTimeout)
}

func serveMetrics(addr string, sup *supervisor.Supervisor, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		status := http.StatusOK
		if !sup.Healthy() {
			status = http.StatusServiceUnavailable
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(sup.Status())
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("address", addr))
	return srv
}
