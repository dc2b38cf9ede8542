package checkpoint

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
)

const maxTxRetries = 10

// RedisStore keeps the same JSON document as FileStore under one Redis key,
// for deployments running replicas without a shared volume. Updates use
// WATCH/MULTI so a concurrent writer forces a re-read.
type RedisStore struct {
	client *redis.Client
	key    string
	logger *zap.Logger
	owned  bool
	mu     sync.Mutex
}

// NewRedisStore stores the checkpoint under key. The store closes client on
// Close only when owned is true.
func NewRedisStore(client *redis.Client, key string, owned bool, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: client,
		key:    key,
		owned:  owned,
		logger: logger.With(zap.String("component", "checkpoint"), zap.String("key", key)),
	}
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (*Context, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	return s.decode(ctx, data, err)
}

// Update implements Store.
func (s *RedisStore) Update(ctx context.Context, fn func(*Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, s.key).Bytes()
		cur, err := s.decode(ctx, data, err)
		if err != nil {
			return err
		}
		if err := fn(cur); err != nil {
			return err
		}
		data, err = json.Marshal(cur)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode checkpoint")
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.key, data, 0)
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txf, s.key)
		if err == nil {
			return nil
		}
		if err == redis.TxFailedErr {
			s.logger.Debug("checkpoint changed concurrently, retrying", zap.Int("attempt", i+1))
			continue
		}
		var typed *errors.Error
		if errors.As(err, &typed) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return errors.Wrap(err, errors.ErrorTypeConnection, "checkpoint write failed")
	}
	return errors.New(errors.ErrorTypeConnection, "checkpoint write kept conflicting")
}

// Close implements Store.
func (s *RedisStore) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

// decode reads a stored document. An undecodable one is renamed to
// key+CorruptSuffix; inside Update the rename fails the WATCH and the
// transaction retries on an empty key.
func (s *RedisStore) decode(ctx context.Context, data []byte, err error) (*Context, error) {
	if err == redis.Nil {
		return &Context{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to read checkpoint")
	}
	c := &Context{}
	if err := json.Unmarshal(data, c); err != nil {
		backup := s.key + CorruptSuffix
		if rerr := s.client.Rename(ctx, s.key, backup).Err(); rerr != nil && rerr != redis.Nil {
			return nil, errors.Wrap(rerr, errors.ErrorTypeConnection, "failed to move corrupt checkpoint aside").
				WithDetail("cause", err.Error())
		}
		logger.Critical(s.logger, "checkpoint unreadable, restarting from the configured start",
			zap.String("backup", backup), zap.Error(err))
		return &Context{}, nil
	}
	return c, nil
}
