package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
	"github.com/ajitpratap0/intakeflow/pkg/logger"
)

// FileName is the checkpoint file inside a connector's data path.
const FileName = "context.json"

// CorruptSuffix is appended to an undecodable checkpoint moved aside.
const CorruptSuffix = ".corrupt"

// FileStore keeps the checkpoint in <dir>/context.json and replaces it with
// a temp file plus rename on every write.
type FileStore struct {
	dir    string
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "cannot create data path").
			WithDetail("dir", dir)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{
		dir:    dir,
		path:   filepath.Join(dir, FileName),
		logger: logger.With(zap.String("component", "checkpoint"), zap.String("path", filepath.Join(dir, FileName))),
	}, nil
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string { return s.path }

// Load implements Store.
func (s *FileStore) Load(ctx context.Context) (*Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Update implements Store.
func (s *FileStore) Update(ctx context.Context, fn func(*Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.read()
	if err != nil {
		return err
	}
	if err := fn(cur); err != nil {
		return err
	}
	return s.write(cur)
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) read() (*Context, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &Context{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeFile, "failed to read checkpoint")
	}
	if len(data) == 0 {
		return &Context{}, nil
	}
	c := &Context{}
	if err := json.Unmarshal(data, c); err != nil {
		backup := s.path + CorruptSuffix
		if rerr := os.Rename(s.path, backup); rerr != nil {
			return nil, errors.Wrap(rerr, errors.ErrorTypeFile, "failed to move corrupt checkpoint aside").
				WithDetail("cause", err.Error())
		}
		logger.Critical(s.logger, "checkpoint unreadable, restarting from the configured start",
			zap.String("backup", backup), zap.Error(err))
		return &Context{}, nil
	}
	return c, nil
}

func (s *FileStore) write(c *Context) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeInternal, "failed to encode checkpoint")
	}

	tmp, err := os.CreateTemp(s.dir, ".context-*.json")
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to create temp checkpoint")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to write temp checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to sync temp checkpoint")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to close temp checkpoint")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return errors.Wrap(err, errors.ErrorTypeFile, "failed to replace checkpoint")
	}
	if d, err := os.Open(s.dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
