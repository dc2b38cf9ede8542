package config

import (
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultFrequency      = 60   // seconds
	DefaultLag            = 60   // seconds
	DefaultStartTime      = 1    // hours ago
	DefaultChunkSize      = 1000 // events per intake POST
	MaxChunkSize          = 10000
	DefaultBatchMaxWait   = 30 // seconds
	DefaultRequestTimeout = 60 // seconds
	MaxRequestTimeout     = 120
	DefaultQueueCapacity  = 1000
	DefaultIntakeURL      = "https://intake.sekoia.io"
	DefaultDataPath       = "/var/lib/intakeflow"
)

// RuntimeConfig is the top-level document loaded by the intakeflow binary.
type RuntimeConfig struct {
	// Intake is the bus events are forwarded to
	Intake IntakeConfig `yaml:"intake" json:"intake"`
	// DataPath is the directory holding one sub-directory per stream
	DataPath string `yaml:"data_path" json:"data_path"`

	Checkpoint CheckpointConfig `yaml:"checkpoint" json:"checkpoint"`
	Logging    LoggingConfig    `yaml:"logging" json:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" json:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing" json:"tracing"`
	Supervisor SupervisorConfig `yaml:"supervisor" json:"supervisor"`

	// Streams are the sibling workers run under one supervisor
	Streams []StreamConfig `yaml:"streams" json:"streams"`
}

// IntakeConfig addresses the intake bus.
type IntakeConfig struct {
	URL string `yaml:"url" json:"url"`
	// BatchByteCap is the soft per-request byte cap (default 1 MiB)
	BatchByteCap int `yaml:"batch_byte_cap" json:"batch_byte_cap"`
	// Timeout is the per-request timeout in seconds
	Timeout int `yaml:"timeout" json:"timeout"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	Backend   string `yaml:"backend" json:"backend"` // file or redis
	RedisAddr string `yaml:"redis_addr" json:"redis_addr"`
	RedisDB   int    `yaml:"redis_db" json:"redis_db"`
	KeyPrefix string `yaml:"key_prefix" json:"key_prefix"`
}

// LoggingConfig mirrors logger.Config.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Encoding    string `yaml:"encoding" json:"encoding"`
	Development bool   `yaml:"development" json:"development"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Address string `yaml:"address" json:"address"`
}

// TracingConfig controls OpenTelemetry.
type TracingConfig struct {
	Enabled     bool   `yaml:"enabled" json:"enabled"`
	ServiceName string `yaml:"service_name" json:"service_name"`
	// SampleRate in (0, 1]; defaults to 1
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// SupervisorConfig controls worker supervision.
type SupervisorConfig struct {
	// Interval is the supervise tick in seconds
	Interval int `yaml:"interval" json:"interval"`
	// StopTimeout is the join timeout in seconds
	StopTimeout int `yaml:"stop_timeout" json:"stop_timeout"`
}

// ConnectorConfig holds the settings shared by every connector.
type ConnectorConfig struct {
	IntakeKey string `yaml:"intake_key" json:"intake_key"`
	// Frequency is the step between polls in seconds
	Frequency int `yaml:"frequency" json:"frequency"`
	// Timedelta is the lag in minutes. Lag in seconds wins when both are set.
	Timedelta int `yaml:"timedelta" json:"timedelta"`
	Lag       int `yaml:"lag" json:"lag"`
	// StartTime is how many hours back a cold start begins
	StartTime int `yaml:"start_time" json:"start_time"`
	// MaxAge in hours floors resumed windows; 0 disables
	MaxAge    int `yaml:"max_age" json:"max_age"`
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`
	// BatchMaxWait is the batcher deadline in seconds
	BatchMaxWait int `yaml:"batch_max_wait" json:"batch_max_wait"`
	// QueueCapacity bounds the batcher queue
	QueueCapacity int `yaml:"queue_capacity" json:"queue_capacity"`
	// RequestTimeout is the vendor request timeout in seconds
	RequestTimeout int `yaml:"request_timeout" json:"request_timeout"`

	RatelimitPerSecond float64 `yaml:"ratelimit_per_second" json:"ratelimit_per_second"`
	RatelimitPerMinute int     `yaml:"ratelimit_per_minute" json:"ratelimit_per_minute"`
	RatelimitPerDay    int     `yaml:"ratelimit_per_day" json:"ratelimit_per_day"`
	MaxConcurrency     int64   `yaml:"max_concurrency" json:"max_concurrency"`

	Credentials Credentials `yaml:"credentials" json:"credentials"`
}

// CredentialKind names the grant a Credentials block describes.
type CredentialKind string

const (
	CredentialNone              CredentialKind = ""
	CredentialClientCredentials CredentialKind = "client_credentials"
	CredentialPassword          CredentialKind = "password"
	CredentialBasic             CredentialKind = "basic"
	CredentialJWTBearer         CredentialKind = "jwt_bearer"
	CredentialAPIKey            CredentialKind = "api_key"
)

// Credentials is the incoming credential block. Which fields are set decides
// the grant; Grant forces one explicitly.
type Credentials struct {
	Grant string `yaml:"grant" json:"grant"`

	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"client_secret"`
	AuthURL      string `yaml:"auth_url" json:"auth_url"`
	Scope        string `yaml:"scope" json:"scope"`

	Username       string `yaml:"username" json:"username"`
	Password       string `yaml:"password" json:"password"`
	AccountID      string `yaml:"account_id" json:"account_id"`
	ApplicationKey string `yaml:"application_key" json:"application_key"`

	PEMKey       string `yaml:"pem_key" json:"pem_key"`
	AppID        string `yaml:"app_id" json:"app_id"`
	Organization string `yaml:"organization" json:"organization"`

	APIKey       string `yaml:"api_key" json:"api_key"`
	APIKeyHeader string `yaml:"api_key_header" json:"api_key_header"`
}

// Kind infers the grant.
func (c *Credentials) Kind() CredentialKind {
	if c.Grant != "" {
		return CredentialKind(strings.ToLower(c.Grant))
	}
	switch {
	case c.PEMKey != "":
		return CredentialJWTBearer
	case c.ClientID != "" && c.AuthURL != "" && c.Username != "":
		return CredentialPassword
	case c.ClientID != "" && c.AuthURL != "":
		return CredentialClientCredentials
	case c.Username != "":
		return CredentialBasic
	case c.APIKey != "":
		return CredentialAPIKey
	default:
		return CredentialNone
	}
}

// Validate checks that the fields the grant needs are present.
func (c *Credentials) Validate() error {
	missing := func(field string) error {
		return errors.New(errors.ErrorTypeConfig, "credentials: missing "+field).
			WithDetail("grant", string(c.Kind()))
	}
	switch c.Kind() {
	case CredentialNone:
		return nil
	case CredentialClientCredentials:
		if c.ClientSecret == "" {
			return missing("client_secret")
		}
	case CredentialPassword:
		if c.Password == "" {
			return missing("password")
		}
	case CredentialBasic:
		if c.Password == "" && c.ApplicationKey == "" {
			return missing("password")
		}
	case CredentialJWTBearer:
		if c.AppID == "" {
			return missing("app_id")
		}
		if c.AuthURL == "" {
			return missing("auth_url")
		}
	case CredentialAPIKey:
		if c.APIKey == "" {
			return missing("api_key")
		}
	default:
		return errors.New(errors.ErrorTypeConfig, "credentials: unknown grant "+c.Grant)
	}
	return nil
}

// StreamConfig is one supervised worker.
type StreamConfig struct {
	// Name is unique across the document
	Name string `yaml:"name" json:"name"`
	// Type selects the registered connector factory
	Type string `yaml:"type" json:"type"`
	// Enabled defaults to true
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	// Connector groups sibling streams of one connector instance. They
	// share one checkpoint document, each stream keeping its cursor under
	// cursors.<name>.
	Connector string `yaml:"connector,omitempty" json:"connector,omitempty"`

	ConnectorConfig `yaml:",inline" json:",inline"`

	// Options is the type-specific sub-document, decoded by the factory
	Options yaml.Node `yaml:"options" json:"-"`
}

// IsEnabled reports whether the stream should be started.
func (s *StreamConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// CheckpointKey names the checkpoint document of the stream: its connector
// when grouped, its own name otherwise.
func (s *StreamConfig) CheckpointKey() string {
	if s.Connector != "" {
		return s.Connector
	}
	return s.Name
}

// SharesCheckpoint reports whether the stream belongs to a connector group.
func (s *StreamConfig) SharesCheckpoint() bool {
	return s.Connector != ""
}

// ApplyDefaults fills zero values.
func (c *ConnectorConfig) ApplyDefaults() {
	if c.Frequency <= 0 {
		c.Frequency = DefaultFrequency
	}
	if c.Lag <= 0 {
		if c.Timedelta > 0 {
			c.Lag = c.Timedelta * 60
		} else {
			c.Lag = DefaultLag
		}
	}
	if c.StartTime <= 0 {
		c.StartTime = DefaultStartTime
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.BatchMaxWait <= 0 {
		c.BatchMaxWait = DefaultBatchMaxWait
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
}

// Validate checks a connector configuration after defaults are applied.
func (c *ConnectorConfig) Validate() error {
	if c.IntakeKey == "" {
		return errors.New(errors.ErrorTypeConfig, "intake_key is required")
	}
	if c.ChunkSize > MaxChunkSize {
		return errors.Newf(errors.ErrorTypeConfig, "chunk_size %d exceeds %d", c.ChunkSize, MaxChunkSize)
	}
	if c.RequestTimeout > MaxRequestTimeout {
		return errors.Newf(errors.ErrorTypeConfig, "request_timeout %d exceeds %d", c.RequestTimeout, MaxRequestTimeout)
	}
	if c.RatelimitPerSecond < 0 || c.RatelimitPerMinute < 0 || c.RatelimitPerDay < 0 || c.MaxConcurrency < 0 {
		return errors.New(errors.ErrorTypeConfig, "rate limits must not be negative")
	}
	return c.Credentials.Validate()
}

// FrequencyDuration returns Frequency as a duration.
func (c *ConnectorConfig) FrequencyDuration() time.Duration {
	return time.Duration(c.Frequency) * time.Second
}

// LagDuration returns the lag as a duration.
func (c *ConnectorConfig) LagDuration() time.Duration {
	return time.Duration(c.Lag) * time.Second
}

// StartTimeDuration returns StartTime as a duration.
func (c *ConnectorConfig) StartTimeDuration() time.Duration {
	return time.Duration(c.StartTime) * time.Hour
}

// MaxAgeDuration returns MaxAge as a duration, zero when unset.
func (c *ConnectorConfig) MaxAgeDuration() time.Duration {
	return time.Duration(c.MaxAge) * time.Hour
}

// BatchMaxWaitDuration returns BatchMaxWait as a duration.
func (c *ConnectorConfig) BatchMaxWaitDuration() time.Duration {
	return time.Duration(c.BatchMaxWait) * time.Second
}

// RequestTimeoutDuration returns RequestTimeout as a duration.
func (c *ConnectorConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Second
}

// ApplyDefaults fills zero values of the whole document.
func (rc *RuntimeConfig) ApplyDefaults() {
	if rc.Intake.URL == "" {
		rc.Intake.URL = DefaultIntakeURL
	}
	if rc.Intake.BatchByteCap <= 0 {
		rc.Intake.BatchByteCap = 1 << 20
	}
	if rc.Intake.Timeout <= 0 {
		rc.Intake.Timeout = DefaultRequestTimeout
	}
	if rc.DataPath == "" {
		rc.DataPath = DefaultDataPath
	}
	if rc.Checkpoint.Backend == "" {
		rc.Checkpoint.Backend = "file"
	}
	if rc.Checkpoint.KeyPrefix == "" {
		rc.Checkpoint.KeyPrefix = "intakeflow:context:"
	}
	if rc.Logging.Level == "" {
		rc.Logging.Level = "info"
	}
	if rc.Logging.Encoding == "" {
		rc.Logging.Encoding = "json"
	}
	if rc.Metrics.Address == "" {
		rc.Metrics.Address = ":8020"
	}
	if rc.Tracing.ServiceName == "" {
		rc.Tracing.ServiceName = "intakeflow"
	}
	if rc.Tracing.SampleRate <= 0 {
		rc.Tracing.SampleRate = 1
	}
	if rc.Supervisor.Interval <= 0 {
		rc.Supervisor.Interval = 5
	}
	if rc.Supervisor.StopTimeout <= 0 {
		rc.Supervisor.StopTimeout = 30
	}
	for i := range rc.Streams {
		rc.Streams[i].ApplyDefaults()
	}
}

// Validate checks the whole document.
func (rc *RuntimeConfig) Validate() error {
	if len(rc.Streams) == 0 {
		return errors.New(errors.ErrorTypeConfig, "at least one stream is required")
	}
	switch rc.Checkpoint.Backend {
	case "file":
	case "redis":
		if rc.Checkpoint.RedisAddr == "" {
			return errors.New(errors.ErrorTypeConfig, "checkpoint.redis_addr is required for the redis backend")
		}
	default:
		return errors.Newf(errors.ErrorTypeConfig, "unknown checkpoint backend %q", rc.Checkpoint.Backend)
	}

	seen := make(map[string]struct{}, len(rc.Streams))
	for i := range rc.Streams {
		s := &rc.Streams[i]
		if s.Name == "" {
			return errors.Newf(errors.ErrorTypeConfig, "streams[%d]: name is required", i)
		}
		if s.Type == "" {
			return errors.Newf(errors.ErrorTypeConfig, "stream %s: type is required", s.Name)
		}
		if _, dup := seen[s.Name]; dup {
			return errors.Newf(errors.ErrorTypeConfig, "stream %s is declared twice", s.Name)
		}
		seen[s.Name] = struct{}{}
		if err := s.ConnectorConfig.Validate(); err != nil {
			return errors.Wrap(err, errors.ErrorTypeConfig, "stream "+s.Name)
		}
	}
	for i := range rc.Streams {
		s := &rc.Streams[i]
		if !s.SharesCheckpoint() {
			continue
		}
		if _, clash := seen[s.Connector]; clash && !sameGroup(rc.Streams, s.Connector) {
			return errors.Newf(errors.ErrorTypeConfig, "stream %s: connector %s collides with a standalone stream", s.Name, s.Connector)
		}
	}
	return nil
}

// sameGroup reports whether the stream named name belongs to connector.
func sameGroup(streams []StreamConfig, name string) bool {
	for i := range streams {
		if streams[i].Name == name {
			return streams[i].Connector == name
		}
	}
	return false
}
