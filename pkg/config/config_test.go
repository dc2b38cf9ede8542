package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

func TestLoadSubstitutesEnvironment(t *testing.T) {
	t.Setenv("TEST_INTAKE_KEY", "secret-key")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_path: /tmp/data
streams:
  - name: s1
    type: http_window
    intake_key: ${TEST_INTAKE_KEY}
    timedelta: 5
`), 0o600))

	rc, err := Load(path)
	require.NoError(t, err)
	require.Len(t, rc.Streams, 1)
	assert.Equal(t, "secret-key", rc.Streams[0].IntakeKey)
	assert.Equal(t, 300, rc.Streams[0].Lag, "timedelta is in minutes")
	assert.Equal(t, "file", rc.Checkpoint.Backend)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
streams:
  - name: s1
    type: http_window
    intake_key: K
    frequncy: 30
`))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"no streams", `data_path: /x`},
		{"missing intake key", "streams:\n  - name: a\n    type: t\n"},
		{"duplicate names", "streams:\n  - {name: a, type: t, intake_key: K}\n  - {name: a, type: t, intake_key: K}\n"},
		{"chunk too large", "streams:\n  - {name: a, type: t, intake_key: K, chunk_size: 20000}\n"},
		{"timeout too large", "streams:\n  - {name: a, type: t, intake_key: K, request_timeout: 300}\n"},
		{"redis without addr", "checkpoint: {backend: redis}\nstreams:\n  - {name: a, type: t, intake_key: K}\n"},
		{"incomplete oauth", "streams:\n  - {name: a, type: t, intake_key: K, credentials: {client_id: c, auth_url: 'https://x'}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			require.Error(t, err)
			assert.True(t, errors.IsFatal(err), "got %v", err)
		})
	}
}

func TestDecodeOptionsStrict(t *testing.T) {
	rc, err := Parse([]byte(`
streams:
  - name: s1
    type: http_window
    intake_key: K
    options:
      url: https://vendor.example/events
      items_path: data
`))
	require.NoError(t, err)

	var opts struct {
		URL       string `yaml:"url"`
		ItemsPath string `yaml:"items_path"`
	}
	require.NoError(t, rc.Streams[0].DecodeOptions(&opts))
	assert.Equal(t, "https://vendor.example/events", opts.URL)
	assert.Equal(t, "data", opts.ItemsPath)

	var narrow struct {
		URL string `yaml:"url"`
	}
	assert.Error(t, rc.Streams[0].DecodeOptions(&narrow))
}

func TestStreamEnabledDefault(t *testing.T) {
	off := false
	assert.True(t, (&StreamConfig{}).IsEnabled())
	assert.False(t, (&StreamConfig{Enabled: &off}).IsEnabled())
}

func TestSubstituteEnvVarsUnset(t *testing.T) {
	assert.Equal(t, "a--b", substituteEnvVars("a-${INTAKEFLOW_SURELY_UNSET}-b"))
	assert.Equal(t, "x ${open", substituteEnvVars("x ${open"))
}

func TestConnectorGroupSharesCheckpointKey(t *testing.T) {
	rc, err := Parse([]byte(`
streams:
  - name: signinattempts
    type: longpoll
    connector: onepassword
    intake_key: K
  - name: itemusages
    type: longpoll
    connector: onepassword
    intake_key: K
  - name: audit
    type: http
    intake_key: K2
`))
	require.NoError(t, err)
	assert.Equal(t, "onepassword", rc.Streams[0].CheckpointKey())
	assert.True(t, rc.Streams[1].SharesCheckpoint())
	assert.Equal(t, "audit", rc.Streams[2].CheckpointKey())
	assert.False(t, rc.Streams[2].SharesCheckpoint())

	_, err = Parse([]byte(`
streams:
  - name: audit
    type: http
    intake_key: K
  - name: logins
    type: longpoll
    connector: audit
    intake_key: K
`))
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}
