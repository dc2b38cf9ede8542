package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Load reads path, substitutes ${VAR} placeholders, decodes it strictly into
// a RuntimeConfig, applies defaults and validates it.
func Load(path string) (*RuntimeConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to read config file")
	}
	return Parse(data)
}

// Parse is Load on an in-memory document.
func Parse(data []byte) (*RuntimeConfig, error) {
	var rc RuntimeConfig
	if err := Decode(data, &rc); err != nil {
		return nil, err
	}
	rc.ApplyDefaults()
	if err := rc.Validate(); err != nil {
		return nil, err
	}
	return &rc, nil
}

// Decode substitutes environment variables in data and decodes it into out,
// rejecting keys out does not declare.
func Decode(data []byte, out interface{}) error {
	content := substituteEnvVars(string(data))

	dec := yaml.NewDecoder(strings.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse YAML")
	}
	return nil
}

// DecodeOptions decodes a stream's type-specific options into out with the
// same unknown-key policy as the top-level document. A missing options block
// leaves out untouched.
func (s *StreamConfig) DecodeOptions(out interface{}) error {
	if s.Options.Kind == 0 {
		return nil
	}
	raw, err := yaml.Marshal(&s.Options)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, "stream "+s.Name+": options")
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil {
		return errors.Wrap(err, errors.ErrorTypeConfig, fmt.Sprintf("stream %s: invalid options", s.Name))
	}
	return nil
}

// substituteEnvVars replaces ${VAR_NAME} with environment variable values
func substituteEnvVars(content string) string {
	var b strings.Builder
	for {
		start := strings.Index(content, "${")
		if start == -1 {
			break
		}
		end := strings.Index(content[start:], "}")
		if end == -1 {
			break
		}
		end += start

		b.WriteString(content[:start])
		b.WriteString(os.Getenv(content[start+2 : end]))
		content = content[end+1:]
	}
	b.WriteString(content)
	return b.String()
}
