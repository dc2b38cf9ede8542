package json

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalToBufferDoesNotEscapeHTML(t *testing.T) {
	buf, err := MarshalToBuffer(map[string]string{"q": "<a&b>"})
	require.NoError(t, err)
	defer PutBuffer(buf)

	assert.Equal(t, `{"q":"<a&b>"}`, buf.String())
}

func TestDecoderKeepsNumbers(t *testing.T) {
	var out map[string]interface{}
	require.NoError(t, NewDecoder(strings.NewReader(`{"offset": 12345678901234567}`)).Decode(&out))

	n, ok := out["offset"].(Number)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567", n.String())
}

func TestRawMessagePassthrough(t *testing.T) {
	raw := RawMessage(`{"b":1,"a":2}`)
	data, err := Marshal(struct {
		Event RawMessage `json:"event"`
	}{raw})
	require.NoError(t, err)
	assert.Equal(t, `{"event":{"b":1,"a":2}}`, string(data))
	assert.True(t, Valid(data))
}
