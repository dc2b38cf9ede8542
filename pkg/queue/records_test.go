package queue

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/linkedin/goavro/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

func readAll(t *testing.T, r RecordReader) ([]string, int) {
	t.Helper()
	var out []string
	discarded, err := EachRecord(r, func(rec string) error {
		out = append(out, rec)
		return nil
	})
	require.NoError(t, err)
	return out, discarded
}

func TestNDJSONSkipsBlankAndMalformedLines(t *testing.T) {
	body := "{\"a\":1}\n\n  \r\n{broken\n{\"a\":2}\r\n{\"a\":3}"
	r, err := NewRecordReader(strings.NewReader(body), FormatNDJSON, RecordOptions{})
	require.NoError(t, err)

	recs, discarded := readAll(t, r)
	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`, `{"a":3}`}, recs)
	assert.Equal(t, 1, discarded)
}

func TestNDJSONReportsParseErrorPerLine(t *testing.T) {
	r, err := NewRecordReader(strings.NewReader("nope\n{}\n"), FormatNDJSON, RecordOptions{})
	require.NoError(t, err)

	_, err = r.Next()
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))
	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, "{}", rec)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestJSONDocuments(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{"array", `[{"a":1}, {"a":2}]`, []string{`{"a":1}`, `{"a":2}`}},
		{"cloudtrail", `{"Records":[{"eventName":"x"},{"eventName":"y"}]}`, []string{`{"eventName":"x"}`, `{"eventName":"y"}`}},
		{"single", `{"a":1}`, []string{`{"a":1}`}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRecordReader(strings.NewReader(tt.body), FormatJSON, RecordOptions{})
			require.NoError(t, err)
			recs, _ := readAll(t, r)
			assert.Equal(t, tt.want, recs)
		})
	}

	_, err := NewRecordReader(strings.NewReader(`[{"a":`), FormatJSON, RecordOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))
}

func TestAutoDetection(t *testing.T) {
	r, err := NewRecordReader(strings.NewReader(` {"Records":[{"x":1}]}`), FormatAuto, RecordOptions{})
	require.NoError(t, err)
	recs, _ := readAll(t, r)
	assert.Equal(t, []string{`{"x":1}`}, recs)

	r, err = NewRecordReader(strings.NewReader("{\"x\":1}\n{\"x\":2}\n"), FormatAuto, RecordOptions{})
	require.NoError(t, err)
	recs, _ = readAll(t, r)
	assert.Len(t, recs, 2)

	r, err = NewRecordReader(strings.NewReader(""), FormatAuto, RecordOptions{})
	require.NoError(t, err)
	recs, _ = readAll(t, r)
	assert.Empty(t, recs)
}

func TestLinesFormatForwardsRawText(t *testing.T) {
	r, err := NewRecordReader(strings.NewReader("<13>Jan 1 host app: hello\n\nplain text\n"), FormatLines, RecordOptions{})
	require.NoError(t, err)
	recs, discarded := readAll(t, r)
	assert.Equal(t, []string{"<13>Jan 1 host app: hello", "plain text"}, recs)
	assert.Zero(t, discarded)
}

const captureSchema = `{"type":"record","name":"EventData","fields":[
	{"name":"SequenceNumber","type":"long"},
	{"name":"Body","type":"bytes"}]}`

func avroFixture(t *testing.T, bodies ...string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := goavro.NewOCFWriter(goavro.OCFConfig{W: &buf, Schema: captureSchema})
	require.NoError(t, err)
	records := make([]interface{}, 0, len(bodies))
	for i, b := range bodies {
		records = append(records, map[string]interface{}{"SequenceNumber": int64(i), "Body": []byte(b)})
	}
	require.NoError(t, w.Append(records))
	return buf.Bytes()
}

func TestAvroBodyField(t *testing.T) {
	data := avroFixture(t, `{"e":1}`, `{"e":2}`)

	r, err := NewRecordReader(bytes.NewReader(data), FormatAuto, RecordOptions{AvroBodyField: "Body"})
	require.NoError(t, err)
	recs, _ := readAll(t, r)
	assert.Equal(t, []string{`{"e":1}`, `{"e":2}`}, recs)
}

func TestAvroRecordsAsJSON(t *testing.T) {
	data := avroFixture(t, "x")

	r, err := NewRecordReader(bytes.NewReader(data), FormatAvro, RecordOptions{})
	require.NoError(t, err)
	recs, _ := readAll(t, r)
	require.Len(t, recs, 1)
	assert.JSONEq(t, `{"SequenceNumber":0,"Body":"x"}`, recs[0])
}

func TestAvroRejectsGarbage(t *testing.T) {
	_, err := NewRecordReader(strings.NewReader("Obj\x01"), FormatAvro, RecordOptions{})
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))
}

func TestEachRecordStopsOnTerminalError(t *testing.T) {
	r, err := NewRecordReader(io.MultiReader(strings.NewReader("{}\n"), iotestErrReader{}), FormatNDJSON, RecordOptions{})
	require.NoError(t, err)
	n := 0
	_, err = EachRecord(r, func(string) error { n++; return nil })
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConnection))
	assert.Equal(t, 1, n)
}

type iotestErrReader struct{}

func (iotestErrReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }
