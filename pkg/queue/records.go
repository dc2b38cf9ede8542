package queue

import (
	"bufio"
	"bytes"
	"io"

	"github.com/linkedin/goavro/v2"
	"github.com/tidwall/gjson"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
)

// Format selects how an object body is split into records.
type Format string

const (
	// FormatAuto sniffs the first bytes: Avro magic, a JSON array, a
	// CloudTrail-style {"Records": [...]} document, or NDJSON.
	FormatAuto   Format = ""
	FormatNDJSON Format = "ndjson"
	// FormatJSON is one document: an array, {"Records": [...]} or a single object
	FormatJSON Format = "json"
	FormatAvro Format = "avro"
	// FormatLines forwards every non-blank line as is
	FormatLines Format = "lines"
)

// maxLineSize bounds one NDJSON record.
const maxLineSize = 16 << 20

var avroMagic = []byte("Obj\x01")

// RecordReader yields records one at a time. Next returns io.EOF at the
// end. A parse error for a single record leaves the reader usable; any
// other error is terminal.
type RecordReader interface {
	Next() (string, error)
}

// RecordOptions tune decoding.
type RecordOptions struct {
	// AvroBodyField names a bytes field holding the actual event, as in
	// Event Hubs capture files
	AvroBodyField string
}

// NewRecordReader builds a reader for format over r.
func NewRecordReader(r io.Reader, format Format, opts RecordOptions) (RecordReader, error) {
	br := bufio.NewReaderSize(r, 64<<10)
	if format == FormatAuto {
		format = sniff(br)
	}
	switch format {
	case FormatNDJSON:
		return newLineReader(br, true), nil
	case FormatLines:
		return newLineReader(br, false), nil
	case FormatJSON:
		return newDocumentReader(br)
	case FormatAvro:
		return newAvroReader(br, opts.AvroBodyField)
	default:
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown record format %q", format)
	}
}

func sniff(br *bufio.Reader) Format {
	head, _ := br.Peek(512)
	if bytes.HasPrefix(head, avroMagic) {
		return FormatAvro
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	switch {
	case len(trimmed) == 0:
		return FormatNDJSON
	case trimmed[0] == '[':
		return FormatJSON
	case bytes.HasPrefix(trimmed, []byte(`{"Records":`)):
		return FormatJSON
	default:
		return FormatNDJSON
	}
}

// EachRecord feeds every record of r to fn. Malformed records are skipped
// and counted; the first terminal error or fn error stops the walk.
func EachRecord(r RecordReader, fn func(record string) error) (discarded int, err error) {
	for {
		rec, err := r.Next()
		switch {
		case err == io.EOF:
			return discarded, nil
		case errors.IsType(err, errors.ErrorTypeParse) && !isTerminal(err):
			discarded++
			continue
		case err != nil:
			return discarded, err
		}
		if err := fn(rec); err != nil {
			return discarded, err
		}
	}
}

type lineReader struct {
	scanner  *bufio.Scanner
	validate bool
	line     int
}

func newLineReader(r io.Reader, validate bool) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	return &lineReader{scanner: sc, validate: validate}
}

func (l *lineReader) Next() (string, error) {
	for l.scanner.Scan() {
		l.line++
		line := bytes.TrimSpace(l.scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if l.validate && !json.Valid(line) {
			return "", errors.New(errors.ErrorTypeParse, "invalid JSON line").WithDetail("line", l.line)
		}
		return string(line), nil
	}
	if err := l.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			err = errors.Wrap(err, errors.ErrorTypeParse, "record exceeds line limit")
		}
		return "", terminal(err)
	}
	return "", io.EOF
}

// documentReader walks the elements of one JSON document.
type documentReader struct {
	items []gjson.Result
	pos   int
}

func newDocumentReader(r io.Reader) (*documentReader, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, terminal(err)
	}
	if !gjson.ValidBytes(data) {
		return nil, errors.New(errors.ErrorTypeParse, "invalid JSON document")
	}
	doc := gjson.ParseBytes(data)
	switch {
	case doc.IsArray():
		return &documentReader{items: doc.Array()}, nil
	case doc.Get("Records").IsArray():
		return &documentReader{items: doc.Get("Records").Array()}, nil
	default:
		return &documentReader{items: []gjson.Result{doc}}, nil
	}
}

func (d *documentReader) Next() (string, error) {
	if d.pos >= len(d.items) {
		return "", io.EOF
	}
	item := d.items[d.pos]
	d.pos++
	return item.Raw, nil
}

// avroReader decodes an Avro object container file to JSON records.
type avroReader struct {
	ocf       *goavro.OCFReader
	bodyField string
}

func newAvroReader(r io.Reader, bodyField string) (*avroReader, error) {
	ocf, err := goavro.NewOCFReader(r)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeParse, "invalid avro container")
	}
	return &avroReader{ocf: ocf, bodyField: bodyField}, nil
}

func (a *avroReader) Next() (string, error) {
	if !a.ocf.Scan() {
		if err := a.ocf.Err(); err != nil {
			return "", terminal(errors.Wrap(err, errors.ErrorTypeParse, "avro block decode failed"))
		}
		return "", io.EOF
	}
	datum, err := a.ocf.Read()
	if err != nil {
		return "", terminal(errors.Wrap(err, errors.ErrorTypeParse, "avro record decode failed"))
	}
	if a.bodyField != "" {
		if rec, ok := datum.(map[string]interface{}); ok {
			switch body := rec[a.bodyField].(type) {
			case []byte:
				return string(body), nil
			case string:
				return body, nil
			}
		}
	}
	text, err := a.ocf.Codec().TextualFromNative(nil, datum)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeParse, "avro record is not representable as JSON")
	}
	return string(text), nil
}

// terminalError marks an error after which the reader cannot continue.
type terminalError struct{ error }

func (t terminalError) Unwrap() error { return t.error }

func terminal(err error) error {
	if !errors.IsType(err, errors.ErrorTypeParse) {
		err = errors.Wrap(err, errors.ErrorTypeConnection, "failed to read object")
	}
	return terminalError{err}
}

func isTerminal(err error) bool {
	var t terminalError
	return errors.As(err, &t)
}
