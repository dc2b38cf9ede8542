package connector

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/stepper"
	"github.com/ajitpratap0/intakeflow/pkg/testutil"
)

// vendorAPI answers with the body registered for the request's cursor.
type vendorAPI struct {
	mu      sync.Mutex
	bodies  map[string]string
	queries []url.Values
	headers []http.Header
}

func (v *vendorAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	v.mu.Lock()
	v.queries = append(v.queries, r.URL.Query())
	v.headers = append(v.headers, r.Header.Clone())
	body, ok := v.bodies[r.URL.Query().Get("cursor")]
	v.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(body))
}

func newVendor(t *testing.T, bodies map[string]string) (*vendorAPI, *httptest.Server) {
	t.Helper()
	v := &vendorAPI{bodies: bodies}
	srv := httptest.NewServer(v)
	t.Cleanup(srv.Close)
	return v, srv
}

func TestHTTPSourceFetchWindowWalksPages(t *testing.T) {
	v, srv := newVendor(t, map[string]string{
		"":   `{"data":[{"id":"a","ts":"2023-11-14T22:12:50Z"}],"next":"p2","more":true}`,
		"p2": `{"data":[{"id":"b","ts":1699999990}],"next":"","more":false}`,
	})
	hs, err := NewHTTPSource(testutil.HTTPClient(t, nil), HTTPSourceOptions{
		URL:            srv.URL,
		Query:          map[string]string{"limit": "100"},
		Headers:        map[string]string{"X-Tenant": "acme"},
		ItemsPath:      "data",
		IDPath:         "id",
		TimestampPath:  "ts",
		NextCursorPath: "next",
		HasMorePath:    "more",
		TimeFormat:     TimeUnix,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	events, err := hs.FetchWindow(context.Background(), stepper.Window{Start: at(-60), End: at(0)})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, Event{Payload: `{"id":"a","ts":"2023-11-14T22:12:50Z"}`, ID: "a", Timestamp: at(-30)}, events[0])
	assert.Equal(t, at(-10), events[1].Timestamp)

	require.Len(t, v.queries, 2)
	for _, q := range v.queries {
		assert.Equal(t, "1699999940", q.Get("from"))
		assert.Equal(t, "1700000000", q.Get("to"))
		assert.Equal(t, "100", q.Get("limit"))
	}
	assert.Equal(t, "p2", v.queries[1].Get("cursor"))
	assert.Equal(t, "acme", v.headers[0].Get("X-Tenant"))
}

func TestHTTPSourceFetchPage(t *testing.T) {
	_, srv := newVendor(t, map[string]string{
		"c9": `[{"id":"z"}]`,
	})
	hs, err := NewHTTPSource(testutil.HTTPClient(t, nil), HTTPSourceOptions{
		URL:            srv.URL,
		Mode:           ModeCursor,
		IDPath:         "id",
		NextCursorPath: "missing",
	}, nil)
	require.NoError(t, err)

	page, err := hs.FetchPage(context.Background(), "c9")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "z", page.Items[0].ID)
	assert.True(t, page.Items[0].Timestamp.IsZero())
	assert.False(t, page.HasNext)
}

func TestHTTPSourceRejectsBadPayloads(t *testing.T) {
	_, srv := newVendor(t, map[string]string{
		"broken": `{"data":`,
		"object": `{"data":{"id":"a"}}`,
		"absent": `{"other":[]}`,
	})
	hs, err := NewHTTPSource(testutil.HTTPClient(t, nil), HTTPSourceOptions{
		URL:            srv.URL,
		Mode:           ModeCursor,
		ItemsPath:      "data",
		NextCursorPath: "next",
	}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = hs.FetchPage(ctx, "broken")
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse), "%v", err)
	_, err = hs.FetchPage(ctx, "object")
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse), "%v", err)

	page, err := hs.FetchPage(ctx, "absent")
	require.NoError(t, err)
	assert.Empty(t, page.Items)

	_, err = hs.FetchPage(ctx, "unknown")
	assert.True(t, errors.IsType(err, errors.ErrorTypeClient), "%v", err)
}

func TestHTTPSourceOptionsValidate(t *testing.T) {
	tests := []struct {
		name string
		opts HTTPSourceOptions
		ok   bool
	}{
		{"window defaults", HTTPSourceOptions{URL: "https://api.example.com/logs"}, true},
		{"missing url", HTTPSourceOptions{}, false},
		{"cursor without path", HTTPSourceOptions{URL: "https://x", Mode: ModeCursor}, false},
		{"unknown mode", HTTPSourceOptions{URL: "https://x", Mode: "push"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.applyDefaults()
			err := tt.opts.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "%v", err)
			}
		})
	}
}

func TestParseTime(t *testing.T) {
	want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)
	tests := []struct {
		raw    string
		format string
	}{
		{`1700000000`, ""},
		{`1700000000000`, ""},
		{`"1700000000000"`, TimeUnixMS},
		{`"2023-11-14T22:13:20Z"`, ""},
		{`"2023-11-14T23:13:20+01:00"`, TimeRFC3339},
		{`"14/11/2023 22:13:20"`, "02/01/2006 15:04:05"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := parseTime(gjson.Parse(tt.raw), tt.format)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}

	_, err := parseTime(gjson.Parse(`"yesterday"`), "")
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))
}

func TestFormatTime(t *testing.T) {
	ts := at(0)
	assert.Equal(t, "2023-11-14T22:13:20Z", formatTime(ts, TimeRFC3339))
	assert.Equal(t, "1700000000", formatTime(ts, TimeUnix))
	assert.Equal(t, "1700000000000", formatTime(ts, TimeUnixMS))
	assert.Equal(t, "2023-11-14", formatTime(ts, "2006-01-02"))
}
