package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/metrics"
)

func testHTTPClient(t *testing.T) *clients.HTTPClient {
	t.Helper()
	cfg := clients.DefaultHTTPConfig()
	cfg.Retry = clients.RetryPolicy{MaxAttempts: 2, MinWait: time.Millisecond, MaxWait: 2 * time.Millisecond}
	return clients.NewHTTPClient(cfg, zaptest.NewLogger(t), clients.WithMetrics(metrics.New(prometheus.NewRegistry())))
}

func TestFrameReader(t *testing.T) {
	stream := ": keep-alive\n\n" +
		"event: events\nid: 7\ndata: [1,\ndata: 2]\n\n" +
		"retry: 1500\nevent: reconnect\ndata:\n\n" +
		"data: plain\r\n\r\n" +
		"event: partial\ndata: lost"
	fr := NewFrameReader(strings.NewReader(stream))

	f, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{ID: "7", Event: "events", Data: "[1,\n2]"}, f)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "reconnect", f.Event)
	assert.Equal(t, 1500*time.Millisecond, f.Retry)

	f, err = fr.Next()
	require.NoError(t, err)
	assert.Equal(t, Frame{Event: "message", Data: "plain"}, f)

	_, err = fr.Next()
	assert.Equal(t, io.EOF, err)
}

// sseServer plays one script per connection and records Last-Event-ID.
type sseServer struct {
	mu      sync.Mutex
	scripts []string
	conns   int
	lastIDs []string
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	i := s.conns
	s.conns++
	s.lastIDs = append(s.lastIDs, r.Header.Get("Last-Event-ID"))
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/event-stream")
	if i >= len(s.scripts) {
		<-r.Context().Done()
		return
	}
	_, _ = io.WriteString(w, s.scripts[i])
	w.(http.Flusher).Flush()
}

func TestSSEStreamResumesWithLastEventID(t *testing.T) {
	srv := &sseServer{scripts: []string{
		"event: events\nid: 1\ndata: [{\"a\":1},{\"a\":2}]\n\n" +
			"event: heartbeat\ndata: {}\n\n" +
			"retry: 5\nevent: reconnect\ndata: bye\n\n",
		"event: events\nid: 2\ndata: {\"a\":3}\n\n",
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, err := NewSSEStream(testHTTPClient(t), SSEConfig{URL: ts.URL, ReconnectDelay: time.Millisecond}, WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu   sync.Mutex
		got  []string
		curs []string
	)
	err = s.Run(ctx, func(_ context.Context, msgs []*Message) error {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range msgs {
			got = append(got, string(m.Body))
			curs = append(curs, m.Cursor)
		}
		if len(got) == 3 {
			cancel()
		}
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, []string{`{"a":1}`, `{"a":2}`, `{"a":3}`}, got)
	assert.Equal(t, []string{"1", "1", "2"}, curs)
	assert.Equal(t, "2", s.LastEventID())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.GreaterOrEqual(t, len(srv.lastIDs), 2)
	assert.Equal(t, "", srv.lastIDs[0])
	assert.Equal(t, "1", srv.lastIDs[1])
}

func TestSSEStreamReplaysRejectedFrame(t *testing.T) {
	srv := &sseServer{scripts: []string{
		"event: events\nid: 9\ndata: [{\"a\":1}]\n\n",
		"event: events\nid: 9\ndata: [{\"a\":1}]\n\n",
	}}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	s, err := NewSSEStream(testHTTPClient(t), SSEConfig{URL: ts.URL, ReconnectDelay: time.Millisecond, LastEventID: "8"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	calls := 0
	_ = s.Run(ctx, func(context.Context, []*Message) error {
		calls++
		if calls == 1 {
			return errors.New(errors.ErrorTypeSendEvent, "intake down")
		}
		cancel()
		return nil
	})
	assert.Equal(t, 2, calls)
	assert.Equal(t, "9", s.LastEventID())

	srv.mu.Lock()
	defer srv.mu.Unlock()
	assert.Equal(t, []string{"8", "8"}, srv.lastIDs[:2])
}

func TestSSEStreamReturnsAuthFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer ts.Close()

	s, err := NewSSEStream(testHTTPClient(t), SSEConfig{URL: ts.URL})
	require.NoError(t, err)
	err = s.Run(context.Background(), func(context.Context, []*Message) error { return nil })
	require.Error(t, err)
	assert.False(t, recoverable(err), fmt.Sprint(err))
}
