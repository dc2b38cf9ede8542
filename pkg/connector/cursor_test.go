package connector

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
	"github.com/ajitpratap0/intakeflow/pkg/clients"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/testutil"
)

// cursorListing serves pages keyed by the cursor that requests them.
type cursorListing struct {
	mu    sync.Mutex
	pages map[string]clients.Page[Event]
	asked []string
}

func (l *cursorListing) fetch(_ context.Context, cursor string) (clients.Page[Event], error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.asked = append(l.asked, cursor)
	p, ok := l.pages[cursor]
	if !ok {
		return clients.Page[Event]{}, errors.Newf(errors.ErrorTypeClient, "unknown cursor %q", cursor)
	}
	p.Items = append([]Event(nil), p.Items...)
	return p, nil
}

func twoPageListing() *cursorListing {
	return &cursorListing{pages: map[string]clients.Page[Event]{
		"":   {Items: []Event{jsonEvent("a", -30)}, Next: "c1", HasNext: true},
		"c1": {Items: []Event{jsonEvent("b", -20)}, Next: "c2", HasNext: false},
	}}
}

func TestCursorSourceCommitsEachPage(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	l := twoPageListing()
	ctx := testutil.TestContext(t)

	src, err := NewCursorSource(ctx, CursorSourceConfig{Name: "alerts"}, h.store, l.fetch, h.options(t, nil)...)
	require.NoError(t, err)
	r := NewRunner(src, h.sink, 1, h.options(t, nil)...)

	require.NoError(t, r.Step(ctx))
	assert.Equal(t, "c1", h.checkpoint(t).Cursor)
	require.NoError(t, r.Step(ctx))
	assert.Equal(t, "c2", h.checkpoint(t).Cursor)
	assert.Equal(t, at(-20), *h.checkpoint(t).LastEventDate)

	batch, err := src.NextBatch(ctx)
	assert.Nil(t, batch)
	assert.ErrorIs(t, err, ErrDrained)
	assert.Equal(t, []string{jsonEvent("a", -30).Payload, jsonEvent("b", -20).Payload}, h.intake.Events())
}

func TestCursorSourceResumesFromCheckpoint(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.seed(t, func(c *checkpoint.Context) { c.Cursor = "c1" })
	l := twoPageListing()
	ctx := testutil.TestContext(t)

	src, err := NewCursorSource(ctx, CursorSourceConfig{Name: "alerts", StartCursor: "ignored"}, h.store, l.fetch, h.options(t, nil)...)
	require.NoError(t, err)
	batch, err := src.NextBatch(ctx)
	require.NoError(t, err)
	require.Len(t, batch.Events, 1)
	assert.Equal(t, "b", batch.Events[0].ID)
	assert.Equal(t, []string{"c1"}, l.asked)
}

func TestCursorSourceRestartsWalkAfterAbort(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	l := twoPageListing()
	ctx := testutil.TestContext(t)

	src, err := NewCursorSource(ctx, CursorSourceConfig{Name: "alerts"}, h.store, l.fetch, h.options(t, nil)...)
	require.NoError(t, err)

	batch, err := src.NextBatch(ctx)
	require.NoError(t, err)
	batch.abort(ctx, errors.New(errors.ErrorTypeSendEvent, "intake down"))

	batch, err = src.NextBatch(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", batch.Events[0].ID, "aborted page must be served again")
	assert.Equal(t, []string{"", ""}, l.asked)
	assert.Empty(t, h.checkpoint(t).Cursor)
}

func TestCursorSourceOrderedCursorNeverMovesBack(t *testing.T) {
	h := newHarness(t, TypeHTTP)
	h.seed(t, func(c *checkpoint.Context) { c.Cursor = "0005" })
	l := &cursorListing{pages: map[string]clients.Page[Event]{
		"0005": {Items: []Event{jsonEvent("x", -5)}, Next: "0003"},
	}}
	ctx := testutil.TestContext(t)

	src, err := NewCursorSource(ctx, CursorSourceConfig{Name: "alerts", Ordered: true}, h.store, l.fetch, h.options(t, nil)...)
	require.NoError(t, err)
	batch, err := src.NextBatch(ctx)
	require.NoError(t, err)
	require.NoError(t, batch.commit(ctx))
	assert.Equal(t, "0005", h.checkpoint(t).Cursor)
}
