package checkpoint

import (
	"context"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// StreamView is the Store of one stream inside a connector's shared
// document. The stream sees its own cursors.<stream> entry as Cursor and
// the document's last_event_date; it cannot write any other key.
type StreamView struct {
	store  Store
	stream string
}

// NewStreamView scopes store to stream.
func NewStreamView(store Store, stream string) *StreamView {
	return &StreamView{store: store, stream: stream}
}

// Stream returns the stream name.
func (v *StreamView) Stream() string { return v.stream }

// Load implements Store.
func (v *StreamView) Load(ctx context.Context) (*Context, error) {
	doc, err := v.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	return v.project(doc), nil
}

// Update implements Store. Timestamps merge into the document without
// regressing it.
func (v *StreamView) Update(ctx context.Context, fn func(*Context) error) error {
	return v.store.Update(ctx, func(doc *Context) error {
		view := v.project(doc)
		if err := fn(view); err != nil {
			return err
		}
		if view.NextPageCursor != "" || view.Offset != nil || len(view.CachedEvents) > 0 ||
			len(view.Cursors) > 0 || len(view.Extra) > 0 {
			return errors.Newf(errors.ErrorTypeConfig, "stream %s shares its connector checkpoint and can only store a cursor", v.stream)
		}
		doc.SetStreamCursor(v.stream, view.Cursor)
		if view.LastEventDate != nil {
			doc.AdvanceTimestamp(*view.LastEventDate)
		}
		return nil
	})
}

// Close implements Store. The shared store is closed by its owner.
func (v *StreamView) Close() error { return nil }

func (v *StreamView) project(doc *Context) *Context {
	out := &Context{Cursor: doc.Cursors[v.stream]}
	if doc.LastEventDate != nil {
		t := *doc.LastEventDate
		out.LastEventDate = &t
	}
	return out
}
