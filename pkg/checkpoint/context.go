package checkpoint

import (
	"time"

	"github.com/ajitpratap0/intakeflow/pkg/clock"
	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/json"
)

// MaxCachedEvents bounds the persisted id set.
const MaxCachedEvents = 500

// Reserved keys of context.json.
const (
	KeyLastEventDate  = "last_event_date"
	KeyCursor         = "cursor"
	KeyNextPageCursor = "next_page_cursor"
	KeyOffset         = "offset"
	KeyCachedEvents   = "cached_events"
	KeyCursors        = "cursors"
)

// Context is the decoded checkpoint of one connector instance. Keys it does
// not know are kept in Extra and written back untouched.
type Context struct {
	LastEventDate  *time.Time
	Cursor         string
	NextPageCursor string
	Offset         *int64
	CachedEvents   []string
	Cursors        map[string]string
	Extra          map[string]json.RawMessage
}

// AdvanceTimestamp moves LastEventDate forward to t. It refuses regressions.
func (c *Context) AdvanceTimestamp(t time.Time) bool {
	t = clock.UTC(t)
	if c.LastEventDate != nil && t.Before(*c.LastEventDate) {
		return false
	}
	c.LastEventDate = &t
	return true
}

// AdvanceCursor moves Cursor forward under lexicographic order.
func (c *Context) AdvanceCursor(cursor string) bool {
	if cursor == "" || cursor < c.Cursor {
		return false
	}
	c.Cursor = cursor
	return true
}

// ReplaceCursor stores an opaque vendor cursor that carries no order.
func (c *Context) ReplaceCursor(cursor string) bool {
	if cursor == "" {
		return false
	}
	c.Cursor = cursor
	return true
}

// SetStreamCursor stores the cursor of one stream of a multi-stream
// connector. An empty cursor leaves the entry as it is.
func (c *Context) SetStreamCursor(stream, cursor string) {
	if cursor == "" {
		return
	}
	if c.Cursors == nil {
		c.Cursors = make(map[string]string)
	}
	c.Cursors[stream] = cursor
}

// MarshalJSON writes reserved keys next to the preserved extra keys.
func (c *Context) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(c.Extra)+6)
	for k, v := range c.Extra {
		out[k] = v
	}
	if c.LastEventDate != nil {
		out[KeyLastEventDate] = c.LastEventDate.UTC().Format(time.RFC3339Nano)
	}
	if c.Cursor != "" {
		out[KeyCursor] = c.Cursor
	}
	if c.NextPageCursor != "" {
		out[KeyNextPageCursor] = c.NextPageCursor
	}
	if c.Offset != nil {
		out[KeyOffset] = *c.Offset
	}
	if len(c.CachedEvents) > 0 {
		ids := c.CachedEvents
		if len(ids) > MaxCachedEvents {
			ids = ids[len(ids)-MaxCachedEvents:]
		}
		out[KeyCachedEvents] = ids
	}
	if len(c.Cursors) > 0 {
		out[KeyCursors] = c.Cursors
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits reserved keys from the rest.
func (c *Context) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, errors.ErrorTypeParse, "checkpoint is not a JSON object")
	}
	*c = Context{}

	field := func(key string, dst interface{}) error {
		v, ok := raw[key]
		if !ok {
			return nil
		}
		delete(raw, key)
		if string(v) == "null" {
			return nil
		}
		if err := json.Unmarshal(v, dst); err != nil {
			return errors.Wrap(err, errors.ErrorTypeParse, "checkpoint key "+key)
		}
		return nil
	}

	var lastEvent string
	if err := field(KeyLastEventDate, &lastEvent); err != nil {
		return err
	}
	if lastEvent != "" {
		t, err := parseTimestamp(lastEvent)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeParse, "checkpoint key "+KeyLastEventDate)
		}
		c.LastEventDate = &t
	}
	if err := field(KeyCursor, &c.Cursor); err != nil {
		return err
	}
	if err := field(KeyNextPageCursor, &c.NextPageCursor); err != nil {
		return err
	}
	var offset int64
	if _, ok := raw[KeyOffset]; ok {
		if err := field(KeyOffset, &offset); err != nil {
			return err
		}
		c.Offset = &offset
	}
	if err := field(KeyCachedEvents, &c.CachedEvents); err != nil {
		return err
	}
	if err := field(KeyCursors, &c.Cursors); err != nil {
		return err
	}
	if len(raw) > 0 {
		c.Extra = raw
	}
	return nil
}

// parseTimestamp accepts RFC 3339 with or without an offset; naive values are
// read as UTC.
func parseTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999Z07:00", "2006-01-02 15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return clock.UTC(t), nil
		}
	}
	return time.Time{}, errors.New(errors.ErrorTypeParse, "unrecognised timestamp "+s)
}
