package connector

import (
	"github.com/ajitpratap0/intakeflow/pkg/checkpoint"
)

// dedup drops events whose id was forwarded recently. The id set lives in
// the checkpoint's cached_events so it survives restarts. A nil dedup
// keeps everything.
type dedup struct {
	cache *checkpoint.EventCache
}

func newDedup(enabled bool, cp *checkpoint.Context) *dedup {
	if !enabled {
		return nil
	}
	c := checkpoint.NewEventCache(checkpoint.MaxCachedEvents)
	if cp != nil {
		c.Seed(cp.CachedEvents)
	}
	return &dedup{cache: c}
}

// filter returns the events not seen yet. Duplicates inside events are
// dropped too.
func (d *dedup) filter(events []Event) (kept []Event, dropped int) {
	if d == nil {
		return events, 0
	}
	batch := make(map[string]struct{}, len(events))
	kept = events[:0:0]
	for _, e := range events {
		if e.ID == "" {
			kept = append(kept, e)
			continue
		}
		if _, dup := batch[e.ID]; dup || d.cache.Seen(e.ID) {
			dropped++
			continue
		}
		batch[e.ID] = struct{}{}
		kept = append(kept, e)
	}
	return kept, dropped
}

// remember records forwarded ids into c.
func (d *dedup) remember(c *checkpoint.Context, events []Event) {
	if d == nil {
		return
	}
	for _, e := range events {
		if e.ID != "" {
			d.cache.Add(e.ID)
		}
	}
	c.CachedEvents = d.cache.IDs()
}
