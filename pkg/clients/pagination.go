package clients

import (
	"context"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// DefaultMaxPages bounds one pagination run.
const DefaultMaxPages = 1000

// Page is one page of a cursor-paginated listing. Cursor is the cursor
// that fetched it; Next resumes after it.
type Page[T any] struct {
	Items   []T
	Cursor  string
	Next    string
	HasNext bool
}

// PageFetcher fetches the page addressed by cursor; "" is the first page.
type PageFetcher[T any] func(ctx context.Context, cursor string) (Page[T], error)

// Paginator walks a cursor loop one page at a time. It stops when a page
// reports no next page or carries no items, fails with a data error when
// the upstream repeats a cursor, and fails when MaxPages pages were read
// without reaching the end.
type Paginator[T any] struct {
	fetch    PageFetcher[T]
	cursor   string
	maxPages int
	pages    int
	done     bool
}

// NewPaginator starts at cursor (empty for the first page). maxPages <= 0
// means DefaultMaxPages.
func NewPaginator[T any](cursor string, maxPages int, fetch PageFetcher[T]) *Paginator[T] {
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Paginator[T]{fetch: fetch, cursor: cursor, maxPages: maxPages}
}

// Next returns the next non-empty page. ok is false once the listing is
// exhausted.
func (p *Paginator[T]) Next(ctx context.Context) (page Page[T], ok bool, err error) {
	if p.done {
		return Page[T]{}, false, nil
	}
	if p.pages >= p.maxPages {
		p.done = true
		return Page[T]{}, false, errors.Newf(errors.ErrorTypeData, "page budget exhausted after %d pages", p.pages).
			WithDetail("cursor", p.cursor)
	}
	if err := ctx.Err(); err != nil {
		return Page[T]{}, false, err
	}

	page, err = p.fetch(ctx, p.cursor)
	if err != nil {
		return Page[T]{}, false, err
	}
	p.pages++
	page.Cursor = p.cursor

	if len(page.Items) == 0 {
		p.done = true
		return Page[T]{}, false, nil
	}
	switch {
	case !page.HasNext || page.Next == "":
		p.done = true
	case page.Next == p.cursor:
		p.done = true
		return Page[T]{}, false, errors.New(errors.ErrorTypeData, "cursor did not advance").WithDetail("cursor", p.cursor)
	default:
		p.cursor = page.Next
	}
	return page, true, nil
}

// Cursor is where the next call resumes.
func (p *Paginator[T]) Cursor() string {
	return p.cursor
}

// Pages reports how many pages were fetched.
func (p *Paginator[T]) Pages() int {
	return p.pages
}
