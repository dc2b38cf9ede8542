package clients

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// pagesOf serves pages[i] for cursor "c<i>" ("" is c0).
func pagesOf(pages ...[]int) PageFetcher[int] {
	return func(_ context.Context, cursor string) (Page[int], error) {
		i := 0
		if cursor != "" {
			n, err := strconv.Atoi(cursor[1:])
			if err != nil {
				return Page[int]{}, err
			}
			i = n
		}
		p := Page[int]{Items: pages[i]}
		if i+1 < len(pages) {
			p.HasNext = true
			p.Next = fmt.Sprintf("c%d", i+1)
		}
		return p, nil
	}
}

func drain(t *testing.T, p *Paginator[int]) ([]Page[int], error) {
	t.Helper()
	var out []Page[int]
	for {
		page, ok, err := p.Next(context.Background())
		if err != nil || !ok {
			return out, err
		}
		out = append(out, page)
	}
}

func TestPaginatorWalksUntilLastPage(t *testing.T) {
	p := NewPaginator("", 0, pagesOf([]int{1, 2}, []int{3}, []int{4, 5}))
	pages, err := drain(t, p)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, "", pages[0].Cursor)
	assert.Equal(t, "c1", pages[0].Next)
	assert.Equal(t, "c2", pages[2].Cursor)
	assert.False(t, pages[2].HasNext)
}

func TestPaginatorStopsOnEmptyPage(t *testing.T) {
	p := NewPaginator("", 0, pagesOf([]int{1}, []int{}, []int{2}))
	pages, err := drain(t, p)
	require.NoError(t, err)
	assert.Len(t, pages, 1)
	assert.Equal(t, 2, p.Pages())
}

func TestPaginatorDetectsStuckCursor(t *testing.T) {
	p := NewPaginator("x", 0, func(_ context.Context, cursor string) (Page[int], error) {
		return Page[int]{Items: []int{1}, Next: cursor, HasNext: true}, nil
	})
	pages, err := drain(t, p)
	require.Error(t, err)
	assert.Empty(t, pages)
	assert.True(t, errors.IsType(err, errors.ErrorTypeData))
	assert.Contains(t, err.Error(), "cursor did not advance")
}

func TestPaginatorPageBudget(t *testing.T) {
	n := 0
	p := NewPaginator("", 3, func(context.Context, string) (Page[int], error) {
		n++
		return Page[int]{Items: []int{n}, Next: fmt.Sprintf("c%d", n), HasNext: true}, nil
	})
	pages, err := drain(t, p)
	require.Error(t, err)
	assert.Len(t, pages, 3)
	assert.Contains(t, err.Error(), "page budget exhausted")
	assert.Equal(t, "c3", p.Cursor())
}

func TestPaginatorPropagatesFetchError(t *testing.T) {
	p := NewPaginator("", 0, func(context.Context, string) (Page[int], error) {
		return Page[int]{}, errors.New(errors.ErrorTypeUpstreamUnavailable, "down")
	})
	_, ok, err := p.Next(context.Background())
	assert.False(t, ok)
	assert.True(t, errors.IsType(err, errors.ErrorTypeUpstreamUnavailable))
}

func TestGraphQLQueryAndConnectionPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := gjson.ParseBytes(body)
		assert.Contains(t, req.Get("query").String(), "alerts")
		if req.Get("variables.after").String() == "" {
			fmt.Fprint(w, `{"data":{"alerts":{"nodes":[{"id":"a"},{"id":"b"}],"pageInfo":{"endCursor":"E1","hasNextPage":true}}}}`)
			return
		}
		fmt.Fprint(w, `{"data":{"alerts":{"edges":[{"node":{"id":"c"}}],"pageInfo":{"endCursor":"E2","hasNextPage":false}}}}`)
	}))
	defer srv.Close()

	gql := NewGraphQLClient(newTestHTTPClient(t), srv.URL, nil)
	p := NewPaginator("", 0, func(ctx context.Context, cursor string) (Page[gjson.Result], error) {
		data, err := gql.Query(ctx, `query($after: String) { alerts(after: $after) { nodes { id } } }`, map[string]interface{}{"after": cursor})
		if err != nil {
			return Page[gjson.Result]{}, err
		}
		return ConnectionPage(data, "alerts"), nil
	})

	var ids []string
	for {
		page, ok, err := p.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			break
		}
		for _, item := range page.Items {
			ids = append(ids, item.Get("id").String())
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
}

func TestGraphQLErrorsAreClientErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":null,"errors":[{"message":"unknown field"}]}`)
	}))
	defer srv.Close()

	gql := NewGraphQLClient(newTestHTTPClient(t), srv.URL, nil)
	_, err := gql.Query(context.Background(), `{ nope }`, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeClient))
	assert.Contains(t, err.Error(), "unknown field")
}
