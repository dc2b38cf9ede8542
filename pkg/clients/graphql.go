package clients

import (
	"context"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// GraphQLClient posts queries to one endpoint through an HTTPClient. It
// must not be shared across credential identities.
type GraphQLClient struct {
	http     *HTTPClient
	endpoint string
	header   http.Header
}

// NewGraphQLClient creates a client for endpoint.
func NewGraphQLClient(hc *HTTPClient, endpoint string, header http.Header) *GraphQLClient {
	return &GraphQLClient{http: hc, endpoint: endpoint, header: header}
}

type graphQLRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables,omitempty"`
}

// Query runs query and returns the "data" member. A non-empty "errors"
// array is a client error carrying the first message.
func (g *GraphQLClient) Query(ctx context.Context, query string, variables map[string]interface{}) (gjson.Result, error) {
	resp, err := g.http.PostJSON(ctx, g.endpoint, graphQLRequest{Query: query, Variables: variables}, g.header)
	if err != nil {
		return gjson.Result{}, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return gjson.Result{}, errors.New(errors.ErrorTypeParse, "invalid GraphQL response").WithDetail("endpoint", g.endpoint)
	}
	doc := resp.JSON()
	if errs := doc.Get("errors"); errs.IsArray() && len(errs.Array()) > 0 {
		return gjson.Result{}, errors.Newf(errors.ErrorTypeClient, "graphql: %s", errs.Get("0.message").String()).
			WithDetail("errors", len(errs.Array()))
	}
	return doc.Get("data"), nil
}

// ConnectionPage reads a relay-style connection at path: items from
// "nodes" (or "edges.#.node"), cursor from "pageInfo.endCursor".
func ConnectionPage(data gjson.Result, path string) Page[gjson.Result] {
	conn := data.Get(path)
	items := conn.Get("nodes").Array()
	if len(items) == 0 {
		items = conn.Get("edges.#.node").Array()
	}
	return Page[gjson.Result]{
		Items:   items,
		Next:    conn.Get("pageInfo.endCursor").String(),
		HasNext: conn.Get("pageInfo.hasNextPage").Bool(),
	}
}
