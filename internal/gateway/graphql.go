package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Edge is one paginated item of a transactions query
type Edge struct {
	Cursor string `json:"cursor"`
	Node   Node   `json:"node"`
}

// Node is a transaction as the index reports it
type Node struct {
	ID        string    `json:"id"`
	Anchor    string    `json:"anchor,omitempty"`
	Recipient string    `json:"recipient"`
	Owner     Owner     `json:"owner"`
	Fee       Amount    `json:"fee"`
	Quantity  Amount    `json:"quantity"`
	Data      DataInfo  `json:"data"`
	Tags      []NodeTag `json:"tags"`
	Block     *Block    `json:"block"`
	BundledIn *Ref      `json:"bundledIn"`
}

type Owner struct {
	Address string `json:"address"`
	Key     string `json:"key,omitempty"`
}

// Amount carries a value in winston (smallest unit) and AR
type Amount struct {
	Winston string `json:"winston"`
	AR      string `json:"ar"`
}

type DataInfo struct {
	Size string `json:"size"`
	Type string `json:"type,omitempty"`
}

// NodeTag is a decoded index tag
type NodeTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Block struct {
	ID        string `json:"id"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

type Ref struct {
	ID string `json:"id"`
}

// GraphQLError is one entry of a GraphQL errors array
type GraphQLError struct {
	Message string `json:"message"`
}

// GraphQLResponse is the decoded body of a transactions query
type GraphQLResponse struct {
	Data *struct {
		Transactions *struct {
			Edges []Edge `json:"edges"`
		} `json:"transactions"`
	} `json:"data"`
	Errors []GraphQLError `json:"errors,omitempty"`
}

// Edges returns the page's edges. ok is false when the response has no
// edges field at all, as happens for malformed queries and rate limiting.
func (r *GraphQLResponse) Edges() (edges []Edge, ok bool) {
	if r == nil || r.Data == nil || r.Data.Transactions == nil || r.Data.Transactions.Edges == nil {
		return nil, false
	}
	return r.Data.Transactions.Edges, true
}

// ErrorMessage joins the GraphQL errors, if any
func (r *GraphQLResponse) ErrorMessage() string {
	if r == nil || len(r.Errors) == 0 {
		return ""
	}
	msgs := make([]string, len(r.Errors))
	for i, e := range r.Errors {
		msgs[i] = e.Message
	}
	return strings.Join(msgs, "; ")
}

type graphQLRequest struct {
	Query string `json:"query"`
}

// GraphQL posts a query to the index. A non-200 reply with a JSON body is
// decoded and returned with no error, so the caller sees the missing edges.
func (c *Client) GraphQL(ctx context.Context, query string) (*GraphQLResponse, error) {
	jsonBody, err := json.Marshal(graphQLRequest{Query: query})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, c.endpoint("/graphql"), bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	code, body, err := c.do(ctx, "graphql", req)
	if err != nil {
		return nil, err
	}

	var resp GraphQLResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		if code != http.StatusOK {
			return nil, &HTTPError{Endpoint: "graphql", Code: code, Body: truncate(string(body), 200)}
		}
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if msg := resp.ErrorMessage(); msg != "" {
		c.log.Warn("graphql errors", "status", code, "errors", msg)
	}
	return &resp, nil
}
