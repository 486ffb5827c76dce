package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pbaille/arq/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	txA = strings.Repeat("a", 43)
	txB = strings.Repeat("b", 43)
)

type mapCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

func (c *mapCache) Get(kind, id string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[kind+"/"+id]
	return v, ok, nil
}

func (c *mapCache) Put(kind, id string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.m == nil {
		c.m = make(map[string][]byte)
	}
	c.m[kind+"/"+id] = payload
	return nil
}

func newTestClient(t *testing.T, h http.Handler, cache Cache) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL, Cache: cache, Logger: logging.Discard()})
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURLs(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://gateway.example"})
	assert.Error(t, err)

	c, err := New(Config{BaseURL: "gateway.example/"})
	require.NoError(t, err)
	assert.Equal(t, "https://gateway.example", c.BaseURL())
}

func TestGraphQL(t *testing.T) {
	var gotQuery string
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req graphQLRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotQuery = req.Query
		io.WriteString(w, `{"data":{"transactions":{"edges":[
			{"cursor":"c1","node":{"id":"`+txA+`","owner":{"address":"addr"},
			 "tags":[{"name":"Entity-Type","value":"file"}],
			 "block":{"id":"blk","height":1200,"timestamp":1700000000}}}]}}}`)
	})
	c := newTestClient(t, h, nil)

	resp, err := c.GraphQL(context.Background(), `query { transactions { edges { cursor } } }`)
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "transactions")

	edges, ok := resp.Edges()
	require.True(t, ok)
	require.Len(t, edges, 1)
	assert.Equal(t, "c1", edges[0].Cursor)
	assert.Equal(t, int64(1200), edges[0].Node.Block.Height)
	assert.Equal(t, "file", edges[0].Node.Tags[0].Value)
}

func TestGraphQLMissingEdges(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"errors":[{"message":"rate limited"}]}`)
	})
	c := newTestClient(t, h, nil)

	resp, err := c.GraphQL(context.Background(), "query {}")
	require.NoError(t, err)
	_, ok := resp.Edges()
	assert.False(t, ok)
	assert.Equal(t, "rate limited", resp.ErrorMessage())
}

func TestGraphQLNonJSONError(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})
	c := newTestClient(t, h, nil)

	_, err := c.GraphQL(context.Background(), "query {}")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr), "got %v", err)
	assert.Equal(t, http.StatusBadGateway, httpErr.Code)
}

func TestTransactionIsCached(t *testing.T) {
	var hits atomic.Int32
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		switch r.URL.Path {
		case "/tx/" + txA:
			io.WriteString(w, `{"format":2,"id":"`+txA+`","last_tx":"anchor","owner":"AQAB",
				"tags":[{"name":"RW50aXR5LVR5cGU","value":"ZmlsZQ"}],"data_root":"root","data_size":"12"}`)
		default:
			http.NotFound(w, r)
		}
	})
	c := newTestClient(t, h, &mapCache{})
	ctx := context.Background()

	tx, err := c.Transaction(ctx, txA)
	require.NoError(t, err)
	assert.Equal(t, 2, tx.Format)
	assert.Equal(t, "anchor", tx.LastTx)

	tags, err := tx.DecodedTags()
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "Entity-Type", tags[0].Name)
	assert.Equal(t, "file", tags[0].Value())

	_, err = c.Transaction(ctx, txA)
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.Transaction(ctx, txB)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = c.Transaction(ctx, "short")
	assert.Error(t, err)
}

func TestDataSizeLimit(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, strings.Repeat("x", 64))
	})
	srv := httptest.NewServer(h)
	defer srv.Close()

	c, err := New(Config{BaseURL: srv.URL, MaxBodyBytes: 32, Logger: logging.Discard()})
	require.NoError(t, err)

	_, err = c.Data(context.Background(), txA)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestStatus(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/tx/" + txA + "/status":
			io.WriteString(w, `{"block_height":1200,"block_indep_hash":"h","number_of_confirmations":20}`)
		case "/tx/" + txB + "/status":
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, "Pending")
		default:
			http.NotFound(w, r)
		}
	})
	c := newTestClient(t, h, nil)
	ctx := context.Background()

	st, err := c.Status(ctx, txA)
	require.NoError(t, err)
	assert.Equal(t, 200, st.Code)
	require.NotNil(t, st.Confirmed)
	assert.Equal(t, 20, st.Confirmed.NumberOfConfirmations)

	st, err = c.Status(ctx, txB)
	require.NoError(t, err)
	assert.Equal(t, 202, st.Code)
	assert.Nil(t, st.Confirmed)

	st, err = c.Status(ctx, strings.Repeat("c", 43))
	require.NoError(t, err)
	assert.Equal(t, 404, st.Code)
}

func TestOwnerAddress(t *testing.T) {
	modulus := []byte{0x01, 0x02, 0x03, 0x04}
	sum := sha256.Sum256(modulus)
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	got, err := OwnerAddress(base64.RawURLEncoding.EncodeToString(modulus))
	require.NoError(t, err)
	assert.Equal(t, want, got)

	padded, err := OwnerAddress(base64.URLEncoding.EncodeToString(modulus))
	require.NoError(t, err)
	assert.Equal(t, want, padded)

	_, err = OwnerAddress("")
	assert.Error(t, err)
}
