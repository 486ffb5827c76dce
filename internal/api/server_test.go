package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/arq/internal/arfs"
	"github.com/pbaille/arq/internal/classifier"
	"github.com/pbaille/arq/internal/gateway"
	"github.com/pbaille/arq/internal/ledger"
	"github.com/pbaille/arq/internal/logging"
	"github.com/pbaille/arq/internal/metrics"
	"github.com/pbaille/arq/internal/query"
	"github.com/pbaille/arq/internal/scheduler"
)

const driveID = "11111111-1111-4111-8111-111111111111"

type fakeResolver struct {
	last arfs.Options
}

func (f *fakeResolver) Resolve(_ context.Context, kind arfs.Kind, id string, opts arfs.Options) (*arfs.Entity, error) {
	f.last = opts
	if err := arfs.ValidateID(id); err != nil {
		return nil, err
	}
	if id != driveID {
		return nil, fmt.Errorf("%w: %s %s", arfs.ErrNotFound, kind, id)
	}
	ent := &arfs.Entity{Kind: kind, ID: id, Owner: "alice", Name: "docs"}
	if opts.DriveContents {
		ent.Contents = &arfs.Contents{Folders: 1, Parentless: 1}
	}
	return ent, nil
}

type fakeLedger struct {
	last query.Filter
}

func (f *fakeLedger) Run(_ context.Context, flt query.Filter) (*ledger.Set, error) {
	f.last = flt
	if _, err := query.Build(flt, "", 1); err != nil {
		return nil, err
	}
	set := ledger.NewSet(flt.Sort, logging.Discard())
	for i := 0; i < 2; i++ {
		r, err := ledger.RecordFromEdge(gateway.Edge{Node: gateway.Node{
			ID:    fmt.Sprintf("%043d", i),
			Owner: gateway.Owner{Address: "alice"},
			Block: &gateway.Block{Height: int64(100 + i)},
		}}, logging.Discard())
		if err != nil {
			return nil, err
		}
		set.Add(r)
	}
	return set, nil
}

func (f *fakeLedger) TransactionIndexed(_ context.Context, id string) (bool, error) {
	return strings.HasPrefix(id, "b"), nil
}

type fakeStatus struct{}

func (fakeStatus) Status(_ context.Context, id string) (*gateway.StatusResponse, error) {
	switch id[0] {
	case 'p':
		return &gateway.StatusResponse{Code: 202}, nil
	case 'b', 'm':
		return &gateway.StatusResponse{Code: 404}, nil
	case 'u':
		return &gateway.StatusResponse{Code: 500}, nil
	}
	return &gateway.StatusResponse{Code: 200, Confirmed: &gateway.Confirmed{BlockHeight: 10, NumberOfConfirmations: 20}}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeResolver, *fakeLedger) {
	t.Helper()
	sched := scheduler.New(scheduler.Config{Slots: 2, Logger: logging.Discard()})
	t.Cleanup(sched.Close)

	res := &fakeResolver{}
	led := &fakeLedger{}
	s := New(Config{
		Resolver:  res,
		Ledger:    led,
		Status:    fakeStatus{},
		Scheduler: sched,
		Metrics:   metrics.NewCollector(),
		Logger:    logging.Discard(),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return srv, res, led
}

func getJSON(t *testing.T, url string, out any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body map[string]any
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/health", &body))
	assert.Equal(t, "ok", body["status"])
	assert.Contains(t, body, "scheduler")
}

func TestGetEntity(t *testing.T) {
	srv, res, _ := newTestServer(t)

	var ent arfs.Entity
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/entities/drive/"+driveID+"?detailed=true", &ent))
	assert.Equal(t, "docs", ent.Name)
	assert.True(t, res.last.Detailed)
	assert.False(t, res.last.DriveContents)

	getJSON(t, srv.URL+"/entities/drive/"+driveID+"?contents=1", &ent)
	assert.True(t, res.last.Detailed)
	assert.True(t, res.last.DriveContents)

	var errBody map[string]string
	assert.Equal(t, http.StatusNotFound, getJSON(t, srv.URL+"/entities/folder/22222222-2222-4222-8222-222222222222", &errBody))
	assert.Contains(t, errBody["error"], "not found")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/entities/file/nope", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/entities/bucket/"+driveID, nil))
}

func TestDriveContents(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var body struct {
		Drive    string         `json:"drive"`
		Contents *arfs.Contents `json:"contents"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/drives/"+driveID+"/contents", &body))
	assert.Equal(t, driveID, body.Drive)
	require.NotNil(t, body.Contents)
	assert.Equal(t, 1, body.Contents.Parentless)
}

func TestTransactionStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)

	cases := map[string]string{
		strings.Repeat("c", 43): "Confirmed",
		strings.Repeat("p", 43): "Pending",
		strings.Repeat("b", 43): "Pending",
		strings.Repeat("m", 43): "Failed",
	}
	for id, want := range cases {
		var body struct {
			Status struct {
				Level string `json:"level"`
			} `json:"status"`
		}
		assert.Equal(t, http.StatusOK, getJSON(t, srv.URL+"/transactions/"+id+"/status", &body))
		assert.Equal(t, want, body.Status.Level, id)
	}

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/transactions/short/status", nil))
}

func TestListTransactions(t *testing.T) {
	srv, _, led := newTestServer(t)

	var body struct {
		Count  int                  `json:"count"`
		Status *ledger.StatusReport `json:"status"`
	}
	url := srv.URL + "/transactions?owner=alice&tag=Entity-Type=file&tag=Entity-Type=folder&min=10&max=20&sort=asc&count=5&status=true"
	assert.Equal(t, http.StatusOK, getJSON(t, url, &body))
	assert.Equal(t, 2, body.Count)
	require.NotNil(t, body.Status)
	assert.Equal(t, 2, body.Status.Confirmed)

	assert.Equal(t, "alice", led.last.Owner)
	assert.Equal(t, ledger.HeightAsc, led.last.Sort)
	assert.Equal(t, 5, led.last.DesiredCount)
	require.NotNil(t, led.last.Heights)
	assert.Equal(t, int64(20), led.last.Heights.Max)
	et, ok := led.last.Tags.Get("Entity-Type")
	require.True(t, ok)
	assert.Equal(t, []string{"file", "folder"}, et.Values)

	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/transactions", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/transactions?owner=a&count=-1", nil))
	assert.Equal(t, http.StatusBadRequest, getJSON(t, srv.URL+"/transactions?owner=a&min=9&max=3", nil))
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusCodeMapping(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusCode(fmt.Errorf("wrap: %w", arfs.ErrInvariant)))
	assert.Equal(t, http.StatusBadGateway, statusCode(&gateway.HTTPError{Code: 503}))
	assert.Equal(t, http.StatusBadGateway, statusCode(query.ErrMalformedPage))
	assert.Equal(t, http.StatusNotFound, statusCode(gateway.ErrNotFound))
	assert.Equal(t, http.StatusBadGateway, statusCode(fmt.Errorf("status of x: %w", classifier.ErrUnknownStatus)))
}

func TestUnknownGatewayStatusIsBadGateway(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var errBody map[string]string
	assert.Equal(t, http.StatusBadGateway, getJSON(t, srv.URL+"/transactions/"+strings.Repeat("u", 43)+"/status", &errBody))
	assert.Contains(t, errBody["error"], "unknown status code")
}
