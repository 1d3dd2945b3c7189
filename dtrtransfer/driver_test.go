package dtrtransfer

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dpp-connector/engine/dppconfig"
	"github.com/dpp-connector/engine/dspaceclient"
	"github.com/dpp-connector/engine/journal"
	"github.com/dpp-connector/engine/model"
	"github.com/dpp-connector/engine/procreg"
	"github.com/dpp-connector/engine/processstore"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newHarness(t *testing.T, processID string) (*processstore.Store, *procreg.Registry, *journal.Journal) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	j, err := journal.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	store, err := processstore.Open(j.DB(), j)
	require.NoError(t, err)
	_, err = store.Create(processID, "https://provider.example", "BPNL000TEST")
	require.NoError(t, err)
	require.NoError(t, store.Transition(processID, model.StateRunning))

	reg := procreg.New()
	reg.Register(processID, model.StateRunning, func() {})
	return store, reg, j
}

func newDriver(t *testing.T, store *processstore.Store, reg *procreg.Registry, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := dspaceclient.Config{
		Endpoint:     srv.URL,
		Management:   "/management",
		TransferPath: "/v3/transferprocesses",
		Timeout:      2 * time.Second,
	}
	client := dspaceclient.New(cfg, testLogger())
	return &Driver{
		Client:   client,
		Store:    store,
		Registry: reg,
		Interval: 2 * time.Millisecond,
		Config:   dppconfig.Config{ReceiverEndpoint: "https://consumer.example/callback"},
		Log:      testLogger(),
	}
}

func confirmedNegotiation() model.Negotiation {
	return model.Negotiation{ID: "neg-1", State: model.NegotiationConfirmed, ContractAgreementID: "agr-1"}
}

func TestDtrTransferRunHappyPath(t *testing.T) {
	store, reg, j := newHarness(t, "p1")
	driver := newDriver(t, store, reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-ep1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-ep1", "edc:state": "COMPLETED"})
		}
	}))

	out, err := driver.Run(context.Background(), "p1", "search1", "ep1", model.Dataset{AssetID: "asset-1"}, confirmedNegotiation(), "BPNL000TEST")
	require.NoError(t, err)
	require.False(t, out.Incomplete)
	require.False(t, out.Aborted)
	assert.Equal(t, model.TransferCompleted, out.Transfer.State)

	proc, err := store.Get("p1")
	require.NoError(t, err)
	job := proc.Jobs["search1"]
	require.NotNil(t, job)
	require.NotNil(t, job.Entries["ep1"])
	assert.Equal(t, "COMPLETED", job.Entries["ep1"].Status)
	require.NotNil(t, proc.History["dtr-ep1-transfer"])
	assert.Equal(t, "OK", proc.History["dtr-ep1-transfer"].Status)

	reqBody, err := j.ReadRequest("p1", "registry/ep1")
	require.NoError(t, err)
	require.NotNil(t, reqBody, "the outgoing registry transfer request must be journaled")
	var req model.TransferRequest
	require.NoError(t, json.Unmarshal(reqBody, &req))
	assert.Equal(t, "https://consumer.example/callback/p1/ep1", req.PrivateProperties.ReceiverHTTPEndpoint)
}

func TestDtrTransferRunTerminatedIsIncompleteNotFailed(t *testing.T) {
	store, reg, _ := newHarness(t, "p1")
	driver := newDriver(t, store, reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-ep1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-ep1", "edc:state": "TERMINATED"})
		}
	}))

	out, err := driver.Run(context.Background(), "p1", "search1", "ep1", model.Dataset{AssetID: "asset-1"}, confirmedNegotiation(), "BPNL000TEST")
	require.NoError(t, err)
	assert.True(t, out.Incomplete, "TERMINATED must come back as Incomplete")

	proc, err := store.Get("p1")
	require.NoError(t, err)
	assert.NotEqual(t, model.StateFailed, proc.State, "a single endpoint's incomplete transfer must not fail the whole process")
	entry := proc.History["dtr-ep1-transfer-incomplete"]
	require.NotNil(t, entry)
	assert.Equal(t, "INCOMPLETE", entry.Status)
}

func TestDtrTransferConcurrentEndpointsFanOut(t *testing.T) {
	store, reg, _ := newHarness(t, "p1")
	driver := newDriver(t, store, reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-x"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-x", "edc:state": "COMPLETED"})
		}
	}))

	endpoints := []string{"ep1", "ep2", "ep3"}
	var wg sync.WaitGroup
	results := make([]Outcome, len(endpoints))
	for i, ep := range endpoints {
		wg.Add(1)
		go func(i int, ep string) {
			defer wg.Done()
			out, err := driver.Run(context.Background(), "p1", "search1", ep, model.Dataset{AssetID: "asset-1"}, confirmedNegotiation(), "BPNL000TEST")
			if err != nil {
				t.Errorf("run(%s): %v", ep, err)
				return
			}
			results[i] = out
		}(i, ep)
	}
	wg.Wait()

	for i, out := range results {
		assert.False(t, out.Incomplete, "endpoint %s unexpectedly incomplete", endpoints[i])
		assert.False(t, out.Aborted, "endpoint %s unexpectedly aborted", endpoints[i])
	}

	proc, err := store.Get("p1")
	require.NoError(t, err)
	job := proc.Jobs["search1"]
	require.NotNil(t, job)
	require.Len(t, job.Entries, 3)
	for _, ep := range endpoints {
		require.NotNil(t, job.Entries[ep], "endpoint %s missing", ep)
		assert.Equal(t, "COMPLETED", job.Entries[ep].Status)
		require.NotNil(t, proc.History["dtr-"+ep+"-transfer"], "expected dtr-%s-transfer history entry", ep)
		assert.Equal(t, "OK", proc.History["dtr-"+ep+"-transfer"].Status)
	}
}

func TestDtrTransferFanOutMixedOutcomes(t *testing.T) {
	store, reg, _ := newHarness(t, "p1")
	driver := newDriver(t, store, reg, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req model.TransferRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			// The callback path's last segment is the endpoint id; echo it
			// back in the transfer id so polling can route per endpoint.
			parts := strings.Split(req.PrivateProperties.ReceiverHTTPEndpoint, "/")
			json.NewEncoder(w).Encode(map[string]string{"@id": "tp-" + parts[len(parts)-1]})
		case r.Method == http.MethodGet:
			state := "COMPLETED"
			if strings.HasSuffix(r.URL.Path, "tp-r2") {
				state = "TERMINATED"
			}
			json.NewEncoder(w).Encode(map[string]string{"@id": path.Base(r.URL.Path), "edc:state": state})
		}
	}))

	endpoints := []string{"r1", "r2", "r3"}
	var wg sync.WaitGroup
	results := make(map[string]Outcome, len(endpoints))
	var mu sync.Mutex
	for _, ep := range endpoints {
		wg.Add(1)
		go func(ep string) {
			defer wg.Done()
			out, err := driver.Run(context.Background(), "p1", "search1", ep, model.Dataset{AssetID: "asset-1"}, confirmedNegotiation(), "BPNL000TEST")
			if err != nil {
				t.Errorf("run(%s): %v", ep, err)
				return
			}
			mu.Lock()
			results[ep] = out
			mu.Unlock()
		}(ep)
	}
	wg.Wait()

	assert.False(t, results["r1"].Incomplete, "r1 should have completed")
	assert.False(t, results["r3"].Incomplete, "r3 should have completed")
	assert.True(t, results["r2"].Incomplete, "r2 should be incomplete")

	proc, err := store.Get("p1")
	require.NoError(t, err)
	assert.NotEqual(t, model.StateFailed, proc.State, "one terminated registry endpoint must not fail the whole process")
	for _, ep := range []string{"r1", "r3"} {
		entry := proc.History["dtr-"+ep+"-transfer"]
		require.NotNil(t, entry, "expected dtr-%s-transfer entry", ep)
		assert.Equal(t, "OK", entry.Status)
	}
	entry := proc.History["dtr-r2-transfer-incomplete"]
	require.NotNil(t, entry)
	assert.Equal(t, "INCOMPLETE", entry.Status)
}
