package negotiation

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type testHarness struct {
	store   *processstore.Store
	reg     *procreg.Registry
	journal *journal.Journal
}

func newHarness(t *testing.T, processID string) *testHarness {
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

	return &testHarness{store: store, reg: reg, journal: j}
}

func newDriver(t *testing.T, h *testHarness, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	cfg := dspaceclient.Config{
		Endpoint:        srv.URL,
		Management:      "/management",
		CatalogPath:     "/v3/catalog/request",
		NegotiationPath: "/v3/contractnegotiations",
		TransferPath:    "/v3/transferprocesses",
		Timeout:         2 * time.Second,
	}
	client := dspaceclient.New(cfg, testLogger())
	return &Driver{
		Client:   client,
		Store:    h.store,
		Registry: h.reg,
		Interval: 2 * time.Millisecond,
		Log:      testLogger(),
	}
}

func testDataset() model.Dataset {
	return model.Dataset{
		AssetID:  "asset-1",
		Policies: []model.Policy{{ID: "pol-1", Raw: map[string]interface{}{"@id": "pol-1"}}},
	}
}

func TestNegotiationRunHappyPath(t *testing.T) {
	h := newHarness(t, "p1")
	polls := 0
	driver := newDriver(t, h, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/management/v3/contractnegotiations":
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1"})
		case r.Method == http.MethodGet:
			polls++
			state := "NEGOTIATING"
			if polls >= 2 {
				state = "CONFIRMED"
			}
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1", "edc:state": state, "contractAgreementId": "agr-1"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))

	out, err := driver.Run(context.Background(), "p1", "BPNL000TEST", testDataset(), model.HistoryEntry{})
	require.NoError(t, err)
	require.False(t, out.Failed)
	require.False(t, out.Aborted)
	assert.Equal(t, model.NegotiationConfirmed, out.Negotiation.State)

	proc, err := h.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, model.StateNegotiated, proc.State)

	reqBody, err := h.journal.ReadRequest("p1", "negotiation")
	require.NoError(t, err)
	require.NotNil(t, reqBody, "the outgoing negotiation request must be journaled")
	var req model.NegotiationRequest
	require.NoError(t, json.Unmarshal(reqBody, &req))
	assert.Equal(t, "asset-1", req.Offer.AssetID)
}

func TestNegotiationRunRemoteFailure(t *testing.T) {
	h := newHarness(t, "p1")
	driver := newDriver(t, h, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1", "edc:state": "TERMINATED"})
		}
	}))

	out, err := driver.Run(context.Background(), "p1", "BPNL000TEST", testDataset(), model.HistoryEntry{})
	require.NoError(t, err)
	assert.True(t, out.Failed)

	proc, err := h.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, proc.State)
	require.NotNil(t, proc.History["negotiation-failed"])
	assert.Equal(t, "FAILED", proc.History["negotiation-failed"].Status)
}

func TestNegotiationRunAbortedByTerminate(t *testing.T) {
	h := newHarness(t, "p1")
	driver := newDriver(t, h, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1", "edc:state": "NEGOTIATING"})
		}
	}))

	h.reg.SetState("p1", model.StateTerminated)

	out, err := driver.Run(context.Background(), "p1", "BPNL000TEST", testDataset(), model.HistoryEntry{})
	require.NoError(t, err)
	assert.True(t, out.Aborted)
}

func TestNegotiationRunMissingStateIsProtocolError(t *testing.T) {
	h := newHarness(t, "p1")
	driver := newDriver(t, h, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1"})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]string{"@id": "neg-1"})
		}
	}))

	out, err := driver.Run(context.Background(), "p1", "BPNL000TEST", testDataset(), model.HistoryEntry{})
	require.NoError(t, err)
	assert.True(t, out.Failed, "a malformed poll response must fail the process")

	proc, err := h.store.Get("p1")
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, proc.State)
}
