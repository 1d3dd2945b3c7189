// Package engine wires the process orchestration components (C1-C8) into
// the single long-running service a controller drives: it owns the
// goroutine per active process, the same way coordinator.Coordinator owns
// its connection goroutine, and its Shutdown follows that same
// cancel-then-WaitGroup.Wait idiom.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dpp-connector/engine/dppconfig"
	"github.com/dpp-connector/engine/dspaceclient"
	"github.com/dpp-connector/engine/dtrtransfer"
	"github.com/dpp-connector/engine/journal"
	"github.com/dpp-connector/engine/model"
	"github.com/dpp-connector/engine/negotiation"
	"github.com/dpp-connector/engine/procreg"
	"github.com/dpp-connector/engine/processstore"
	"github.com/dpp-connector/engine/supervisor"
	"github.com/dpp-connector/engine/transfer"
)

// Engine is the assembled orchestration core.
type Engine struct {
	cfg        dppconfig.Config
	client     *dspaceclient.Client
	journal    *journal.Journal
	store      *processstore.Store
	registry   *procreg.Registry
	supervisor *supervisor.Supervisor
	neg        *negotiation.Driver
	xfer       *transfer.Driver
	dtr        *dtrtransfer.Driver
	log        *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open assembles an Engine backed by a bbolt file at dbPath, per cfg.
func Open(dbPath string, cfg dppconfig.Config, log *logrus.Entry) (*Engine, error) {
	j, err := journal.Open(dbPath)
	if err != nil {
		return nil, err
	}
	store, err := processstore.Open(j.DB(), j)
	if err != nil {
		return nil, err
	}
	reg := procreg.New()
	client := dspaceclient.New(dspaceclient.Config{
		Endpoint:        cfg.Endpoint,
		Management:      cfg.Management,
		CatalogPath:     cfg.CatalogPath,
		NegotiationPath: cfg.NegotiationPath,
		TransferPath:    cfg.TransferPath,
		APIKey:          cfg.APIKey,
		ParticipantID:   cfg.ParticipantID,
	}, log)

	sup := &supervisor.Supervisor{Store: store, Registry: reg, Log: log}
	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		cfg:        cfg,
		client:     client,
		journal:    j,
		store:      store,
		registry:   reg,
		supervisor: sup,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
	}
	e.neg = &negotiation.Driver{Client: client, Store: store, Registry: reg, Interval: cfg.PollInterval(), Log: log}
	e.xfer = &transfer.Driver{Client: client, Store: store, Registry: reg, Interval: cfg.PollInterval(), Config: cfg, Log: log}
	e.dtr = &dtrtransfer.Driver{Client: client, Store: store, Registry: reg, Interval: cfg.PollInterval(), Config: cfg, Log: log}
	return e, nil
}

// StartProcess creates a Process for the dataset found at providerURL under
// assetID and, once created, asynchronously runs it through negotiation
// then transfer, chaining the two strictly so the transfer driver never
// starts before the negotiation driver's terminal persistence. It returns as
// soon as the process is registered; the caller observes progress via
// Snapshot.
func (e *Engine) StartProcess(providerURL, bpn, assetID string) (string, error) {
	dataset, err := e.client.FindOfferByAssetID(e.ctx, providerURL, assetID)
	if err != nil {
		return "", err
	}
	if dataset == nil {
		return "", model.NewError(model.KindProtocolError, fmt.Sprintf("no offer found for asset %s", assetID), nil)
	}

	id := uuid.New().String()
	if _, err := e.store.Create(id, providerURL, bpn); err != nil {
		return "", err
	}

	procCtx, cancel := context.WithCancel(e.ctx)
	e.registry.Register(id, model.StateCreated, cancel)

	if err := e.store.Transition(id, model.StateRunning); err != nil {
		e.registry.Unregister(id)
		return "", err
	}
	if err := e.registry.SetState(id, model.StateRunning); err != nil {
		e.log.WithField("processId", id).WithError(err).Warn("procreg state lagged behind processstore")
	}

	e.wg.Add(1)
	go e.run(procCtx, id, bpn, *dataset)

	return id, nil
}

func (e *Engine) run(ctx context.Context, processID, bpn string, dataset model.Dataset) {
	defer e.wg.Done()
	defer e.registry.Unregister(processID)

	log := e.log.WithField("processId", processID)

	negOut, err := e.neg.Run(ctx, processID, bpn, dataset, model.HistoryEntry{})
	if err != nil {
		log.WithError(err).Error("negotiation driver returned an error")
		return
	}
	if negOut.Aborted || negOut.Failed {
		return
	}

	if _, err := e.xfer.Run(ctx, processID, dataset, model.HistoryEntry{}, negOut.Negotiation, bpn); err != nil {
		log.WithError(err).Error("transfer driver returned an error")
	}
}

// StartRegistryFanOut runs one dtrtransfer.Driver per endpointID concurrently
// against an already-negotiated process. It returns
// immediately; results land in the process's Jobs map under searchID.
func (e *Engine) StartRegistryFanOut(processID, searchID string, dataset model.Dataset, negotiation model.Negotiation, bpn string, endpointIDs []string) {
	for _, endpointID := range endpointIDs {
		e.wg.Add(1)
		go func(endpointID string) {
			defer e.wg.Done()
			if _, err := e.dtr.Run(e.ctx, processID, searchID, endpointID, dataset, negotiation, bpn); err != nil {
				e.log.WithFields(logrus.Fields{"processId": processID, "endpointId": endpointID}).WithError(err).Error("registry transfer driver returned an error")
			}
		}(endpointID)
	}
}

// Terminate requests that processID stop. If its driver has already
// finished (success, failure, or a prior terminate), there is nothing left
// to signal and this reports an error rather than touching the registry or
// store on a process no longer running.
func (e *Engine) Terminate(processID string) error {
	if e.registry.IsTerminated(processID) {
		return model.NewError(model.KindInvalidState, fmt.Sprintf("process %s is not running", processID), nil)
	}
	return e.supervisor.Terminate(processID)
}

// ActiveProcessIDs returns the ids of every process whose driver goroutine
// is currently running, as opposed to List's full snapshot of every known
// process regardless of whether it finished long ago.
func (e *Engine) ActiveProcessIDs() []string {
	return e.registry.Active()
}

// Snapshot returns the current Process record for id.
func (e *Engine) Snapshot(id string) (*model.Process, error) {
	return e.store.Get(id)
}

// List returns every known Process. Supplemental introspection surface not
// named by the operation list but a natural companion to Snapshot, in the
// same spirit as statemanager.Manager.ListOperations.
func (e *Engine) List() []*model.Process {
	return e.store.List()
}

// Shutdown cancels every running driver and waits for them to return, or
// for ctx to expire first.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.cancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return e.journal.Close()
}
