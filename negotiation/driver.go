// Package negotiation is the worker task (C5) that drives one process's
// contract negotiation from offer to terminal state, in the shape
// worker.Pool's JobProcessor tasks take: a self-contained Run that owns its
// own persistence and abort checks rather than returning a value for some
// outer loop to interpret.
package negotiation

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpp-connector/engine/dspaceclient"
	"github.com/dpp-connector/engine/model"
	"github.com/dpp-connector/engine/procreg"
	"github.com/dpp-connector/engine/processstore"
)

// Driver builds an offer from a dataset, starts a contract negotiation,
// polls it to a terminal state, and persists the result.
type Driver struct {
	Client   *dspaceclient.Client
	Store    *processstore.Store
	Registry *procreg.Registry
	Interval time.Duration
	Log      *logrus.Entry
}

// Outcome is what the caller (the engine's process controller) needs to
// decide whether to hand off to the transfer driver.
type Outcome struct {
	Negotiation model.Negotiation
	Aborted     bool
	Failed      bool
}

// Run executes the negotiation algorithm for processID against dataset,
// using bpn as the counterparty id. status is the triggering History entry
// the controller observed; it is accepted for correlation with the caller's
// own bookkeeping but the driver derives everything it needs from the
// Process record itself.
func (d *Driver) Run(ctx context.Context, processID, bpn string, dataset model.Dataset, status model.HistoryEntry) (Outcome, error) {
	log := d.Log.WithField("processId", processID)

	proc, err := d.Store.Get(processID)
	if err != nil {
		return Outcome{}, err
	}

	policy, ok := dataset.FirstPolicy()
	if !ok {
		return Outcome{}, model.NewError(model.KindProtocolError, "dataset has no policy to negotiate", nil)
	}
	offer := model.Offer{OfferID: policy.ID, AssetID: dataset.AssetID, Policy: policy.WithoutID()}
	req := model.NewNegotiationRequest(proc.Endpoint, bpn, offer)

	if err := d.Store.SaveNegotiationRequest(processID, req); err != nil {
		return Outcome{}, err
	}
	placeholder := model.IdResponse{ID: processID}
	if err := d.Store.SaveNegotiation(processID, model.Negotiation{ID: placeholder.ID, State: model.NegotiationRequested}); err != nil {
		return Outcome{}, err
	}

	idResp, err := d.Client.StartNegotiation(ctx, req)
	if err != nil {
		if rerr := d.Store.RecordStep(processID, "negotiation-failed", "FAILED"); rerr != nil {
			return Outcome{}, rerr
		}
		if ferr := d.transitionFailed(processID); ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Failed: true}, nil
	}
	if err := d.Store.SaveNegotiation(processID, model.Negotiation{ID: idResp.ID, State: model.NegotiationRequested}); err != nil {
		return Outcome{}, err
	}

	abortCheck := func() bool {
		state, ok := d.Registry.GetState(processID)
		return ok && state == model.StateTerminated
	}

	result, err := d.Client.PollNegotiation(ctx, idResp.ID, d.Interval, abortCheck)
	if err != nil {
		if rerr := d.Store.RecordStep(processID, "negotiation-failed", "FAILED"); rerr != nil {
			return Outcome{}, rerr
		}
		if ferr := d.transitionFailed(processID); ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Failed: true}, nil
	}
	if result.Aborted {
		log.Info("negotiation aborted by terminate()")
		return Outcome{Aborted: true}, nil
	}

	neg := result.Value
	if err := d.Store.SaveNegotiation(processID, neg); err != nil {
		return Outcome{}, err
	}

	if !neg.State.IsTerminalSuccess() {
		if err := d.Store.RecordStep(processID, "negotiation-failed", "FAILED"); err != nil {
			return Outcome{}, err
		}
		if err := d.transitionFailed(processID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Negotiation: neg, Failed: true}, nil
	}

	if err := d.Store.Transition(processID, model.StateNegotiated); err != nil {
		return Outcome{}, err
	}
	if serr := d.Registry.SetState(processID, model.StateNegotiated); serr != nil {
		log.WithError(serr).Warn("procreg state lagged behind processstore")
	}
	return Outcome{Negotiation: neg}, nil
}

func (d *Driver) transitionFailed(processID string) error {
	if err := d.Store.Transition(processID, model.StateFailed); err != nil {
		return err
	}
	if err := d.Registry.SetState(processID, model.StateFailed); err != nil {
		d.Log.WithError(err).Warn("procreg state lagged behind processstore")
	}
	return nil
}
