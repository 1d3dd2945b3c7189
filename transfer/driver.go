// Package transfer is the worker task (C6) that drives one process's data
// transfer from request to a ready data-plane endpoint, mirroring
// negotiation.Driver's shape so the controller can chain the two the same
// way regardless of which remote state machine is being observed.
package transfer

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dpp-connector/engine/dppconfig"
	"github.com/dpp-connector/engine/dspaceclient"
	"github.com/dpp-connector/engine/model"
	"github.com/dpp-connector/engine/procreg"
	"github.com/dpp-connector/engine/processstore"
)

// Driver builds a transfer request from a negotiated contract, starts the
// transfer, polls it to a terminal state, and persists the result.
type Driver struct {
	Client   *dspaceclient.Client
	Store    *processstore.Store
	Registry *procreg.Registry
	Interval time.Duration
	Config   dppconfig.Config
	Log      *logrus.Entry
}

// Outcome reports how the transfer driver finished.
type Outcome struct {
	Transfer model.Transfer
	Aborted  bool
	Failed   bool
}

// Run executes the transfer algorithm for processID, using negotiation's
// contractAgreementId to authorize the transfer. status is the triggering
// History entry the controller observed, accepted for correlation only.
func (d *Driver) Run(ctx context.Context, processID string, dataset model.Dataset, status model.HistoryEntry, negotiation model.Negotiation, bpn string) (Outcome, error) {
	log := d.Log.WithField("processId", processID)

	proc, err := d.Store.Get(processID)
	if err != nil {
		return Outcome{}, err
	}
	if negotiation.ContractAgreementID == "" {
		return Outcome{}, model.NewError(model.KindInvalidState, "no contractAgreementId: negotiation did not reach terminal-success", nil)
	}

	req := model.NewTransferRequest(proc.Endpoint, bpn, dataset.AssetID, negotiation.ContractAgreementID, d.Config.CallbackURL(processID))

	if err := d.Store.SaveTransferRequest(processID, req); err != nil {
		return Outcome{}, err
	}
	if err := d.Store.SaveTransfer(processID, model.Transfer{ID: processID, State: model.TransferRequested}); err != nil {
		return Outcome{}, err
	}

	idResp, err := d.Client.StartTransfer(ctx, req)
	if err != nil {
		if ferr := d.fail(processID); ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Failed: true}, nil
	}
	if err := d.Store.SaveTransfer(processID, model.Transfer{ID: idResp.ID, State: model.TransferRequested}); err != nil {
		return Outcome{}, err
	}

	abortCheck := func() bool {
		state, ok := d.Registry.GetState(processID)
		return ok && state == model.StateTerminated
	}

	result, err := d.Client.PollTransfer(ctx, idResp.ID, d.Interval, abortCheck)
	if err != nil {
		if ferr := d.fail(processID); ferr != nil {
			return Outcome{}, ferr
		}
		return Outcome{Failed: true}, nil
	}
	if result.Aborted {
		log.Info("transfer aborted by terminate()")
		return Outcome{Aborted: true}, nil
	}

	xfer := result.Value
	if err := d.Store.SaveTransfer(processID, xfer); err != nil {
		return Outcome{}, err
	}

	if !xfer.State.IsTerminalSuccess() {
		if err := d.fail(processID); err != nil {
			return Outcome{}, err
		}
		return Outcome{Transfer: xfer, Failed: true}, nil
	}

	if err := d.Store.Transition(processID, model.StateCompleted); err != nil {
		return Outcome{}, err
	}
	if serr := d.Registry.SetState(processID, model.StateCompleted); serr != nil {
		log.WithError(serr).Warn("procreg state lagged behind processstore")
	}
	return Outcome{Transfer: xfer}, nil
}

func (d *Driver) fail(processID string) error {
	if err := d.Store.RecordStep(processID, "transfer-failed", "FAILED"); err != nil {
		return err
	}
	if err := d.Store.Transition(processID, model.StateFailed); err != nil {
		return err
	}
	if err := d.Registry.SetState(processID, model.StateFailed); err != nil {
		d.Log.WithError(err).Warn("procreg state lagged behind processstore")
	}
	return nil
}
