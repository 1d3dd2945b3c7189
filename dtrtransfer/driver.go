// Package dtrtransfer is the registry-fetch variant of the transfer driver
// (C7): one instance runs per digital-twin-registry endpoint discovered
// during search, so several run concurrently for the same process against
// distinct step-name keys in the journal's isRegistry namespace.
package dtrtransfer

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

// Driver fetches one digital-twin-registry endpoint's transfer for a
// process, recording its own outcome under a job/endpoint-scoped step name
// so sibling endpoints for the same search can succeed or fail
// independently.
type Driver struct {
	Client   *dspaceclient.Client
	Store    *processstore.Store
	Registry *procreg.Registry
	Interval time.Duration
	Config   dppconfig.Config
	Log      *logrus.Entry
}

// Outcome reports how one endpoint's registry transfer finished.
type Outcome struct {
	EndpointID string
	Transfer   model.Transfer
	Aborted    bool
	Incomplete bool
}

// Run fetches the registry endpoint identified by endpointID for
// processID/searchID, using negotiation's contractAgreementId. Unlike
// transfer.Driver, a TERMINATED remote state is recorded as
// "dtr-<endpointId>-transfer-incomplete: INCOMPLETE" rather than a hard
// FAILED, since sibling endpoints for the same search may still succeed.
func (d *Driver) Run(ctx context.Context, processID, searchID, endpointID string, dataset model.Dataset, negotiation model.Negotiation, bpn string) (Outcome, error) {
	log := d.Log.WithFields(logrus.Fields{"processId": processID, "endpointId": endpointID})

	proc, err := d.Store.Get(processID)
	if err != nil {
		return Outcome{EndpointID: endpointID}, err
	}
	if negotiation.ContractAgreementID == "" {
		return Outcome{EndpointID: endpointID}, model.NewError(model.KindInvalidState, "no contractAgreementId: negotiation did not reach terminal-success", nil)
	}

	req := model.NewTransferRequest(proc.Endpoint, bpn, dataset.AssetID, negotiation.ContractAgreementID,
		d.Config.RegistryCallbackURL(processID, endpointID))

	if err := d.Store.SaveRegistryTransferRequest(processID, endpointID, req); err != nil {
		return Outcome{EndpointID: endpointID}, err
	}
	if err := d.Store.RecordJobStep(processID, searchID, endpointID, processID, string(model.TransferRequested)); err != nil {
		return Outcome{EndpointID: endpointID}, err
	}

	idResp, err := d.Client.StartTransfer(ctx, req)
	if err != nil {
		if rerr := d.Store.RecordJobStep(processID, searchID, endpointID, processID, "FAILED"); rerr != nil {
			return Outcome{EndpointID: endpointID}, rerr
		}
		return Outcome{EndpointID: endpointID}, nil
	}
	if err := d.Store.RecordJobStep(processID, searchID, endpointID, idResp.ID, string(model.TransferRequested)); err != nil {
		return Outcome{EndpointID: endpointID}, err
	}

	abortCheck := func() bool {
		state, ok := d.Registry.GetState(processID)
		return ok && state == model.StateTerminated
	}

	result, err := d.Client.PollTransfer(ctx, idResp.ID, d.Interval, abortCheck)
	if err != nil {
		if rerr := d.Store.RecordJobStep(processID, searchID, endpointID, idResp.ID, "FAILED"); rerr != nil {
			return Outcome{EndpointID: endpointID}, rerr
		}
		return Outcome{EndpointID: endpointID}, nil
	}
	if result.Aborted {
		log.Info("registry transfer aborted by terminate()")
		return Outcome{EndpointID: endpointID, Aborted: true}, nil
	}

	xfer := result.Value
	if err := d.Store.RecordJobStep(processID, searchID, endpointID, xfer.ID, string(xfer.State)); err != nil {
		return Outcome{EndpointID: endpointID}, err
	}

	if xfer.State == model.TransferTerminated {
		stepName := "dtr-" + endpointID + "-transfer-incomplete"
		if err := d.Store.RecordStep(processID, stepName, "INCOMPLETE"); err != nil {
			return Outcome{EndpointID: endpointID}, err
		}
		return Outcome{EndpointID: endpointID, Transfer: xfer, Incomplete: true}, nil
	}
	if !xfer.State.IsTerminalSuccess() {
		stepName := "dtr-" + endpointID + "-transfer-failed"
		if err := d.Store.RecordStep(processID, stepName, "FAILED"); err != nil {
			return Outcome{EndpointID: endpointID}, err
		}
		return Outcome{EndpointID: endpointID, Transfer: xfer, Incomplete: true}, nil
	}

	if err := d.Store.RecordStep(processID, "dtr-"+endpointID+"-transfer", "OK"); err != nil {
		return Outcome{EndpointID: endpointID}, err
	}
	return Outcome{EndpointID: endpointID, Transfer: xfer}, nil
}
