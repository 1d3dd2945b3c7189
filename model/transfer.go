package model

import "encoding/json"

// TransferState is a remote-observed transfer-process state.
type TransferState string

const (
	TransferRequested   TransferState = "REQUESTED"
	TransferStarted     TransferState = "STARTED"
	TransferCompleted   TransferState = "COMPLETED"
	TransferVerified    TransferState = "VERIFIED"
	TransferFinalized   TransferState = "FINALIZED"
	TransferTerminating TransferState = "TERMINATING"
	TransferTerminated  TransferState = "TERMINATED"
	TransferError       TransferState = "ERROR"
)

// IsTerminalSuccess reports whether the data plane endpoint is ready.
func (s TransferState) IsTerminalSuccess() bool {
	return s == TransferCompleted || s == TransferVerified || s == TransferFinalized
}

// IsTerminalFailure reports whether the transfer cannot proceed further.
func (s TransferState) IsTerminalFailure() bool {
	return s == TransferError || s == TransferTerminated || s == TransferTerminating
}

// IsTerminal reports whether polling should stop.
func (s TransferState) IsTerminal() bool {
	return s.IsTerminalSuccess() || s.IsTerminalFailure()
}

// Transfer is the remote state of a transfer process.
type Transfer struct {
	ID    string        `json:"id"`
	State TransferState `json:"state"`
}

// transferWire mirrors the counterparty's poll response shape.
type transferWire struct {
	ID    string `json:"@id"`
	State string `json:"edc:state"`
}

// UnmarshalJSON accepts the counterparty's wire shape (edc:state, @id) and
// fills a Transfer from it.
func (t *Transfer) UnmarshalJSON(data []byte) error {
	var w transferWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	t.ID = w.ID
	t.State = TransferState(w.State)
	return nil
}

// TransferType describes the shape of data the consumer expects back.
type TransferType struct {
	ContentType string `json:"contentType"`
	IsFinite    bool   `json:"isFinite"`
}

// DataDestination describes where the provider should push (or make
// available) the transferred data.
type DataDestination struct {
	Type string `json:"type"`
}

// PrivateProperties carries the one-shot callback endpoint the provider
// notifies once data is staged.
type PrivateProperties struct {
	ReceiverHTTPEndpoint string `json:"receiverHttpEndpoint"`
}

// TransferRequest is the body posted to the transfer endpoint.
type TransferRequest struct {
	Context             map[string]string `json:"@context"`
	AssetID             string            `json:"assetId"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	CounterPartyID      string            `json:"counterPartyId"`
	ContractID          string            `json:"contractId"`
	DataDestination     DataDestination   `json:"dataDestination"`
	ManagedResources    bool              `json:"managedResources"`
	PrivateProperties   PrivateProperties `json:"privateProperties"`
	Protocol            string            `json:"protocol"`
	TransferType        TransferType      `json:"transferType"`
}

// NewTransferRequest builds the body posted to start a transfer.
func NewTransferRequest(providerURL, bpn, assetID, contractID, callbackURL string) TransferRequest {
	return TransferRequest{
		Context:             OdrlContext(),
		AssetID:             assetID,
		CounterPartyAddress: providerURL,
		CounterPartyID:      bpn,
		ContractID:          contractID,
		DataDestination:     DataDestination{Type: "HttpProxy"},
		ManagedResources:    false,
		PrivateProperties:   PrivateProperties{ReceiverHTTPEndpoint: callbackURL},
		Protocol:            "dataspace-protocol-http",
		TransferType:        TransferType{ContentType: "application/octet-stream", IsFinite: true},
	}
}
