package model

import "encoding/json"

// NegotiationState is a remote-observed contract negotiation state, as
// reported by the counterparty's `edc:state` field.
type NegotiationState string

const (
	NegotiationRequested   NegotiationState = "REQUESTED"
	NegotiationNegotiating NegotiationState = "NEGOTIATING"
	NegotiationAgreed      NegotiationState = "AGREED"
	NegotiationVerifying   NegotiationState = "VERIFYING"
	NegotiationFinalized   NegotiationState = "FINALIZED"
	NegotiationConfirmed   NegotiationState = "CONFIRMED"
	NegotiationTerminating NegotiationState = "TERMINATING"
	NegotiationTerminated  NegotiationState = "TERMINATED"
	NegotiationError       NegotiationState = "ERROR"
)

// IsTerminalSuccess reports whether the negotiation reached an agreed
// contract. FINALIZED is included here even though some dataspace
// implementations only ever use it on the transfer side; this connector
// treats it as success on both.
func (s NegotiationState) IsTerminalSuccess() bool {
	return s == NegotiationConfirmed || s == NegotiationFinalized
}

// IsTerminalFailure reports whether the negotiation cannot proceed further.
func (s NegotiationState) IsTerminalFailure() bool {
	return s == NegotiationError || s == NegotiationTerminated || s == NegotiationTerminating
}

// IsTerminal reports whether polling should stop.
func (s NegotiationState) IsTerminal() bool {
	return s.IsTerminalSuccess() || s.IsTerminalFailure()
}

// Negotiation is the remote state of a contract negotiation.
type Negotiation struct {
	ID                  string           `json:"id"`
	State               NegotiationState `json:"state"`
	ContractAgreementID string           `json:"contractAgreementId,omitempty"`
}

// negotiationWire mirrors the counterparty's poll response shape, where the
// state lives under the "edc:state" key rather than a bare "state".
type negotiationWire struct {
	ID                  string `json:"@id"`
	State               string `json:"edc:state"`
	ContractAgreementID string `json:"contractAgreementId,omitempty"`
}

// UnmarshalJSON accepts the counterparty's wire shape (edc:state, @id) and
// fills a Negotiation from it.
func (n *Negotiation) UnmarshalJSON(data []byte) error {
	var w negotiationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	n.ID = w.ID
	n.State = NegotiationState(w.State)
	n.ContractAgreementID = w.ContractAgreementID
	return nil
}

// IdResponse is the remote-assigned identifier handed back by a create call.
type IdResponse struct {
	ID string `json:"@id"`
}

// Policy is opaque to the engine except for its identifier, which becomes
// the offerId sent back to the counterparty.
type Policy struct {
	ID  string                 `json:"@id,omitempty"`
	Raw map[string]interface{} `json:"-"`
}

// WithoutID returns a copy of the policy with its identifier cleared, for
// embedding as the agreement proposal in a NegotiationRequest.
func (p Policy) WithoutID() Policy {
	cp := Policy{Raw: p.Raw}
	return cp
}

// UnmarshalJSON captures the full policy document in Raw while still
// surfacing @id as a first-class field, since the engine only ever
// inspects the identifier and otherwise treats the policy as opaque.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Raw = raw
	if id, ok := raw["@id"].(string); ok {
		p.ID = id
	}
	return nil
}

// MarshalJSON emits Raw verbatim, falling back to just the identifier when
// no raw document was captured (e.g. a policy built in-process rather than
// parsed from a counterparty response).
func (p Policy) MarshalJSON() ([]byte, error) {
	if p.Raw != nil {
		out := make(map[string]interface{}, len(p.Raw))
		for k, v := range p.Raw {
			out[k] = v
		}
		if p.ID != "" {
			out["@id"] = p.ID
		} else {
			delete(out, "@id")
		}
		return json.Marshal(out)
	}
	if p.ID == "" {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]string{"@id": p.ID})
}

// Offer couples an assetId with the single policy chosen for negotiation.
type Offer struct {
	OfferID string `json:"offerId"`
	AssetID string `json:"assetId"`
	Policy  Policy `json:"policy"`
}

// NegotiationRequest is the body posted to the negotiation endpoint.
type NegotiationRequest struct {
	Context             map[string]string `json:"@context"`
	CounterPartyAddress string            `json:"counterPartyAddress"`
	CounterPartyID      string            `json:"counterPartyId"`
	Offer               Offer             `json:"offer"`
}

// NewNegotiationRequest builds the body posted to start a negotiation from
// a chosen offer.
func NewNegotiationRequest(providerURL, bpn string, offer Offer) NegotiationRequest {
	return NegotiationRequest{
		Context:             OdrlContext(),
		CounterPartyAddress: providerURL,
		CounterPartyID:      bpn,
		Offer:               offer,
	}
}

// OdrlContext is the JSON-LD context attached to every outbound request.
func OdrlContext() map[string]string {
	return map[string]string{"odrl": "http://www.w3.org/ns/odrl/2/"}
}
